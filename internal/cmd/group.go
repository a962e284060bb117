package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/style"
	"github.com/overstory-ai/overstory/internal/util"
)

var groupCreateMembers []string

var groupCmd = &cobra.Command{
	Use:     "group",
	GroupID: GroupComm,
	Short:   "Manage mail groups",
	Long: `Custom mail groups fan one message out to a fixed membership.
Built-in groups (@all plus one per capability) resolve against live
sessions and need no management here.`,
	RunE: requireSubcommand,
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupCreate,
}

var groupAddCmd = &cobra.Command{
	Use:   "add <name> <agent>",
	Short: "Add an agent to a group",
	Args:  cobra.ExactArgs(2),
	RunE:  runGroupAdd,
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <name> <agent>",
	Short: "Remove an agent from a group",
	Args:  cobra.ExactArgs(2),
	RunE:  runGroupRemove,
}

var groupStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Show a group's members",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupStatus,
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	Args:  cobra.NoArgs,
	RunE:  runGroupList,
}

func init() {
	groupCreateCmd.Flags().StringSliceVar(&groupCreateMembers, "members", nil, "Initial members (comma-separated)")
	groupCmd.AddCommand(groupCreateCmd, groupAddCmd, groupRemoveCmd, groupStatusCmd, groupListCmd)
	rootCmd.AddCommand(groupCmd)
}

// reservedGroups are the built-in addresses resolved by capability;
// custom groups must not shadow them.
var reservedGroups = map[string]bool{
	"all": true, "builders": true, "scouts": true,
	"reviewers": true, "leads": true, "mergers": true,
}

// groupName normalizes user input: "@canopy" and "canopy" name the
// same group.
func groupName(raw string) (string, error) {
	name := strings.TrimPrefix(raw, "@")
	if !util.ValidName(name) {
		return "", errdefs.Validationf("invalid group name %q", raw)
	}
	if reservedGroups[name] {
		return "", errdefs.Validationf("@%s is a built-in group and cannot be managed", name)
	}
	return name, nil
}

func runGroupCreate(cmd *cobra.Command, args []string) error {
	name, err := groupName(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mbox, err := a.Mail()
	if err != nil {
		return err
	}
	if err := mbox.CreateGroup(name, groupCreateMembers); err != nil {
		return errdefs.Wrap(errdefs.KindMail, err, "creating group")
	}

	w := out()
	fmt.Fprintf(w, "%s Created group @%s", style.SuccessPrefix, name)
	if len(groupCreateMembers) > 0 {
		fmt.Fprintf(w, " with %d member(s)", len(groupCreateMembers))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Mail it with: overstory mail send @%s --subject \"...\"\n", name)
	return nil
}

func runGroupAdd(cmd *cobra.Command, args []string) error {
	name, err := groupName(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mbox, err := a.Mail()
	if err != nil {
		return err
	}
	if err := mbox.AddToGroup(name, args[1]); err != nil {
		return errdefs.Wrap(errdefs.KindMail, err, "adding member")
	}
	fmt.Fprintf(out(), "%s Added %s to @%s\n", style.SuccessPrefix, args[1], name)
	return nil
}

func runGroupRemove(cmd *cobra.Command, args []string) error {
	name, err := groupName(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mbox, err := a.Mail()
	if err != nil {
		return err
	}
	if err := mbox.RemoveFromGroup(name, args[1]); err != nil {
		return errdefs.Wrap(errdefs.KindMail, err, "removing member")
	}
	fmt.Fprintf(out(), "%s Removed %s from @%s\n", style.SuccessPrefix, args[1], name)
	return nil
}

func runGroupStatus(cmd *cobra.Command, args []string) error {
	name, err := groupName(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mbox, err := a.Mail()
	if err != nil {
		return err
	}
	exists, err := mbox.GroupExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return errdefs.Mailf("no group named @%s", name)
	}
	members, err := mbox.GroupMembers(name)
	if err != nil {
		return err
	}

	sessions, err := a.Sessions()
	if err != nil {
		return err
	}
	type memberView struct {
		Agent  string `json:"agent"`
		State  string `json:"state"`
		Online bool   `json:"online"`
	}
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		v := memberView{Agent: m, State: "offline"}
		if sess, ok, err := sessions.GetByName(m); err == nil && ok {
			v.State = string(sess.State)
			v.Online = sess.State.IsActive()
		}
		views = append(views, v)
	}

	if jsonOut {
		return printJSON(struct {
			Group   string       `json:"group"`
			Members []memberView `json:"members"`
		}{name, views})
	}

	w := out()
	fmt.Fprintln(w, style.Bold.Render("@"+name))
	if len(views) == 0 {
		fmt.Fprintln(w, style.Dim.Render("  (no members)"))
		return nil
	}
	for _, v := range views {
		fmt.Fprintf(w, "  %-16s %s\n", v.Agent, style.StateStyle(v.State).Render(v.State))
	}
	return nil
}

func runGroupList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mbox, err := a.Mail()
	if err != nil {
		return err
	}
	groups, err := mbox.ListGroups()
	if err != nil {
		return err
	}

	type groupView struct {
		Name    string   `json:"name"`
		Members []string `json:"members,omitempty"`
		Builtin bool     `json:"builtin"`
	}
	views := make([]groupView, 0, len(groups)+len(reservedGroups))
	for _, g := range groups {
		members, err := mbox.GroupMembers(g)
		if err != nil {
			return err
		}
		views = append(views, groupView{Name: g, Members: members})
	}

	if jsonOut {
		for name := range reservedGroups {
			views = append(views, groupView{Name: name, Builtin: true})
		}
		return printJSON(views)
	}

	w := out()
	if len(views) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No custom groups. Create one with: overstory group create <name>"))
	}
	for _, v := range views {
		members := strings.Join(v.Members, ", ")
		if members == "" {
			members = style.Dim.Render("(empty)")
		}
		fmt.Fprintf(w, "%-16s %s\n", style.Bold.Render("@"+v.Name), members)
	}
	fmt.Fprintln(w, style.Dim.Render("Built-in: @all, @builders, @scouts, @reviewers, @leads, @mergers"))
	return nil
}
