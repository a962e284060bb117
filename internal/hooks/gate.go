package hooks

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/overstory-ai/overstory/internal/agent"
)

// ToolCall is the PreToolUse hook payload Claude Code pipes to stdin.
type ToolCall struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// Decision is the gate's verdict on one tool call.
type Decision struct {
	Allow  bool
	Reason string
}

// ParseToolCall reads a hook payload from r.
func ParseToolCall(r io.Reader) (ToolCall, error) {
	var call ToolCall
	if err := json.NewDecoder(r).Decode(&call); err != nil {
		return ToolCall{}, fmt.Errorf("parsing hook payload: %w", err)
	}
	return call, nil
}

var fileMutatingTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// Matches git push with any global flags interposed (git -C dir push),
// without catching subcommands like git stash push.
var gitPushRe = regexp.MustCompile(`\bgit\s+(?:-{1,2}[\w-]+(?:[= ]\S+)?\s+)*push\b`)

// Evaluate applies the tool policy for a capability. Read-only
// capabilities may not mutate files, nobody pushes, and spawning goes
// through overstory rather than the CLI's native task machinery.
func Evaluate(c agent.Capability, call ToolCall) Decision {
	if fileMutatingTools[call.ToolName] && c.ReadOnly() {
		return Decision{Reason: fmt.Sprintf("%s agents are read-only: %s is not allowed", c, call.ToolName)}
	}

	if isNativeSpawnTool(call.ToolName) {
		return Decision{Reason: "native task tools are disabled: spawn agents with overstory sling"}
	}

	if call.ToolName == "Bash" {
		var input struct {
			Command string `json:"command"`
		}
		// Unparseable input passes through; the gate only rules on
		// commands it can read.
		if err := json.Unmarshal(call.ToolInput, &input); err == nil {
			if gitPushRe.MatchString(input.Command) {
				return Decision{Reason: "git push is not allowed: branches land through the merge queue"}
			}
		}
	}

	return Decision{Allow: true}
}

// isNativeSpawnTool matches the CLI's own delegation tools. Agents
// must not fork work outside overstory's session accounting.
func isNativeSpawnTool(name string) bool {
	if name == "Task" || name == "Agent" {
		return true
	}
	return strings.HasPrefix(name, "Team") || strings.HasPrefix(name, "Teammate")
}
