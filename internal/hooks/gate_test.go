package hooks

import (
	"strings"
	"testing"

	"github.com/overstory-ai/overstory/internal/agent"
)

func bashCall(command string) ToolCall {
	return ToolCall{ToolName: "Bash", ToolInput: []byte(`{"command":` + quote(command) + `}`)}
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func TestGateReadOnlyCapabilities(t *testing.T) {
	for _, c := range []agent.Capability{agent.Scout, agent.Reviewer, agent.Monitor} {
		d := Evaluate(c, ToolCall{ToolName: "Edit"})
		if d.Allow {
			t.Errorf("%s: Edit should be denied", c)
		}
		if !strings.Contains(d.Reason, "read-only") {
			t.Errorf("%s: reason = %q", c, d.Reason)
		}
		if d := Evaluate(c, ToolCall{ToolName: "Read"}); !d.Allow {
			t.Errorf("%s: Read should be allowed, got %q", c, d.Reason)
		}
	}

	if d := Evaluate(agent.Builder, ToolCall{ToolName: "Write"}); !d.Allow {
		t.Errorf("builder Write should be allowed, got %q", d.Reason)
	}
}

func TestGateGitPush(t *testing.T) {
	denied := []string{
		"git push",
		"git push --force origin main",
		"git -C /repo push",
		"cd /repo && git push origin HEAD",
	}
	for _, cmd := range denied {
		d := Evaluate(agent.Builder, bashCall(cmd))
		if d.Allow {
			t.Errorf("%q should be denied", cmd)
		}
		if !strings.Contains(d.Reason, "merge queue") {
			t.Errorf("%q: reason = %q", cmd, d.Reason)
		}
	}

	allowed := []string{
		"git status",
		"git stash push -m wip",
		"git commit -m 'pushing forward'",
		"echo done",
	}
	for _, cmd := range allowed {
		if d := Evaluate(agent.Lead, bashCall(cmd)); !d.Allow {
			t.Errorf("%q should be allowed, got %q", cmd, d.Reason)
		}
	}
}

func TestGateNativeSpawnTools(t *testing.T) {
	for _, tool := range []string{"Task", "Agent", "TeamCreate", "TeammateMessage"} {
		d := Evaluate(agent.Lead, ToolCall{ToolName: tool})
		if d.Allow {
			t.Errorf("%s should be denied", tool)
		}
		if !strings.Contains(d.Reason, "overstory sling") {
			t.Errorf("%s: reason = %q", tool, d.Reason)
		}
	}
}

func TestGateUnparseableBashInput(t *testing.T) {
	call := ToolCall{ToolName: "Bash", ToolInput: []byte(`not json`)}
	if d := Evaluate(agent.Builder, call); !d.Allow {
		t.Errorf("unparseable input should pass through, got %q", d.Reason)
	}
}

func TestParseToolCall(t *testing.T) {
	call, err := ParseToolCall(strings.NewReader(`{"tool_name":"Bash","tool_input":{"command":"ls"}}`))
	if err != nil {
		t.Fatalf("ParseToolCall: %v", err)
	}
	if call.ToolName != "Bash" {
		t.Errorf("tool name = %q", call.ToolName)
	}

	if _, err := ParseToolCall(strings.NewReader("{broken")); err == nil {
		t.Error("expected error for malformed payload")
	}
}
