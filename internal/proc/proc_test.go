package proc

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit = %d", res.ExitCode)
	}
}

func TestRun_NonZeroExitIncludesStderr(t *testing.T) {
	res, err := Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error %q should carry stderr", err)
	}
}

func TestRun_ContextCancelKills(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Run(ctx, "sleep", "5")
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("process outlived context by %v", elapsed)
	}
}

func TestRun_MissingBinary(t *testing.T) {
	res, err := Run(context.Background(), "definitely-not-a-binary-xyz")
	if err == nil {
		t.Fatal("expected error")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit = %d, want -1 for start failure", res.ExitCode)
	}
}

func TestRunIn_SetsWorkingDir(t *testing.T) {
	dir := t.TempDir()
	res, err := RunIn(context.Background(), dir, "pwd")
	if err != nil {
		t.Fatalf("RunIn: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); !strings.HasSuffix(got, strings.TrimPrefix(dir, "/private")) && got != dir {
		// macOS tempdirs resolve /var to /private/var.
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestOutput_Trims(t *testing.T) {
	out, err := Output(context.Background(), "sh", "-c", "printf '  padded  \n'")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out != "padded" {
		t.Errorf("Output = %q", out)
	}
}

func TestRun_StdinFeeds(t *testing.T) {
	res, err := Real{}.Run(context.Background(), Options{
		Name:  "cat",
		Stdin: "piped line",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "piped line" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestLookPath(t *testing.T) {
	if !LookPath("sh") {
		t.Error("sh should be on PATH")
	}
	if LookPath("definitely-not-a-binary-xyz") {
		t.Error("bogus binary should not be on PATH")
	}
}
