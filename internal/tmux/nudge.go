package tmux

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Direct key injection races the agent's own typing and tool output,
// which is why routine delivery goes through nudge markers instead.
// InjectDirect is the escape hatch behind `overstory nudge --force-keys`
// and follows a clear/inject/verify/restore protocol to avoid eating
// whatever the operator or agent had typed.

var (
	ErrPaneBusy        = errors.New("pane is in a blocking mode")
	ErrInjectCorrupted = errors.New("injected text did not arrive intact")
	ErrInjectRetries   = errors.New("injection retries exhausted")
)

const (
	injectClearDelay = 50 * time.Millisecond
	injectSettle     = 50 * time.Millisecond
	injectLullWindow = 300 * time.Millisecond
	injectMaxRetries = 2
	injectTailLines  = 30
)

// pastePlaceholderRe matches the collapsed placeholder agent CLIs show
// for large pastes, e.g. "[Pasted text #3 +47 lines]". Injecting while
// one is pending would splice our text into the paste buffer.
var pastePlaceholderRe = regexp.MustCompile(`\[Pasted text #\d+ \+\d+ lines\]`)

// InjectDirect types message into the session and submits it,
// preserving any text that was already in the input field.
//
// Protocol per attempt:
//  1. refuse if the pane is in copy mode or mid-paste
//  2. capture the input area, remember any typed text
//  3. Ctrl-C to clear the field
//  4. paste the message literally, no Enter yet
//  5. re-capture and verify the message sits alone on its line
//  6. Escape then Enter to submit
//  7. re-type the preserved text
//
// Interleaved typing during step 4 triggers a retry after a lull.
func (t *Tmux) InjectDirect(ctx context.Context, session, message string) error {
	if t.IsPaneInMode(ctx, session) {
		return ErrPaneBusy
	}

	var preserved []string
	for attempt := 0; attempt <= injectMaxRetries; attempt++ {
		before, err := t.CapturePane(ctx, session, injectTailLines)
		if err != nil {
			return err
		}
		if pastePlaceholderRe.MatchString(before) {
			return ErrPaneBusy
		}
		if typed := lastInputLine(before); typed != "" {
			preserved = append(preserved, typed)
		}

		if err := t.SendKeysRaw(ctx, session, "C-c"); err != nil {
			return err
		}
		time.Sleep(injectClearDelay)

		if err := t.SendKeysLiteral(ctx, session, message); err != nil {
			t.restoreInput(ctx, session, preserved)
			return err
		}
		time.Sleep(injectSettle)

		after, err := t.CapturePane(ctx, session, injectTailLines)
		if err != nil {
			t.restoreInput(ctx, session, preserved)
			return err
		}

		extra, found := verifyInjected(after, message)
		if !found {
			t.restoreInput(ctx, session, preserved)
			return ErrInjectCorrupted
		}
		if extra != "" {
			// Someone typed during injection. Keep their text, clear,
			// and try again once the keyboard goes quiet.
			preserved = append(preserved, extra)
			_ = t.SendKeysRaw(ctx, session, "C-c")
			time.Sleep(injectClearDelay)
			t.waitForTypingLull(ctx, session)
			continue
		}

		// Escape first so vim-style input modes accept the Enter.
		_ = t.SendKeysRaw(ctx, session, "Escape")
		time.Sleep(100 * time.Millisecond)
		if err := t.SendKeysRaw(ctx, session, "Enter"); err != nil {
			t.restoreInput(ctx, session, preserved)
			return err
		}

		t.restoreInput(ctx, session, preserved)
		return nil
	}

	t.restoreInput(ctx, session, preserved)
	return ErrInjectRetries
}

// restoreInput re-types preserved text without submitting it.
func (t *Tmux) restoreInput(ctx context.Context, session string, preserved []string) {
	text := strings.TrimSpace(strings.Join(preserved, " "))
	if text == "" {
		return
	}
	_ = t.SendKeysLiteral(ctx, session, text)
}

// waitForTypingLull blocks until the pane tail stops changing for the
// lull window, resetting the clock on every change.
func (t *Tmux) waitForTypingLull(ctx context.Context, session string) {
	last, _ := t.CapturePane(ctx, session, 5)
	quiet := time.Now()
	for time.Since(quiet) < injectLullWindow {
		if ctx.Err() != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
		cur, err := t.CapturePane(ctx, session, 5)
		if err != nil {
			continue
		}
		if cur != last {
			last = cur
			quiet = time.Now()
		}
	}
}

// verifyInjected scans the capture tail for message and returns any
// stray text sharing its line. found is false when the message never
// made it to the pane.
func verifyInjected(capture, message string) (extra string, found bool) {
	lines := strings.Split(capture, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		idx := strings.Index(lines[i], message)
		if idx == -1 {
			continue
		}
		beforeText := strings.TrimSpace(trimInputChrome(lines[i][:idx]))
		afterText := strings.TrimSpace(trimInputChrome(lines[i][idx+len(message):]))
		return strings.TrimSpace(beforeText + " " + afterText), true
	}
	return "", false
}

// lastInputLine pulls the likely typed-but-unsubmitted text from a
// capture: the final non-empty line, stripped of prompt chrome.
func lastInputLine(capture string) string {
	lines := strings.Split(capture, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(trimInputChrome(lines[i]))
		if line != "" {
			return line
		}
	}
	return ""
}

// trimInputChrome strips the box-drawing and prompt characters agent
// TUIs wrap around the input field.
func trimInputChrome(s string) string {
	return strings.Trim(s, "│|>❯ \t\r")
}
