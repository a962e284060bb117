package style

import (
	"strings"
	"testing"
)

func TestNewTableDefaults(t *testing.T) {
	tbl := NewTable(
		Column{Name: "Agent", Width: 12},
		Column{Name: "State", Width: 10},
	)
	if tbl == nil {
		t.Fatal("NewTable() returned nil")
	}
	if len(tbl.columns) != 2 {
		t.Errorf("columns = %d, want 2", len(tbl.columns))
	}
	if !tbl.headerSep {
		t.Error("headerSep should default to true")
	}
	if tbl.indent != "  " {
		t.Errorf("indent = %q, want %q", tbl.indent, "  ")
	}
}

func TestTableChaining(t *testing.T) {
	tbl := NewTable(Column{Name: "A", Width: 5})
	if tbl.SetIndent("    ") != tbl {
		t.Error("SetIndent should return the table for chaining")
	}
	if tbl.indent != "    " {
		t.Errorf("indent = %q, want four spaces", tbl.indent)
	}
	if tbl.SetHeaderSeparator(false) != tbl {
		t.Error("SetHeaderSeparator should return the table for chaining")
	}
	if tbl.headerSep {
		t.Error("headerSep should be false after SetHeaderSeparator(false)")
	}
	if tbl.AddRow("x") != tbl {
		t.Error("AddRow should return the table for chaining")
	}
}

func TestAddRowPadsShortRows(t *testing.T) {
	tbl := NewTable(
		Column{Name: "Agent", Width: 8},
		Column{Name: "Branch", Width: 20},
	)
	tbl.AddRow("moss")
	if len(tbl.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(tbl.rows))
	}
	row := tbl.rows[0]
	if len(row) != 2 {
		t.Fatalf("row len = %d, want 2 (padded)", len(row))
	}
	if row[0] != "moss" || row[1] != "" {
		t.Errorf("row = %v, want [moss \"\"]", row)
	}
}

func TestRenderEmptyTable(t *testing.T) {
	if got := NewTable().Render(); got != "" {
		t.Errorf("Render() with no columns = %q, want empty", got)
	}
}

func TestRenderRows(t *testing.T) {
	tbl := NewTable(
		Column{Name: "Agent", Width: 8},
		Column{Name: "State", Width: 10},
	)
	tbl.SetHeaderSeparator(false)
	tbl.SetIndent("")
	tbl.AddRow("moss", "working")
	tbl.AddRow("sable", "stalled")

	lines := strings.Split(strings.TrimRight(tbl.Render(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines: %v", len(lines), lines)
	}
	if got := stripAnsi(lines[1]); !strings.Contains(got, "moss") || !strings.Contains(got, "working") {
		t.Errorf("row 1 missing data: %q", got)
	}
	if got := stripAnsi(lines[2]); !strings.Contains(got, "sable") || !strings.Contains(got, "stalled") {
		t.Errorf("row 2 missing data: %q", got)
	}
}

func TestRenderHeaderSeparator(t *testing.T) {
	tbl := NewTable(Column{Name: "X", Width: 5})
	tbl.SetIndent("")
	tbl.AddRow("val")

	lines := strings.Split(strings.TrimRight(tbl.Render(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + sep + row, got %d lines", len(lines))
	}
	sep := stripAnsi(lines[1])
	if !strings.Contains(sep, "─") && !strings.Contains(sep, "-") {
		t.Errorf("separator line does not look like a rule: %q", sep)
	}
}

func TestRenderIndentsEveryLine(t *testing.T) {
	tbl := NewTable(Column{Name: "A", Width: 5})
	tbl.SetIndent(">>>")
	tbl.AddRow("x")

	for _, line := range strings.Split(strings.TrimRight(tbl.Render(), "\n"), "\n") {
		if !strings.HasPrefix(line, ">>>") {
			t.Errorf("line missing indent: %q", line)
		}
	}
}

func TestRenderTruncatesLongCells(t *testing.T) {
	tbl := NewTable(Column{Name: "Branch", Width: 12})
	tbl.SetHeaderSeparator(false)
	tbl.SetIndent("")
	tbl.AddRow("overstory/moss/ov-142")

	lines := strings.Split(strings.TrimRight(tbl.Render(), "\n"), "\n")
	if len(lines) < 2 {
		t.Fatal("expected at least 2 lines")
	}
	row := strings.TrimSpace(stripAnsi(lines[1]))
	if !strings.HasSuffix(row, "...") {
		t.Errorf("truncated cell should end with ellipsis: %q", row)
	}
	if len(row) > 12 {
		t.Errorf("truncated cell too wide: %d chars", len(row))
	}
}

func TestRenderNarrowColumnSkipsTruncation(t *testing.T) {
	tbl := NewTable(Column{Name: "N", Width: 2})
	tbl.SetHeaderSeparator(false)
	tbl.SetIndent("")
	tbl.AddRow("abcdef")

	lines := strings.Split(strings.TrimRight(tbl.Render(), "\n"), "\n")
	if got := stripAnsi(lines[1]); got != "abcdef" {
		t.Errorf("narrow column should pass value through, got %q", got)
	}
}

func TestPad(t *testing.T) {
	tbl := &Table{}
	tests := []struct {
		name  string
		text  string
		width int
		align Alignment
		want  string
	}{
		{"left", "hi", 10, AlignLeft, "hi        "},
		{"right", "hi", 10, AlignRight, "        hi"},
		{"center", "hi", 10, AlignCenter, "    hi    "},
		{"exact width", "hello", 5, AlignLeft, "hello"},
		{"overflow unchanged", "toolong", 3, AlignLeft, "toolong"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tbl.pad(tt.text, tt.text, tt.width, tt.align); got != tt.want {
				t.Errorf("pad(%q, %d, %v) = %q, want %q", tt.text, tt.width, tt.align, got, tt.want)
			}
		})
	}
}

func TestPadUsesPlainWidth(t *testing.T) {
	tbl := &Table{}
	styled := "\x1b[32mok\x1b[0m"
	got := tbl.pad(styled, "ok", 6, AlignLeft)
	if !strings.HasPrefix(got, styled) {
		t.Fatalf("styled text should survive padding: %q", got)
	}
	if want := styled + "    "; got != want {
		t.Errorf("pad = %q, want %q", got, want)
	}
}

func TestStripAnsi(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no ansi", "hello", "hello"},
		{"bold", "\x1b[1mhello\x1b[0m", "hello"},
		{"color", "\x1b[31mred\x1b[0m", "red"},
		{"stacked", "\x1b[1m\x1b[31mbold red\x1b[0m", "bold red"},
		{"empty", "", ""},
		{"mixed", "before\x1b[32mgreen\x1b[0mafter", "beforegreenafter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripAnsi(tt.input); got != tt.want {
				t.Errorf("stripAnsi(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestAlignmentConstantsDistinct(t *testing.T) {
	if AlignLeft == AlignRight || AlignLeft == AlignCenter || AlignRight == AlignCenter {
		t.Error("alignment constants should be distinct")
	}
}

func TestRenderHeaderOnly(t *testing.T) {
	tbl := NewTable(Column{Name: "Header", Width: 10})
	tbl.SetIndent("")

	lines := strings.Split(strings.TrimRight(tbl.Render(), "\n"), "\n")
	if len(lines) != 2 {
		t.Errorf("expected header + sep only, got %d lines", len(lines))
	}
}
