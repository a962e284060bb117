package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

// eventView is the display and JSON shape of one event-log record.
type eventView struct {
	ID         int64     `json:"id"`
	Run        string    `json:"run,omitempty"`
	Agent      string    `json:"agent"`
	Type       string    `json:"type"`
	Tool       string    `json:"tool,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Level      string    `json:"level,omitempty"`
	Data       string    `json:"data,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func eventViews(events []store.Event) []eventView {
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			ID:         ev.ID,
			Run:        ev.RunID,
			Agent:      ev.AgentName,
			Type:       ev.EventType,
			Tool:       ev.ToolName,
			DurationMs: ev.ToolDurationMs,
			Level:      ev.Level,
			Data:       ev.Data,
			CreatedAt:  ev.CreatedAt,
		})
	}
	return views
}

// eventLine renders one record for streamed views: timestamp, agent,
// type, then whatever detail the type carries.
func eventLine(ev eventView) string {
	var sb strings.Builder
	sb.WriteString(style.Dim.Render(ev.CreatedAt.Local().Format("15:04:05")))
	sb.WriteString("  ")
	sb.WriteString(fmt.Sprintf("%-14s", clip(ev.Agent, 14)))
	sb.WriteString(levelStyle(ev.Level).Render(fmt.Sprintf("%-14s", ev.Type)))

	switch {
	case ev.Tool != "" && ev.Type == store.EventToolEnd && ev.DurationMs >= 0:
		sb.WriteString(fmt.Sprintf("%s (%s)", ev.Tool, humanMs(ev.DurationMs)))
	case ev.Tool != "":
		sb.WriteString(ev.Tool)
	case ev.Data != "":
		sb.WriteString(style.Dim.Render(clip(ev.Data, 80)))
	}
	return sb.String()
}

func levelStyle(level string) lipgloss.Style {
	switch level {
	case "error":
		return style.Red
	case "warn":
		return style.Yellow
	default:
		return style.Dim
	}
}
