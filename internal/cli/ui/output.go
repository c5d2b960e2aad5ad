package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

var (
	successColor   = color.New(color.FgGreen, color.Bold)
	errorColor     = color.New(color.FgRed, color.Bold)
	warningColor   = color.New(color.FgYellow, color.Bold)
	infoColor      = color.New(color.FgCyan)
	boldColor      = color.New(color.Bold)
	userColor      = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgMagenta, color.Bold)
	faintColor     = color.New(color.Faint)
)

// PrintSuccess prints a success message
func PrintSuccess(format string, args ...any) {
	successColor.Printf("✓ %s\n", fmt.Sprintf(format, args...))
}

// PrintError prints an error message
func PrintError(format string, args ...any) {
	errorColor.Printf("✗ %s\n", fmt.Sprintf(format, args...))
}

// PrintWarning prints a warning message
func PrintWarning(format string, args ...any) {
	warningColor.Printf("⚠ %s\n", fmt.Sprintf(format, args...))
}

// PrintInfo prints an info message
func PrintInfo(format string, args ...any) {
	infoColor.Printf("ℹ %s\n", fmt.Sprintf(format, args...))
}

// PrintBold prints a bold message
func PrintBold(format string, args ...any) {
	boldColor.Println(fmt.Sprintf(format, args...))
}

// Prompt prints the input prompt without a newline.
func Prompt() {
	userColor.Print("> ")
}

// AssistantLabel starts an assistant reply line.
func AssistantLabel(w io.Writer) {
	assistantColor.Fprint(w, "assistant: ")
}

// RenderMessage writes one message of a transcript.
func RenderMessage(w io.Writer, msg chat.Message) {
	label := userColor
	if msg.Role != chat.RoleUser {
		label = assistantColor
	}
	label.Fprintf(w, "%s", msg.Role)
	if !chat.IsTemporaryID(msg.ID) {
		faintColor.Fprintf(w, " #%s", msg.ID)
	}
	fmt.Fprint(w, ": ")

	if att, ok := msg.AttachmentRef(); ok {
		faintColor.Fprintf(w, "[%s %s] ", att.Name, att.URL)
	}
	text := msg.Text()
	if msg.EffectiveStatus() == chat.StatusError {
		errorColor.Fprintln(w, text)
		return
	}
	fmt.Fprintln(w, text)
}

// RenderTranscript writes every message in order.
func RenderTranscript(w io.Writer, messages []chat.Message) {
	if len(messages) == 0 {
		faintColor.Fprintln(w, "(no messages)")
		return
	}
	for _, msg := range messages {
		RenderMessage(w, msg)
	}
}

// RenderSessions writes one page of the session list as a table.
func RenderSessions(w io.Writer, page chat.SessionPage, active int64) {
	if len(page.Items) == 0 {
		faintColor.Fprintln(w, "(no conversations)")
		return
	}

	boldColor.Fprintf(w, "  %-6s %-24s %-6s %s\n", "ID", "TITLE", "MSGS", "UPDATED")
	for _, s := range page.Items {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-6d %-24s %-6d %s\n", marker, s.ID, truncate(s.Title, 24), s.MessageCount, since(s.UpdatedAt))
		if s.LastMessage != "" {
			faintColor.Fprintf(w, "         %s\n", truncate(strings.ReplaceAll(s.LastMessage, "\n", " "), 60))
		}
	}

	p := page.Pagination
	pages := (p.Total + p.PageSize - 1) / max(p.PageSize, 1)
	faintColor.Fprintf(w, "page %d/%d, %d total\n", p.Page, max(pages, 1), p.Total)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02")
	}
}
