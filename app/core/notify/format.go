package notify

import (
	"fmt"
	"strings"
	"time"

	"fieldtask/app/core/refcodex"
	"fieldtask/app/core/task"
)

// markdownSpecials are the characters Telegram MarkdownV2 requires escaped in
// plain text.
const markdownSpecials = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdown makes arbitrary text safe to send with parse_mode
// MarkdownV2. Pure function; the dispatcher falls back to unformatted text
// when a formatted send is refused by the transport.
func EscapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func statusLabel(s task.Status) string {
	switch s {
	case task.StatusNew:
		return "🆕 new"
	case task.StatusInProgress:
		return "🏗 in progress"
	case task.StatusDone:
		return "✅ done"
	case task.StatusCanceled:
		return "🚫 canceled"
	case task.StatusRejected:
		return "⛔ rejected"
	}
	return string(s)
}

func dueLabel(unix int64) string {
	return time.Unix(unix, 0).Format("02.01.2006 15:04")
}

// RenderAssignment is the push message sent when a task is created for a
// bound worker.
func RenderAssignment(t task.Task) string {
	var b strings.Builder
	b.WriteString("🎯 New task!\n")
	fmt.Fprintf(&b, "Description: %s\n", t.Description)
	if t.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", t.Location)
	}
	fmt.Fprintf(&b, "Due: %s", dueLabel(t.DueTime))
	return b.String()
}

// RenderListing renders the worker's active tasks with the short reference
// minted for each one by the codex snapshot.
func RenderListing(tasks []task.Task, snap *refcodex.Snapshot) string {
	if len(tasks) == 0 {
		return "You have no active tasks"
	}

	var b strings.Builder
	b.WriteString("📌 Your current tasks:")
	for _, t := range tasks {
		ref, _ := snap.RefFor(t.ID)
		fmt.Fprintf(&b, "\n\n[%s] %s\n", ref, t.Description)
		if t.Location != "" {
			fmt.Fprintf(&b, "Location: %s\n", t.Location)
		}
		fmt.Fprintf(&b, "Due: %s\n", dueLabel(t.DueTime))
		fmt.Fprintf(&b, "Status: %s", statusLabel(t.Status))
	}
	b.WriteString("\n\nReply with: done <REF>, problem <REF> or cannot <REF>")
	return b.String()
}

// Fixed replies used by the engine.
const (
	MsgBound            = "✅ Account linked!"
	MsgUnknownContact   = "❌ This phone number is not registered. Ask your administrator to add you."
	MsgBoundElsewhere   = "❌ This account is already linked elsewhere. Ask your administrator to reset it."
	MsgNeedBinding      = "Please share your contact to link your account."
	MsgMenu             = "Available commands:\n/tasks — list your tasks\nShare your contact to link the account."
	MsgStaleRef         = "❌ That task reference is not in your latest listing. Send /tasks for a fresh list."
	MsgAlreadyResolved  = "❌ That task is already resolved."
	MsgTaskUnavailable  = "❌ That task is not available to you."
	MsgDone             = "✅ Task marked as done"
	MsgCanceledPrompt   = "🚫 Task canceled. Please describe the reason in your next message."
	MsgRejectedPrompt   = "⛔ Task rejected. Please describe the reason in your next message."
	MsgReasonSaved      = "Reason saved"
	MsgReasonNotSaved   = "❌ Could not save the reason; the task may have changed. Send /tasks for a fresh list."
	MsgListFirst        = "Send /tasks to get your task list first."
	MsgDidNotUnderstand = "I didn't understand that. Send /tasks to see your tasks."
	MsgInternal         = "⚠️ Something went wrong, please try again."
)

// MenuKeyboard is the persistent reply keyboard offered on /start.
func MenuKeyboard() [][]string {
	return [][]string{{"/tasks"}}
}

// ActionKeyboard is attached to assignment pushes so the worker can answer
// with one tap plus the task reference.
func ActionKeyboard() [][]string {
	return [][]string{{"/tasks"}, {"done", "problem", "cannot"}}
}
