// Package engine is the conversation state machine. Every inbound chat
// message lands in HandleInbound, which dispatches on the pair of current
// session state and message intent, mutates the task store, and sends
// replies through the notification dispatcher. No failure escapes to the
// channel; everything becomes a reply or a log line.
package engine

import (
	"context"
	"errors"
	"strings"

	"fieldtask/app/core/notify"
	"fieldtask/app/core/refcodex"
	"fieldtask/app/core/session"
	"fieldtask/app/core/task"
	"fieldtask/app/core/worker"
	"fieldtask/app/pkg/logger"
	"fieldtask/app/pkg/types"
)

type Engine struct {
	workers    *worker.Store
	tasks      *task.Store
	sessions   *session.Store
	dispatcher *notify.Dispatcher
}

func New(workers *worker.Store, tasks *task.Store, sessions *session.Store, dispatcher *notify.Dispatcher) *Engine {
	return &Engine{
		workers:    workers,
		tasks:      tasks,
		sessions:   sessions,
		dispatcher: dispatcher,
	}
}

// HandleInbound processes one message for one chat identity. The session
// lock sequences messages from the same chat; different chats proceed in
// parallel.
func (e *Engine) HandleInbound(ctx context.Context, msg types.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Inbound handler panic for chat %s: %v", msg.ChatID, r)
		}
	}()

	chatID := strings.TrimSpace(msg.ChatID)
	if chatID == "" {
		return
	}
	msg.ChatID = chatID

	sess := e.sessions.Get(chatID)
	sess.Lock()
	defer sess.Unlock()

	if msg.Contact != nil {
		e.handleBind(ctx, msg, sess)
		return
	}

	w, err := e.workers.ResolveByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, worker.ErrNotFound) {
			e.reply(ctx, msg, notify.MsgNeedBinding, notify.ReplyOptions{RequestContact: true})
		} else {
			logger.Error("Resolve chat %s failed: %v", chatID, err)
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case text == "/start":
		e.reply(ctx, msg, notify.MsgMenu, notify.ReplyOptions{Keyboard: notify.MenuKeyboard(), RequestContact: true})
	case text == "/tasks":
		e.handleListing(ctx, msg, sess, w)
	case sess.State == session.StateAwaitingReason:
		e.handleReason(ctx, msg, sess, w, text)
	default:
		ev, ref, hasVerb := parseAction(text)
		if !hasVerb {
			e.reply(ctx, msg, notify.MsgDidNotUnderstand, notify.ReplyOptions{})
			return
		}
		if ref == "" {
			e.reply(ctx, msg, notify.MsgListFirst, notify.ReplyOptions{})
			return
		}
		e.handleAction(ctx, msg, sess, w, ev, ref)
	}
}

func (e *Engine) handleBind(ctx context.Context, msg types.Message, sess *session.Session) {
	_, err := e.workers.Bind(ctx, msg.Contact.PhoneNumber, msg.ChatID)
	switch {
	case err == nil:
		sess.ClearPending()
		e.reply(ctx, msg, notify.MsgBound, notify.ReplyOptions{Keyboard: notify.MenuKeyboard()})
	case errors.Is(err, worker.ErrUnknownContact):
		e.reply(ctx, msg, notify.MsgUnknownContact, notify.ReplyOptions{})
	case errors.Is(err, worker.ErrAlreadyBoundElsewhere):
		e.reply(ctx, msg, notify.MsgBoundElsewhere, notify.ReplyOptions{})
	default:
		logger.Error("Bind for chat %s failed: %v", msg.ChatID, err)
	}
}

func (e *Engine) handleListing(ctx context.Context, msg types.Message, sess *session.Session, w worker.Worker) {
	tasks, err := e.tasks.ListActiveFor(ctx, w.ID)
	if err != nil {
		logger.Error("List tasks for worker %s failed: %v", w.ID, err)
		e.reply(ctx, msg, notify.MsgInternal, notify.ReplyOptions{})
		return
	}
	if len(tasks) == 0 {
		sess.Codex = nil
		sess.ClearPending()
		e.reply(ctx, msg, notify.RenderListing(nil, nil), notify.ReplyOptions{})
		return
	}

	// Being listed is the point where new tasks move into work.
	if err := e.tasks.MarkListed(ctx, w.ID); err != nil {
		logger.Error("Mark listed for worker %s failed: %v", w.ID, err)
	} else {
		for i := range tasks {
			if tasks[i].Status == task.StatusNew {
				tasks[i].Status = task.StatusInProgress
			}
		}
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	snap := refcodex.Build(ids)
	sess.ReplaceCodex(snap)

	e.reply(ctx, msg, notify.RenderListing(tasks, snap), notify.ReplyOptions{})
}

func (e *Engine) handleAction(ctx context.Context, msg types.Message, sess *session.Session, w worker.Worker, ev task.Event, ref string) {
	if sess.Codex.Len() == 0 {
		e.reply(ctx, msg, notify.MsgListFirst, notify.ReplyOptions{})
		return
	}
	taskID, ok := sess.Codex.Resolve(ref)
	if !ok {
		e.reply(ctx, msg, notify.MsgStaleRef, notify.ReplyOptions{})
		return
	}

	t, err := e.tasks.Transition(ctx, taskID, w.ID, ev)
	switch {
	case err == nil:
	case errors.Is(err, task.ErrInvalidTransition):
		e.reply(ctx, msg, notify.MsgAlreadyResolved, notify.ReplyOptions{})
		return
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrNotOwner):
		e.reply(ctx, msg, notify.MsgTaskUnavailable, notify.ReplyOptions{})
		return
	default:
		logger.Error("Transition %s on task %s failed: %v", ev, taskID, err)
		e.reply(ctx, msg, notify.MsgInternal, notify.ReplyOptions{})
		return
	}

	if t.Status.NeedsReason() {
		sess.AwaitReason(t.ID)
		if t.Status == task.StatusCanceled {
			e.reply(ctx, msg, notify.MsgCanceledPrompt, notify.ReplyOptions{})
		} else {
			e.reply(ctx, msg, notify.MsgRejectedPrompt, notify.ReplyOptions{})
		}
		return
	}

	sess.ClearPending()
	e.reply(ctx, msg, notify.MsgDone, notify.ReplyOptions{})
}

func (e *Engine) handleReason(ctx context.Context, msg types.Message, sess *session.Session, w worker.Worker, text string) {
	taskID := sess.PendingTaskID
	// Never leave the session stuck, whatever the outcome.
	sess.ClearPending()

	err := e.tasks.AttachReason(ctx, taskID, w.ID, text)
	switch {
	case err == nil:
		e.reply(ctx, msg, notify.MsgReasonSaved, notify.ReplyOptions{})
	case errors.Is(err, task.ErrWrongState), errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrNotOwner):
		e.reply(ctx, msg, notify.MsgReasonNotSaved, notify.ReplyOptions{})
	default:
		logger.Error("Attach reason to task %s failed: %v", taskID, err)
		e.reply(ctx, msg, notify.MsgReasonNotSaved, notify.ReplyOptions{})
	}
}

func (e *Engine) reply(ctx context.Context, msg types.Message, text string, opts notify.ReplyOptions) {
	if err := e.dispatcher.Send(ctx, msg.ChannelID, msg.ChatID, text, opts); err != nil {
		logger.Error("Reply to chat %s failed: %v", msg.ChatID, err)
	}
}

// parseAction recognizes status-action intents of the form "<verb> <REF>".
// The verb may carry a leading slash so keyboard buttons and typed commands
// both work.
func parseAction(text string) (task.Event, string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", "", false
	}

	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	var ev task.Event
	switch verb {
	case "done", "complete":
		ev = task.EventComplete
	case "problem", "cancel":
		ev = task.EventProblem
	case "cannot", "cant", "reject":
		ev = task.EventCannotDo
	default:
		return "", "", false
	}

	if len(fields) < 2 {
		return ev, "", true
	}
	return ev, fields[1], true
}
