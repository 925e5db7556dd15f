package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fieldtask/app/core/queue"
	"fieldtask/app/core/task"
	"fieldtask/app/core/worker"
	"fieldtask/app/pkg/logger"
	"fieldtask/app/pkg/types"
)

// ErrDeliveryFailed marks a send that exhausted its attempts. It is logged by
// the queue job and never propagated into a task mutation.
var ErrDeliveryFailed = errors.New("notify: delivery failed")

// ChannelResolver finds the channel a message should leave through. The
// gateway router satisfies it.
type ChannelResolver interface {
	ChannelByID(id string) (types.Channel, bool)
}

type Options struct {
	DefaultChannelID string // channel used for unsolicited pushes
	MaxRetries       int
	RetryDelay       time.Duration
	AttemptTimeout   time.Duration
}

// Dispatcher formats and delivers outbound messages. Delivery is best-effort
// relative to store mutations: sends run on the retry queue, outside any
// store lock, and a failure is only ever logged.
type Dispatcher struct {
	channels ChannelResolver
	workers  *worker.Store
	q        *queue.Queue
	opts     Options

	counter uint64
}

func NewDispatcher(channels ChannelResolver, workers *worker.Store, q *queue.Queue, opts Options) *Dispatcher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Dispatcher{channels: channels, workers: workers, q: q, opts: opts}
}

// ReplyOptions shape the outbound message beyond its text.
type ReplyOptions struct {
	Keyboard       [][]string
	RequestContact bool
}

// NotifyAssignment pushes a newly created task to its worker's bound chat.
// A worker without a bound chat identity is skipped silently; a later bind
// does not retroactively deliver the notice.
func (d *Dispatcher) NotifyAssignment(ctx context.Context, t task.Task) error {
	w, err := d.workers.Get(ctx, t.WorkerID)
	if err != nil {
		return fmt.Errorf("notify: resolve worker for task %s: %w", t.ID, err)
	}
	if w.ChatID == "" {
		logger.Info("Assignment notice skipped, worker %s has no bound chat", w.ID)
		return nil
	}
	return d.Send(ctx, d.opts.DefaultChannelID, w.ChatID, RenderAssignment(t), ReplyOptions{Keyboard: ActionKeyboard()})
}

// Send enqueues an outbound message. It returns an error only when the
// message cannot be queued; delivery outcomes are logged by the job. The
// first attempt goes out escaped for the channel's markup dialect, later
// attempts fall back to unformatted text so a formatting rejection cannot
// block the message.
func (d *Dispatcher) Send(ctx context.Context, channelID, chatID, text string, opts ReplyOptions) error {
	if chatID == "" {
		return fmt.Errorf("notify: chat id is required")
	}
	ch, ok := d.channels.ChannelByID(channelID)
	if !ok {
		return fmt.Errorf("notify: channel not found: %s", channelID)
	}

	seq := atomic.AddUint64(&d.counter, 1)
	job := queue.Job{
		ID:             fmt.Sprintf("send-%d-%d", time.Now().UnixNano(), seq),
		MaxRetries:     d.opts.MaxRetries,
		RetryDelay:     d.opts.RetryDelay,
		AttemptTimeout: d.opts.AttemptTimeout,
		Run: func(runCtx context.Context, attempt int) error {
			msg := types.Message{
				ChatID:    chatID,
				ChannelID: channelID,
				Meta:      map[string]interface{}{},
			}
			if attempt == 1 {
				msg.Text = EscapeMarkdown(text)
				msg.Meta[types.MetaParseMode] = "MarkdownV2"
			} else {
				msg.Text = text
			}
			if len(opts.Keyboard) > 0 {
				msg.Meta[types.MetaKeyboard] = opts.Keyboard
			}
			if opts.RequestContact {
				msg.Meta[types.MetaRequestContact] = true
			}

			if err := ch.Send(runCtx, msg); err != nil {
				logger.Error("Delivery attempt %d to chat %s failed: %v", attempt, chatID, err)
				return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
			}
			return nil
		},
	}

	if _, err := d.q.Enqueue(ctx, job); err != nil {
		logger.Error("Delivery enqueue for chat %s failed: %v", chatID, err)
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}
