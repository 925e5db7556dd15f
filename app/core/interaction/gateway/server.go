// Package gateway owns the inbound side of every chat channel. Each channel
// pushes raw messages into the router, which fans them out to one ordered
// worker per chat identity: messages from the same chat are processed in
// arrival order, different chats run in parallel, and a stalled chat never
// delays the pollers.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fieldtask/app/pkg/logger"
	"fieldtask/app/pkg/types"
)

const defaultChatBuffer = 16

// Handler consumes routed inbound messages. The engine implements it.
type Handler interface {
	HandleInbound(ctx context.Context, msg types.Message)
}

type Router struct {
	handler    Handler
	chatBuffer int
	trace      TraceRecorder

	mu       sync.RWMutex
	channels map[string]types.Channel
	inboxes  map[string]chan types.Message

	wg        sync.WaitGroup
	processed uint64
	dropped   uint64

	startedUnix atomic.Int64
}

type HealthStatus struct {
	Started            bool
	StartedAt          time.Time
	RegisteredChannels []string
	ActiveChats        int
	ProcessedMessages  uint64
	DroppedMessages    uint64
}

func NewRouter(handler Handler, chatBuffer int) *Router {
	if chatBuffer <= 0 {
		chatBuffer = defaultChatBuffer
	}
	return &Router{
		handler:    handler,
		chatBuffer: chatBuffer,
		channels:   make(map[string]types.Channel),
		inboxes:    make(map[string]chan types.Message),
	}
}

// SetHandler installs the message consumer. It must be called before Start;
// the router refuses to run without one.
func (r *Router) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// SetTraceRecorder enables the JSONL message trace. Optional.
func (r *Router) SetTraceRecorder(rec TraceRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = rec
}

func (r *Router) RegisterChannel(c types.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID()] = c
	logger.Info("Registered channel: %s", c.ID())
}

// ChannelByID exposes registered channels to the outbound dispatcher.
func (r *Router) ChannelByID(id string) (types.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

// Start runs every registered channel and blocks until all of them return.
func (r *Router) Start(ctx context.Context) error {
	r.mu.RLock()
	if r.handler == nil {
		r.mu.RUnlock()
		return fmt.Errorf("gateway: no handler set")
	}
	if len(r.channels) == 0 {
		r.mu.RUnlock()
		return fmt.Errorf("gateway: no channels registered")
	}
	channels := make([]types.Channel, 0, len(r.channels))
	for _, c := range r.channels {
		channels = append(channels, c)
	}
	r.mu.RUnlock()

	r.startedUnix.Store(time.Now().Unix())

	var wg sync.WaitGroup
	for _, c := range channels {
		wg.Add(1)
		go func(ch types.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, func(msg types.Message) { r.route(ctx, msg) }); err != nil {
				if ctx.Err() == nil {
					logger.Error("Channel %s stopped: %v", ch.ID(), err)
				}
			}
		}(c)
	}

	logger.Info("Gateway started with %d channel(s)", len(channels))
	wg.Wait()
	r.wg.Wait()
	return nil
}

// route hands the message to the chat's ordered inbox. A full inbox drops
// the message with a log line instead of blocking the channel poller.
func (r *Router) route(ctx context.Context, msg types.Message) {
	if msg.ChatID == "" {
		return
	}

	inbox := r.inboxFor(ctx, msg.ChatID)
	select {
	case inbox <- msg:
		r.recordTrace(msg, TraceRouted, "ok", "")
	default:
		atomic.AddUint64(&r.dropped, 1)
		logger.Error("Inbox full for chat %s, message dropped", msg.ChatID)
		r.recordTrace(msg, TraceDropped, "error", "chat inbox full")
	}
}

func (r *Router) recordTrace(msg types.Message, event, status, detail string) {
	r.mu.RLock()
	rec := r.trace
	r.mu.RUnlock()
	if rec == nil {
		return
	}
	if err := rec.Record(TraceEvent{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		ChatID:    msg.ChatID,
		Event:     event,
		Status:    status,
		Detail:    detail,
	}); err != nil {
		logger.Error("Trace record failed: %v", err)
	}
}

func (r *Router) inboxFor(ctx context.Context, chatID string) chan types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	inbox, ok := r.inboxes[chatID]
	if ok {
		return inbox
	}

	inbox = make(chan types.Message, r.chatBuffer)
	r.inboxes[chatID] = inbox
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-inbox:
				r.handler.HandleInbound(ctx, m)
				atomic.AddUint64(&r.processed, 1)
			}
		}
	}()
	return inbox
}

func (r *Router) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := HealthStatus{
		Started:           r.startedUnix.Load() > 0,
		ActiveChats:       len(r.inboxes),
		ProcessedMessages: atomic.LoadUint64(&r.processed),
		DroppedMessages:   atomic.LoadUint64(&r.dropped),
	}
	if started := r.startedUnix.Load(); started > 0 {
		status.StartedAt = time.Unix(started, 0)
	}
	for id := range r.channels {
		status.RegisteredChannels = append(status.RegisteredChannels, id)
	}
	sort.Strings(status.RegisteredChannels)
	return status
}
