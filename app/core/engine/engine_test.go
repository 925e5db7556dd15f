package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fieldtask/app/core/db"
	"fieldtask/app/core/notify"
	"fieldtask/app/core/queue"
	"fieldtask/app/core/session"
	"fieldtask/app/core/task"
	"fieldtask/app/core/worker"
	"fieldtask/app/pkg/types"
)

type fakeChannel struct {
	id string

	mu   sync.Mutex
	sent []types.Message
}

func (c *fakeChannel) Start(ctx context.Context, handler func(types.Message)) error {
	<-ctx.Done()
	return nil
}

func (c *fakeChannel) Send(ctx context.Context, msg types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeResolver struct {
	ch *fakeChannel
}

func (r *fakeResolver) ChannelByID(id string) (types.Channel, bool) {
	if r.ch.id == id {
		return r.ch, true
	}
	return nil, false
}

type fixture struct {
	engine   *Engine
	channel  *fakeChannel
	workers  *worker.Store
	tasks    *task.Store
	sessions *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("init sqlite failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	q := queue.New(32)
	if err := q.Start(ctx, 1); err != nil {
		t.Fatalf("start queue failed: %v", err)
	}
	t.Cleanup(func() { q.Stop(time.Second) })

	ch := &fakeChannel{id: "test"}
	workers := worker.NewStore(database)
	tasks := task.NewStore(database)
	sessions := session.NewStore(0)
	dispatcher := notify.NewDispatcher(&fakeResolver{ch: ch}, workers, q, notify.Options{
		DefaultChannelID: "test",
		AttemptTimeout:   time.Second,
	})

	return &fixture{
		engine:   New(workers, tasks, sessions, dispatcher),
		channel:  ch,
		workers:  workers,
		tasks:    tasks,
		sessions: sessions,
	}
}

// say feeds one inbound text message and waits for the reply it triggers.
func (f *fixture) say(t *testing.T, chatID, text string) types.Message {
	t.Helper()
	return f.handle(t, types.Message{ChatID: chatID, ChannelID: "test", Text: text})
}

func (f *fixture) share(t *testing.T, chatID, phone string) types.Message {
	t.Helper()
	return f.handle(t, types.Message{ChatID: chatID, ChannelID: "test", Contact: &types.Contact{PhoneNumber: phone}})
}

func (f *fixture) handle(t *testing.T, msg types.Message) types.Message {
	t.Helper()
	before := len(f.channel.messages())
	f.engine.HandleInbound(context.Background(), msg)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.channel.messages(); len(msgs) > before {
			return msgs[len(msgs)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reply to %q in chat %s", msg.Text, msg.ChatID)
	return types.Message{}
}

// bindWorker registers a contact and links it to chatID.
func (f *fixture) bindWorker(t *testing.T, phone, chatID string) worker.Worker {
	t.Helper()
	ctx := context.Background()
	if _, err := f.workers.Create(ctx, phone, "Worker "+phone, ""); err != nil {
		t.Fatalf("create worker failed: %v", err)
	}
	reply := f.share(t, chatID, phone)
	if !sameText(reply.Text, notify.MsgBound) {
		t.Fatalf("bind reply = %q", reply.Text)
	}
	w, err := f.workers.ResolveByChatID(ctx, chatID)
	if err != nil {
		t.Fatalf("resolve after bind failed: %v", err)
	}
	return w
}

func (f *fixture) addTask(t *testing.T, workerID, desc string) task.Task {
	t.Helper()
	created, err := f.tasks.Create(context.Background(), task.Task{
		WorkerID:    workerID,
		Description: desc,
		Location:    "Main st 1",
		DueTime:     time.Now().Unix() + 3600,
	})
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	return created
}

// refFor pulls the task's listing reference out of the chat's session.
func (f *fixture) refFor(t *testing.T, chatID, taskID string) string {
	t.Helper()
	ref, ok := f.sessions.Get(chatID).Codex.RefFor(taskID)
	if !ok {
		t.Fatalf("task %s has no ref in chat %s", taskID, chatID)
	}
	return ref
}

// sameText compares a delivered reply against its source text; first-attempt
// deliveries go out escaped for MarkdownV2.
func sameText(got, want string) bool {
	return got == want || got == notify.EscapeMarkdown(want)
}

func TestUnboundChatIsAskedForContact(t *testing.T) {
	f := newFixture(t)

	reply := f.say(t, "chat-1", "hello")
	if !sameText(reply.Text, notify.MsgNeedBinding) {
		t.Fatalf("reply = %q", reply.Text)
	}
	if reply.Meta[types.MetaRequestContact] != true {
		t.Fatalf("reply does not request a contact: %v", reply.Meta)
	}
}

func TestBindUnknownContact(t *testing.T) {
	f := newFixture(t)

	reply := f.share(t, "chat-1", "+19990000")
	if !sameText(reply.Text, notify.MsgUnknownContact) {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestBindSuccessAndRebindElsewhere(t *testing.T) {
	f := newFixture(t)
	f.bindWorker(t, "+15550001", "chat-1")

	reply := f.share(t, "chat-2", "+15550001")
	if !sameText(reply.Text, notify.MsgBoundElsewhere) {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestStartShowsMenu(t *testing.T) {
	f := newFixture(t)
	f.bindWorker(t, "+15550001", "chat-1")

	reply := f.say(t, "chat-1", "/start")
	if !sameText(reply.Text, notify.MsgMenu) {
		t.Fatalf("reply = %q", reply.Text)
	}
	if _, ok := reply.Meta[types.MetaKeyboard]; !ok {
		t.Fatalf("menu reply carries no keyboard")
	}
}

func TestListingEmpty(t *testing.T) {
	f := newFixture(t)
	f.bindWorker(t, "+15550001", "chat-1")

	reply := f.say(t, "chat-1", "/tasks")
	if !strings.Contains(reply.Text, "no active tasks") {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestListingFlipsNewTasksToInProgress(t *testing.T) {
	f := newFixture(t)
	w := f.bindWorker(t, "+15550001", "chat-1")
	created := f.addTask(t, w.ID, "Fix the door")

	reply := f.say(t, "chat-1", "/tasks")
	if !strings.Contains(reply.Text, "Fix the door") {
		t.Fatalf("listing missing task: %q", reply.Text)
	}
	if !strings.Contains(reply.Text, "in progress") {
		t.Fatalf("listing should show started status: %q", reply.Text)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if got.Status != task.StatusInProgress {
		t.Fatalf("listed task not in_progress: %s", got.Status)
	}
	if f.sessions.Get("chat-1").State != session.StateListingSent {
		t.Fatalf("session not in listing_sent")
	}
}

func TestCompleteByRef(t *testing.T) {
	f := newFixture(t)
	w := f.bindWorker(t, "+15550001", "chat-1")
	created := f.addTask(t, w.ID, "Fix the door")
	f.say(t, "chat-1", "/tasks")
	ref := f.refFor(t, "chat-1", created.ID)

	reply := f.say(t, "chat-1", "done "+ref)
	if !sameText(reply.Text, notify.MsgDone) {
		t.Fatalf("reply = %q", reply.Text)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if got.Status != task.StatusDone || got.CompletedAt == 0 {
		t.Fatalf("task not completed: %+v", got)
	}
}

func TestDuplicateCompleteReportsResolved(t *testing.T) {
	f := newFixture(t)
	w := f.bindWorker(t, "+15550001", "chat-1")
	created := f.addTask(t, w.ID, "Fix the door")
	f.say(t, "chat-1", "/tasks")
	ref := f.refFor(t, "chat-1", created.ID)

	f.say(t, "chat-1", "done "+ref)
	reply := f.say(t, "chat-1", "done "+ref)
	if !sameText(reply.Text, notify.MsgAlreadyResolved) {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestCannotThenReason(t *testing.T) {
	f := newFixture(t)
	w := f.bindWorker(t, "+15550001", "chat-1")
	created := f.addTask(t, w.ID, "Fix the door")
	f.say(t, "chat-1", "/tasks")
	ref := f.refFor(t, "chat-1", created.ID)

	reply := f.say(t, "chat-1", "cannot "+ref)
	if !sameText(reply.Text, notify.MsgRejectedPrompt) {
		t.Fatalf("reply = %q", reply.Text)
	}
	if f.sessions.Get("chat-1").State != session.StateAwaitingReason {
		t.Fatalf("session not awaiting reason")
	}

	reply = f.say(t, "chat-1", "no ladder on site")
	if !sameText(reply.Text, notify.MsgReasonSaved) {
		t.Fatalf("reply = %q", reply.Text)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if got.Status != task.StatusRejected || got.Reason != "no ladder on site" {
		t.Fatalf("reason not recorded: %+v", got)
	}
	if f.sessions.Get("chat-1").State == session.StateAwaitingReason {
		t.Fatalf("session stuck awaiting reason")
	}
}

func TestProblemPromptsForReason(t *testing.T) {
	f := newFixture(t)
	w := f.bindWorker(t, "+15550001", "chat-1")
	created := f.addTask(t, w.ID, "Fix the door")
	f.say(t, "chat-1", "/tasks")
	ref := f.refFor(t, "chat-1", created.ID)

	reply := f.say(t, "chat-1", "problem "+ref)
	if !sameText(reply.Text, notify.MsgCanceledPrompt) {
		t.Fatalf("reply = %q", reply.Text)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if got.Status != task.StatusCanceled {
		t.Fatalf("task not canceled: %s", got.Status)
	}
}

func TestActionBeforeListing(t *testing.T) {
	f := newFixture(t)
	f.bindWorker(t, "+15550001", "chat-1")

	reply := f.say(t, "chat-1", "done ABCD")
	if !sameText(reply.Text, notify.MsgListFirst) {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestActionWithoutRef(t *testing.T) {
	f := newFixture(t)
	w := f.bindWorker(t, "+15550001", "chat-1")
	f.addTask(t, w.ID, "Fix the door")
	f.say(t, "chat-1", "/tasks")

	reply := f.say(t, "chat-1", "done")
	if !sameText(reply.Text, notify.MsgListFirst) {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestStaleRefAfterRelisting(t *testing.T) {
	f := newFixture(t)
	w := f.bindWorker(t, "+15550001", "chat-1")
	first := f.addTask(t, w.ID, "first job")
	f.say(t, "chat-1", "/tasks")
	firstRef := f.refFor(t, "chat-1", first.ID)
	f.say(t, "chat-1", "done "+firstRef)

	f.addTask(t, w.ID, "second job")
	f.say(t, "chat-1", "/tasks")

	reply := f.say(t, "chat-1", "done "+firstRef)
	if !sameText(reply.Text, notify.MsgStaleRef) {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestRefFromAnotherChatDoesNotCross(t *testing.T) {
	f := newFixture(t)
	alice := f.bindWorker(t, "+15550001", "chat-1")
	f.bindWorker(t, "+15550002", "chat-2")
	created := f.addTask(t, alice.ID, "alice's job")
	f.say(t, "chat-1", "/tasks")
	ref := f.refFor(t, "chat-1", created.ID)

	// Bob never listed; Alice's ref means nothing in his chat.
	reply := f.say(t, "chat-2", "done "+ref)
	if !sameText(reply.Text, notify.MsgListFirst) {
		t.Fatalf("reply = %q", reply.Text)
	}

	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if got.Status == task.StatusDone {
		t.Fatalf("task completed by the wrong worker")
	}
}

func TestUnknownTextWhileBound(t *testing.T) {
	f := newFixture(t)
	f.bindWorker(t, "+15550001", "chat-1")

	reply := f.say(t, "chat-1", "how is the weather")
	if !sameText(reply.Text, notify.MsgDidNotUnderstand) {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestListingWhileAwaitingReasonDropsPending(t *testing.T) {
	f := newFixture(t)
	w := f.bindWorker(t, "+15550001", "chat-1")
	created := f.addTask(t, w.ID, "Fix the door")
	f.say(t, "chat-1", "/tasks")
	ref := f.refFor(t, "chat-1", created.ID)
	f.say(t, "chat-1", "problem "+ref)

	f.addTask(t, w.ID, "next job")
	f.say(t, "chat-1", "/tasks")

	sess := f.sessions.Get("chat-1")
	if sess.State != session.StateListingSent || sess.PendingTaskID != "" {
		t.Fatalf("listing did not reset pending reason: state=%s pending=%q", sess.State, sess.PendingTaskID)
	}

	// The canceled task keeps its status but never gets the dropped reason.
	got, err := f.tasks.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if got.Status != task.StatusCanceled || got.Reason != "" {
		t.Fatalf("unexpected task after dropped reason: %+v", got)
	}
}

func TestParseAction(t *testing.T) {
	cases := []struct {
		in      string
		event   task.Event
		ref     string
		hasVerb bool
	}{
		{"done A1B2", task.EventComplete, "A1B2", true},
		{"/done A1B2", task.EventComplete, "A1B2", true},
		{"complete A1B2", task.EventComplete, "A1B2", true},
		{"problem A1B2", task.EventProblem, "A1B2", true},
		{"cancel A1B2", task.EventProblem, "A1B2", true},
		{"cannot A1B2", task.EventCannotDo, "A1B2", true},
		{"cant A1B2", task.EventCannotDo, "A1B2", true},
		{"reject A1B2", task.EventCannotDo, "A1B2", true},
		{"DONE a1b2", task.EventComplete, "a1b2", true},
		{"done", task.EventComplete, "", true},
		{"hello there", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		ev, ref, hasVerb := parseAction(tc.in)
		if ev != tc.event || ref != tc.ref || hasVerb != tc.hasVerb {
			t.Fatalf("parseAction(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, ev, ref, hasVerb, tc.event, tc.ref, tc.hasVerb)
		}
	}
}
