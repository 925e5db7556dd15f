package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"fieldtask/app/pkg/types"
)

// fakeAPI emulates the bot API: it records request bodies per method and
// replies with canned JSON.
type fakeAPI struct {
	mu        sync.Mutex
	requests  map[string][][]byte
	responses map[string]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		requests: make(map[string][][]byte),
		responses: map[string]string{
			"getUpdates":  `{"ok":true,"result":[]}`,
			"sendMessage": `{"ok":true,"result":{}}`,
		},
	}
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.requests[method] = append(f.requests[method], body)
		resp := f.responses[method]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	}
}

func (f *fakeAPI) setResponse(method, body string) {
	f.mu.Lock()
	f.responses[method] = body
	f.mu.Unlock()
}

func (f *fakeAPI) requestCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests[method])
}

func (f *fakeAPI) lastRequest(method string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := f.requests[method]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func newTestChannel(api *fakeAPI, root string) *Channel {
	return NewChannel(Config{
		BotToken:       "test-token",
		PollInterval:   10 * time.Millisecond,
		LongPollSec:    1,
		RequestTimeout: time.Second,
		APIRoot:        root,
	})
}

func TestSendPayload(t *testing.T) {
	api := newFakeAPI()
	server := httptest.NewServer(api.handler())
	defer server.Close()

	ch := newTestChannel(api, server.URL)
	err := ch.Send(context.Background(), types.Message{
		ChatID: "42",
		Text:   "hello",
		Meta: map[string]interface{}{
			types.MetaParseMode: "MarkdownV2",
			types.MetaKeyboard:  [][]string{{"/tasks"}},
		},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	body := api.lastRequest("sendMessage")
	if body == nil {
		t.Fatalf("sendMessage never called")
	}
	if got := gjson.GetBytes(body, "chat_id").String(); got != "42" {
		t.Fatalf("chat_id = %q", got)
	}
	if got := gjson.GetBytes(body, "text").String(); got != "hello" {
		t.Fatalf("text = %q", got)
	}
	if got := gjson.GetBytes(body, "parse_mode").String(); got != "MarkdownV2" {
		t.Fatalf("parse_mode = %q", got)
	}
	if got := gjson.GetBytes(body, "reply_markup.keyboard.0.0.text").String(); got != "/tasks" {
		t.Fatalf("keyboard button = %q", got)
	}
}

func TestSendContactRequestButtonComesFirst(t *testing.T) {
	api := newFakeAPI()
	server := httptest.NewServer(api.handler())
	defer server.Close()

	ch := newTestChannel(api, server.URL)
	err := ch.Send(context.Background(), types.Message{
		ChatID: "42",
		Text:   "link your account",
		Meta: map[string]interface{}{
			types.MetaRequestContact: true,
			types.MetaKeyboard:       [][]string{{"/tasks"}},
		},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	body := api.lastRequest("sendMessage")
	if !gjson.GetBytes(body, "reply_markup.keyboard.0.0.request_contact").Bool() {
		t.Fatalf("first button does not request contact: %s", body)
	}
	if got := gjson.GetBytes(body, "reply_markup.keyboard.1.0.text").String(); got != "/tasks" {
		t.Fatalf("keyboard rows not shifted below the contact button: %s", body)
	}
}

func TestSendPlainTextOmitsParseMode(t *testing.T) {
	api := newFakeAPI()
	server := httptest.NewServer(api.handler())
	defer server.Close()

	ch := newTestChannel(api, server.URL)
	if err := ch.Send(context.Background(), types.Message{ChatID: "42", Text: "plain"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	body := api.lastRequest("sendMessage")
	if gjson.GetBytes(body, "parse_mode").Exists() {
		t.Fatalf("parse_mode present on plain send: %s", body)
	}
}

func TestSendAPIErrorSurfaces(t *testing.T) {
	api := newFakeAPI()
	api.setResponse("sendMessage", `{"ok":false,"description":"can't parse entities"}`)
	server := httptest.NewServer(api.handler())
	defer server.Close()

	ch := newTestChannel(api, server.URL)
	err := ch.Send(context.Background(), types.Message{ChatID: "42", Text: "bad *markup"})
	if err == nil || !strings.Contains(err.Error(), "can't parse entities") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestPollDeliversTextAndContact(t *testing.T) {
	api := newFakeAPI()
	api.setResponse("getUpdates", `{"ok":true,"result":[
		{"update_id":10,"message":{"message_id":1,"chat":{"id":42},"text":"/tasks"}},
		{"update_id":11,"message":{"message_id":2,"chat":{"id":42},"contact":{"phone_number":"+15550001"}}},
		{"update_id":12,"message":{"message_id":3,"chat":{"id":42},"photo":[{}]}}
	]}`)
	server := httptest.NewServer(api.handler())
	defer server.Close()

	ch := newTestChannel(api, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []types.Message
	go ch.Start(ctx, func(msg types.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(got) < 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ChatID != "42" || got[0].Text != "/tasks" {
		t.Fatalf("unexpected first message: %+v", got[0])
	}
	if got[1].Contact == nil || got[1].Contact.PhoneNumber != "+15550001" {
		t.Fatalf("contact payload not extracted: %+v", got[1])
	}
}

func TestPollAdvancesOffset(t *testing.T) {
	api := newFakeAPI()
	api.setResponse("getUpdates", `{"ok":true,"result":[
		{"update_id":100,"message":{"message_id":1,"chat":{"id":42},"text":"hi"}}
	]}`)
	server := httptest.NewServer(api.handler())
	defer server.Close()

	ch := newTestChannel(api, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Start(ctx, func(types.Message) {})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && api.requestCount("getUpdates") < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if api.requestCount("getUpdates") < 2 {
		t.Fatalf("poll loop never repeated")
	}
	body := api.lastRequest("getUpdates")
	if got := gjson.GetBytes(body, "offset").Int(); got != 101 {
		t.Fatalf("offset = %d, want 101", got)
	}
}

func TestStartRequiresToken(t *testing.T) {
	ch := NewChannel(Config{})
	if err := ch.Start(context.Background(), func(types.Message) {}); err == nil {
		t.Fatalf("expected error without bot token")
	}
}
