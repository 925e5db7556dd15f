package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"fieldtask/app/pkg/logger"
	"fieldtask/app/pkg/types"
)

const defaultAPIRoot = "https://api.telegram.org"

type Config struct {
	BotToken       string
	PollInterval   time.Duration
	LongPollSec    int // getUpdates server-side timeout
	RequestTimeout time.Duration
	APIRoot        string
}

type Channel struct {
	cfg    Config
	id     string
	client *http.Client

	counter uint64
	offset  int64

	mu      sync.RWMutex
	handler func(types.Message)
}

func NewChannel(cfg Config) *Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LongPollSec <= 0 {
		cfg.LongPollSec = 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	return &Channel{
		cfg: cfg,
		id:  "telegram",
		// long polls hold the connection for LongPollSec, so the client
		// deadline must sit above it
		client: &http.Client{Timeout: time.Duration(cfg.LongPollSec)*time.Second + cfg.RequestTimeout},
	}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	if strings.TrimSpace(c.cfg.BotToken) == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Telegram poll error: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Send delivers one outbound message. Meta carries the optional parse mode
// and reply keyboard. The HTTP call honors both ctx and the configured
// request timeout so a hung network call cannot pin a dispatcher worker.
func (c *Channel) Send(ctx context.Context, msg types.Message) error {
	chatID := strings.TrimSpace(msg.ChatID)
	if chatID == "" {
		return fmt.Errorf("telegram chat id is required")
	}

	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "chat_id", chatID)
	payload, _ = sjson.SetBytes(payload, "text", msg.Text)

	if mode, ok := msg.Meta[types.MetaParseMode].(string); ok && mode != "" {
		payload, _ = sjson.SetBytes(payload, "parse_mode", mode)
	}
	rows, _ := msg.Meta[types.MetaKeyboard].([][]string)
	requestContact, _ := msg.Meta[types.MetaRequestContact].(bool)
	if len(rows) > 0 || requestContact {
		payload, _ = sjson.SetBytes(payload, "reply_markup.resize_keyboard", true)
		offset := 0
		if requestContact {
			payload, _ = sjson.SetBytes(payload, "reply_markup.keyboard.0.0.text", "📲 Share contact")
			payload, _ = sjson.SetBytes(payload, "reply_markup.keyboard.0.0.request_contact", true)
			offset = 1
		}
		for i, row := range rows {
			for j, label := range row {
				key := fmt.Sprintf("reply_markup.keyboard.%d.%d.text", i+offset, j)
				payload, _ = sjson.SetBytes(payload, key, label)
			}
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	_, err := c.call(sendCtx, "sendMessage", payload)
	return err
}

func (c *Channel) pollOnce(ctx context.Context) error {
	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "timeout", c.cfg.LongPollSec)
	if offset := atomic.LoadInt64(&c.offset); offset > 0 {
		payload, _ = sjson.SetBytes(payload, "offset", offset)
	}

	body, err := c.call(ctx, "getUpdates", payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return nil
	}

	for _, upd := range gjson.GetBytes(body, "result").Array() {
		updateID := upd.Get("update_id").Int()
		if updateID >= atomic.LoadInt64(&c.offset) {
			atomic.StoreInt64(&c.offset, updateID+1)
		}

		message := upd.Get("message")
		if !message.Exists() || message.Get("message_id").Int() == 0 {
			continue
		}

		msg, ok := c.toMessage(message)
		if !ok {
			continue
		}
		handler(msg)
	}
	return nil
}

func (c *Channel) toMessage(message gjson.Result) (types.Message, bool) {
	text := strings.TrimSpace(message.Get("text").String())
	if text == "" {
		text = strings.TrimSpace(message.Get("caption").String())
	}

	var contact *types.Contact
	if phone := strings.TrimSpace(message.Get("contact.phone_number").String()); phone != "" {
		contact = &types.Contact{PhoneNumber: phone}
	}
	if text == "" && contact == nil {
		return types.Message{}, false
	}

	chatID := strconv.FormatInt(message.Get("chat.id").Int(), 10)
	return types.Message{
		ID:        c.newID("tg"),
		ChatID:    chatID,
		Text:      text,
		Contact:   contact,
		ChannelID: c.id,
	}, true
}

func (c *Channel) call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	url := strings.TrimRight(c.cfg.APIRoot, "/") + "/bot" + c.cfg.BotToken + "/" + method

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if !gjson.GetBytes(respBody, "ok").Bool() {
		return nil, fmt.Errorf("telegram api error: %s", gjson.GetBytes(respBody, "description").String())
	}
	return respBody, nil
}

func (c *Channel) newID(prefix string) string {
	seq := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq)
}
