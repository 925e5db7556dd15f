// Package cli is a stdin/stdout channel for local development. Each typed
// line becomes an inbound message for a fixed chat identity; "/contact
// <phone>" simulates sharing a contact card.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"fieldtask/app/pkg/types"
)

type Channel struct {
	id      string
	chatID  string
	counter uint64
}

func NewChannel(chatID string) *Channel {
	if strings.TrimSpace(chatID) == "" {
		chatID = "local"
	}
	return &Channel{id: "cli", chatID: chatID}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println(">> fieldtask CLI started. Type 'exit' to quit, '/contact <phone>' to bind.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			fmt.Print("> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if text == "exit" || text == "quit" {
				fmt.Println("Exiting CLI loop...")
				return nil
			}

			msg := types.Message{
				ID:        c.newID(),
				ChatID:    c.chatID,
				ChannelID: c.id,
			}
			if phone, ok := strings.CutPrefix(text, "/contact "); ok {
				msg.Contact = &types.Contact{PhoneNumber: strings.TrimSpace(phone)}
			} else {
				msg.Text = text
			}
			handler(msg)
		}
	}
}

func (c *Channel) Send(ctx context.Context, msg types.Message) error {
	fmt.Printf("\n[bot -> %s] %s\n> ", msg.ChatID, msg.Text)
	return nil
}

func (c *Channel) newID() string {
	seq := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf("cli-%d-%d", time.Now().UnixNano(), seq)
}
