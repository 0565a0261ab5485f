/*
http.go - Webhook-style HTTP channel

Posts the alert text as JSON to a configured URL (a chat-bot webhook, an
incoming-message endpoint, anything that accepts {"text": ...}). Delivery
confirmation and retry live in the engine's queue, not here.
*/
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPChannel posts messages to a webhook URL.
type HTTPChannel struct {
	rc  *resty.Client
	url string
}

// NewHTTPChannel builds a channel for url. token, when non-empty, is sent
// as a bearer token.
func NewHTTPChannel(url, token string) *HTTPChannel {
	rc := resty.New().SetTimeout(15 * time.Second)
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &HTTPChannel{rc: rc, url: url}
}

// Send posts one message.
func (c *HTTPChannel) Send(ctx context.Context, text string) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": text}).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode())
	}
	return nil
}

// LogChannel writes messages to the process log. Useful in dev and as the
// default when no webhook is configured.
type LogChannel struct{}

// Send logs the message.
func (LogChannel) Send(_ context.Context, text string) error {
	log.Printf("[Notify] %s", text)
	return nil
}
