/*
Package notify delivers purchase alerts to outbound channels.

The engine's NotificationQueue handles retries and ordering; this package
owns the last hop: formatting a Notification into text and handing it to a
channel. Channels are fire-and-forget from the engine's perspective.
*/
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-sync/engine"
)

// Channel sends one pre-formatted text message.
type Channel interface {
	Send(ctx context.Context, text string) error
}

// Sender adapts one or more Channels to engine.Sender. Every channel gets
// every notification; the first channel error is returned so the queue's
// retry covers all of them (a channel that already delivered will simply
// deliver again - at-least-once, by contract).
type Sender struct {
	Channels []Channel
}

// NewSender wraps channels for the notification queue.
func NewSender(channels ...Channel) *Sender {
	return &Sender{Channels: channels}
}

// Send formats n and fans it out.
func (s *Sender) Send(ctx context.Context, n engine.Notification) error {
	text := FormatPurchase(n)
	for _, ch := range s.Channels {
		if err := ch.Send(ctx, text); err != nil {
			return err
		}
	}
	return nil
}

// FormatPurchase renders the alert text for one purchase notification.
// Amounts arrive in minor units; decimal keeps the shift exact.
func FormatPurchase(n engine.Notification) string {
	amount := decimal.NewFromInt(n.TotalAmount).Shift(-2)
	currency := strings.ToUpper(n.Currency)

	var b strings.Builder
	if n.New {
		b.WriteString("New purchase\n")
	} else {
		b.WriteString("Purchase updated\n")
	}
	fmt.Fprintf(&b, "Customer: %s", n.CustomerID)
	if n.Email != "" {
		fmt.Fprintf(&b, " (%s)", n.Email)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Total: %s %s across %d payment(s)\n", amount.StringFixed(2), currency, n.PaymentCount)
	fmt.Fprintf(&b, "Purchase: %s\n", n.PurchaseID)
	fmt.Fprintf(&b, "First payment at: %s", n.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}
