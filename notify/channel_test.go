package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-sync/engine"
)

type fakeChannel struct {
	texts []string
	err   error
}

func (c *fakeChannel) Send(_ context.Context, text string) error {
	if c.err != nil {
		return c.err
	}
	c.texts = append(c.texts, text)
	return nil
}

func TestFormatPurchase_New(t *testing.T) {
	text := FormatPurchase(engine.Notification{
		CustomerID:   "cus_a",
		Email:        "a@example.com",
		PurchaseID:   "purchase_cus_a_20260314T093000Z",
		TotalAmount:  2998,
		Currency:     "usd",
		PaymentCount: 2,
		New:          true,
		CreatedAt:    time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	})

	assert.Contains(t, text, "New purchase")
	assert.Contains(t, text, "cus_a (a@example.com)")
	assert.Contains(t, text, "29.98 USD across 2 payment(s)")
	assert.Contains(t, text, "2026-03-14 09:30:00 UTC")
}

func TestFormatPurchase_UpdateWithoutEmail(t *testing.T) {
	text := FormatPurchase(engine.Notification{
		CustomerID:   "cus_b",
		PurchaseID:   "purchase_cus_b",
		TotalAmount:  5,
		Currency:     "eur",
		PaymentCount: 1,
		New:          false,
	})

	assert.Contains(t, text, "Purchase updated")
	assert.Contains(t, text, "0.05 EUR")
	assert.NotContains(t, text, "(", "no email, no parenthetical")
}

func TestSender_FansOutToAllChannels(t *testing.T) {
	a := &fakeChannel{}
	b := &fakeChannel{}
	s := NewSender(a, b)

	err := s.Send(context.Background(), engine.Notification{
		CustomerID: "cus_a", PurchaseID: "p", TotalAmount: 100, Currency: "usd", PaymentCount: 1,
	})
	require.NoError(t, err)
	require.Len(t, a.texts, 1)
	require.Len(t, b.texts, 1)
	assert.Equal(t, a.texts[0], b.texts[0])
}

func TestSender_FirstChannelErrorStopsFanOut(t *testing.T) {
	a := &fakeChannel{err: errors.New("webhook down")}
	b := &fakeChannel{}
	s := NewSender(a, b)

	err := s.Send(context.Background(), engine.Notification{CustomerID: "cus_a"})
	require.Error(t, err)
	assert.Empty(t, b.texts, "queue retry re-covers every channel")
}
