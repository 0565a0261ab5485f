/*
Package source talks to the external payment processor.

The engine consumes the engine.PaymentSource interface; this package
provides the production HTTP client (Stripe-shaped API, cursor-paginated)
and an in-memory fake for tests (memory.go).

IDEMPOTENT QUERIES:
  The engine re-fetches the same creation window on every pass, so every
  method here is a pure read. Retry/backoff is the engine's job
  (engine.Retry); this client does one attempt per call.
*/
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warp/ledger-sync/engine"
)

const pageLimit = 100

// HTTPClient implements engine.PaymentSource against a payment-intents
// style REST API.
type HTTPClient struct {
	rc *resty.Client
}

// NewHTTPClient builds a client for baseURL authenticating with apiKey.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(30 * time.Second)
	return &HTTPClient{rc: rc}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type paymentIntent struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	ReceiptEmail string            `json:"receipt_email"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Created      int64             `json:"created"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
}

type paymentIntentList struct {
	Data    []paymentIntent `json:"data"`
	HasMore bool            `json:"has_more"`
}

type customer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Address  struct {
		Country string `json:"country"`
	} `json:"address"`
	Metadata map[string]string `json:"metadata"`
}

func (p paymentIntent) toRecord() engine.PaymentRecord {
	return engine.PaymentRecord{
		ID:         engine.PaymentID(p.ID),
		CustomerID: engine.CustomerID(p.Customer),
		Email:      p.ReceiptEmail,
		Amount:     p.Amount,
		Currency:   p.Currency,
		CreatedAt:  time.Unix(p.Created, 0).UTC(),
		Status:     engine.PaymentStatus(p.Status),
		Metadata:   p.Metadata,
	}
}

// =============================================================================
// PAYMENT SOURCE IMPLEMENTATION
// =============================================================================

// ListPayments returns payments with status created in [from, to].
// The API filters on the window; status is filtered client-side because
// the list endpoint does not take it.
func (c *HTTPClient) ListPayments(ctx context.Context, status engine.PaymentStatus, from, to time.Time) ([]engine.PaymentRecord, error) {
	params := map[string]string{
		"created[gte]": fmt.Sprintf("%d", from.Unix()),
		"created[lte]": fmt.Sprintf("%d", to.Unix()),
	}
	intents, err := c.listIntents(ctx, params)
	if err != nil {
		return nil, err
	}

	var out []engine.PaymentRecord
	for _, pi := range intents {
		rec := pi.toRecord()
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

// GetCustomer returns source-side customer details.
func (c *HTTPClient) GetCustomer(ctx context.Context, id engine.CustomerID) (engine.Customer, error) {
	var cust customer
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&cust).
		Get("/v1/customers/" + string(id))
	if err != nil {
		return engine.Customer{}, fmt.Errorf("get customer %s: %w", id, err)
	}
	if resp.IsError() {
		return engine.Customer{}, fmt.Errorf("get customer %s: status %d", id, resp.StatusCode())
	}

	return engine.Customer{
		ID:       engine.CustomerID(cust.ID),
		Email:    cust.Email,
		Country:  cust.Address.Country,
		Metadata: cust.Metadata,
	}, nil
}

// ListCustomerPayments returns all of a customer's payments, any age.
func (c *HTTPClient) ListCustomerPayments(ctx context.Context, id engine.CustomerID) ([]engine.PaymentRecord, error) {
	intents, err := c.listIntents(ctx, map[string]string{"customer": string(id)})
	if err != nil {
		return nil, err
	}

	out := make([]engine.PaymentRecord, 0, len(intents))
	for _, pi := range intents {
		out = append(out, pi.toRecord())
	}
	return out, nil
}

// listIntents walks the cursor pagination until has_more is false.
func (c *HTTPClient) listIntents(ctx context.Context, params map[string]string) ([]paymentIntent, error) {
	var (
		all          []paymentIntent
		startingAfter string
	)

	for {
		req := c.rc.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetQueryParam("limit", fmt.Sprintf("%d", pageLimit))
		if startingAfter != "" {
			req.SetQueryParam("starting_after", startingAfter)
		}

		var page paymentIntentList
		resp, err := req.SetResult(&page).Get("/v1/payment_intents")
		if err != nil {
			return nil, fmt.Errorf("list payment intents: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("list payment intents: status %d", resp.StatusCode())
		}

		all = append(all, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			return all, nil
		}
		startingAfter = page.Data[len(page.Data)-1].ID
	}
}
