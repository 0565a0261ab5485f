package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-sync/engine"
)

func intentJSON(id, customer string, amount int64, created int64, status string) map[string]any {
	return map[string]any{
		"id":            id,
		"customer":      customer,
		"receipt_email": customer + "@example.com",
		"amount":        amount,
		"currency":      "usd",
		"created":       created,
		"status":        status,
	}
}

func TestHTTPClient_ListPayments_FiltersStatus(t *testing.T) {
	now := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("created[gte]"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				intentJSON("pi_1", "cus_a", 999, now, "succeeded"),
				intentJSON("pi_2", "cus_a", 500, now, "canceled"),
				intentJSON("pi_3", "cus_b", 300, now, "succeeded"),
			},
			"has_more": false,
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "sk_test")
	got, err := client.ListPayments(context.Background(), engine.PaymentSucceeded,
		time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, engine.PaymentID("pi_1"), got[0].ID)
	assert.Equal(t, engine.PaymentID("pi_3"), got[1].ID)
	assert.Equal(t, "cus_a@example.com", got[0].Email)
}

func TestHTTPClient_ListPayments_WalksPagination(t *testing.T) {
	now := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		after := r.URL.Query().Get("starting_after")
		switch after {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"data":     []map[string]any{intentJSON("pi_1", "cus_a", 1, now, "succeeded")},
				"has_more": true,
			})
		case "pi_1":
			json.NewEncoder(w).Encode(map[string]any{
				"data":     []map[string]any{intentJSON("pi_2", "cus_b", 2, now, "succeeded")},
				"has_more": false,
			})
		default:
			t.Errorf("unexpected cursor %q", after)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "sk_test")
	got, err := client.ListPayments(context.Background(), engine.PaymentSucceeded,
		time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, engine.PaymentID("pi_2"), got[1].ID)
}

func TestHTTPClient_ListPayments_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "sk_test")
	_, err := client.ListPayments(context.Background(), engine.PaymentSucceeded,
		time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestHTTPClient_GetCustomer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/customers/cus_a", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cus_a","email":"a@example.com","address":{"country":"DE"}}`)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "sk_test")
	cust, err := client.GetCustomer(context.Background(), "cus_a")
	require.NoError(t, err)

	assert.Equal(t, engine.CustomerID("cus_a"), cust.ID)
	assert.Equal(t, "a@example.com", cust.Email)
	assert.Equal(t, "DE", cust.Country)
}

func TestHTTPClient_ListCustomerPayments_PassesCustomerParam(t *testing.T) {
	now := time.Now().Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "cus_a", r.URL.Query().Get("customer"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				intentJSON("pi_1", "cus_a", 999, now-86400, "succeeded"),
				intentJSON("pi_2", "cus_a", 500, now, "refunded"),
			},
			"has_more": false,
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "sk_test")
	got, err := client.ListCustomerPayments(context.Background(), "cus_a")
	require.NoError(t, err)

	require.Len(t, got, 2, "history includes every status")
	assert.Equal(t, engine.PaymentStatus("refunded"), got[1].Status)
}
