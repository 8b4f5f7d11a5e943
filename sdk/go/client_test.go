package escrowlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReleaseSendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/contracts/c-1/escrow/release" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"release_tx_id":   "e1",
			"fees":            map[string]string{"platform_fee": "70.00", "provider_fee": "30.00", "net": "900.00"},
			"payout_enqueued": true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	rel, err := c.Release(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rel.ReleaseTxID != "e1" || rel.Fees.Net != "900.00" || !rel.PayoutEnqueued {
		t.Fatalf("unexpected release %+v", rel)
	}
}

func TestErrorEnvelopeIsParsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"invalid_state","message":"contract c1 is RELEASED"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Refund(context.Background(), "c1", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "invalid_state" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListContractsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "HELD" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		io.WriteString(w, `[{"id":"c1","escrow_status":"HELD","gross_amount":"10.00"}]`)
	}))
	defer srv.Close()

	items, err := New(srv.URL).ListContracts(context.Background(), "HELD", 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].EscrowStatus != "HELD" {
		t.Fatalf("unexpected contracts %+v", items)
	}
}
