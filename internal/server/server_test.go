package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tradehold/escrowd/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		FeeBps:             250,
		MinEscrowAmount:    "100.00",
		AutoReleaseDays:    7,
		ApprovalWindowDays: 3,
		DisputeWindowDays:  14,
		FundingWindowDays:  3,
		BankAccountName:    "Test Escrow",
		BankIBAN:           "DE00000000000000000000",
		BankBIC:            "TESTDEFFXXX",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func do(s *Server, method, path string, payload any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestServer_HealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}

	// Not ready until Run marks it
	w = do(s, "GET", "/readyz", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz: expected 503 before startup, got %d", w.Code)
	}
	s.ready.Store(true)
	w = do(s, "GET", "/readyz", nil)
	if w.Code != http.StatusOK {
		t.Errorf("readyz: expected 200 after startup, got %d", w.Code)
	}

	w = do(s, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", w.Code)
	}
}

// Full flow through the wired server: listing -> escrow -> fund -> release
// request -> approve -> order.
func TestServer_EndToEndFlow(t *testing.T) {
	s := newTestServer(t)

	// Seller lists an item
	w := do(s, "POST", "/v1/listings", map[string]any{
		"sellerId": "seller_1",
		"title":    "Mechanical keyboard",
		"price":    "180.00",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create listing: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var listingResp struct {
		Listing struct {
			ID string `json:"id"`
		} `json:"listing"`
	}
	json.Unmarshal(w.Body.Bytes(), &listingResp)

	// Buyer opens an escrow
	w = do(s, "POST", "/v1/escrows", map[string]any{
		"listingId": listingResp.Listing.ID,
		"buyerId":   "buyer_1",
		"sellerId":  "seller_1",
		"amount":    "180.00",
		"currency":  "EUR",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create escrow: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var escrowResp struct {
		Escrow struct {
			ID        string `json:"id"`
			NetAmount string `json:"netAmount"`
		} `json:"escrow"`
		PaymentInstructions struct {
			BankTransfer struct {
				IBAN string `json:"iban"`
			} `json:"bankTransfer"`
		} `json:"paymentInstructions"`
	}
	json.Unmarshal(w.Body.Bytes(), &escrowResp)
	id := escrowResp.Escrow.ID
	if escrowResp.Escrow.NetAmount != "175.50" {
		t.Errorf("expected net 175.50 at 250 bps, got %s", escrowResp.Escrow.NetAmount)
	}
	if escrowResp.PaymentInstructions.BankTransfer.IBAN == "" {
		t.Error("expected bank transfer details in payment instructions")
	}

	// Fund, request, approve
	w = do(s, "POST", "/v1/escrows/"+id+"/fund", map[string]any{
		"paymentProof": "wire-001", "fundedBy": "buyer_1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("fund: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(s, "POST", "/v1/escrows/"+id+"/release-request", map[string]any{
		"requestedBy": "seller_1", "reason": "delivered",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("release-request: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(s, "POST", "/v1/escrows/"+id+"/approve", map[string]any{
		"approvedBy": "buyer_1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The sale completed: listing sold, order written
	w = do(s, "GET", "/v1/listings/"+listingResp.Listing.ID, nil)
	var soldResp struct {
		Listing struct {
			Status string `json:"status"`
		} `json:"listing"`
	}
	json.Unmarshal(w.Body.Bytes(), &soldResp)
	if soldResp.Listing.Status != "sold" {
		t.Errorf("expected listing sold, got %s", soldResp.Listing.Status)
	}

	w = do(s, "GET", "/v1/users/buyer_1/orders", nil)
	var ordersResp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &ordersResp)
	if ordersResp.Count != 1 {
		t.Errorf("expected 1 order, got %d", ordersResp.Count)
	}

	// Stats reflect the released escrow
	w = do(s, "GET", "/v1/escrows/stats", nil)
	var stats struct {
		TotalEscrows int            `json:"totalEscrows"`
		ByStatus     map[string]int `json:"byStatus"`
	}
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.TotalEscrows != 1 || stats.ByStatus["released"] != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestServer_WebhookManagement(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/v1/users/seller_1/webhooks", map[string]any{
		"url":    "https://example.com/hook",
		"events": []string{"escrow.funded", "escrow.released"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create webhook: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Webhook struct {
			ID string `json:"id"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Secret == "" {
		t.Error("expected a signing secret in the create response")
	}

	w = do(s, "GET", "/v1/users/seller_1/webhooks", nil)
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("expected 1 webhook, got %d", list.Count)
	}

	w = do(s, "DELETE", "/v1/users/seller_1/webhooks/"+created.Webhook.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("delete webhook: expected 200, got %d", w.Code)
	}

	// Unknown event type is rejected
	w = do(s, "POST", "/v1/users/seller_1/webhooks", map[string]any{
		"url":    "https://example.com/hook",
		"events": []string{"escrow.teleported"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown event, got %d", w.Code)
	}
}
