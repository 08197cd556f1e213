package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mensahq/landbridge/internal/authz"
	"github.com/mensahq/landbridge/internal/config"
	"github.com/mensahq/landbridge/internal/escrow"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		HighValueThresholdMinor: config.DefaultHighValueThresholdMinor,
		VerificationPeriodDays:  config.DefaultVerificationPeriodDays,
		AdminSecret:             "test-admin-secret",
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func do(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	if w := do(s, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Errorf("/health status = %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/health/live", nil, nil); w.Code != http.StatusOK {
		t.Errorf("/health/live status = %d", w.Code)
	}
	// Readiness flips true only once Run has started.
	if w := do(s, http.MethodGet, "/health/ready", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready status = %d, want 503 before Run", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	if w := do(s, http.MethodGet, "/metrics", nil, nil); w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", w.Code)
	}
}

func TestAnonymousRequestsRejected(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodGet, "/v1/transactions?party=usr_000000000000000000000001", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without X-Actor-ID", w.Code)
	}
}

// bootstrapActor creates an actor through the admin bootstrap secret.
func bootstrapActor(t *testing.T, s *Server, name string, role authz.Role) string {
	t.Helper()
	w := do(s, http.MethodPost, "/v1/admin/actors",
		map[string]any{"name": name, "role": role},
		map[string]string{"X-Admin-Secret": "test-admin-secret"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create actor: status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Actor authz.Actor `json:"actor"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Actor.ID
}

func TestEndToEnd_CreateAndFetchTransaction(t *testing.T) {
	s := newTestServer(t)

	buyerID := bootstrapActor(t, s, "Ama Mensah", authz.RoleUser)
	sellerID := bootstrapActor(t, s, "Kofi Owusu", authz.RoleUser)

	w := do(s, http.MethodPost, "/v1/transactions", escrow.CreateRequest{
		OfferID:          "ofr_000000000000000000000001",
		ListingID:        "lst_000000000000000000000001",
		BuyerID:          buyerID,
		SellerID:         sellerID,
		AgreedPriceMinor: 1_500_000,
	}, map[string]string{"X-Actor-ID": buyerID})
	if w.Code != http.StatusCreated {
		t.Fatalf("create transaction: status = %d, body %s", w.Code, w.Body.String())
	}

	var created struct {
		Transaction escrow.Transaction `json:"transaction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	w = do(s, http.MethodGet, "/v1/transactions/"+created.Transaction.ID, nil,
		map[string]string{"X-Actor-ID": buyerID})
	if w.Code != http.StatusOK {
		t.Fatalf("get transaction: status = %d", w.Code)
	}

	// Request escrow, then confirm the transition landed.
	w = do(s, http.MethodPost, "/v1/transactions/"+created.Transaction.ID+"/transition",
		map[string]string{"target": string(escrow.StatusEscrowRequested)},
		map[string]string{"X-Actor-ID": buyerID})
	if w.Code != http.StatusOK {
		t.Fatalf("transition: status = %d, body %s", w.Code, w.Body.String())
	}

	var after struct {
		Transaction escrow.Transaction `json:"transaction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &after); err != nil {
		t.Fatal(err)
	}
	if after.Transaction.Status != escrow.StatusEscrowRequested {
		t.Errorf("status = %s, want %s", after.Transaction.Status, escrow.StatusEscrowRequested)
	}
}

func TestSuspendedActorRejected(t *testing.T) {
	s := newTestServer(t)
	id := bootstrapActor(t, s, "Esi Boateng", authz.RoleUser)

	w := do(s, http.MethodPost, "/v1/admin/actors/"+id+"/suspend", nil,
		map[string]string{"X-Admin-Secret": "test-admin-secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("suspend: status = %d", w.Code)
	}

	w = do(s, http.MethodGet, "/v1/transactions?party="+id, nil,
		map[string]string{"X-Actor-ID": id})
	if w.Code != http.StatusUnauthorized && w.Code != http.StatusForbidden {
		t.Errorf("suspended actor request: status = %d, want 401/403", w.Code)
	}
}

func TestAdminRoutesRequireReleaseCapability(t *testing.T) {
	s := newTestServer(t)
	userID := bootstrapActor(t, s, "Abena Sarpong", authz.RoleUser)
	adminID := bootstrapActor(t, s, "Yaw Darko", authz.RoleAdmin)

	if w := do(s, http.MethodGet, "/v1/admin/alerts", nil,
		map[string]string{"X-Actor-ID": userID}); w.Code != http.StatusForbidden {
		t.Errorf("user actor on admin route: status = %d, want 403", w.Code)
	}
	if w := do(s, http.MethodGet, "/v1/admin/alerts", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous on admin route: status = %d, want 401", w.Code)
	}
	if w := do(s, http.MethodGet, "/v1/admin/alerts", nil,
		map[string]string{"X-Actor-ID": adminID}); w.Code != http.StatusOK {
		t.Errorf("admin actor on admin route: status = %d, want 200", w.Code)
	}
}
