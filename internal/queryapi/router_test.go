package queryapi_test

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/udevd/internal/queryapi"
	"github.com/tripwire/udevd/internal/statestore"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func validBearerToken(t *testing.T, priv *rsa.PrivateKey) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "test",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func openTestDeviceStore(t *testing.T) *statestore.Store {
	t.Helper()
	store, err := statestore.Open(":memory:")
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRouterHealthzNoAuth(t *testing.T) {
	_, pub := generateTestKey(t)
	srv := queryapi.NewServer(openTestDeviceStore(t), nil)
	h := queryapi.NewRouter(srv, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouterAPIRoutesRequireJWT(t *testing.T) {
	_, pub := generateTestKey(t)
	srv := queryapi.NewServer(openTestDeviceStore(t), nil)
	h := queryapi.NewRouter(srv, pub, nil)

	routes := []string{
		"/api/v1/devices",
		"/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z",
		"/api/v1/audit?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
	}
}

func TestRouterDevicesAccessibleWithJWT(t *testing.T) {
	priv, pub := generateTestKey(t)
	srv := queryapi.NewServer(openTestDeviceStore(t), nil)
	h := queryapi.NewRouter(srv, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", validBearerToken(t, priv))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid JWT, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestRouterEventsReturns503WithoutHistoryStore(t *testing.T) {
	srv := queryapi.NewServer(openTestDeviceStore(t), nil)
	h := queryapi.NewRouter(srv, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no history store configured, got %d", rec.Code)
	}
}
