package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mattjoyce/fontbridge/internal/auth"
)

func TestAuthMiddleware_LegacyKeyHasAllScopes(t *testing.T) {
	t.Parallel()
	server := newTestServer(newMockExecutor(t))

	rr := do(t, server, http.MethodPost, "/v1/operations/set_kerning_pair", "test-key-123",
		[]byte(`{"left":"A","right":"V","value":-50}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestAuthMiddleware_Headers(t *testing.T) {
	t.Parallel()
	server := newTestServer(newMockExecutor(t))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"basic", "Basic abc", http.StatusUnauthorized},
		{"empty bearer", "Bearer   ", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"read token", "Bearer ro-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/operations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			server.setupRoutes().ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestRequireScopes_NoScopes(t *testing.T) {
	t.Parallel()
	exec := newMockExecutor(t)
	server := newTestServer(exec)
	server.config.Tokens = append(server.config.Tokens, auth.TokenConfig{Token: "bare-token"})

	rr := do(t, server, http.MethodGet, "/v1/operations", "bare-token", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	rr = do(t, server, http.MethodPost, "/v1/operations/get_current_font", "bare-token", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}
