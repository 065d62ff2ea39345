package auth

import (
	"net/http/httptest"
	"testing"
)

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"operations:ro"}},
		{Token: "writer", Scopes: []string{" operations:rw ", ""}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	if !ok || !HasAnyScope(p, ScopeOperationsRW) {
		t.Fatal("api key should authenticate with every scope")
	}

	p, ok = Authenticate("reader", "admin-key", tokens)
	if !ok {
		t.Fatal("reader token should authenticate")
	}
	if !HasAnyScope(p, ScopeOperationsRead) {
		t.Error("reader should hold operations:ro")
	}
	if HasAnyScope(p, ScopeOperationsRW) {
		t.Error("reader must not hold operations:rw")
	}

	p, ok = Authenticate("writer", "admin-key", tokens)
	if !ok {
		t.Fatal("writer token should authenticate")
	}
	if !HasAnyScope(p, ScopeOperationsRead) {
		t.Error("operations:rw should imply operations:ro")
	}

	if _, ok := Authenticate("nope", "admin-key", tokens); ok {
		t.Error("unknown token authenticated")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Error("empty token authenticated against empty api key")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"Bearer   abc  ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer ", "", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractBearerToken(r)
		if (err != nil) != tt.wantErr {
			t.Errorf("ExtractBearerToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestRequiredScope(t *testing.T) {
	if RequiredScope(true) != ScopeOperationsRW {
		t.Error("write operations need operations:rw")
	}
	if RequiredScope(false) != ScopeOperationsRead {
		t.Error("read operations need operations:ro")
	}
	if !HasAnyScope(Principal{}) {
		t.Error("no requirement should pass")
	}
}
