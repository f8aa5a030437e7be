package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"auth9.org/internal/tenant"
	"auth9.org/internal/token"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"Bearer  spaced ", "spaced"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := extractBearerToken(req); got != tc.want {
			t.Fatalf("header %q: got %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestWithAuthSetsPrincipal(t *testing.T) {
	codec, err := token.NewCodec("auth9", "test-secret-test-secret-test-secret!")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	a := &API{codec: codec}

	raw, _, err := codec.IssueIdentity("usr_1", "alice@example.com", "Alice", nil)
	if err != nil {
		t.Fatalf("IssueIdentity: %v", err)
	}

	var got Principal
	handler := a.withAuth(func(w http.ResponseWriter, r *http.Request) {
		got, _ = principalFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	handler(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got.Subject != "usr_1" || got.Kind != token.KindIdentity || got.Email != "alice@example.com" {
		t.Fatalf("principal = %+v", got)
	}
}

func TestWithTenantAdminRejectsServiceTokens(t *testing.T) {
	codec, err := token.NewCodec("auth9", "test-secret-test-secret-test-secret!")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	a := &API{codec: codec, tenants: tenant.NewService(newMemTenants())}

	raw, _, err := codec.IssueServiceClient("cli_1", "robot@service.auth9", "tnt_1")
	if err != nil {
		t.Fatalf("IssueServiceClient: %v", err)
	}

	handler := a.withTenantAdmin(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/tnt_1/members", nil)
	req.SetPathValue("id", "tnt_1")
	req.Header.Set("Authorization", "Bearer "+raw)
	rr := httptest.NewRecorder()
	handler(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}
}
