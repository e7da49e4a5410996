package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	tok, err := tokens.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := tokens.Validate(tok)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.UserID != "alice" {
		t.Errorf("expected alice, got %q", claims.UserID)
	}

	if _, err := NewTokens("other", time.Hour).Validate(tok); err == nil {
		t.Error("expected token signed with another secret to be rejected")
	}
}

func TestExpiredToken(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issued }
	tok, _ := tokens.Issue("alice")

	tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := tokens.Validate(tok); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	tok, _ := tokens.Issue("bob")

	var seen string
	h := tokens.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFrom(r.Context())
	}))

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		user   string
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }, http.StatusOK, "bob"},
		{"query param", func(r *http.Request) { r.URL.RawQuery = "token=" + tok }, http.StatusOK, "bob"},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
			c.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != c.status {
				t.Errorf("expected status %d, got %d", c.status, rec.Code)
			}
			if seen != c.user {
				t.Errorf("expected user %q, got %q", c.user, seen)
			}
		})
	}
}
