package reddit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feed-scheduler/internal/domain"
)

func newTestRefresher(t *testing.T, handler http.HandlerFunc) *Refresher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r, err := NewRefresher(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/api/v1/access_token",
		UserAgent:    "feed-scheduler-test",
		Timeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("NewRefresher: %v", err)
	}
	return r
}

func TestRefreshReturnsNewToken(t *testing.T) {
	r := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			t.Fatalf("ожидалась basic-авторизация приложения")
		}
		if req.Header.Get("User-Agent") != "feed-scheduler-test" {
			t.Fatalf("не передан User-Agent: %q", req.Header.Get("User-Agent"))
		}
		if err := req.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if req.Form.Get("grant_type") != "refresh_token" || req.Form.Get("refresh_token") != "old-refresh" {
			t.Fatalf("неверные параметры grant: %v", req.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"bearer","expires_in":3600}`))
	})

	tok, err := r.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "new-access" || tok.RefreshToken != "new-refresh" {
		t.Fatalf("неверный токен: %+v", tok)
	}
	if time.Until(tok.Expiry) < 50*time.Minute {
		t.Fatalf("неверный срок действия: %v", tok.Expiry)
	}
}

func TestRefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	r := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","token_type":"bearer","expires_in":3600}`))
	})

	tok, err := r.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.RefreshToken != "old-refresh" {
		t.Fatalf("refresh token должен сохраниться, получено %q", tok.RefreshToken)
	}
}

func TestRefreshMapsBadRequestToRevoked(t *testing.T) {
	r := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	_, err := r.Refresh(context.Background(), "revoked")
	if !errors.Is(err, domain.ErrAppRevoked) {
		t.Fatalf("ожидалась ErrAppRevoked, получено %v", err)
	}
}

func TestRefreshServerErrorIsNotRevoked(t *testing.T) {
	r := newTestRefresher(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := r.Refresh(context.Background(), "token")
	if err == nil || errors.Is(err, domain.ErrAppRevoked) {
		t.Fatalf("ошибка сервера не должна считаться отзывом: %v", err)
	}
}

func TestNewRefresherRequiresCredentials(t *testing.T) {
	if _, err := NewRefresher(Config{}); err == nil {
		t.Fatalf("ожидалась ошибка без client id")
	}
}
