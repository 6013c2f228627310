package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthz(t *testing.T) {
	srv := NewServer(zerolog.Nop(), nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]Pinger
		want   int
	}{
		{name: "все доступны", checks: map[string]Pinger{"postgres": stubPinger{}, "redis": stubPinger{}}, want: http.StatusOK},
		{name: "postgres недоступен", checks: map[string]Pinger{"postgres": stubPinger{err: errors.New("down")}}, want: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := NewServer(zerolog.Nop(), tc.checks)
			rec := httptest.NewRecorder()
			srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			if rec.Code != tc.want {
				t.Fatalf("ожидали %d, получили %d", tc.want, rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("ответ не JSON: %v", err)
			}
			if len(body) != len(tc.checks) {
				t.Fatalf("ожидали результат по каждой проверке: %v", body)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(zerolog.Nop(), nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
}
