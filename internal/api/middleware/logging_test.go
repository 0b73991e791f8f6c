package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		want   string
	}{
		{"успешный запрос", "/api/v1/poll", http.StatusOK, "level=INFO"},
		{"ошибка клиента", "/api/v1/poll", http.StatusConflict, "level=WARN"},
		{"ошибка сервера", "/api/v1/poll", http.StatusBadGateway, "level=ERROR"},
		{"probe", "/health/live", http.StatusOK, "level=DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("ok"))
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, tt.path, nil))

			out := buf.String()
			if !strings.Contains(out, tt.want) {
				t.Errorf("ожидался %s, лог: %s", tt.want, out)
			}
			if !strings.Contains(out, "bytes=2") {
				t.Errorf("ожидался размер ответа, лог: %s", out)
			}
		})
	}
}

func TestRoutePattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/api/v1/alliances/{allianceID}/conflicts", func(w http.ResponseWriter, r *http.Request) {
		got = routePattern(r)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/alliances/42/conflicts", nil))
	if got != "/api/v1/alliances/{allianceID}/conflicts" {
		t.Errorf("routePattern() = %q", got)
	}

	if p := routePattern(httptest.NewRequest(http.MethodGet, "/x", nil)); p != "unmatched" {
		t.Errorf("routePattern() без chi = %q", p)
	}
}
