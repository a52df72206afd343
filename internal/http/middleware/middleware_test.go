// README: Tests for request logging and panic recovery.
package middleware_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"arkdispatch/internal/http/middleware"
)

func newTestRouter(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewJSONHandler(buf, nil))
	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log))
	r.GET("/ok/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return r
}

func TestLogging_RecordsRouteAndStatus(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRouter(&buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok/abc", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, buf.String())
	}
	if line["route"] != "/ok/:id" || line["method"] != "GET" {
		t.Errorf("unexpected log line: %v", line)
	}
	if status, _ := line["status"].(float64); status != 200 {
		t.Errorf("expected status 200 in log, got %v", line["status"])
	}
}

func TestLogging_UnknownRouteUsesPath(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRouter(&buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(buf.String(), `"route":"/missing"`) {
		t.Errorf("expected raw path in log, got %s", buf.String())
	}
}

func TestRecovery_ReturnsJSON500(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRouter(&buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal error") {
		t.Errorf("unexpected body %s", w.Body.String())
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Errorf("panic value not logged: %s", buf.String())
	}
}
