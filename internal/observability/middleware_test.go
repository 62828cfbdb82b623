package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/hostlink/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestStatusMiddlewareLogsAndCounts(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := gin.New()
	r.Use(StatusMiddleware("mw-node", logger))
	r.GET("/connections/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	labels := map[string]string{"node": "mw-node", "path": "/connections/:id", "status": "404"}
	before := counterValue(t, "hostlink_http_requests_total", labels)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/connections/abc", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", w.Code)
	}
	if got := counterValue(t, "hostlink_http_requests_total", labels); got != before+1 {
		t.Fatalf("expected request counted under route template, got %v -> %v", before, got)
	}
	line := buf.String()
	if !strings.Contains(line, `"level":"warn"`) || !strings.Contains(line, `"route":"/connections/:id"`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestStatusMiddlewareUnmatchedRoute(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	r := gin.New()
	r.Use(StatusMiddleware("mw-node", zerolog.New(&buf)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	if !strings.Contains(buf.String(), `"route":"unmatched"`) {
		t.Fatalf("expected unmatched route label, got %s", buf.String())
	}
}
