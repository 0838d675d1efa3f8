package server

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
	"github.com/nimburion/leasecoord/pkg/observability/metrics"
)

// RouterKind selects the HTTP router backing the management endpoint.
type RouterKind string

const (
	RouterNetHTTP RouterKind = "nethttp"
	RouterGin     RouterKind = "gin"
	RouterGorilla RouterKind = "gorilla"
)

const requestIDHeader = "X-Request-ID"

// route is a router-neutral registration. Patterns use "{name}" segments, and
// handlers read them with r.PathValue whatever router serves them.
type route struct {
	method  string
	pattern string
	handler http.HandlerFunc
}

var pathParam = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

func newRouter(kind RouterKind, routes []route, log logger.Logger) (http.Handler, error) {
	switch kind {
	case RouterNetHTTP, "":
		m := http.NewServeMux()
		for _, rt := range routes {
			m.HandleFunc(rt.method+" "+rt.pattern, instrument(rt.pattern, rt.handler, log))
		}
		return m, nil

	case RouterGin:
		gin.SetMode(gin.ReleaseMode)
		engine := gin.New()
		for _, rt := range routes {
			h := instrument(rt.pattern, rt.handler, log)
			engine.Handle(rt.method, pathParam.ReplaceAllString(rt.pattern, ":$1"), func(c *gin.Context) {
				for _, p := range c.Params {
					c.Request.SetPathValue(p.Key, p.Value)
				}
				h(c.Writer, c.Request)
			})
		}
		return engine, nil

	case RouterGorilla:
		r := mux.NewRouter()
		for _, rt := range routes {
			h := instrument(rt.pattern, rt.handler, log)
			r.HandleFunc(rt.pattern, func(w http.ResponseWriter, req *http.Request) {
				for k, v := range mux.Vars(req) {
					req.SetPathValue(k, v)
				}
				h(w, req)
			}).Methods(rt.method)
		}
		return r, nil
	}
	return nil, fmt.Errorf("unsupported router %q", kind)
}

// ParseRouterKind validates a configured router name.
func ParseRouterKind(raw string) (RouterKind, error) {
	kind := RouterKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case "":
		return RouterNetHTTP, nil
	case RouterNetHTTP, RouterGin, RouterGorilla:
		return kind, nil
	}
	return "", fmt.Errorf("unsupported router %q (expected nethttp, gin or gorilla)", raw)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument adds the request id, panic recovery, access logging and request metrics.
func instrument(pattern string, next http.HandlerFunc, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.IncrementInFlight()
		defer metrics.DecrementInFlight()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				log.Error("management handler panicked", "route", pattern, "request_id", requestID, "panic", p)
				rec.WriteHeader(http.StatusInternalServerError)
			}
			elapsed := time.Since(start)
			metrics.RecordRequest(r.Method, pattern, rec.status, elapsed)
			log.Debug("management request", "method", r.Method, "route", pattern, "status", rec.status,
				"duration_ms", elapsed.Milliseconds(), "request_id", requestID)
		}()

		next(rec, r)
	}
}
