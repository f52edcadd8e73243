package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/shellscope/internal/store"
)

// MaxLimit caps the number of records a single query may return.
const MaxLimit = 1000

// Router provides embeddable read-only HTTP handlers over the lifecycle store.
// Endpoints:
//
//	GET {basePath}/records          query: pid, running, suspicious, child, since (YYYY-MM-DD), limit
//	GET {basePath}/records/running  query: child, limit
//	GET {basePath}/healthz
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	st       store.Store
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/records, /api/healthz.
func NewRouter(st store.Store, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{st: st, basePath: sanitizeBase(basePath), log: log}
}

// BasePath returns the sanitized mount prefix.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/records", r.handleRecords)
	group.GET("/records/running", r.handleRunning)
	group.GET("/healthz", r.handleHealth)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("query API server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type recordsResp struct {
	Count   int                `json:"count"`
	Records []store.RecordView `json:"records"`
}

func (r *Router) handleRecords(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	r.list(c, f)
}

func (r *Router) handleRunning(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	running := true
	f.Running = &running
	r.list(c, f)
}

func (r *Router) list(c *gin.Context, f store.Filter) {
	recs, err := r.st.List(c.Request.Context(), f)
	if err != nil {
		r.log.Warn("list lifecycle records", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "store unavailable"})
		return
	}
	out := recordsResp{Count: len(recs), Records: make([]store.RecordView, 0, len(recs))}
	for _, rec := range recs {
		out.Records = append(out.Records, rec.View())
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := r.st.Ping(ctx); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

func parseFilter(c *gin.Context) (store.Filter, error) {
	var f store.Filter
	if s := c.Query("pid"); s != "" {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return f, badParam("pid", s)
		}
		pid := int32(n)
		f.PID = &pid
	}
	if s := c.Query("running"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, badParam("running", s)
		}
		f.Running = &b
	}
	if s := c.Query("suspicious"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, badParam("suspicious", s)
		}
		f.Suspicious = &b
	}
	if s := c.Query("child"); s != "" {
		if !isSafeName(s) {
			return f, badParam("child", s)
		}
		f.Child = s
	}
	if s := c.Query("since"); s != "" {
		if _, err := time.Parse(store.DateLayout, s); err != nil {
			return f, badParam("since", s)
		}
		f.Since = s
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > MaxLimit {
			return f, badParam("limit", s)
		}
		f.Limit = n
	}
	return f, nil
}
