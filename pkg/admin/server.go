// Package admin serves the node's operational HTTP surface: prometheus
// metrics, a health probe and JSON snapshots of open streams.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/stream"
)

// Registry tracks the streams the node has open.
type Registry struct {
	mu      sync.RWMutex
	streams map[int64]*stream.Stream
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[int64]*stream.Stream)}
}

// Add registers s, replacing a previous stream with the same id.
func (r *Registry) Add(s *stream.Stream) {
	r.mu.Lock()
	r.streams[s.ID()] = s
	r.mu.Unlock()
}

func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id int64) (*stream.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// Statuses returns a snapshot of every registered stream ordered by id.
func (r *Registry) Statuses() []stream.Status {
	r.mu.RLock()
	out := make([]stream.Status, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Options configures NewServer.
type Options struct {
	Registry *Registry
	Metrics  *metrics.Metrics
	Logger   log.Logger

	// Gatherer defaults to metrics.DefaultRegistry.
	Gatherer prometheus.Gatherer

	// StoreStats, when set, is served as JSON on /store.
	StoreStats func() interface{}
}

// Server is the admin HTTP server.
type Server struct {
	opts    Options
	srv     *fasthttp.Server
	scrape  fasthttp.RequestHandler
	started time.Time
}

func NewServer(opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = metrics.DefaultRegistry
	}
	s := &Server{
		opts:    opts,
		scrape:  fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})),
		started: time.Now(),
	}
	s.srv = &fasthttp.Server{
		Handler:      s.instrument(s.route),
		Name:         "replstream-admin",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed and instrumented handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.srv.Handler
}

// Serve blocks serving ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.opts.Logger.Infof("admin server listening on %s", ln.Addr())
	return s.srv.Serve(ln)
}

// ListenAndServe blocks serving addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// instrument records every request on the admin metrics.
func (s *Server) instrument(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		s.opts.Metrics.RecordHTTPRequest(routeLabel(string(ctx.Path())), ctx.Response.StatusCode(), time.Since(start))
	}
}

// routeLabel keeps label cardinality bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/streams/") {
		return "/streams/:id"
	}
	switch path {
	case "/metrics", "/healthz", "/streams", "/store":
		return path
	}
	return "other"
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
		return
	}
	path := string(ctx.Path())
	switch {
	case path == "/metrics":
		s.scrape(ctx)
	case path == "/healthz":
		s.writeJSON(ctx, fasthttp.StatusOK, map[string]interface{}{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	case path == "/streams":
		s.writeJSON(ctx, fasthttp.StatusOK, s.opts.Registry.Statuses())
	case strings.HasPrefix(path, "/streams/"):
		id, err := strconv.ParseInt(strings.TrimPrefix(path, "/streams/"), 10, 64)
		if err != nil {
			s.writeJSON(ctx, fasthttp.StatusBadRequest, map[string]string{"error": "invalid stream id"})
			return
		}
		st, ok := s.opts.Registry.Get(id)
		if !ok {
			s.writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "stream not found"})
			return
		}
		s.writeJSON(ctx, fasthttp.StatusOK, st.Status())
	case path == "/store" && s.opts.StoreStats != nil:
		s.writeJSON(ctx, fasthttp.StatusOK, s.opts.StoreStats())
	default:
		s.writeJSON(ctx, fasthttp.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.opts.Logger.Errorf("admin: encode %s: %v", ctx.Path(), err)
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}
