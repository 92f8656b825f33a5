package admin

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/fluxorio/replstream/pkg/metrics"
	"github.com/fluxorio/replstream/pkg/model"
	"github.com/fluxorio/replstream/pkg/placement"
	"github.com/fluxorio/replstream/pkg/rangestore"
	"github.com/fluxorio/replstream/pkg/stream"
)

func startServer(t *testing.T, opts Options) *http.Client {
	t.Helper()
	srv := NewServer(opts)
	ln := fasthttputil.NewInmemoryListener()
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			Dial: func(network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func get(t *testing.T, c *http.Client, path string) (int, string) {
	t.Helper()
	resp, err := c.Get("http://admin" + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

func openStream(t *testing.T) *stream.Stream {
	t.Helper()
	ctx := context.Background()
	p := placement.NewMemoryStore("admin-test")
	store, err := rangestore.Open(ctx, rangestore.Options{Dir: t.TempDir(), Placement: p})
	if err != nil {
		t.Fatalf("rangestore.Open: %v", err)
	}
	s := stream.New(7, 1, stream.Options{Placement: p, Ranges: store, RetryBackoff: 10 * time.Millisecond})
	if err := s.Open(ctx); err != nil {
		t.Fatalf("stream.Open: %v", err)
	}
	t.Cleanup(func() {
		s.Close(ctx)
		store.Close()
	})
	if _, err := s.Append(ctx, model.NewRecordBatch([]byte("a"), []byte("b"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return s
}

func TestServer_Streams(t *testing.T) {
	reg := NewRegistry()
	reg.Add(openStream(t))
	c := startServer(t, Options{Registry: reg, Gatherer: prometheus.NewRegistry()})

	code, body := get(t, c, "/streams")
	if code != http.StatusOK {
		t.Fatalf("/streams status = %d", code)
	}
	var statuses []stream.Status
	if err := json.Unmarshal([]byte(body), &statuses); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	if len(statuses) != 1 || statuses[0].ID != 7 || statuses[0].NextOffset != 2 || len(statuses[0].Ranges) != 1 {
		t.Fatalf("statuses = %+v", statuses)
	}

	if code, _ := get(t, c, "/streams/7"); code != http.StatusOK {
		t.Fatalf("/streams/7 status = %d", code)
	}
	if code, _ := get(t, c, "/streams/8"); code != http.StatusNotFound {
		t.Fatalf("/streams/8 status = %d", code)
	}
	if code, _ := get(t, c, "/streams/x"); code != http.StatusBadRequest {
		t.Fatalf("/streams/x status = %d", code)
	}

	reg.Remove(7)
	if _, body := get(t, c, "/streams"); strings.TrimSpace(body) != "[]" {
		t.Fatalf("/streams after remove = %s", body)
	}
}

func TestServer_HealthAndStore(t *testing.T) {
	c := startServer(t, Options{
		Gatherer:   prometheus.NewRegistry(),
		StoreStats: func() interface{} { return map[string]int{"segments": 3} },
	})
	if code, body := get(t, c, "/healthz"); code != http.StatusOK || !strings.Contains(body, `"status":"ok"`) {
		t.Fatalf("/healthz = %d %s", code, body)
	}
	if code, body := get(t, c, "/store"); code != http.StatusOK || body != `{"segments":3}` {
		t.Fatalf("/store = %d %s", code, body)
	}
	if code, _ := get(t, c, "/nope"); code != http.StatusNotFound {
		t.Fatalf("/nope status = %d", code)
	}
}

func TestServer_MetricsRecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := startServer(t, Options{Metrics: metrics.New(reg), Gatherer: reg})

	get(t, c, "/healthz")
	get(t, c, "/streams/1")

	code, body := get(t, c, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics status = %d", code)
	}
	for _, want := range []string{
		`replstream_admin_requests_total{path="/healthz",status="2xx"} 1`,
		`replstream_admin_requests_total{path="/streams/:id",status="4xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	for path, want := range map[string]string{
		"/metrics":    "/metrics",
		"/streams/42": "/streams/:id",
		"/favicon":    "other",
	} {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
