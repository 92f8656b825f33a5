package placement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/fluxorio/replstream/pkg/concurrency"
	"github.com/fluxorio/replstream/pkg/log"
	"github.com/fluxorio/replstream/pkg/model"
)

// RequestIDHeader carries the id correlating a placement call across nodes.
const RequestIDHeader = "X-Request-ID"

// NATSConfig configures the NATS placement transport.
//
// Subjects:
//   - <prefix>.placement.list
//   - <prefix>.placement.create
//   - <prefix>.placement.seal
type NATSConfig struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string `yaml:"url" json:"url"`

	// Prefix is prepended to all subjects. Default: "replstream".
	Prefix string `yaml:"prefix" json:"prefix"`

	// Name is an optional NATS connection name.
	Name string `yaml:"name" json:"name"`

	// RequestTimeout bounds calls made without a context deadline.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Executor bounds request handling on the server side.
	Executor concurrency.ExecutorConfig `yaml:"-" json:"-"`
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Prefix == "" {
		c.Prefix = "replstream"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.Executor.Workers == 0 && c.Executor.QueueSize == 0 {
		c.Executor = concurrency.ExecutorConfig{Workers: 8, QueueSize: 1024}
	}
	return c
}

func (c NATSConfig) subject(op string) string {
	return c.Prefix + ".placement." + op
}

func (c NATSConfig) connect() (*nats.Conn, error) {
	return nats.Connect(c.URL, func(o *nats.Options) error {
		if c.Name != "" {
			o.Name = c.Name
		}
		return nil
	})
}

type requestIDKey struct{}

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Wire format.

type listRequest struct {
	StreamID int64 `json:"stream_id"`
}

type createRequest struct {
	StreamID int64  `json:"stream_id"`
	Epoch    uint64 `json:"epoch"`
	Index    int32  `json:"index"`
	Start    uint64 `json:"start"`
}

type sealRequest struct {
	Range model.RangeMetadata `json:"range"`
}

type response struct {
	Ranges []model.RangeMetadata `json:"ranges,omitempty"`
	Range  *model.RangeMetadata  `json:"range,omitempty"`
	Code   string                `json:"code,omitempty"`
	Error  string                `json:"error,omitempty"`
}

const (
	codeRangeExists   = "RANGE_EXISTS"
	codeRangeNotFound = "RANGE_NOT_FOUND"
	codeConflict      = "CONFLICT"
	codeBadRequest    = "BAD_REQUEST"
	codeUnavailable   = "UNAVAILABLE"
	codeInternal      = "INTERNAL"
)

func errorResponse(err error) response {
	code := codeInternal
	switch {
	case errors.Is(err, ErrRangeExists):
		code = codeRangeExists
	case errors.Is(err, ErrRangeNotFound):
		code = codeRangeNotFound
	case errors.Is(err, ErrConflict):
		code = codeConflict
	}
	return response{Code: code, Error: err.Error()}
}

func (r response) err() error {
	switch r.Code {
	case "":
		return nil
	case codeRangeExists:
		return ErrRangeExists
	case codeRangeNotFound:
		return ErrRangeNotFound
	case codeConflict:
		return ErrConflict
	default:
		return fmt.Errorf("placement: %s: %s", r.Code, r.Error)
	}
}

// NATSServer answers placement requests from a backing Client.
type NATSServer struct {
	cfg      NATSConfig
	nc       *nats.Conn
	backend  Client
	executor *concurrency.Executor
	logger   log.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSServer connects to NATS and subscribes to the placement subjects.
// Requests are load balanced across servers sharing a prefix.
func NewNATSServer(ctx context.Context, cfg NATSConfig, backend Client, logger log.Logger) (*NATSServer, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	cfg = cfg.withDefaults()

	nc, err := cfg.connect()
	if err != nil {
		return nil, err
	}

	s := &NATSServer{
		cfg:      cfg,
		nc:       nc,
		backend:  backend,
		executor: concurrency.NewExecutor(ctx, cfg.Executor, logger),
		logger:   logger.Named("placement"),
	}
	for op, handle := range map[string]func(context.Context, []byte) response{
		"list":   s.handleList,
		"create": s.handleCreate,
		"seal":   s.handleSeal,
	} {
		subject := cfg.subject(op)
		sub, err := nc.QueueSubscribe(subject, subject, s.onMsg(op, handle))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := nc.Flush(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *NATSServer) onMsg(op string, handle func(context.Context, []byte) response) nats.MsgHandler {
	return func(m *nats.Msg) {
		task := concurrency.NewNamedTask("placement."+op, func(ctx context.Context) error {
			if rid := m.Header.Get(RequestIDHeader); rid != "" {
				ctx = WithRequestID(ctx, rid)
			}
			ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
			return s.reply(m, handle(ctx, m.Data))
		})
		if err := s.executor.Submit(task); err != nil {
			s.logger.Warnf("placement %s overloaded: %v", op, err)
			_ = s.reply(m, response{Code: codeUnavailable, Error: err.Error()})
		}
	}
}

func (s *NATSServer) reply(m *nats.Msg, resp response) error {
	if m.Reply == "" {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	out := &nats.Msg{Subject: m.Reply, Data: data, Header: nats.Header{}}
	if rid := m.Header.Get(RequestIDHeader); rid != "" {
		out.Header.Set(RequestIDHeader, rid)
	}
	return s.nc.PublishMsg(out)
}

func (s *NATSServer) handleList(ctx context.Context, data []byte) response {
	var req listRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return response{Code: codeBadRequest, Error: err.Error()}
	}
	ranges, err := s.backend.ListRanges(ctx, req.StreamID)
	if err != nil {
		s.logger.Errorf("list ranges of stream %d [%s]: %v", req.StreamID, RequestID(ctx), err)
		return errorResponse(err)
	}
	return response{Ranges: ranges}
}

func (s *NATSServer) handleCreate(ctx context.Context, data []byte) response {
	var req createRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return response{Code: codeBadRequest, Error: err.Error()}
	}
	meta, err := s.backend.CreateRange(ctx, req.StreamID, req.Epoch, req.Index, req.Start)
	if err != nil {
		s.logger.Warnf("create range %d of stream %d [%s]: %v", req.Index, req.StreamID, RequestID(ctx), err)
		return errorResponse(err)
	}
	return response{Range: &meta}
}

func (s *NATSServer) handleSeal(ctx context.Context, data []byte) response {
	var req sealRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return response{Code: codeBadRequest, Error: err.Error()}
	}
	meta, err := s.backend.SealRange(ctx, req.Range)
	if err != nil {
		s.logger.Warnf("seal %s [%s]: %v", req.Range, RequestID(ctx), err)
		return errorResponse(err)
	}
	return response{Range: &meta}
}

// Close unsubscribes, finishes queued requests and closes the connection.
func (s *NATSServer) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.executor.Shutdown(ctx)
	s.nc.Close()
	return nil
}

// NATSClient is a Client that calls a NATSServer.
type NATSClient struct {
	cfg NATSConfig
	nc  *nats.Conn
}

// NewNATSClient connects to NATS.
func NewNATSClient(cfg NATSConfig) (*NATSClient, error) {
	cfg = cfg.withDefaults()
	nc, err := cfg.connect()
	if err != nil {
		return nil, err
	}
	return &NATSClient{cfg: cfg, nc: nc}, nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() error {
	_ = c.nc.Drain()
	c.nc.Close()
	return nil
}

func (c *NATSClient) call(ctx context.Context, op string, req interface{}) (response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return response{}, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	rid := RequestID(ctx)
	if rid == "" {
		rid = uuid.New().String()
	}
	msg := &nats.Msg{Subject: c.cfg.subject(op), Data: data, Header: nats.Header{}}
	msg.Header.Set(RequestIDHeader, rid)

	reply, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return response{}, fmt.Errorf("placement %s [%s]: %w", op, rid, err)
	}
	var resp response
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return response{}, fmt.Errorf("placement %s [%s]: decode reply: %w", op, rid, err)
	}
	return resp, resp.err()
}

func (c *NATSClient) ListRanges(ctx context.Context, streamID int64) ([]model.RangeMetadata, error) {
	resp, err := c.call(ctx, "list", listRequest{StreamID: streamID})
	if err != nil {
		return nil, err
	}
	return resp.Ranges, nil
}

func (c *NATSClient) CreateRange(ctx context.Context, streamID int64, epoch uint64, index int32, start uint64) (model.RangeMetadata, error) {
	resp, err := c.call(ctx, "create", createRequest{StreamID: streamID, Epoch: epoch, Index: index, Start: start})
	if err != nil {
		return model.RangeMetadata{}, err
	}
	if resp.Range == nil {
		return model.RangeMetadata{}, fmt.Errorf("placement create: empty reply")
	}
	return *resp.Range, nil
}

func (c *NATSClient) SealRange(ctx context.Context, meta model.RangeMetadata) (model.RangeMetadata, error) {
	resp, err := c.call(ctx, "seal", sealRequest{Range: meta})
	if err != nil {
		return model.RangeMetadata{}, err
	}
	if resp.Range == nil {
		return model.RangeMetadata{}, fmt.Errorf("placement seal: empty reply")
	}
	return *resp.Range, nil
}
