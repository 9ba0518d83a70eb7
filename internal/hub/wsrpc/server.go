package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/ir"
)

// Server exposes a Hub on /rpc. When a metrics handler is configured it is
// mounted on /metrics.
type Server struct {
	hub      hub.Hub
	metrics  http.Handler
	upgrader websocket.Upgrader
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// NewServer serves h.
func NewServer(h hub.Hub, opts ...ServerOption) *Server {
	s := &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 << 10,
			WriteBufferSize:   64 << 10,
			EnableCompression: true,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.serveRPC)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("hub listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("hub serve: %w", err)
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("hub serve: %w", err)
	}
	return nil
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	// In-flight calls are cancelled when the client goes away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	defer wg.Wait()
	reply := func(res response) {
		data, err := json.Marshal(res)
		if err != nil {
			slog.Error("encode response", "id", res.ID, "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("write response", "id", res.ID, "error", err)
		}
	}

	slog.Debug("hub client connected", "remote", r.RemoteAddr)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("hub client read", "remote", r.RemoteAddr, "error", err)
			}
			cancel()
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			reply(response{Error: &wireError{Message: "malformed request: " + err.Error()}})
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply(s.dispatch(ctx, req))
		}()
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	p := req.Params
	var (
		result any
		err    error
	)
	switch req.Method {
	case MethodAcquireReplica:
		var n uint32
		n, err = s.hub.AcquireReplica(ctx, p.Repo)
		result = replicaResult{Replica: n}
	case MethodGetChangeSets:
		var sets []hub.ChangeSetEntry
		sets, err = s.hub.GetChangeSets(ctx, p.Repo, p.Since)
		result = changeSetResult{ChangeSets: sets}
	case MethodUploadChangeSet:
		var idx int64
		idx, err = s.hub.UploadChangeSet(ctx, p.Repo, p.Replica, p.ParentIndex, p.Data, p.Description)
		result = indexResult{Index: idx}
	case MethodAcquireLocks:
		err = s.hub.AcquireLocks(ctx, p.Repo, p.Replica, p.BaseIndex, p.Locks)
	case MethodAcquireCodes:
		err = s.hub.AcquireCodes(ctx, p.Repo, p.Replica, p.Codes)
	case MethodMarkCodesUsed:
		err = s.hub.MarkCodesUsed(ctx, p.Repo, p.Replica, p.Codes)
	case MethodReleaseCodes:
		err = s.hub.ReleaseCodes(ctx, p.Repo, p.Replica, p.Codes)
	case MethodReleaseLocks:
		err = s.hub.ReleaseLocks(ctx, p.Repo, p.Replica)
	case MethodQueryLocks:
		var locks []ir.Lock
		locks, err = s.hub.QueryLocks(ctx, p.Repo, p.Replica)
		result = locksResult{Locks: locks}
	default:
		err = fmt.Errorf("unknown method %q", req.Method)
	}

	res := response{ID: req.ID}
	if err != nil {
		slog.Debug("hub request failed", "method", req.Method, "repo", p.Repo, "error", err)
		res.Error = toWire(err)
		return res
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			res.Error = toWire(err)
			return res
		}
		res.Result = raw
	}
	return res
}
