package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/briefsync/internal/hub"
	"github.com/roach88/briefsync/internal/ir"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("hub connection closed")

// DefaultTimeout bounds one call when the context has no deadline.
const DefaultTimeout = 60 * time.Second

// DefaultDialer enables compression; changesets compress well.
var DefaultDialer = &websocket.Dialer{
	Proxy:             websocket.DefaultDialer.Proxy,
	HandshakeTimeout:  websocket.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// Client is a Hub reached over one websocket connection. It is safe for
// concurrent use.
type Client struct {
	conn *websocket.Conn
	// Timeout applies to each call. Zero leaves timing to the caller's
	// context.
	Timeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan response
	closed   chan struct{}
	closeErr error
}

var _ hub.Hub = (*Client)(nil)

// Dial connects to a hub server. url is the server base such as
// ws://localhost:7420; "/rpc" is appended unless present.
func Dial(ctx context.Context, url string) (*Client, error) {
	if !strings.HasSuffix(url, "/rpc") {
		url = strings.TrimSuffix(url, "/") + "/rpc"
	}
	conn, res, err := DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}
	res.Body.Close()
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:    conn,
		Timeout: DefaultTimeout,
		pending: map[string]chan response{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	slog.Debug("hub connected", "url", url)
	return c, nil
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrClosed)
	return c.conn.Close()
}

// shutdown fails every pending call with err. Only the first call counts.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	c.closeErr = err
	close(c.closed)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed):
				c.shutdown(ErrClosed)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.shutdown(ErrClosed)
			default:
				c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
			}
			return
		}
		var res response
		if err := json.Unmarshal(data, &res); err != nil {
			slog.Error("malformed hub response", "error", err)
			continue
		}
		if res.ID == "" {
			if res.Error != nil {
				slog.Error("hub rejected a request", "error", res.Error.Message)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.mu.Unlock()
		if !ok {
			slog.Warn("hub response for unknown request", "id", res.ID)
			continue
		}
		ch <- res
	}
}

// call sends one request and decodes its result into out, which may be nil.
func (c *Client) call(ctx context.Context, method string, p params, out any) error {
	if c.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}
	}

	id := uuid.NewString()
	data, err := json.Marshal(request{ID: id, Method: method, Params: p})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	ch := make(chan response, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, c.closeErr)
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	_ = c.conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()
	if err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, io.ErrClosedPipe) {
			c.shutdown(ErrClosed)
		}
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return fmt.Errorf("%s: %w", method, res.Error.err())
		}
		if out == nil || len(res.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	case <-c.closed:
		return fmt.Errorf("%s: %w", method, c.closeErr)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// AcquireReplica implements hub.Hub.
func (c *Client) AcquireReplica(ctx context.Context, repo string) (uint32, error) {
	var res replicaResult
	err := c.call(ctx, MethodAcquireReplica, params{Repo: repo}, &res)
	return res.Replica, err
}

// GetChangeSets implements hub.Hub.
func (c *Client) GetChangeSets(ctx context.Context, repo string, sinceIndex int64) ([]hub.ChangeSetEntry, error) {
	var res changeSetResult
	err := c.call(ctx, MethodGetChangeSets, params{Repo: repo, Since: sinceIndex}, &res)
	return res.ChangeSets, err
}

// UploadChangeSet implements hub.Hub.
func (c *Client) UploadChangeSet(ctx context.Context, repo string, replica uint32, parentIndex int64, data []byte, description string) (int64, error) {
	var res indexResult
	err := c.call(ctx, MethodUploadChangeSet, params{
		Repo: repo, Replica: replica, ParentIndex: parentIndex, Data: data, Description: description,
	}, &res)
	return res.Index, err
}

// AcquireLocks implements hub.Hub.
func (c *Client) AcquireLocks(ctx context.Context, repo string, replica uint32, baseIndex int64, locks []ir.Lock) error {
	return c.call(ctx, MethodAcquireLocks, params{Repo: repo, Replica: replica, BaseIndex: baseIndex, Locks: locks}, nil)
}

// AcquireCodes implements hub.Hub.
func (c *Client) AcquireCodes(ctx context.Context, repo string, replica uint32, codes []ir.Code) error {
	return c.call(ctx, MethodAcquireCodes, params{Repo: repo, Replica: replica, Codes: codes}, nil)
}

// MarkCodesUsed implements hub.Hub.
func (c *Client) MarkCodesUsed(ctx context.Context, repo string, replica uint32, codes []ir.Code) error {
	return c.call(ctx, MethodMarkCodesUsed, params{Repo: repo, Replica: replica, Codes: codes}, nil)
}

// ReleaseCodes implements hub.Hub.
func (c *Client) ReleaseCodes(ctx context.Context, repo string, replica uint32, codes []ir.Code) error {
	return c.call(ctx, MethodReleaseCodes, params{Repo: repo, Replica: replica, Codes: codes}, nil)
}

// ReleaseLocks implements hub.Hub.
func (c *Client) ReleaseLocks(ctx context.Context, repo string, replica uint32) error {
	return c.call(ctx, MethodReleaseLocks, params{Repo: repo, Replica: replica}, nil)
}

// QueryLocks implements hub.Hub.
func (c *Client) QueryLocks(ctx context.Context, repo string, replica uint32) ([]ir.Lock, error) {
	var res locksResult
	err := c.call(ctx, MethodQueryLocks, params{Repo: repo, Replica: replica}, &res)
	return res.Locks, err
}
