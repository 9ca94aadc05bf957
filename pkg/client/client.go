package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/splax/edgelogger/internal/framing"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultMaxReplySize = 64 * 1024
)

// ErrRejected indicates the server answered with an error status.
var ErrRejected = errors.New("edgelogger: message rejected")

// ErrInvalidResponse indicates the server reply could not be decoded.
var ErrInvalidResponse = errors.New("edgelogger: invalid response")

// ErrClosed is returned when the client is used after Close.
var ErrClosed = errors.New("edgelogger: client closed")

// Options configures a Client.
type Options struct {
	Framing string
	// Timeout bounds each request when the context carries no deadline.
	Timeout time.Duration
}

// Event is one machine sample.
type Event struct {
	MachineID string
	Metrics   map[string]float64
	Timestamp time.Time
}

// Reply is the server acknowledgement.
type Reply struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// OK reports whether the message was stored.
func (r Reply) OK() bool {
	return r.Status == "success"
}

// Client sends events over one persistent ingest connection. Requests are
// serialised; replies arrive in order.
type Client struct {
	conn    net.Conn
	reader  framing.Reader
	writer  framing.Writer
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

// Dial connects to the ingest server at addr.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("edgelogger: server address required")
	}
	if opts.Framing == "" {
		opts.Framing = framing.ModeLength
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	var dialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newClient(conn, opts)
}

func newClient(conn net.Conn, opts Options) (*Client, error) {
	reader, err := framing.NewReader(opts.Framing, conn, defaultMaxReplySize)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	writer, err := framing.NewWriter(opts.Framing, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{
		conn:    conn,
		reader:  reader,
		writer:  writer,
		timeout: opts.Timeout,
		now:     time.Now,
	}, nil
}

// Send encodes event and waits for the acknowledgement. A reply with an error
// status is returned together with an error wrapping ErrRejected.
func (c *Client) Send(ctx context.Context, event Event) (Reply, error) {
	machineID := strings.TrimSpace(event.MachineID)
	if machineID == "" {
		return Reply{}, errors.New("edgelogger: machine id required")
	}
	body, err := json.Marshal(buildPayload(machineID, event, c.now))
	if err != nil {
		return Reply{}, fmt.Errorf("marshal event: %w", err)
	}
	return c.SendRaw(ctx, body)
}

// SendRaw writes payload as one message unchanged.
func (c *Client) SendRaw(ctx context.Context, payload []byte) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Reply{}, ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = c.now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Reply{}, c.ioError(ctx, "set deadline", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.writer.WriteMessage(payload); err != nil {
		return Reply{}, c.ioError(ctx, "send message", err)
	}
	data, err := c.reader.Next()
	if err != nil {
		return Reply{}, c.ioError(ctx, "read reply", err)
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if reply.Status == "" {
		return Reply{}, fmt.Errorf("%w: missing status", ErrInvalidResponse)
	}
	if !reply.OK() {
		return reply, fmt.Errorf("%w: %s", ErrRejected, reply.Message)
	}
	return reply, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// ioError marks the client closed since the stream position is unknown after
// a failed exchange. Callers hold c.mu.
func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if !c.closed {
		c.closed = true
		_ = c.conn.Close()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func buildPayload(machineID string, event Event, nowFn func() time.Time) map[string]any {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = nowFn()
	}
	metrics := event.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return map[string]any{
		"machine_id": machineID,
		"timestamp":  ts.UTC().Format(time.RFC3339Nano),
		"metrics":    metrics,
	}
}
