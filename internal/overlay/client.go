package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/therealutkarshpriyadarshi/resettime/internal/logging"
	"github.com/therealutkarshpriyadarshi/resettime/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resettime/internal/reliability"
	"github.com/therealutkarshpriyadarshi/resettime/internal/tracing"
	"github.com/therealutkarshpriyadarshi/resettime/pkg/types"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// EventKind is the kind of a connection event
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
)

// Event reports a change of the overlay connection
type Event struct {
	Kind EventKind
	Err  string
}

// Config holds overlay client configuration
type Config struct {
	Host                 string
	Port                 int
	Password             string
	QueueSize            int
	MaxRequestsPerSecond float64
	Burst                int
	RetryInterval        time.Duration
	DialTimeout          time.Duration
	Logger               *logging.Logger
	Metrics              *metrics.Collector
	Tracer               trace.Tracer
}

// Client pushes text to OBS sources over obs-websocket v5. Requests come from a
// small bounded channel; producers use TrySend and never wait.
type Client struct {
	url           string
	password      string
	retryInterval time.Duration
	dialTimeout   time.Duration
	requests      chan types.TextRequest
	events        chan Event
	limiter       *rate.Limiter
	nextID        atomic.Uint64
	connected     atomic.Bool
	logger        *logging.Logger
	metrics       *metrics.Collector
	tracer        trace.Tracer
}

// New creates a new overlay client
func New(cfg Config) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Default()
	}

	limit := rate.Inf
	if cfg.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxRequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		url:           "ws://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		password:      cfg.Password,
		retryInterval: cfg.RetryInterval,
		dialTimeout:   cfg.DialTimeout,
		requests:      make(chan types.TextRequest, cfg.QueueSize),
		events:        make(chan Event, 4),
		limiter:       rate.NewLimiter(limit, burst),
		logger:        cfg.Logger.WithComponent("overlay"),
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
	}
}

// Requests returns the request channel for TrySend
func (c *Client) Requests() chan<- types.TextRequest {
	return c.requests
}

// Events returns connection events
func (c *Client) Events() <-chan Event {
	return c.events
}

// TrySend queues req unless the channel is full or nil. A dropped request is not
// an error: the next render sends fresh text anyway.
func TrySend(ch chan<- types.TextRequest, req types.TextRequest) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- req:
		return true
	default:
		return false
	}
}

// Run connects, serves requests and reconnects until ctx is done
func (c *Client) Run(ctx context.Context) error {
	backoff := reliability.ConstantBackoff(c.retryInterval)

	for {
		var conn *websocket.Conn
		err := reliability.RetryForever(ctx, backoff, func(ctx context.Context) error {
			var err error
			conn, err = c.connect(ctx)
			if err != nil {
				c.logger.Debug().Err(err).Str("url", c.url).Msg("Overlay connect failed")
				c.emit(ctx, Event{Kind: EventDisconnected})
				c.emit(ctx, Event{Kind: EventError, Err: err.Error()})
			}
			return err
		})
		if err != nil {
			return ctx.Err()
		}

		c.logger.Info().Str("url", c.url).Msg("Overlay connected")
		c.setConnected(true)
		c.emit(ctx, Event{Kind: EventConnected})

		err = c.serve(ctx, conn)
		conn.Close()
		c.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Info().Err(err).Msg("Overlay connection lost")
		c.emit(ctx, Event{Kind: EventDisconnected})
		c.emit(ctx, Event{Kind: EventError, Err: err.Error()})
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.dialTimeout))
	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	return conn, nil
}

func (c *Client) handshake(conn *websocket.Conn) error {
	var h hello
	if err := readMessage(conn, opHello, &h); err != nil {
		return err
	}

	id := identify{RPCVersion: rpcVersion}
	if h.Authentication != nil {
		id.Authentication = authResponse(c.password, h.Authentication.Salt, h.Authentication.Challenge)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeMessage(conn, opIdentify, id); err != nil {
		return err
	}

	var ok identified
	return readMessage(conn, opIdentified, &ok)
}

// serve forwards requests until the connection fails or ctx is done
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go c.readLoop(conn, readErr)

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()

		case err := <-readErr:
			return err

		case req := <-c.requests:
			if !c.limiter.Allow() {
				c.count("rate_limited")
				continue
			}
			if err := c.send(ctx, conn, req); err != nil {
				c.count("failed")
				return err
			}
			c.count("sent")
		}
	}
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, req types.TextRequest) error {
	ctx, span := tracing.TraceOverlay(ctx, c.tracer, req.Element)
	defer span.End()

	payload := request{
		RequestType: "SetInputSettings",
		RequestID:   strconv.FormatUint(c.nextID.Add(1), 10),
		RequestData: setInputSettings{
			InputName:     req.Element,
			InputSettings: textSettings{Text: req.Text},
		},
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeMessage(conn, opRequest, payload); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// readLoop drains server messages. Failed request statuses (a missing source, for
// example) are logged and otherwise ignored.
func (c *Client) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			errCh <- err
			return
		}
		if msg.Op != opRequestResponse {
			continue
		}

		var resp requestResponse
		if err := json.Unmarshal(msg.D, &resp); err != nil {
			continue
		}
		if !resp.RequestStatus.Result {
			c.logger.Debug().
				Int("code", resp.RequestStatus.Code).
				Str("comment", resp.RequestStatus.Comment).
				Msg("Overlay request rejected")
			c.count("rejected")
		}
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) count(result string) {
	if c.metrics != nil {
		c.metrics.OverlayRequests.WithLabelValues(result).Inc()
	}
}

// Connected reports whether a connection is identified and serving requests
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) setConnected(up bool) {
	c.connected.Store(up)
	if c.metrics == nil {
		return
	}
	if up {
		c.metrics.OverlayConnected.Set(1)
	} else {
		c.metrics.OverlayConnected.Set(0)
	}
}
