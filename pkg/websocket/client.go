// Package websocket provides a reusable WebSocket client with automatic reconnection
package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// MessageHandler handles incoming WebSocket messages
type MessageHandler func(message []byte)

// ReconnectPolicy controls the backoff between reconnect attempts
type ReconnectPolicy struct {
	InitialWait time.Duration
	Multiplier  int64
	MaxWait     time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy backs off 1s doubling to 60s, giving up after 10
// consecutive failed attempts.
var DefaultReconnectPolicy = ReconnectPolicy{
	InitialWait: 1 * time.Second,
	Multiplier:  2,
	MaxWait:     60 * time.Second,
	MaxAttempts: 10,
}

// Client is a resilient WebSocket client. After MaxAttempts consecutive
// connect failures it stops and reports through onGaveUp instead of looping.
type Client struct {
	url       string
	handler   MessageHandler
	reconnect ReconnectPolicy

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func() // re-establish subscriptions here
	onGaveUp    func(err error)

	pingInterval  time.Duration
	pingWait      time.Duration
	pongWait      time.Duration
	pingFailLimit int

	logger core.ILogger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
}

// NewClient creates a new WebSocket client
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("ws_messages_total",
		metric.WithDescription("Total number of WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("ws_connections_total",
		metric.WithDescription("Total number of WebSocket connections initiated"))

	return &Client{
		url:           url,
		handler:       handler,
		reconnect:     DefaultReconnectPolicy,
		pingInterval:  30 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		pingFailLimit: 3,
		ctx:           ctx,
		cancel:        cancel,
		tracer:        tracer,
		msgCounter:    msgCounter,
		connCounter:   connCounter,
		logger:        logger,
	}
}

// SetReconnectPolicy overrides the default reconnect backoff
func (c *Client) SetReconnectPolicy(p ReconnectPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = p
}

// SetPingConfig sets the ping/pong configuration
func (c *Client) SetPingConfig(interval, wait, pongWait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInterval = interval
	c.pingWait = wait
	c.pongWait = pongWait
}

// SetOnConnected sets the callback for when the connection is established
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// SetOnGaveUp sets the callback invoked when reconnection is abandoned
func (c *Client) SetOnGaveUp(cb func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onGaveUp = cb
}

// Send sends a message over the WebSocket
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	return c.conn.WriteJSON(message)
}

// Start connects and begins listening for messages
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and stops the loop
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if c.logger != nil {
			c.logger.Warn("WebSocket client Stop: some goroutines did not exit within timeout")
		}
	}

	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	policy := c.reconnect
	c.mu.Unlock()

	wait := policy.InitialWait
	failures := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.connect(); err != nil {
			failures++
			if c.logger != nil {
				c.logger.Error("WebSocket connect failed", "url", c.url, "attempt", failures, "error", err)
			}
			if policy.MaxAttempts > 0 && failures >= policy.MaxAttempts {
				c.mu.Lock()
				gaveUp := c.onGaveUp
				c.mu.Unlock()
				if gaveUp != nil {
					gaveUp(fmt.Errorf("reconnect abandoned after %d attempts: %w", failures, err))
				}
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
				wait = minDuration(wait*time.Duration(policy.Multiplier), policy.MaxWait)
			}
			continue
		}

		failures = 0
		wait = policy.InitialWait

		c.mu.Lock()
		onConnected := c.onConnected
		pingInterval := c.pingInterval
		c.mu.Unlock()

		if onConnected != nil {
			onConnected()
		}

		heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
		if pingInterval > 0 {
			c.wg.Add(1)
			go c.heartbeat(heartbeatCtx)
		}

		c.readLoop()
		heartbeatCancel()

		// readLoop returned: connection lost, fall through to reconnect
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// heartbeat pings on the configured interval; pingFailLimit consecutive
// failed pings close the connection to trigger a reconnect.
func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	interval := c.pingInterval
	wait := c.pingWait
	limit := c.pingFailLimit
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wait)); err != nil {
				failed++
				if failed >= limit {
					c.closeConn()
					return
				}
				continue
			}
			failed = 0
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "WS Connect",
		trace.WithAttributes(attribute.String("ws.url", c.url)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				if c.logger != nil {
					c.logger.Warn("WebSocket read failed", "url", c.url, "error", err)
				}
			}
			return
		}

		c.msgCounter.Add(c.ctx, 1)
		if c.handler != nil {
			c.handler(message)
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
