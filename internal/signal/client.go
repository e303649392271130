package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vico_home/vicocall/internal/domain"
)

// ErrNotConnected is returned by Send before Connect or after Close.
var ErrNotConnected = errors.New("signal: not connected")

const writeTimeout = 5 * time.Second

// envelope is the generic WebSocket message envelope.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type handlerEntry struct {
	id uint64
	h  domain.SignalHandler
}

// Config describes the relay endpoint and the identity to register.
type Config struct {
	URL          string
	UserID       string
	UserName     string
	PingInterval time.Duration
}

// Client manages the WebSocket connection to the signaling relay.
// It implements domain.Signaler.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	hmu      sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewClient creates a new signaling client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With().Str("module", "signal").Logger(),
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string][]handlerEntry),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Connect dials the relay, registers this user and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info().Str("url", c.cfg.URL).Msg("connecting")

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.Send(domain.EventRegister, domain.RegisterPayload{UserID: c.cfg.UserID, UserName: c.cfg.UserName}); err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Done is closed when the read loop stops, either after Close or because
// the connection dropped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts down the WebSocket connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.conn.Close()
		}
	})
}

// Send writes one event frame.
func (c *Client) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}
	if c.conn == nil {
		return ErrNotConnected
	}

	c.logger.Debug().Str("event", event).Msg(">>>")
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// On registers h for event. Handlers run on the read goroutine in
// registration order.
func (c *Client) On(event string, h domain.SignalHandler) domain.Subscription {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	c.nextID++
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: c.nextID, h: h})
	return domain.Subscription{Event: event, ID: c.nextID}
}

// Off removes a handler. Unknown subscriptions are ignored.
func (c *Client) Off(sub domain.Subscription) {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	entries := c.handlers[sub.Event]
	for i, e := range entries {
		if e.id == sub.ID {
			c.handlers[sub.Event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(c.handlers[sub.Event]) == 0 {
		delete(c.handlers, sub.Event)
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Error().Err(err).Msg("read error")
			}
			return
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("unmarshal error")
			continue
		}
		c.logger.Debug().Str("event", msg.Event).Msg("<<<")

		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg envelope) {
	c.hmu.RLock()
	entries := append([]handlerEntry(nil), c.handlers[msg.Event]...)
	c.hmu.RUnlock()

	if len(entries) == 0 {
		c.logger.Debug().Str("event", msg.Event).Msg("unhandled event")
		return
	}
	for _, e := range entries {
		e.h(msg.Data)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(writeTimeout),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.logger.Warn().Err(err).Msg("ping error")
				}
				return
			}
		}
	}
}
