package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"RevEngine/internal/domain/models"
	drepo "RevEngine/internal/domain/repository"
	"RevEngine/internal/service/retry"
	"RevEngine/pkg/logger"
)

// Config describes a websocket snapshot feed.
type Config struct {
	URL          string
	Source       string // stamped on frames that carry no source
	Symbols      []string
	PingInterval time.Duration
	Retry        retry.Policy
}

// Client implements MarketStream over a websocket that pushes JSON frames
// of the form {"type":"snapshot","data":[...]}.
type Client struct {
	cfg    Config
	log    *logger.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

var _ drepo.MarketStream = (*Client)(nil)

func New(cfg Config, log *logger.Logger) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Client{cfg: cfg, log: log, dialer: websocket.DefaultDialer}
}

type subscribeMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type frame struct {
	Type string            `json:"type"`
	Data []models.Snapshot `json:"data"`
}

// Connect dials the feed and subscribes to every configured symbol. Each
// attempt is bounded by the retry policy timeout; when the budget is spent
// a TransientIngestionError is returned.
func (c *Client) Connect(ctx context.Context) error {
	attempts, err := retry.Do(ctx, c.cfg.Retry, func(actx context.Context) error {
		conn, _, err := c.dialer.DialContext(actx, c.cfg.URL, nil)
		if err != nil {
			return err
		}
		for _, s := range c.cfg.Symbols {
			if err := conn.WriteJSON(subscribeMsg{Type: "subscribe", Symbol: s}); err != nil {
				_ = conn.Close()
				return fmt.Errorf("subscribe %s: %w", s, err)
			}
		}
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return &models.TransientIngestionError{Op: "feed connect", Attempts: attempts, Err: err}
	}
	c.log.Info("feed connected", logger.String("url", c.cfg.URL), logger.Int("symbols", len(c.cfg.Symbols)), logger.Int("attempts", attempts))
	return nil
}

// Read streams snapshots until ctx ends or the connection fails. The error
// channel receives at most one error and both channels are then closed.
func (c *Client) Read(ctx context.Context) (<-chan models.Snapshot, <-chan error) {
	out := make(chan models.Snapshot, 1024)
	errs := make(chan error, 1)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		errs <- fmt.Errorf("feed not connected")
		close(out)
		close(errs)
		return out, errs
	}

	readCtx, stop := context.WithCancel(ctx)
	go c.pingLoop(readCtx, conn)
	go func() {
		<-readCtx.Done()
		// unblocks ReadMessage
		_ = conn.Close()
	}()

	go func() {
		defer stop()
		defer close(out)
		defer close(errs)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.markDisconnected()
					errs <- fmt.Errorf("feed read: %w", err)
				}
				return
			}
			var f frame
			if err := json.Unmarshal(b, &f); err != nil || f.Type != "snapshot" {
				continue
			}
			for _, s := range f.Data {
				if s.Source == "" {
					s.Source = c.cfg.Source
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Warn("feed ping failed", logger.Error(err))
			}
		}
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
