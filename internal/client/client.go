// Package client is a participant-side connection to a canvas relay. It
// reconnects with exponential backoff; every reconnect is a fresh join.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Send when frames are produced faster than the
// connection can write them.
var ErrQueueFull = errors.New("outbound queue full")

type Config struct {
	// BaseURL is the relay origin, e.g. "ws://localhost:8081" or "http://host:8081".
	BaseURL  string
	CanvasID string
	UserID   string
	UserName string

	// MaxElapsed bounds how long reconnect attempts continue. Zero retries forever.
	MaxElapsed time.Duration
	Dialer     *websocket.Dialer
}

// URL returns the collaboration endpoint for the configured canvas and user.
func (c Config) URL() (string, error) {
	if c.CanvasID == "" || c.UserID == "" {
		return "", errors.New("canvas id and user id are required")
	}
	base := c.BaseURL
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/canvas/" + url.PathEscape(c.CanvasID) + "/collab"
	q := url.Values{}
	q.Set("userId", c.UserID)
	if c.UserName != "" {
		q.Set("userName", c.UserName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type Client struct {
	cfg    Config
	target string
	log    logrus.FieldLogger
	out    chan []byte
}

func New(cfg Config, log logrus.FieldLogger) (*Client, error) {
	target, err := cfg.URL()
	if err != nil {
		return nil, err
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:    cfg,
		target: target,
		log:    log.WithFields(logrus.Fields{"canvas": cfg.CanvasID, "user": cfg.UserID}),
		out:    make(chan []byte, 64),
	}, nil
}

// Send queues a raw frame for the current connection.
func (c *Client) Send(frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendCursor queues a cursor:move frame.
func (c *Client) SendCursor(x, y float64) error {
	b, err := json.Marshal(map[string]any{
		"type":     "cursor:move",
		"position": map[string]float64{"x": x, "y": y},
	})
	if err != nil {
		return err
	}
	return c.Send(b)
}

// Run keeps a connection open until ctx ends, passing every inbound frame to
// onFrame. A dropped connection is re-established with backoff.
func (c *Client) Run(ctx context.Context, onFrame func([]byte)) error {
	for {
		var ws *websocket.Conn
		policy := backoff.NewExponentialBackOff()
		policy.MaxElapsedTime = c.cfg.MaxElapsed

		err := backoff.RetryNotify(func() error {
			conn, _, err := c.cfg.Dialer.DialContext(ctx, c.target, nil)
			if err != nil {
				return err
			}
			ws = conn
			return nil
		}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
			c.log.WithError(err).WithField("retry_in", wait.String()).Warn("connect failed")
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("connect %s: %w", c.target, err)
		}

		c.log.Info("connected")
		err = c.pump(ctx, ws, onFrame)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.WithError(err).Warn("connection lost, reconnecting")
	}
}

// pump runs one connection until it fails or ctx ends.
func (c *Client) pump(ctx context.Context, ws *websocket.Conn, onFrame func([]byte)) error {
	defer ws.Close()

	readErr := make(chan error, 1)
	go func() {
		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			onFrame(frame)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return err
		case frame := <-c.out:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}
