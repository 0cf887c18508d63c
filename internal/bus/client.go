package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
)

// StreamName retains playback state events when JetStream is available.
const StreamName = "AUDIOBOOK_PLAYBACK"

// Client wraps a NATS connection scoped to one subject prefix.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := []nats.Option{
		nats.Name("audiobook-mcp-server"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	c := &Client{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		log:    log,
	}
	c.ensureStream()

	log.Info("connected to NATS", slog.String("servers", url), slog.String("prefix", cfg.SubjectPrefix))
	return c, nil
}

// ensureStream captures playback state events in a stream. Servers without
// JetStream still get plain publishes.
func (c *Client) ensureStream() {
	js, err := c.conn.JetStream()
	if err != nil {
		c.log.Warn("jetstream unavailable", slog.String("error", err.Error()))
		return
	}
	subject := protocol.Subject(c.prefix, protocol.SubjectPlaybackState)
	if _, err := js.StreamInfo(StreamName); err == nil {
		c.js = js
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		MaxMsgs:  10000,
	})
	if err != nil {
		c.log.Warn("playback stream not created", slog.String("error", err.Error()))
		return
	}
	c.js = js
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// JetStream returns nil when the stream could not be set up.
func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Subject(suffix string) string {
	return protocol.Subject(c.prefix, suffix)
}
