package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-audiobook/internal/protocol"
)

// RequestHandler processes one raw JSON-RPC request.
type RequestHandler interface {
	Handle(ctx context.Context, line []byte) (*protocol.Response, bool)
}

// ServeRPC answers JSON-RPC requests sent to <prefix>.rpc. Requests are
// handled on the subscription goroutine so they run one at a time.
func (c *Client) ServeRPC(ctx context.Context, handler RequestHandler) (*nats.Subscription, error) {
	subject := c.Subject(protocol.SubjectRPC)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		resp, stop := handler.Handle(ctx, msg.Data)
		if stop {
			c.log.Info("ignoring shutdown received over bus")
		}
		if resp == nil || msg.Reply == "" {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			c.log.Error("failed to marshal bus response", slog.String("error", err.Error()))
			return
		}
		if err := msg.Respond(data); err != nil {
			c.log.Warn("failed to send bus response", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.log.Info("serving tool calls over NATS", slog.String("subject", subject))
	return sub, nil
}
