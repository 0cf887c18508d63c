package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/natsserver"
	"github.com/loqalabs/loqa-audiobook/internal/playback"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
)

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		SubjectPrefix:  "test",
	}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, line []byte) (*protocol.Response, bool) {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil || req.IsNotification() {
		return nil, false
	}
	return &protocol.Response{JSONRPC: protocol.Version, ID: req.ID, Result: map[string]string{"method": req.Method}}, false
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestServeRPC(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}
	if client.JetStream() == nil {
		t.Fatal("expected playback stream on a JetStream-enabled server")
	}

	sub, err := client.ServeRPC(context.Background(), echoHandler{})
	if err != nil {
		t.Fatalf("ServeRPC: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	msg, err := client.Conn().Request("test.rpc", []byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp struct {
		ID     int               `json:"id"`
		Result map[string]string `json:"result"`
	}
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 7 || resp.Result["method"] != "ping" {
		t.Fatalf("unexpected response: %s", msg.Data)
	}
}

func TestStateNotifierPublishes(t *testing.T) {
	client := startBus(t)

	received := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe("test.playback.state", received)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	notifier := NewStateNotifier(client)
	notifier.clock = func() time.Time { return time.Date(2024, 5, 30, 12, 0, 0, 0, time.UTC) }
	notifier.PublishState(context.Background(), "pause", playback.Snapshot{Status: playback.StatusPaused, ProgressSeconds: 1.5})

	select {
	case msg := <-received:
		var evt struct {
			Tool      string    `json:"tool"`
			Timestamp time.Time `json:"timestamp"`
			State     struct {
				Status          string  `json:"status"`
				ProgressSeconds float64 `json:"progressSeconds"`
			} `json:"state"`
		}
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Tool != "pause" || evt.State.Status != "paused" || evt.State.ProgressSeconds != 1.5 {
			t.Fatalf("unexpected event: %s", msg.Data)
		}
		if !evt.Timestamp.Equal(time.Date(2024, 5, 30, 12, 0, 0, 0, time.UTC)) {
			t.Fatalf("unexpected timestamp: %v", evt.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no playback event received")
	}
}
