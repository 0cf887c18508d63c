package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/playback"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
)

// StateNotifier publishes playback snapshots to <prefix>.playback.state.
type StateNotifier struct {
	client *Client
	clock  func() time.Time
}

func NewStateNotifier(client *Client) *StateNotifier {
	return &StateNotifier{client: client, clock: time.Now}
}

// PublishState is fire-and-forget; failures are logged.
func (n *StateNotifier) PublishState(_ context.Context, tool string, snap playback.Snapshot) {
	evt := protocol.PlaybackEvent{
		Tool:      tool,
		State:     snap,
		Timestamp: n.clock().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		n.client.log.Warn("failed to marshal playback event", slog.String("error", err.Error()))
		return
	}
	subject := n.client.Subject(protocol.SubjectPlaybackState)
	if err := n.client.conn.Publish(subject, data); err != nil {
		n.client.log.Warn("failed to publish playback event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}
