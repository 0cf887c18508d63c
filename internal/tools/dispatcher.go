// Package tools routes named tool calls to playback, the chapter library and
// the progress store.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
	"github.com/loqalabs/loqa-audiobook/internal/library"
	"github.com/loqalabs/loqa-audiobook/internal/playback"
	"github.com/loqalabs/loqa-audiobook/internal/progress"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
)

const instrumentationName = "github.com/loqalabs/loqa-audiobook/tools"

// ErrUnknownTool is returned for names not in the catalog.
var ErrUnknownTool = errors.New("unknown tool")

type Player interface {
	Play(ctx context.Context, req playback.PlayRequest) (playback.Snapshot, error)
	Pause() (playback.Snapshot, error)
	Resume() (playback.Snapshot, error)
	State() playback.Snapshot
}

type Chapters interface {
	ListChapters(ctx context.Context, bookID string) (library.Book, error)
	Books(ctx context.Context) ([]string, error)
}

// BookList is the listBooks result.
type BookList struct {
	Books []string `json:"books"`
}

type ProgressStore interface {
	Save(ctx context.Context, entry progress.Entry) (progress.Record, error)
	Get(ctx context.Context, bookID string) (*progress.Record, error)
	AppendEvent(ctx context.Context, evt progress.Event) error
	ListEvents(ctx context.Context, bookID string, limit int) ([]progress.Event, error)
}

// Notifier receives the snapshot after each successful play, pause or resume.
type Notifier interface {
	PublishState(ctx context.Context, tool string, snap playback.Snapshot)
}

type Dispatcher struct {
	player   Player
	chapters Chapters
	store    ProgressStore
	log      *slog.Logger
	tracer   trace.Tracer

	// stepMu orders state changes with their timeline events and notifications
	// across transports.
	stepMu sync.Mutex

	notifiers []Notifier
	calls     metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewDispatcher(player Player, chapters Chapters, store ProgressStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		player:   player,
		chapters: chapters,
		store:    store,
		log:      logger.With(slog.String("component", "tools")),
		tracer:   otel.Tracer(instrumentationName),
	}
	if err := d.initMetrics(); err != nil {
		d.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return d
}

// AddNotifier registers n for playback state changes. Not safe for use after
// calls have started.
func (d *Dispatcher) AddNotifier(n Notifier) {
	d.notifiers = append(d.notifiers, n)
}

// Tools returns the catalog served by this dispatcher.
func (d *Dispatcher) Tools() []protocol.Tool { return Catalog() }

// Call runs the named tool with raw JSON arguments.
func (d *Dispatcher) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	ctx, span := d.tracer.Start(ctx, "tools/call "+name, trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()
	start := time.Now()

	result, err := d.call(ctx, name, args)

	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.Warn("tool call failed", slog.String("tool", name), slog.String("error", err.Error()))
	}
	attrs := metric.WithAttributes(attribute.String("tool", name), attribute.String("outcome", outcome))
	if d.calls != nil {
		d.calls.Add(ctx, 1, attrs)
	}
	if d.latency != nil {
		d.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	return result, err
}

func (d *Dispatcher) call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case ToolPlay:
		var in struct {
			Text      string  `json:"text"`
			BookID    *string `json:"bookId"`
			ChapterID *string `json:"chapterId"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return d.step(ctx, name, func() (playback.Snapshot, error) {
			return d.player.Play(ctx, playback.PlayRequest{Text: in.Text, BookID: in.BookID, ChapterID: in.ChapterID})
		})

	case ToolPause:
		return d.step(ctx, name, d.player.Pause)

	case ToolResume:
		return d.step(ctx, name, d.player.Resume)

	case ToolGetPlayback:
		return d.player.State(), nil

	case ToolListChapters:
		var in struct {
			BookID string `json:"bookId"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return d.chapters.ListChapters(ctx, in.BookID)

	case ToolListBooks:
		ids, err := d.chapters.Books(ctx)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []string{}
		}
		return BookList{Books: ids}, nil

	case ToolSaveProgress:
		var in struct {
			BookID          string   `json:"bookId"`
			ChapterID       *string  `json:"chapterId"`
			PositionSeconds *float64 `json:"positionSeconds"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		entry := progress.Entry{BookID: in.BookID, ChapterID: in.ChapterID}
		if in.PositionSeconds != nil {
			entry.PositionSeconds = *in.PositionSeconds
		}
		return d.store.Save(ctx, entry)

	case ToolGetProgress:
		var in struct {
			BookID string `json:"bookId"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		return d.store.Get(ctx, in.BookID)

	case ToolPlaybackHistory:
		var in struct {
			BookID *string `json:"bookId"`
			Limit  int     `json:"limit"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		if in.Limit < 0 {
			return nil, fmt.Errorf("getPlaybackHistory: limit must be positive: %w", errs.ErrInvalidArgument)
		}
		bookID := ""
		if in.BookID != nil {
			bookID = *in.BookID
		}
		events, err := d.store.ListEvents(ctx, bookID, in.Limit)
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []progress.Event{}
		}
		return events, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

// step applies one state change and records it before the next change can start.
func (d *Dispatcher) step(ctx context.Context, tool string, change func() (playback.Snapshot, error)) (any, error) {
	d.stepMu.Lock()
	defer d.stepMu.Unlock()

	snap, err := change()
	if err != nil {
		return nil, err
	}
	d.transition(ctx, tool, snap)
	return snap, nil
}

// transition records the timeline event and fans the snapshot out to notifiers.
func (d *Dispatcher) transition(ctx context.Context, tool string, snap playback.Snapshot) {
	evt := progress.Event{Type: tool, ProgressSeconds: snap.ProgressSeconds}
	if md := snap.Metadata; md != nil {
		if md.BookID != nil {
			evt.BookID = *md.BookID
		}
		if md.ChapterID != nil {
			evt.ChapterID = *md.ChapterID
		}
	}
	if tool == ToolPlay {
		if payload, err := json.Marshal(map[string]any{
			"audioLocation":            snap.AudioLocation,
			"estimatedDurationSeconds": snap.EstimatedDurationSeconds,
		}); err == nil {
			evt.Payload = payload
		}
	}
	if err := d.store.AppendEvent(ctx, evt); err != nil {
		d.log.Warn("failed to record playback event", slog.String("tool", tool), slog.String("error", err.Error()))
	}
	for _, n := range d.notifiers {
		n.PublishState(ctx, tool, snap)
	}
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	calls, err := meter.Int64Counter("audiobook.tool.calls", metric.WithDescription("Tool invocations by tool and outcome"))
	if err != nil {
		return err
	}
	latency, err := meter.Float64Histogram("audiobook.tool.duration",
		metric.WithDescription("Tool call latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	d.calls = calls
	d.latency = latency
	return nil
}

func decode(args json.RawMessage, into any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("decode arguments: %v: %w", err, errs.ErrInvalidArgument)
	}
	return nil
}

func outcomeOf(err error) string {
	switch errs.Kind(err) {
	case errs.ErrInvalidArgument:
		return "invalid_argument"
	case errs.ErrInvalidState:
		return "invalid_state"
	case errs.ErrIO:
		return "io_failure"
	case errs.ErrNotFound:
		return "not_found"
	}
	if errors.Is(err, ErrUnknownTool) {
		return "unknown_tool"
	}
	return "error"
}
