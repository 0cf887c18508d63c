package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/loqalabs/loqa-audiobook/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Playback.OutputDir = filepath.Join(dir, "output")
	cfg.Library.BooksDir = filepath.Join(dir, "books")
	cfg.Progress.Path = filepath.Join(dir, "progress.db")

	if err := os.MkdirAll(cfg.Library.BooksDir, 0o755); err != nil {
		t.Fatalf("mkdir books: %v", err)
	}
	book := `{"id":"moby","title":"Moby","author":"Herman","chapters":[{"id":"c1","title":"Loomings","text":"Call me Ishmael."}]}`
	if err := os.WriteFile(filepath.Join(cfg.Library.BooksDir, "moby.json"), []byte(book), 0o644); err != nil {
		t.Fatalf("write book: %v", err)
	}
	return cfg
}

type result struct {
	ID     int `json:"id"`
	Result struct {
		Content []struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		} `json:"content"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r result) data(t *testing.T, into any) {
	t.Helper()
	if r.Error != nil {
		t.Fatalf("response %d failed: %d %s", r.ID, r.Error.Code, r.Error.Message)
	}
	if len(r.Result.Content) != 1 || r.Result.Content[0].Type != "json" {
		t.Fatalf("response %d: unexpected content", r.ID)
	}
	if err := json.Unmarshal(r.Result.Content[0].Data, into); err != nil {
		t.Fatalf("response %d: decode data: %v", r.ID, err)
	}
}

func TestRuntimeServesToolSession(t *testing.T) {
	cfg := testConfig(t)
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"listChapters","arguments":{"bookId":"moby"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"play","arguments":{"text":"hi","bookId":"moby","chapterId":"c1"}}}`,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"pause"}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"saveProgress","arguments":{"bookId":"moby","chapterId":"c1","positionSeconds":12.5}}}`,
		`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"getProgress","arguments":{"bookId":"moby"}}}`,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"getPlaybackHistory","arguments":{"bookId":"moby"}}}`,
		`{"jsonrpc":"2.0","id":8,"method":"shutdown"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	rt := New(cfg, slog.New(slog.DiscardHandler))
	if err := rt.Start(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var responses []result
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var r result
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("bad response line %q: %v", scanner.Text(), err)
		}
		responses = append(responses, r)
	}
	if len(responses) != 8 {
		t.Fatalf("expected 8 responses, got %d", len(responses))
	}

	var book struct {
		Chapters []struct {
			WordCount int `json:"wordCount"`
		} `json:"chapters"`
	}
	responses[1].data(t, &book)
	if len(book.Chapters) != 1 || book.Chapters[0].WordCount != 3 {
		t.Fatalf("unexpected chapters: %+v", book)
	}

	var played struct {
		Status        string  `json:"status"`
		AudioLocation string  `json:"audioLocation"`
		Duration      float64 `json:"estimatedDurationSeconds"`
	}
	responses[2].data(t, &played)
	if played.Status != "playing" || played.Duration < 0.4399 || played.Duration > 0.4401 {
		t.Fatalf("unexpected play snapshot: %+v", played)
	}
	header := make([]byte, 4)
	f, err := os.Open(played.AudioLocation)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	_, _ = f.Read(header)
	f.Close()
	if string(header) != "RIFF" {
		t.Fatalf("artifact is not a WAV file: %q", header)
	}
	if filepath.Dir(played.AudioLocation) != cfg.Playback.OutputDir {
		t.Fatalf("artifact outside output dir: %s", played.AudioLocation)
	}

	var paused struct {
		Status string `json:"status"`
	}
	responses[3].data(t, &paused)
	if paused.Status != "paused" {
		t.Fatalf("expected paused, got %s", paused.Status)
	}

	var record struct {
		PositionSeconds float64 `json:"positionSeconds"`
	}
	responses[5].data(t, &record)
	if record.PositionSeconds != 12.5 {
		t.Fatalf("unexpected stored position: %v", record.PositionSeconds)
	}

	var events []struct {
		Type string `json:"type"`
	}
	responses[6].data(t, &events)
	if len(events) != 2 || events[0].Type != "play" || events[1].Type != "pause" {
		t.Fatalf("unexpected history: %+v", events)
	}
}

func TestRuntimeStopsOnClosedInput(t *testing.T) {
	cfg := testConfig(t)
	cfg.Progress.RetentionMode = "ephemeral"
	rt := New(cfg, slog.New(slog.DiscardHandler))
	if err := rt.Start(context.Background(), strings.NewReader(""), &bytes.Buffer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rt.ready.Load() {
		t.Fatal("expected runtime not ready after stop")
	}
}

func TestRuntimeRejectsBadOutputDir(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Playback.OutputDir = filepath.Join(blocker, "nested")
	rt := New(cfg, slog.New(slog.DiscardHandler))
	if err := rt.Start(context.Background(), strings.NewReader(""), &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unusable output dir")
	}
}

func TestHealthAndReadyRoutes(t *testing.T) {
	rt := New(config.Default(), slog.New(slog.DiscardHandler))
	_, metrics := initMetrics(resource.Empty(), slog.New(slog.DiscardHandler))
	handler := rt.routes(metrics)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: expected 503, got %d", rec.Code)
	}

	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz after start: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics: expected prometheus output, got %d", rec.Code)
	}
}
