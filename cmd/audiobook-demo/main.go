package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-audiobook/internal/client"
	"github.com/loqalabs/loqa-audiobook/internal/library"
	"github.com/loqalabs/loqa-audiobook/internal/playback"
	"github.com/loqalabs/loqa-audiobook/internal/progress"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
	"github.com/loqalabs/loqa-audiobook/internal/tools"
)

func main() {
	var (
		serverCmd string
		bookID    string
	)
	flag.StringVar(&serverCmd, "server", "audiobookd", "Command line that starts the server")
	flag.StringVar(&bookID, "book", "sample-book", "Book to play")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, serverCmd, bookID, logger); err != nil {
		logger.Error("demo failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, serverCmd, bookID string, logger *slog.Logger) error {
	args, err := shellwords.Parse(serverCmd)
	if err != nil {
		return fmt.Errorf("parse server command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("server command is empty")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer func() {
		_ = stdin.Close()
		if err := cmd.Wait(); err != nil {
			logger.Warn("server exited", slog.String("error", err.Error()))
		}
	}()

	c := client.New(stdout, stdin, logger)

	fmt.Println("Connecting to audiobook server...")
	var handshake protocol.InitializeResult
	err = c.Call(ctx, protocol.MethodInitialize, map[string]any{
		"clientInfo":   map[string]string{"name": "audiobook-demo", "version": "0.1.0"},
		"capabilities": map[string]any{},
	}, &handshake)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	fmt.Printf("Server handshake: %s %s (protocol %s)\n", handshake.ServerInfo.Name, handshake.ServerInfo.Version, handshake.ProtocolVersion)

	var list protocol.ToolsListResult
	if err := c.Call(ctx, protocol.MethodToolsList, nil, &list); err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}
	names := make([]string, 0, len(list.Tools))
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	fmt.Println("Available tools:", strings.Join(names, ", "))

	var book library.Book
	if err := c.CallTool(ctx, tools.ToolListChapters, map[string]string{"bookId": bookID}, &book); err != nil {
		return fmt.Errorf("listChapters: %w", err)
	}
	fmt.Printf("Loaded book %q by %s\n", book.Title, book.Author)
	for i, ch := range book.Chapters {
		fmt.Printf("  %d. %s (%d words)\n", i+1, ch.Title, ch.WordCount)
	}
	if len(book.Chapters) == 0 {
		return fmt.Errorf("book %s has no chapters", bookID)
	}
	first := book.Chapters[0]

	fmt.Println("\nRequesting playback for the first chapter...")
	var snap playback.Snapshot
	if err := c.CallTool(ctx, tools.ToolPlay, map[string]string{"text": first.Text, "bookId": book.BookID, "chapterId": first.ID}, &snap); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	printState("Playing", snap)

	steps := []struct {
		wait  time.Duration
		tool  string
		label string
	}{
		{600 * time.Millisecond, tools.ToolPause, "Paused"},
		{400 * time.Millisecond, tools.ToolResume, "Resumed"},
	}
	for _, step := range steps {
		if err := sleep(ctx, step.wait); err != nil {
			return err
		}
		if err := c.CallTool(ctx, step.tool, nil, &snap); err != nil {
			return fmt.Errorf("%s: %w", step.tool, err)
		}
		printState(step.label, snap)
	}

	if err := sleep(ctx, 800*time.Millisecond); err != nil {
		return err
	}
	var saved progress.Record
	err = c.CallTool(ctx, tools.ToolSaveProgress, map[string]any{
		"bookId":          book.BookID,
		"chapterId":       first.ID,
		"positionSeconds": math.Round(snap.ProgressSeconds),
	}, &saved)
	if err != nil {
		return fmt.Errorf("saveProgress: %w", err)
	}
	fmt.Printf("Progress saved: %s at %.0fs\n", saved.BookID, saved.PositionSeconds)

	var stored *progress.Record
	if err := c.CallTool(ctx, tools.ToolGetProgress, map[string]string{"bookId": book.BookID}, &stored); err != nil {
		return fmt.Errorf("getProgress: %w", err)
	}
	if stored != nil {
		fmt.Printf("Stored progress: %.0fs (updated %s)\n", stored.PositionSeconds, stored.UpdatedAt.Format(time.RFC3339))
	}

	if err := c.CallTool(ctx, tools.ToolGetPlayback, nil, &snap); err != nil {
		return fmt.Errorf("getPlaybackState: %w", err)
	}
	printState("Current playback state", snap)

	if err := c.Call(ctx, protocol.MethodShutdown, nil, nil); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func printState(label string, s playback.Snapshot) {
	duration := "n/a"
	if s.EstimatedDurationSeconds > 0 {
		duration = fmt.Sprintf("%.2fs", s.EstimatedDurationSeconds)
	}
	fmt.Printf("%s: status=%s, progress=%.2fs, duration=%s\n", label, s.Status, s.ProgressSeconds, duration)
	if s.AudioLocation != "" {
		fmt.Println("  audio file:", s.AudioLocation)
	}
	if md := s.Metadata; md != nil && md.BookID != nil {
		chapter := ""
		if md.ChapterID != nil {
			chapter = *md.ChapterID
		}
		fmt.Printf("  metadata: book=%s chapter=%s\n", *md.BookID, chapter)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
