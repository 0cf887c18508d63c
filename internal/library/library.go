// Package library reads book definitions from a directory of JSON or YAML files.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-audiobook/internal/errs"
)

// Book is the chapter listing returned to callers.
type Book struct {
	BookID   string    `json:"bookId"`
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	Chapters []Chapter `json:"chapters"`
}

// Chapter carries the text that can be handed to playback.
type Chapter struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	WordCount int    `json:"wordCount"`
}

// bookFile is the on-disk layout shared by the JSON and YAML encodings.
type bookFile struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Author   string `json:"author" yaml:"author"`
	Chapters []struct {
		ID    string `json:"id" yaml:"id"`
		Title string `json:"title" yaml:"title"`
		Text  string `json:"text" yaml:"text"`
	} `json:"chapters" yaml:"chapters"`
}

var extensions = []string{".json", ".yaml", ".yml"}

// Library resolves book ids to files under dir.
type Library struct {
	dir string
	log *slog.Logger
}

func New(dir string, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Library{dir: dir, log: logger.With(slog.String("component", "library"))}
}

// ListChapters loads the book and returns its chapters with word counts.
func (l *Library) ListChapters(ctx context.Context, bookID string) (Book, error) {
	if err := validateID(bookID); err != nil {
		return Book{}, err
	}
	if err := ctx.Err(); err != nil {
		return Book{}, err
	}

	path, data, err := l.read(bookID)
	if err != nil {
		return Book{}, err
	}

	var raw bookFile
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return Book{}, fmt.Errorf("parse book %s: %w", path, err)
	}

	book := Book{
		BookID:   raw.ID,
		Title:    raw.Title,
		Author:   raw.Author,
		Chapters: make([]Chapter, 0, len(raw.Chapters)),
	}
	if book.BookID == "" {
		book.BookID = bookID
	}
	for _, ch := range raw.Chapters {
		book.Chapters = append(book.Chapters, Chapter{
			ID:        ch.ID,
			Title:     ch.Title,
			Text:      ch.Text,
			WordCount: len(strings.Fields(ch.Text)),
		})
	}
	l.log.Debug("book loaded", slog.String("book_id", bookID), slog.Int("chapters", len(book.Chapters)))
	return book, nil
}

// Books lists the ids of every book file in the directory.
func (l *Library) Books(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read books dir: %w", err)
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if !supported(ext) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ext)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *Library) read(bookID string) (string, []byte, error) {
	for _, ext := range extensions {
		path := filepath.Join(l.dir, bookID+ext)
		data, err := os.ReadFile(path)
		if err == nil {
			return path, data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: read book %s: %w", errs.ErrIO, path, err)
		}
	}
	return "", nil, fmt.Errorf("book %q: %w", bookID, errs.ErrNotFound)
}

func validateID(bookID string) error {
	if strings.TrimSpace(bookID) == "" {
		return fmt.Errorf("listChapters: bookId is required: %w", errs.ErrInvalidArgument)
	}
	if bookID == "." || bookID == ".." || strings.ContainsAny(bookID, `/\`) {
		return fmt.Errorf("listChapters: invalid bookId %q: %w", bookID, errs.ErrInvalidArgument)
	}
	return nil
}

func supported(ext string) bool {
	for _, e := range extensions {
		if e == ext {
			return true
		}
	}
	return false
}
