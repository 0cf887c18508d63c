package tools

import "github.com/loqalabs/loqa-audiobook/internal/protocol"

const (
	ToolPlay            = "play"
	ToolPause           = "pause"
	ToolResume          = "resume"
	ToolGetPlayback     = "getPlaybackState"
	ToolListChapters    = "listChapters"
	ToolSaveProgress    = "saveProgress"
	ToolGetProgress     = "getProgress"
	ToolPlaybackHistory = "getPlaybackHistory"
	ToolListBooks       = "listBooks"
)

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func nullableString(description string) map[string]any {
	s := map[string]any{"type": []string{"string", "null"}}
	if description != "" {
		s["description"] = description
	}
	return s
}

// Catalog returns the descriptors advertised by tools/list.
func Catalog() []protocol.Tool {
	return []protocol.Tool{
		{
			Name:        ToolPlay,
			Description: "Generate a synthetic narration for the provided text and mark playback as playing.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":      map[string]any{"type": "string"},
					"bookId":    nullableString("Optional book identifier for metadata tracking."),
					"chapterId": nullableString("Optional chapter identifier for metadata tracking."),
				},
				"required": []string{"text"},
			},
		},
		{
			Name:        ToolPause,
			Description: "Pause the current playback state, preserving progress.",
			InputSchema: emptySchema(),
		},
		{
			Name:        ToolResume,
			Description: "Resume playback from the last paused position.",
			InputSchema: emptySchema(),
		},
		{
			Name:        ToolGetPlayback,
			Description: "Retrieve the current playback state without modifying it.",
			InputSchema: emptySchema(),
		},
		{
			Name:        ToolListChapters,
			Description: "Return the chapter list for a book that can be played.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"bookId": map[string]any{"type": "string"},
				},
				"required": []string{"bookId"},
			},
		},
		{
			Name:        ToolListBooks,
			Description: "List the ids of every book in the library.",
			InputSchema: emptySchema(),
		},
		{
			Name:        ToolSaveProgress,
			Description: "Persist playback progress for a book and chapter.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"bookId":          map[string]any{"type": "string"},
					"chapterId":       nullableString(""),
					"positionSeconds": map[string]any{"type": "number"},
				},
				"required": []string{"bookId", "positionSeconds"},
			},
		},
		{
			Name:        ToolGetProgress,
			Description: "Read the persisted playback progress for a book.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"bookId": map[string]any{"type": "string"},
				},
				"required": []string{"bookId"},
			},
		},
		{
			Name:        ToolPlaybackHistory,
			Description: "List recent play, pause and resume transitions, optionally for one book.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"bookId": nullableString("Restrict the history to one book."),
					"limit":  map[string]any{"type": "integer", "minimum": 1},
				},
			},
		},
	}
}
