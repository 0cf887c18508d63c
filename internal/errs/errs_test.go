package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindUnwrapsSentinels(t *testing.T) {
	err := fmt.Errorf("pause: nothing is playing: %w", ErrInvalidState)
	if Kind(err) != ErrInvalidState {
		t.Fatalf("expected invalid state kind, got %v", Kind(err))
	}
	joined := fmt.Errorf("%w: write out.wav: %w", ErrIO, errors.New("disk full"))
	if Kind(joined) != ErrIO {
		t.Fatalf("expected io kind, got %v", Kind(joined))
	}
	if Kind(errors.New("boom")) != nil {
		t.Fatal("expected no kind for plain error")
	}
}
