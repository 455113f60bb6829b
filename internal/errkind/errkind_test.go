package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestOf(t *testing.T) {
	t.Run("classified error", func(t *testing.T) {
		err := New(Conflict, "duplicate page %s", "abc")
		if Of(err) != Conflict {
			t.Errorf("expected Conflict, got %s", Of(err))
		}
	})

	t.Run("plain error defaults to internal", func(t *testing.T) {
		if Of(errors.New("boom")) != Internal {
			t.Error("expected Internal for unclassified error")
		}
	})

	t.Run("survives wrapping", func(t *testing.T) {
		inner := New(NotFound, "page missing")
		outer := fmt.Errorf("loading page: %w", inner)
		if Of(outer) != NotFound {
			t.Errorf("expected NotFound through wrap, got %s", Of(outer))
		}
	})

	t.Run("outer kind wins", func(t *testing.T) {
		err := Wrap(PermanentUpstream, New(TransientUpstream, "HTTP 503"))
		if Of(err) != PermanentUpstream {
			t.Errorf("expected PermanentUpstream, got %s", Of(err))
		}
	})
}

func TestWrapNil(t *testing.T) {
	if Wrap(Validation, nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{TransientUpstream, true},
		{ResourceExhausted, true},
		{Validation, false},
		{NotFound, false},
		{Conflict, false},
		{CorruptData, false},
		{PermanentUpstream, false},
		{Internal, false},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			if got := Retryable(New(tc.kind, "x")); got != tc.want {
				t.Errorf("Retryable(%s) = %v, want %v", tc.kind, got, tc.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("plain"), 1},
		{New(Validation, "bad date"), 2},
		{New(NotFound, "no such page"), 3},
		{New(Conflict, "duplicate"), 4},
		{New(TransientUpstream, "503"), 5},
		{New(PermanentUpstream, "gone"), 5},
		{New(CorruptData, "bad image"), 1},
	}
	for i, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Errorf("case %d: ExitCode = %d, want %d", i, got, tc.want)
		}
	}
}
