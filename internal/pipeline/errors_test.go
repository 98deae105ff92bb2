package pipeline

import (
	"errors"
	"io"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	err := error(&Error{RunID: "r1", Stage: StateStaging, Kind: ErrIO, Index: 3, Err: io.ErrShortWrite})
	if !errors.Is(err, ErrIO) || !errors.Is(err, io.ErrShortWrite) {
		t.Fatal("expected kind and cause to match")
	}
	if errors.Is(err, ErrPublish) {
		t.Fatal("unexpected kind match")
	}
	want := "staging: staging io failed (chunk 3): short write"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if KindName(err) != "io_error" {
		t.Fatalf("unexpected kind name %s", KindName(err))
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(&Error{Kind: ErrInvalidInput, Index: -1, Err: errors.New("bad url")}) {
		t.Fatal("invalid input must not be retried")
	}
	if !Retryable(&Error{Kind: ErrSynthesis, Index: 1, Err: errors.New("quota")}) {
		t.Fatal("synthesis failures are retryable")
	}
	if Retryable(nil) {
		t.Fatal("nil error is not retryable")
	}
	if KindName(errors.New("boom")) != "internal" {
		t.Fatal("expected internal kind for foreign errors")
	}
}
