package httputil

import (
	"errors"
	"strings"
	"testing"
)

func TestReadLimitedBody_AllowsWithinLimit(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("hello"), 10)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestReadLimitedBody_ExactLimit(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("expected nil error at the exact limit, got %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestReadLimitedBody_RejectsOversize(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("helloworld"), 5)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestReadLimitedBody_NoLimit(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("helloworld"), 0)
	if err != nil || string(body) != "helloworld" {
		t.Fatalf("got %q, %v", body, err)
	}
}

func TestTruncated(t *testing.T) {
	if got := string(Truncated(strings.NewReader("upstream exploded"), 8)); got != "upstream" {
		t.Fatalf("unexpected body: %q", got)
	}
}
