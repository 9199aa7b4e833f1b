package env

import (
	"context"
	"errors"
	"testing"
)

func TestProvider_Get(t *testing.T) {
	t.Setenv("OCRMUX_SECRET_TEST", "value")
	p := New()

	got, err := p.Get(context.Background(), "OCRMUX_SECRET_TEST")
	if err != nil || got != "value" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	got, err = p.Get(context.Background(), " OCRMUX_SECRET_TEST ")
	if err != nil || got != "value" {
		t.Fatalf("Get() with padding = %q, %v", got, err)
	}
}

func TestProvider_GetMissing(t *testing.T) {
	t.Setenv("OCRMUX_SECRET_EMPTY", "")
	p := New()

	for _, name := range []string{"OCRMUX_SECRET_TEST_UNSET", "OCRMUX_SECRET_EMPTY"} {
		_, err := p.Get(context.Background(), name)
		if !errors.Is(err, ErrNotSet) {
			t.Errorf("Get(%q) error = %v, want ErrNotSet", name, err)
		}
	}
}

func TestProvider_GetInvalidName(t *testing.T) {
	p := New()
	for _, name := range []string{"", "  ", "A=B", "path/to"} {
		_, err := p.Get(context.Background(), name)
		if err == nil {
			t.Errorf("Get(%q) expected an error", name)
			continue
		}
		if errors.Is(err, ErrNotSet) {
			t.Errorf("Get(%q) error = %v, want a name error", name, err)
		}
	}
}
