package fsutil

import (
	"errors"
	"testing"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("FSUTIL_TEST_KEY", "")
	if got := EnvOrDefault("FSUTIL_TEST_KEY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for empty value, got %q", got)
	}
	t.Setenv("FSUTIL_TEST_KEY", "set")
	if got := EnvOrDefault("FSUTIL_TEST_KEY", "fallback"); got != "set" {
		t.Fatalf("expected set value, got %q", got)
	}
}

func TestEnvOrDefaultInt(t *testing.T) {
	t.Setenv("FSUTIL_TEST_INT", "not-a-number")
	if got := EnvOrDefaultInt("FSUTIL_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback for unparsable value, got %d", got)
	}
	t.Setenv("FSUTIL_TEST_INT", "42")
	if got := EnvOrDefaultInt("FSUTIL_TEST_INT", 7); got != 42 {
		t.Fatalf("expected parsed value, got %d", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Fatal("expected nil passthrough for nil error")
	}
	cause := errors.New("boom")
	wrapped := Wrap(cause, "doing thing")
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected wrapped error to unwrap to cause")
	}
	if wrapped.Error() != "doing thing: boom" {
		t.Fatalf("unexpected message: %q", wrapped.Error())
	}
}
