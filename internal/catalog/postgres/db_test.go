package postgres

import (
	"context"
	"testing"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestTracedDriverRegistersOnce(t *testing.T) {
	first, err := tracedDriver()
	if err != nil {
		t.Fatalf("tracedDriver() error = %v", err)
	}
	second, err := tracedDriver()
	if err != nil {
		t.Fatalf("tracedDriver() error = %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("driver names = %q, %q", first, second)
	}
}
