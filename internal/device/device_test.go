package device

import (
	"testing"
	"time"
)

func TestDiscard(t *testing.T) {
	var d Discard

	n, err := d.Write(make([]byte, 512), time.Millisecond)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if n != 512 {
		t.Errorf("Expected 512 bytes written, got %d", n)
	}

	d.Write(make([]byte, 100), 0)
	if d.Written() != 612 {
		t.Errorf("Expected 612 bytes total, got %d", d.Written())
	}
	if err := d.Close(); err != nil {
		t.Errorf("Expected no error on close, got %v", err)
	}
}
