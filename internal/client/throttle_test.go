package client

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"
)

func TestThrottledWriterBypassWhenUnlimited(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 0)
	if _, ok := w.(*ThrottledWriter); ok {
		t.Fatal("expected bypass for bytesPerSec=0")
	}
	if w != io.Writer(&buf) {
		t.Fatal("bypass should return the original writer")
	}
}

func TestThrottledWriterWritesEverything(t *testing.T) {
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, 1<<20)

	payload := bytes.Repeat([]byte("x"), 300*1024)
	n, err := w.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) || buf.Len() != len(payload) {
		t.Errorf("wrote %d bytes, buffered %d, want %d", n, buf.Len(), len(payload))
	}
}

func TestThrottledWriterLimitsRate(t *testing.T) {
	var buf bytes.Buffer
	// 32KB/s com burst de 32KB: escrever 48KB exige esperar ~0.5s.
	w := NewThrottledWriter(context.Background(), &buf, 32*1024)

	start := time.Now()
	if _, err := w.Write(bytes.Repeat([]byte("x"), 48*1024)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("write finished in %v, expected throttling of roughly 500ms", elapsed)
	}
}

func TestThrottledWriterHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	w := NewThrottledWriter(ctx, &buf, 1024)

	cancel()
	if _, err := w.Write(bytes.Repeat([]byte("x"), 8*1024)); err == nil {
		t.Error("expected error after context cancel")
	}
}
