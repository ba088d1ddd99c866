package sse

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestDecoderParsesFields(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"",
		"event: progress",
		"id: 7",
		`data: {"video":10,`,
		`data: "thumbnail":0}`,
		"",
		"data:plain",
		"retry: 1000",
		"",
		"data: dangling",
	}, "\n")

	dec := NewDecoder(strings.NewReader(body))

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Name != "progress" || first.ID != "7" {
		t.Fatalf("unexpected event metadata: %+v", first)
	}
	if first.Data != "{\"video\":10,\n\"thumbnail\":0}" {
		t.Fatalf("unexpected data %q", first.Data)
	}

	second, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Name != "" || second.Data != "plain" {
		t.Fatalf("unexpected second event: %+v", second)
	}

	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF for unterminated event, got %v", err)
	}
}

func TestDecoderHandlesCRLF(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: a\r\n\r\n"))
	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Data != "a" {
		t.Fatalf("unexpected data %q", ev.Data)
	}
}

func TestStreamDeliversEventsThenEnds(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: one\n\ndata: two\n\n"))
	stream := NewStream(body, nil)

	var got []string
	for ev := range stream.Events() {
		got = append(got, ev.Data)
	}

	if strings.Join(got, ",") != "one,two" {
		t.Fatalf("unexpected events %v", got)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestStreamReportsTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	stream := NewStream(io.NopCloser(errReader{err: boom}), nil)

	for range stream.Events() {
	}
	if !errors.Is(stream.Err(), boom) {
		t.Fatalf("expected transport error, got %v", stream.Err())
	}
}

func TestStreamCloseIsSynchronous(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	stream := NewStream(pr, cancel)

	go func() {
		_, _ = pw.Write([]byte("data: first\n\n"))
	}()

	select {
	case ev := <-stream.Events():
		if ev.Data != "first" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	done := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not return")
	}

	if ctx.Err() == nil {
		t.Fatal("expected close to cancel the request context")
	}
	if _, ok := <-stream.Events(); ok {
		t.Fatal("expected events channel closed after Close")
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("expected no error after caller close, got %v", err)
	}
	_ = stream.Close()
}
