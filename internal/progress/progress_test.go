package progress

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/models"
	"github.com/creatorsync/client/internal/sse"
)

type pipeOpener struct {
	mu      sync.Mutex
	err     error
	writers map[string]*io.PipeWriter
	opened  []string
	ctxs    []context.Context
}

func newPipeOpener() *pipeOpener {
	return &pipeOpener{writers: make(map[string]*io.PipeWriter)}
}

func (o *pipeOpener) OpenProgress(ctx context.Context, requestID string) (*sse.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, requestID)
	if o.err != nil {
		return nil, o.err
	}
	ctx, cancel := context.WithCancel(ctx)
	o.ctxs = append(o.ctxs, ctx)
	pr, pw := io.Pipe()
	o.writers[requestID] = pw
	return sse.NewStream(pr, cancel), nil
}

func (o *pipeOpener) writer(t *testing.T, requestID string) *io.PipeWriter {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	pw, ok := o.writers[requestID]
	if !ok {
		t.Fatalf("no stream opened for %s", requestID)
	}
	return pw
}

func (o *pipeOpener) send(t *testing.T, requestID, frame string) {
	t.Helper()
	if _, err := o.writer(t, requestID).Write([]byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func approved(id string, upload models.UploadStatus) models.VideoRequest {
	return models.VideoRequest{ID: id, Status: models.StatusApproved, UploadStatus: upload}
}

func waitFor(t *testing.T, s *Session, want func(View) bool) View {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if v := s.View(); want(v) {
			return v
		}
		select {
		case <-s.Updates():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out, last view %s", s.View())
		}
	}
}

func waitFinished(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Finished():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestInitialView(t *testing.T) {
	tests := []struct {
		name       string
		req        models.VideoRequest
		want       View
		wantStream bool
	}{
		{"error request", models.VideoRequest{Status: models.StatusError, UploadStatus: models.UploadVideoUploaded}, IdleView, false},
		{"thumbnail done", approved("r", models.UploadThumbnailUpdated), View{100, 100, PhaseCompleted}, false},
		{"video done", approved("r", models.UploadVideoUploaded), View{100, 0, PhaseUploading}, true},
		{"started", approved("r", models.UploadStarted), IdleView, true},
		{"pending", models.VideoRequest{Status: models.StatusPending, UploadStatus: models.UploadNotApproved}, IdleView, true},
	}
	for _, tt := range tests {
		got, stream := InitialView(tt.req)
		if got != tt.want || stream != tt.wantStream {
			t.Fatalf("%s: got %s stream=%v, want %s stream=%v", tt.name, got, stream, tt.want, tt.wantStream)
		}
	}
}

func TestCheckpoints(t *testing.T) {
	cps := View{VideoPercent: 40, Phase: PhaseUploading}.Checkpoints()
	if len(cps) != 4 {
		t.Fatalf("expected four checkpoints, got %d", len(cps))
	}
	if !cps[0].Reached || cps[0].Fill != 100 {
		t.Fatalf("upload started should be reached, got %+v", cps[0])
	}
	if cps[1].Reached || cps[1].Fill != 40 {
		t.Fatalf("video checkpoint should be filling, got %+v", cps[1])
	}
	if cps[2].Fill != 0 || cps[3].Reached {
		t.Fatalf("later checkpoints should be empty, got %+v", cps[2:])
	}

	done := View{100, 100, PhaseCompleted}.Checkpoints()
	for _, cp := range done {
		if !cp.Reached {
			t.Fatalf("expected every checkpoint reached, got %+v", done)
		}
	}
}

func TestProgressEventsUpdateView(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if v := s.View(); v.Phase != PhaseUploading {
		t.Fatalf("expected uploading once the stream is open, got %s", v)
	}

	opener.send(t, "req-1", "data: {\"video\": 42.4}\n\n")
	waitFor(t, s, func(v View) bool { return v.VideoPercent == 42 })

	opener.send(t, "req-1", "data: not json\n\n")
	opener.send(t, "req-1", "data: {\"other\": 1}\n\n")
	opener.send(t, "req-1", "event: progress\ndata: {\"thumbnail\": 150}\n\n")
	v := waitFor(t, s, func(v View) bool { return v.ThumbnailPercent == 100 })
	if v.VideoPercent != 42 || v.Phase != PhaseUploading {
		t.Fatalf("missing video field should keep the previous value, got %s", v)
	}
}

func TestCompletionClosesStream(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadVideoUploaded))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	opener.send(t, "req-1", "data: {\"video\":100,\"thumbnail\":100}\n\n")
	waitFinished(t, s)

	if v := s.View(); v.Phase != PhaseCompleted {
		t.Fatalf("expected completed, got %s", v)
	}
	if s.Err() != nil {
		t.Fatalf("unexpected error %v", s.Err())
	}
	if opener.ctxs[0].Err() == nil {
		t.Fatal("expected the stream to be released after completion")
	}
}

func TestFractionalProgressDoesNotComplete(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	opener.send(t, "req-1", "data: {\"video\":99.6,\"thumbnail\":99.5}\n\n")
	v := waitFor(t, s, func(v View) bool { return v.VideoPercent == 99 && v.ThumbnailPercent == 99 })
	if v.Phase != PhaseUploading {
		t.Fatalf("expected uploading below 100%%, got %s", v)
	}
	select {
	case <-s.Finished():
		t.Fatal("stream must stay open until both uploads report 100")
	default:
	}

	opener.send(t, "req-1", "data: {\"video\":100,\"thumbnail\":100}\n\n")
	waitFinished(t, s)
	if v := s.View(); v.Phase != PhaseCompleted {
		t.Fatalf("expected completed, got %s", v)
	}
}

func TestFinishedSessionHoldsRequestUntilClosed(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadVideoUploaded))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	opener.send(t, "req-1", "data: {\"video\":100,\"thumbnail\":100}\n\n")
	waitFinished(t, s)

	if _, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadVideoUploaded)); !errors.Is(err, errs.ErrAlreadyOpen) {
		t.Fatalf("expected the finished session to keep the request, got %v", err)
	}
	if tracker.ActiveCount() != 1 {
		t.Fatalf("expected one registered session, got %d", tracker.ActiveCount())
	}

	s.Close()
	again, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadVideoUploaded))
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	again.Close()
}

func TestStreamEndingEarlyIsAnError(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	_ = opener.writer(t, "req-1").Close()
	waitFinished(t, s)

	if v := s.View(); v.Phase != PhaseError {
		t.Fatalf("expected error phase, got %s", v)
	}
	if !errors.Is(s.Err(), errs.ErrStream) {
		t.Fatalf("expected stream error, got %v", s.Err())
	}
}

func TestTransportErrorIsAnError(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	boom := errors.New("connection reset")
	_ = opener.writer(t, "req-1").CloseWithError(boom)
	waitFinished(t, s)

	if !errors.Is(s.Err(), boom) || !errors.Is(s.Err(), errs.ErrStream) {
		t.Fatalf("expected wrapped transport error, got %v", s.Err())
	}
}

func TestServerErrorEvent(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	opener.send(t, "req-1", "event: error\ndata: upload quota exceeded\n\n")
	waitFinished(t, s)
	if s.View().Phase != PhaseError {
		t.Fatalf("expected error phase, got %s", s.View())
	}
}

func TestOpenFailureReturnsErrorSession(t *testing.T) {
	opener := newPipeOpener()
	opener.err = &errs.HTTPError{Op: "open progress", Status: 404}
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if !errors.Is(err, errs.ErrStream) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if s == nil || s.View().Phase != PhaseError {
		t.Fatalf("expected session in error phase, got %+v", s)
	}
	s.Close()
	if tracker.ActiveCount() != 0 {
		t.Fatal("closed session should be unregistered")
	}
}

func TestTerminalRequestsOpenNoStream(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadThumbnailUpdated))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if len(opener.opened) != 0 {
		t.Fatalf("expected no stream, opened %v", opener.opened)
	}
	if v := <-s.Updates(); v.Phase != PhaseCompleted {
		t.Fatalf("expected completed view, got %s", v)
	}
}

func TestOneSessionPerRequest(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted)); !errors.Is(err, errs.ErrAlreadyOpen) {
		t.Fatalf("expected already open, got %v", err)
	}

	s.Close()
	pending := 0
	for range s.Updates() {
		pending++
	}
	if pending > 1 {
		t.Fatalf("expected at most the latest view buffered, got %d", pending)
	}
	if opener.ctxs[0].Err() == nil {
		t.Fatal("close should cancel the stream request")
	}

	again, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	again.Close()
}

func TestResetReturnsToIdle(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	s, err := tracker.Open(context.Background(), "chat-1", approved("req-1", models.UploadStarted))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	opener.send(t, "req-1", "data: {\"video\":60}\n\n")
	waitFor(t, s, func(v View) bool { return v.VideoPercent == 60 })

	if !tracker.Reset("req-1") {
		t.Fatal("expected an open session to reset")
	}
	if v := s.View(); v != IdleView {
		t.Fatalf("expected idle view, got %s", v)
	}
	if tracker.Reset("req-1") {
		t.Fatal("second reset should find nothing")
	}
}

func TestCloseChat(t *testing.T) {
	opener := newPipeOpener()
	tracker := NewTracker(opener)

	for _, id := range []string{"a", "b"} {
		if _, err := tracker.Open(context.Background(), "chat-1", approved(id, models.UploadStarted)); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	other, err := tracker.Open(context.Background(), "chat-2", approved("c", models.UploadStarted))
	if err != nil {
		t.Fatalf("open c: %v", err)
	}
	defer other.Close()

	if n := tracker.CloseChat("chat-1"); n != 2 {
		t.Fatalf("expected two sessions closed, got %d", n)
	}
	if tracker.ActiveCount() != 1 {
		t.Fatalf("expected one session left, got %d", tracker.ActiveCount())
	}
}
