package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/logging"
	"github.com/creatorsync/client/internal/models"
	"github.com/creatorsync/client/internal/sse"
)

// Opener subscribes to the progress events of a video request.
type Opener interface {
	OpenProgress(ctx context.Context, requestID string) (*sse.Stream, error)
}

// Tracker owns the progress sessions, at most one per video request.
type Tracker struct {
	opener Opener

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTracker constructs a Tracker.
func NewTracker(opener Opener) *Tracker {
	return &Tracker{
		opener:   opener,
		sessions: make(map[string]*Session),
	}
}

// Open starts tracking a request. The initial view comes from the request's
// persisted state; a stream is opened only while the upload can still move.
// If the stream cannot be opened the session is still returned, in the error
// phase, together with the error. Callers must Close every returned session.
// A session stays registered after its stream ends, completed or failed, so
// the request cannot be opened again until that session is closed.
func (t *Tracker) Open(ctx context.Context, chatID string, req models.VideoRequest) (*Session, error) {
	if req.ID == "" {
		return nil, errs.Validationf("video request id is required")
	}

	view, needsStream := InitialView(req)
	ctx = logging.WithChatID(ctx, chatID)
	ctx = logging.WithVideoRequestID(ctx, req.ID)

	t.mu.Lock()
	if _, ok := t.sessions[req.ID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("track video request %s: %w", req.ID, errs.ErrAlreadyOpen)
	}
	s := &Session{
		RequestID: req.ID,
		ChatID:    chatID,
		tracker:   t,
		logger:    logging.FromContext(ctx),
		view:      view,
		updates:   make(chan View, 1),
		finished:  make(chan struct{}),
	}
	s.updates <- view
	t.sessions[req.ID] = s
	t.mu.Unlock()

	if !needsStream {
		close(s.finished)
		return s, nil
	}

	stream, err := t.opener.OpenProgress(ctx, req.ID)
	if err != nil {
		err = fmt.Errorf("open progress stream: %w", err)
		if !errors.Is(err, errs.ErrStream) {
			err = fmt.Errorf("%w: %w", errs.ErrStream, err)
		}
		s.mu.Lock()
		if !s.closed {
			s.view.Phase = PhaseError
			s.err = err
			s.publishLocked(s.view)
		}
		s.mu.Unlock()
		close(s.finished)
		s.logger.Error("progress stream failed to open", slog.String("error", err.Error()))
		return s, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		close(s.finished)
		return s, nil
	}
	s.stream = stream
	s.view.Phase = PhaseUploading
	s.publishLocked(s.view)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.consume(stream)
	return s, nil
}

// Session returns the open session for a request.
func (t *Tracker) Session(requestID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[requestID]
	return s, ok
}

// Reset tears down the session of a retried request and returns its view to
// idle. It reports whether a session was open.
func (t *Tracker) Reset(requestID string) bool {
	s, ok := t.Session(requestID)
	if !ok {
		return false
	}
	s.shutdown(true)
	return true
}

// CloseChat closes every session that belongs to chatID.
func (t *Tracker) CloseChat(chatID string) int {
	t.mu.Lock()
	var victims []*Session
	for _, s := range t.sessions {
		if s.ChatID == chatID {
			victims = append(victims, s)
		}
	}
	t.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	return len(victims)
}

// CloseAll closes every open session.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	victims := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		victims = append(victims, s)
	}
	t.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
}

// ActiveCount reports how many sessions are open.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) remove(s *Session) {
	t.mu.Lock()
	if t.sessions[s.RequestID] == s {
		delete(t.sessions, s.RequestID)
	}
	t.mu.Unlock()
}

// Session is one open progress view.
type Session struct {
	RequestID string
	ChatID    string

	tracker *Tracker
	logger  *slog.Logger
	wg      sync.WaitGroup
	once    sync.Once

	// finished is closed once no more events will be applied.
	finished chan struct{}

	mu      sync.Mutex
	view    View
	err     error
	stream  *sse.Stream
	closed  bool
	updates chan View
}

// View returns the current progress view.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Err returns the stream failure, if the session ended in the error phase.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Updates delivers view changes; only the latest undelivered view is kept.
// The channel is closed when the session is closed.
func (s *Session) Updates() <-chan View {
	return s.updates
}

// Finished is closed when the stream has ended and the view is final. The
// session keeps its slot in the tracker until Close.
func (s *Session) Finished() <-chan struct{} {
	return s.finished
}

// Close stops the stream and waits for event handling to end. The request
// can be tracked again once Close returns.
func (s *Session) Close() {
	s.shutdown(false)
}

func (s *Session) shutdown(reset bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		stream := s.stream
		s.mu.Unlock()

		if stream != nil {
			_ = stream.Close()
		}
		s.wg.Wait()

		s.mu.Lock()
		if reset {
			s.view = IdleView
			s.err = nil
			s.publishLocked(s.view)
		}
		close(s.updates)
		s.mu.Unlock()

		s.tracker.remove(s)
	})
}

func (s *Session) consume(stream *sse.Stream) {
	defer s.wg.Done()
	defer close(s.finished)

	terminal := false
	for ev := range stream.Events() {
		switch ev.Name {
		case "", "message", "progress":
			terminal = s.apply(ev.Data)
		case "error":
			s.fail(fmt.Errorf("%w: server reported %q", errs.ErrStream, ev.Data))
			terminal = true
		default:
			s.logger.Debug("ignoring progress stream event", slog.String("event", ev.Name))
		}
		if terminal {
			break
		}
	}

	if terminal {
		_ = stream.Close()
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if err := stream.Err(); err != nil {
		s.fail(fmt.Errorf("%w: %w", errs.ErrStream, err))
	} else {
		s.fail(fmt.Errorf("%w: stream ended before upload completed", errs.ErrStream))
	}
	_ = stream.Close()
}

type payload struct {
	Video     *float64 `json:"video"`
	Thumbnail *float64 `json:"thumbnail"`
}

// apply folds one progress event into the view and reports whether the
// upload reached its terminal state.
func (s *Session) apply(data string) bool {
	var p payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		s.logger.Warn("ignoring malformed progress event",
			slog.String("error", fmt.Errorf("%w: %v", errs.ErrMalformedPayload, err).Error()),
			slog.String("data", data),
		)
		return false
	}
	if p.Video == nil && p.Thumbnail == nil {
		s.logger.Warn("ignoring progress event without progress fields", slog.String("data", data))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	if p.Video != nil {
		s.view.VideoPercent = clampPercent(*p.Video)
	}
	if p.Thumbnail != nil {
		s.view.ThumbnailPercent = clampPercent(*p.Thumbnail)
	}
	if s.view.Completed() {
		s.view.Phase = PhaseCompleted
	} else {
		s.view.Phase = PhaseUploading
	}
	s.publishLocked(s.view)

	return s.view.Phase == PhaseCompleted
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.view.Phase = PhaseError
	s.err = err
	s.publishLocked(s.view)
	s.logger.Error("progress stream failed", slog.String("error", err.Error()))
}

// publishLocked replaces any undelivered view with v.
func (s *Session) publishLocked(v View) {
	select {
	case s.updates <- v:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- v:
	default:
	}
}

// clampPercent truncates, so a percentage reads 100 only once the server
// reports a full upload.
func clampPercent(v float64) int {
	return int(math.Floor(math.Min(100, math.Max(0, v))))
}
