package messages

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/logging"
	"github.com/creatorsync/client/internal/models"
)

// Backend is the subset of the backend client the message log needs.
type Backend interface {
	FetchPage(ctx context.Context, chatID string, skip int) (models.Page, error)
	SendText(ctx context.Context, chatID, text string) error
	RequestMediaUpload(ctx context.Context, chatID, contentType string) (models.MediaUploadTarget, error)
}

// LoadState is the per-chat history load state.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// Draft is a locally authored message before it is appended.
type Draft struct {
	Kind         models.MessageKind
	Content      string
	VideoRequest *models.VideoRequest
}

// TempIDPrefix marks client generated message ids.
const TempIDPrefix = "tmp_"

type window struct {
	state    LoadState
	messages []models.Message
	total    int
}

// Log keeps the loaded history window of every chat, oldest message first.
type Log struct {
	backend       Backend
	self          models.User
	maxMediaBytes int64
	NowFunc       func() time.Time

	mu       sync.Mutex
	windows  map[string]*window
	entropy  io.Reader
	onGone   []func(chatID string)
	onAppend []func(chatID string, msg models.Message)

	loads singleflight.Group
	older singleflight.Group
}

// NewLog constructs an empty message log for the signed-in user.
func NewLog(backend Backend, self models.User, maxMediaBytes int64) *Log {
	return &Log{
		backend:       backend,
		self:          self,
		maxMediaBytes: maxMediaBytes,
		NowFunc:       time.Now,
		windows:       make(map[string]*window),
		entropy:       ulid.Monotonic(rand.Reader, 0),
	}
}

// OnChatGone registers fn to run when the backend reports a chat missing.
func (l *Log) OnChatGone(fn func(chatID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onGone = append(l.onGone, fn)
}

// OnAppend registers fn to run after a message is appended to a chat's tail.
func (l *Log) OnAppend(fn func(chatID string, msg models.Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = append(l.onAppend, fn)
}

// Activate loads the newest page of a chat. A chat that is already loaded is
// served from memory without a backend call.
func (l *Log) Activate(ctx context.Context, chatID string) error {
	l.mu.Lock()
	w := l.windowLocked(chatID)
	if w.state == Loaded {
		l.mu.Unlock()
		return nil
	}
	w.state = Loading
	l.mu.Unlock()

	_, err, _ := l.loads.Do(chatID, func() (any, error) {
		return nil, l.load(ctx, chatID, w)
	})
	return err
}

func (l *Log) load(ctx context.Context, chatID string, w *window) error {
	ctx = logging.WithChatID(ctx, chatID)
	ctx, span := logging.StartSpan(ctx, "messages.load")
	defer span.End()

	page, err := l.backend.FetchPage(ctx, chatID, 0)

	l.mu.Lock()
	if l.windows[chatID] != w {
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		w.state = Unloaded
		l.mu.Unlock()
		span.Fail(err)
		l.handleFailure(chatID, err)
		return fmt.Errorf("load chat history: %w", err)
	}

	// Sends acknowledged while the page was in flight are already part of it.
	local := w.messages
	w.messages = reversed(page.Messages)
	for _, msg := range local {
		if msg.ID == "" && msg.Delivery != models.DeliverySent {
			w.messages = append(w.messages, msg)
		}
	}
	w.total = page.TotalMessages + countUnsent(w.messages)
	l.normalizeLocked(ctx, w)
	w.state = Loaded
	count := len(w.messages)
	l.mu.Unlock()

	logging.FromContext(ctx).Debug("chat history loaded", slog.Int("loaded", count), slog.Int("total", page.TotalMessages))
	return nil
}

// AppendOptimistic adds a locally authored message at the tail immediately.
// Its timestamp never precedes the current tail so the history stays ordered.
func (l *Log) AppendOptimistic(chatID string, draft Draft) models.Message {
	l.mu.Lock()
	w := l.windowLocked(chatID)

	now := l.NowFunc()
	if n := len(w.messages); n > 0 && w.messages[n-1].CreatedAt.After(now) {
		now = w.messages[n-1].CreatedAt
	}

	msg := models.Message{
		TempID:    TempIDPrefix + ulid.MustNew(ulid.Timestamp(now), l.entropy).String(),
		Content:   draft.Content,
		SenderID:  l.self.ID,
		CreatedAt: now,
		Kind:      draft.Kind,
		Delivery:  models.DeliveryPending,
	}
	if draft.VideoRequest != nil {
		req := draft.VideoRequest.Clone()
		msg.VideoRequest = &req
	}

	w.messages = append(w.messages, msg)
	w.total++
	hooks := slices.Clone(l.onAppend)
	l.mu.Unlock()

	for _, fn := range hooks {
		fn(chatID, msg)
	}
	return msg.Clone()
}

// SendText appends a text message and posts it. On failure the message stays
// in the log marked failed so it can be resent.
func (l *Log) SendText(ctx context.Context, chatID, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, errs.Validationf("message text is required")
	}

	msg := l.AppendOptimistic(chatID, Draft{Kind: models.KindText, Content: text})
	err := l.deliverText(ctx, chatID, msg.TempID, text)
	msg, _ = l.byTempID(chatID, msg.TempID)
	return msg, err
}

// Resend retries a text message whose earlier send failed.
func (l *Log) Resend(ctx context.Context, chatID, tempID string) (models.Message, error) {
	l.mu.Lock()
	w := l.windows[chatID]
	var text string
	found := false
	if w != nil {
		for i := range w.messages {
			m := &w.messages[i]
			if m.TempID != tempID {
				continue
			}
			if m.Delivery != models.DeliveryFailed || m.Kind != models.KindText {
				l.mu.Unlock()
				return models.Message{}, fmt.Errorf("resend %s: %w", tempID, errs.ErrInvalidTransition)
			}
			m.Delivery = models.DeliveryPending
			text = m.Content
			found = true
			break
		}
	}
	l.mu.Unlock()

	if !found {
		return models.Message{}, fmt.Errorf("resend %s: %w: no such message", tempID, errs.ErrInvalidTransition)
	}

	err := l.deliverText(ctx, chatID, tempID, text)
	msg, _ := l.byTempID(chatID, tempID)
	return msg, err
}

func (l *Log) deliverText(ctx context.Context, chatID, tempID, text string) error {
	ctx = logging.WithChatID(ctx, chatID)
	ctx, span := logging.StartSpan(ctx, "messages.send_text")
	defer span.End()

	if err := l.backend.SendText(ctx, chatID, text); err != nil {
		span.Fail(err)
		l.SetDelivery(chatID, tempID, models.DeliveryFailed)
		l.handleFailure(chatID, err)
		return fmt.Errorf("send text: %w", err)
	}
	l.SetDelivery(chatID, tempID, models.DeliverySent)
	return nil
}

// SendMedia appends an image or video message and registers it with the
// backend, returning the signed form the file must be posted to.
func (l *Log) SendMedia(ctx context.Context, chatID string, media models.MediaDraft) (models.Message, models.MediaUploadTarget, error) {
	kind, ok := models.KindForContentType(media.ContentType)
	if !ok {
		return models.Message{}, models.MediaUploadTarget{}, errs.Validationf("only images and videos can be sent, got %q", media.ContentType)
	}
	if media.Size <= 0 {
		return models.Message{}, models.MediaUploadTarget{}, errs.Validationf("media file is empty")
	}
	if l.maxMediaBytes > 0 && media.Size > l.maxMediaBytes {
		return models.Message{}, models.MediaUploadTarget{}, errs.Validationf("media file exceeds %d bytes", l.maxMediaBytes)
	}

	msg := l.AppendOptimistic(chatID, Draft{Kind: kind})

	ctx = logging.WithChatID(ctx, chatID)
	ctx, span := logging.StartSpan(ctx, "messages.send_media")
	defer span.End()

	target, err := l.backend.RequestMediaUpload(ctx, chatID, media.ContentType)
	if err != nil {
		span.Fail(err)
		l.SetDelivery(chatID, msg.TempID, models.DeliveryFailed)
		l.handleFailure(chatID, err)
		msg, _ = l.byTempID(chatID, msg.TempID)
		return msg, models.MediaUploadTarget{}, fmt.Errorf("send media: %w", err)
	}

	l.SetDelivery(chatID, msg.TempID, models.DeliverySent)
	msg, _ = l.byTempID(chatID, msg.TempID)
	return msg, target, nil
}

// FetchOlder loads the page preceding the oldest loaded message. It does
// nothing when the whole history is loaded. Concurrent calls for the same
// chat share one backend request. It returns how many messages were prepended.
func (l *Log) FetchOlder(ctx context.Context, chatID string) (int, error) {
	l.mu.Lock()
	w := l.windows[chatID]
	if w == nil || w.state != Loaded {
		l.mu.Unlock()
		return 0, fmt.Errorf("fetch older for chat %s: %w: history not loaded", chatID, errs.ErrInvalidTransition)
	}
	gap := w.total - len(w.messages)
	l.mu.Unlock()

	if gap <= 0 {
		return 0, nil
	}

	v, err, shared := l.older.Do(chatID, func() (any, error) {
		return l.prependOlder(ctx, chatID, w)
	})
	if shared {
		logging.FromContext(ctx).Debug("joined in-flight fetch of older messages", slog.String("chat_id", chatID))
	}
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (l *Log) prependOlder(ctx context.Context, chatID string, w *window) (int, error) {
	ctx = logging.WithChatID(ctx, chatID)
	ctx, span := logging.StartSpan(ctx, "messages.fetch_older")
	defer span.End()

	l.mu.Lock()
	skip := len(w.messages) - countUnsent(w.messages)
	l.mu.Unlock()

	page, err := l.backend.FetchPage(ctx, chatID, skip)
	if err != nil {
		span.Fail(err)
		l.handleFailure(chatID, err)
		return 0, fmt.Errorf("fetch older messages: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.windows[chatID] != w {
		return 0, nil
	}

	known := make(map[string]struct{}, len(w.messages))
	for _, m := range w.messages {
		if m.ID != "" {
			known[m.ID] = struct{}{}
		}
	}

	older := make([]models.Message, 0, len(page.Messages))
	for _, m := range reversed(page.Messages) {
		if _, dup := known[m.ID]; dup {
			continue
		}
		older = append(older, m)
	}

	w.messages = append(older, w.messages...)
	w.total = page.TotalMessages + countUnsent(w.messages)
	l.normalizeLocked(ctx, w)

	return len(older), nil
}

// Refresh reloads the newest page from the backend, replacing the window with
// authoritative messages. Unsent local messages stay at the tail.
func (l *Log) Refresh(ctx context.Context, chatID string) error {
	ctx = logging.WithChatID(ctx, chatID)
	ctx, span := logging.StartSpan(ctx, "messages.refresh")
	defer span.End()

	page, err := l.backend.FetchPage(ctx, chatID, 0)
	if err != nil {
		span.Fail(err)
		l.handleFailure(chatID, err)
		return fmt.Errorf("refresh chat history: %w", err)
	}

	l.mu.Lock()
	w := l.windowLocked(chatID)
	unsent := make([]models.Message, 0)
	for _, m := range w.messages {
		if m.ID == "" && m.Delivery != models.DeliverySent {
			unsent = append(unsent, m)
		}
	}
	w.messages = append(reversed(page.Messages), unsent...)
	w.total = page.TotalMessages + countUnsent(w.messages)
	w.state = Loaded
	l.normalizeLocked(ctx, w)
	l.mu.Unlock()
	return nil
}

// Drop forgets everything loaded for a chat.
func (l *Log) Drop(chatID string) {
	l.mu.Lock()
	delete(l.windows, chatID)
	l.mu.Unlock()
}

// Messages returns the loaded history of a chat, oldest first.
func (l *Log) Messages(chatID string) []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[chatID]
	if w == nil {
		return nil
	}
	out := make([]models.Message, 0, len(w.messages))
	for _, m := range w.messages {
		out = append(out, m.Clone())
	}
	return out
}

// State returns the load state of a chat.
func (l *Log) State(chatID string) LoadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.windows[chatID]; w != nil {
		return w.state
	}
	return Unloaded
}

// Total returns the server-reported history length plus unsent local messages.
func (l *Log) Total(chatID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.windows[chatID]; w != nil {
		return w.total
	}
	return 0
}

// HasOlder reports whether older history remains on the backend.
func (l *Log) HasOlder(chatID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[chatID]
	return w != nil && w.state == Loaded && w.total > len(w.messages)
}

// Seed installs a saved window for a chat that has not been loaded yet.
func (l *Log) Seed(chatID string, msgs []models.Message, total int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.windows[chatID]; w != nil && (w.state != Unloaded || len(w.messages) > 0) {
		return false
	}
	w := &window{state: Loaded, total: total}
	for _, m := range msgs {
		w.messages = append(w.messages, m.Clone())
	}
	if w.total < len(w.messages) {
		w.total = len(w.messages)
	}
	l.windows[chatID] = w
	return true
}

// FindVideoRequest locates a video request in a chat's loaded history.
func (l *Log) FindVideoRequest(chatID, requestID string) (models.VideoRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m := l.requestMessageLocked(chatID, requestID); m != nil {
		return m.VideoRequest.Clone(), true
	}
	return models.VideoRequest{}, false
}

// PatchVideoRequest edits the video request with the given id in place.
func (l *Log) PatchVideoRequest(chatID, requestID string, patch func(*models.VideoRequest)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.requestMessageLocked(chatID, requestID)
	if m == nil {
		return false
	}
	patch(m.VideoRequest)
	return true
}

// SetDelivery updates the delivery state of a locally authored message.
func (l *Log) SetDelivery(chatID, tempID string, delivery models.Delivery) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[chatID]
	if w == nil {
		return false
	}
	for i := range w.messages {
		if w.messages[i].TempID != tempID {
			continue
		}
		w.messages[i].Delivery = delivery
		return true
	}
	return false
}

func (l *Log) byTempID(chatID, tempID string) (models.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.windows[chatID]; w != nil {
		for _, m := range w.messages {
			if m.TempID == tempID {
				return m.Clone(), true
			}
		}
	}
	return models.Message{}, false
}

func (l *Log) requestMessageLocked(chatID, requestID string) *models.Message {
	w := l.windows[chatID]
	if w == nil || requestID == "" {
		return nil
	}
	for i := range w.messages {
		if r := w.messages[i].VideoRequest; r != nil && r.ID == requestID {
			return &w.messages[i]
		}
	}
	return nil
}

func (l *Log) windowLocked(chatID string) *window {
	w := l.windows[chatID]
	if w == nil {
		w = &window{state: Unloaded}
		l.windows[chatID] = w
	}
	return w
}

// normalizeLocked restores createdAt ordering and the loaded <= total bound.
func (l *Log) normalizeLocked(ctx context.Context, w *window) {
	ordered := sort.SliceIsSorted(w.messages, func(i, j int) bool {
		return w.messages[i].CreatedAt.Before(w.messages[j].CreatedAt)
	})
	if !ordered {
		logging.FromContext(ctx).Warn("history out of order, re-sorting", slog.Int("loaded", len(w.messages)))
		sort.SliceStable(w.messages, func(i, j int) bool {
			return w.messages[i].CreatedAt.Before(w.messages[j].CreatedAt)
		})
	}
	if w.total < len(w.messages) {
		logging.FromContext(ctx).Warn("backend total below loaded count", slog.Int("total", w.total), slog.Int("loaded", len(w.messages)))
		w.total = len(w.messages)
	}
}

func (l *Log) handleFailure(chatID string, err error) {
	if !errors.Is(err, errs.ErrNotFound) {
		return
	}
	l.mu.Lock()
	hooks := slices.Clone(l.onGone)
	l.mu.Unlock()
	for _, fn := range hooks {
		fn(chatID)
	}
}

func reversed(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}

// countUnsent counts local messages the backend has not acknowledged.
func countUnsent(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		if m.ID == "" && m.Delivery != models.DeliverySent {
			n++
		}
	}
	return n
}
