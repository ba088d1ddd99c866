package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/creatorsync/client/internal/chats"
	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/logging"
	"github.com/creatorsync/client/internal/messages"
	"github.com/creatorsync/client/internal/models"
	"github.com/creatorsync/client/internal/progress"
	"github.com/creatorsync/client/internal/requests"
	"github.com/creatorsync/client/internal/upload"
)

// Backend is everything the store needs from the backend client.
type Backend interface {
	chats.Backend
	messages.Backend
	requests.Backend
	progress.Opener
}

// Snapshots persists the last known chat list and history windows.
type Snapshots interface {
	SaveChats(ctx context.Context, chats []models.Chat) error
	LoadChats(ctx context.Context) ([]models.Chat, error)
	SaveMessages(ctx context.Context, chatID string, msgs []models.Message, total int) error
	LoadMessages(ctx context.Context, chatID string) ([]models.Message, int, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// Uploader sends files to the signed destinations handed out by the backend.
type Uploader interface {
	PostForm(ctx context.Context, target models.MediaUploadTarget, file upload.File) error
	VideoRequest(ctx context.Context, targets models.VideoUploadTargets, video upload.File, thumbnail *upload.File) error
}

// Notification is a transient message shown after an operation failed.
type Notification struct {
	Op      string
	Message string
	Err     error
	At      time.Time
}

// Notifier receives one Notification per failed operation.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Options configures optional store collaborators.
type Options struct {
	Snapshots     Snapshots
	Uploader      Uploader
	Notifier      Notifier
	MaxMediaBytes int64
	// WarmUpLimit bounds concurrent history loads in WarmUp; 4 when zero.
	WarmUpLimit int
}

// Store owns the chat list, the message log, the request lifecycle and the
// progress tracker, and is the only surface through which they change.
type Store struct {
	Chats    *chats.Registry
	Messages *messages.Log
	Requests *requests.Lifecycle
	Progress *progress.Tracker

	self      models.User
	snapshots Snapshots
	uploader  Uploader
	notifier  Notifier
	limit     int
	now       func() time.Time

	mu    sync.Mutex
	stale map[string]struct{}
}

// New wires the modules together for the signed-in user.
func New(backend Backend, self models.User, opts Options) *Store {
	s := &Store{
		Chats:     chats.NewRegistry(backend, self),
		Messages:  messages.NewLog(backend, self, opts.MaxMediaBytes),
		Progress:  progress.NewTracker(backend),
		self:      self,
		snapshots: opts.Snapshots,
		uploader:  opts.Uploader,
		notifier:  opts.Notifier,
		limit:     opts.WarmUpLimit,
		now:       time.Now,
		stale:     make(map[string]struct{}),
	}
	s.Requests = requests.NewLifecycle(backend, s.Messages)
	if s.limit <= 0 {
		s.limit = 4
	}

	s.Messages.OnChatGone(func(chatID string) {
		if !s.Chats.Forget(chatID) {
			s.dropChat(chatID)
		}
	})
	s.Messages.OnAppend(s.Chats.Touch)
	s.Chats.OnRemoved(s.dropChat)
	s.Requests.OnRetried(func(_, requestID string) {
		s.Progress.Reset(requestID)
	})
	return s
}

// Self returns the signed-in user.
func (s *Store) Self() models.User {
	return s.self
}

// Bootstrap loads the chat list. When the backend is unreachable the saved
// list is shown instead and fromCache is true; the failure is still notified.
func (s *Store) Bootstrap(ctx context.Context) (list []models.Chat, fromCache bool, err error) {
	list, err = s.Chats.List(ctx)
	if err == nil {
		s.saveChats(ctx, list)
		return list, false, nil
	}
	s.report(ctx, "list chats", err)

	if s.snapshots == nil || errors.Is(err, errs.ErrNotFound) {
		return nil, false, err
	}
	saved, cacheErr := s.snapshots.LoadChats(ctx)
	if cacheErr != nil || len(saved) == 0 {
		if cacheErr != nil {
			logging.FromContext(ctx).Warn("load cached chats", slog.String("error", cacheErr.Error()))
		}
		return nil, false, err
	}
	s.Chats.Restore(saved)
	return s.Chats.Chats(), true, nil
}

// ListChats refreshes the chat list from the backend.
func (s *Store) ListChats(ctx context.Context) ([]models.Chat, error) {
	list, err := s.Chats.List(ctx)
	if err != nil {
		return nil, s.report(ctx, "list chats", err)
	}
	s.saveChats(ctx, list)
	return list, nil
}

// CreateChat opens a chat with an editor.
func (s *Store) CreateChat(ctx context.Context, editorID string) (models.Chat, error) {
	chat, err := s.Chats.Create(ctx, editorID)
	if err != nil {
		return models.Chat{}, s.report(ctx, "create chat", err)
	}
	s.saveChats(ctx, s.Chats.Chats())
	return chat, nil
}

// DeleteChat removes a chat.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	if err := s.Chats.Delete(ctx, chatID); err != nil {
		return s.report(ctx, "delete chat", err)
	}
	s.saveChats(ctx, s.Chats.Chats())
	return nil
}

// OpenChat selects a chat and loads its newest history. If the backend is
// unreachable a saved window is shown and reconciled on the next OpenChat.
func (s *Store) OpenChat(ctx context.Context, chatID string) error {
	if err := s.Chats.SetActive(chatID); err != nil {
		return s.report(ctx, "open chat", err)
	}

	var err error
	if s.isStale(chatID) {
		err = s.Messages.Refresh(ctx, chatID)
	} else {
		err = s.Messages.Activate(ctx, chatID)
	}
	if err == nil {
		s.markStale(chatID, false)
		s.saveWindow(ctx, chatID)
		return nil
	}

	s.report(ctx, "load chat history", err)
	if errors.Is(err, errs.ErrNotFound) || s.snapshots == nil || s.isStale(chatID) {
		return err
	}
	msgs, total, cacheErr := s.snapshots.LoadMessages(ctx, chatID)
	if cacheErr != nil {
		return err
	}
	if s.Messages.Seed(chatID, msgs, total) {
		s.markStale(chatID, true)
		logging.FromContext(logging.WithChatID(ctx, chatID)).Info("showing cached history", slog.Int("messages", len(msgs)))
		return nil
	}
	return err
}

// Stale reports whether the chat shows a saved window that was not yet reconciled.
func (s *Store) Stale(chatID string) bool {
	return s.isStale(chatID)
}

// WarmUp loads the newest history of several chats concurrently.
func (s *Store) WarmUp(ctx context.Context, chatIDs ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, chatID := range chatIDs {
		chatID := chatID
		g.Go(func() error {
			if err := s.Messages.Activate(gctx, chatID); err != nil {
				return fmt.Errorf("warm up %s: %w", chatID, err)
			}
			s.saveWindow(gctx, chatID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.report(ctx, "warm up", err)
	}
	return nil
}

// FetchOlder loads the next page of older history.
func (s *Store) FetchOlder(ctx context.Context, chatID string) (int, error) {
	n, err := s.Messages.FetchOlder(ctx, chatID)
	if err != nil {
		return 0, s.report(ctx, "load older messages", err)
	}
	if n > 0 {
		s.saveWindow(ctx, chatID)
	}
	return n, nil
}

// Refresh reloads a chat's newest history.
func (s *Store) Refresh(ctx context.Context, chatID string) error {
	if err := s.Messages.Refresh(ctx, chatID); err != nil {
		return s.report(ctx, "refresh chat", err)
	}
	s.markStale(chatID, false)
	s.saveWindow(ctx, chatID)
	return nil
}

// SendText posts a text message.
func (s *Store) SendText(ctx context.Context, chatID, text string) (models.Message, error) {
	msg, err := s.Messages.SendText(ctx, chatID, text)
	if err != nil {
		return msg, s.report(ctx, "send message", err)
	}
	return msg, nil
}

// Resend retries a failed text message.
func (s *Store) Resend(ctx context.Context, chatID, tempID string) (models.Message, error) {
	msg, err := s.Messages.Resend(ctx, chatID, tempID)
	if err != nil {
		return msg, s.report(ctx, "resend message", err)
	}
	return msg, nil
}

// SendMedia posts an image or video message and uploads the file.
func (s *Store) SendMedia(ctx context.Context, chatID string, file upload.File) (models.Message, error) {
	msg, target, err := s.Messages.SendMedia(ctx, chatID, file.Draft())
	if err != nil {
		return msg, s.report(ctx, "send media", err)
	}
	if s.uploader == nil {
		return msg, nil
	}
	if err := s.uploader.PostForm(ctx, target, file); err != nil {
		return msg, s.report(ctx, "upload media", err)
	}
	return msg, nil
}

// CreateVideoRequest proposes a video to the chat's creator and uploads the
// video and thumbnail.
func (s *Store) CreateVideoRequest(ctx context.Context, chatID, title, description string, video upload.File, thumbnail *upload.File) (models.Message, error) {
	draft := models.VideoRequestDraft{
		Title:       title,
		Description: description,
		VideoType:   video.ContentType,
	}
	if thumbnail != nil {
		draft.ThumbnailType = thumbnail.ContentType
	}

	msg, targets, err := s.Requests.Create(ctx, chatID, draft)
	if err != nil {
		return msg, s.report(ctx, "create video request", err)
	}
	if s.uploader == nil {
		return msg, nil
	}
	if err := s.uploader.VideoRequest(ctx, targets, video, thumbnail); err != nil {
		return msg, s.report(ctx, "upload video request", err)
	}
	return msg, nil
}

// ApproveVideoRequest approves a pending request.
func (s *Store) ApproveVideoRequest(ctx context.Context, chatID, requestID string) error {
	if err := s.Requests.Approve(ctx, chatID, requestID); err != nil {
		return s.report(ctx, "approve video request", err)
	}
	return nil
}

// RetryVideoRequest retries a failed request.
func (s *Store) RetryVideoRequest(ctx context.Context, chatID, requestID string) error {
	if err := s.Requests.Retry(ctx, chatID, requestID); err != nil {
		return s.report(ctx, "retry video request", err)
	}
	return nil
}

// WatchProgress opens the progress view of a loaded video request. When the
// stream cannot be opened the session is returned in the error phase along
// with the error; it must still be closed.
func (s *Store) WatchProgress(ctx context.Context, chatID, requestID string) (*progress.Session, error) {
	req, ok := s.Messages.FindVideoRequest(chatID, requestID)
	if !ok {
		err := fmt.Errorf("watch video request %s: %w: not in loaded history", requestID, errs.ErrInvalidTransition)
		return nil, s.report(ctx, "watch upload progress", err)
	}
	session, err := s.Progress.Open(ctx, chatID, req)
	if err != nil {
		return session, s.report(ctx, "watch upload progress", err)
	}
	return session, nil
}

// Snapshot returns a chat with its loaded history and server-side total.
func (s *Store) Snapshot(chatID string) (models.Chat, []models.Message, int, bool) {
	chat, ok := s.Chats.Get(chatID)
	if !ok {
		return models.Chat{}, nil, 0, false
	}
	msgs := s.Messages.Messages(chatID)
	return chat, msgs, serverTotal(s.Messages.Total(chatID), msgs), true
}

// Close tears down every progress session.
func (s *Store) Close() {
	s.Progress.CloseAll()
}

func (s *Store) dropChat(chatID string) {
	s.Messages.Drop(chatID)
	s.Progress.CloseChat(chatID)
	s.markStale(chatID, false)
	if s.snapshots != nil {
		if err := s.snapshots.DeleteChat(context.Background(), chatID); err != nil {
			slog.Warn("drop cached chat", slog.String("chat_id", chatID), slog.String("error", err.Error()))
		}
	}
}

// report notifies the failure of op and returns err unchanged.
func (s *Store) report(ctx context.Context, op string, err error) error {
	logging.FromContext(ctx).Warn("operation failed", slog.String("op", op), slog.String("error", err.Error()))
	if s.notifier != nil {
		s.notifier.Notify(Notification{
			Op:      op,
			Message: errs.UserMessage(err),
			Err:     err,
			At:      s.now(),
		})
	}
	return err
}

func (s *Store) saveChats(ctx context.Context, list []models.Chat) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.SaveChats(ctx, list); err != nil {
		logging.FromContext(ctx).Warn("save chat snapshot", slog.String("error", err.Error()))
	}
}

func (s *Store) saveWindow(ctx context.Context, chatID string) {
	if s.snapshots == nil || s.Messages.State(chatID) != messages.Loaded {
		return
	}
	msgs := s.Messages.Messages(chatID)
	total := serverTotal(s.Messages.Total(chatID), msgs)
	if err := s.snapshots.SaveMessages(ctx, chatID, msgs, total); err != nil {
		logging.FromContext(ctx).Warn("save history snapshot", slog.String("chat_id", chatID), slog.String("error", err.Error()))
	}
}

func (s *Store) isStale(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stale[chatID]
	return ok
}

func (s *Store) markStale(chatID string, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stale {
		s.stale[chatID] = struct{}{}
	} else {
		delete(s.stale, chatID)
	}
}

// serverTotal strips messages the backend never acknowledged from total.
func serverTotal(total int, msgs []models.Message) int {
	for _, m := range msgs {
		if m.ID == "" && m.Delivery != models.DeliverySent {
			total--
		}
	}
	if total < 0 {
		return 0
	}
	return total
}
