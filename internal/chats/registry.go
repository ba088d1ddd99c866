package chats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creatorsync/client/internal/api"
	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/logging"
	"github.com/creatorsync/client/internal/models"
)

// Backend is the subset of the backend client the registry needs.
type Backend interface {
	ListChats(ctx context.Context) ([]models.Chat, error)
	CreateChat(ctx context.Context, editorID string) (api.CreatedChat, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// Registry holds the chat list and the active chat selection.
type Registry struct {
	backend Backend
	self    models.User
	NowFunc func() time.Time

	mu        sync.Mutex
	chats     []models.Chat
	active    string
	deleting  map[string]struct{}
	onRemoved []func(chatID string)
}

// NewRegistry constructs an empty registry for the signed-in user.
func NewRegistry(backend Backend, self models.User) *Registry {
	return &Registry{
		backend:  backend,
		self:     self,
		NowFunc:  time.Now,
		deleting: make(map[string]struct{}),
	}
}

// OnRemoved registers fn to run after a chat leaves the registry for good.
func (r *Registry) OnRemoved(fn func(chatID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemoved = append(r.onRemoved, fn)
}

// List replaces the chat set with the backend's. On failure the current set is kept.
func (r *Registry) List(ctx context.Context) ([]models.Chat, error) {
	ctx, span := logging.StartSpan(ctx, "chats.list")
	defer span.End()

	chats, err := r.backend.ListChats(ctx)
	if err != nil {
		span.Fail(err)
		return nil, fmt.Errorf("list chats: %w", err)
	}

	r.mu.Lock()
	previous := make(map[string]models.Chat, len(r.chats))
	for _, chat := range r.chats {
		previous[chat.ID] = chat
	}

	next := make([]models.Chat, 0, len(chats))
	for _, chat := range chats {
		if _, ok := r.deleting[chat.ID]; ok {
			continue
		}
		if old, ok := previous[chat.ID]; ok && chat.LastMessage == nil {
			chat.LastMessage = old.LastMessage
		}
		next = append(next, chat)
	}
	r.chats = next
	if r.active != "" && r.indexLocked(r.active) < 0 {
		r.active = ""
	}
	out := r.snapshotLocked()
	r.mu.Unlock()

	logging.FromContext(ctx).Debug("chat list replaced", slog.Int("count", len(out)))
	return out, nil
}

// Create opens a chat with editorID. The chat is added only once the backend confirms it.
func (r *Registry) Create(ctx context.Context, editorID string) (models.Chat, error) {
	editorID = strings.TrimSpace(editorID)
	if editorID == "" {
		return models.Chat{}, errs.Validationf("editor id is required")
	}

	ctx, span := logging.StartSpan(ctx, "chats.create")
	defer span.End()

	created, err := r.backend.CreateChat(ctx, editorID)
	if err != nil {
		span.Fail(err)
		return models.Chat{}, fmt.Errorf("create chat: %w", err)
	}

	chat := models.Chat{
		ID:        created.ChatID,
		Creator:   models.Participant{ID: r.self.ID, Username: r.self.Username},
		Editor:    models.Participant{ID: editorID, Username: created.EditorName},
		UpdatedAt: r.NowFunc(),
	}

	r.mu.Lock()
	if i := r.indexLocked(chat.ID); i >= 0 {
		r.chats[i] = chat
	} else {
		r.chats = append(r.chats, chat)
	}
	r.mu.Unlock()

	logging.FromContext(ctx).Info("chat created", slog.String("chat_id", chat.ID))
	return chat.Clone(), nil
}

// Delete removes the chat immediately and clears the active selection if it
// pointed at it. If the backend call fails the chat is put back where it was,
// but the selection stays cleared. A chat the backend no longer knows counts
// as deleted.
func (r *Registry) Delete(ctx context.Context, chatID string) error {
	ctx = logging.WithChatID(ctx, chatID)

	r.mu.Lock()
	index := r.indexLocked(chatID)
	if index < 0 {
		r.mu.Unlock()
		return fmt.Errorf("delete chat %s: %w", chatID, errs.ErrUnknownChat)
	}
	removed := r.chats[index]
	r.chats = append(r.chats[:index:index], r.chats[index+1:]...)
	if r.active == chatID {
		r.active = ""
	}
	r.deleting[chatID] = struct{}{}
	r.mu.Unlock()

	ctx, span := logging.StartSpan(ctx, "chats.delete")
	defer span.End()

	err := r.backend.DeleteChat(ctx, chatID)

	r.mu.Lock()
	delete(r.deleting, chatID)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		if r.indexLocked(chatID) < 0 {
			if index > len(r.chats) {
				index = len(r.chats)
			}
			r.chats = append(r.chats[:index], append([]models.Chat{removed}, r.chats[index:]...)...)
		}
		r.mu.Unlock()
		span.Fail(err)
		logging.FromContext(ctx).Warn("chat delete failed, restored", slog.String("error", err.Error()))
		return fmt.Errorf("delete chat: %w", err)
	}
	hooks := slices.Clone(r.onRemoved)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(chatID)
	}
	return nil
}

// Forget drops a chat locally, used when the backend reports it gone.
func (r *Registry) Forget(chatID string) bool {
	r.mu.Lock()
	index := r.indexLocked(chatID)
	if index < 0 {
		r.mu.Unlock()
		return false
	}
	r.chats = append(r.chats[:index], r.chats[index+1:]...)
	if r.active == chatID {
		r.active = ""
	}
	hooks := slices.Clone(r.onRemoved)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(chatID)
	}
	return true
}

// Restore seeds the registry from a saved snapshot when it is still empty.
func (r *Registry) Restore(chats []models.Chat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chats) > 0 {
		return false
	}
	r.chats = make([]models.Chat, 0, len(chats))
	for _, chat := range chats {
		r.chats = append(r.chats, chat.Clone())
	}
	return true
}

// SetActive selects the chat shown to the user.
func (r *Registry) SetActive(chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(chatID) < 0 {
		return fmt.Errorf("activate chat %s: %w", chatID, errs.ErrUnknownChat)
	}
	r.active = chatID
	return nil
}

// ClearActive deselects the active chat.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

// Active returns the selected chat, if any.
func (r *Registry) Active() (models.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return models.Chat{}, false
	}
	i := r.indexLocked(r.active)
	if i < 0 {
		return models.Chat{}, false
	}
	return r.chats[i].Clone(), true
}

// Get returns one chat by id.
func (r *Registry) Get(chatID string) (models.Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(chatID)
	if i < 0 {
		return models.Chat{}, false
	}
	return r.chats[i].Clone(), true
}

// Chats returns the current chat set in display order.
func (r *Registry) Chats() []models.Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Touch records msg as the chat's latest message.
func (r *Registry) Touch(chatID string, msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(chatID)
	if i < 0 {
		return
	}
	last := msg.Clone()
	r.chats[i].LastMessage = &last
	if msg.CreatedAt.After(r.chats[i].UpdatedAt) {
		r.chats[i].UpdatedAt = msg.CreatedAt
	}
}

func (r *Registry) indexLocked(chatID string) int {
	for i, chat := range r.chats {
		if chat.ID == chatID {
			return i
		}
	}
	return -1
}

func (r *Registry) snapshotLocked() []models.Chat {
	out := make([]models.Chat, 0, len(r.chats))
	for _, chat := range r.chats {
		out = append(out, chat.Clone())
	}
	return out
}
