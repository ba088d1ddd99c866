package requests

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/logging"
	"github.com/creatorsync/client/internal/messages"
	"github.com/creatorsync/client/internal/models"
)

// Backend is the subset of the backend client the lifecycle needs.
type Backend interface {
	CreateVideoRequest(ctx context.Context, chatID string, draft models.VideoRequestDraft) (models.VideoUploadTargets, error)
	ApproveVideoRequest(ctx context.Context, chatID, requestID string) error
	RetryVideoRequest(ctx context.Context, requestID string) error
}

// History is the message log capability the lifecycle edits requests through.
type History interface {
	AppendOptimistic(chatID string, draft messages.Draft) models.Message
	SetDelivery(chatID, tempID string, delivery models.Delivery) bool
	FindVideoRequest(chatID, requestID string) (models.VideoRequest, bool)
	PatchVideoRequest(chatID, requestID string, patch func(*models.VideoRequest)) bool
}

// Lifecycle drives video requests through PENDING -> APPROVED and ERROR -> APPROVED.
// ERROR is only ever set by the backend.
type Lifecycle struct {
	backend Backend
	history History
	NowFunc func() time.Time

	mu        sync.Mutex
	inFlight  map[string]struct{}
	onRetried []func(chatID, requestID string)
}

// NewLifecycle constructs a Lifecycle editing requests stored in history.
func NewLifecycle(backend Backend, history History) *Lifecycle {
	return &Lifecycle{
		backend:  backend,
		history:  history,
		NowFunc:  time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// OnRetried registers fn to run after the backend accepted a retry.
func (l *Lifecycle) OnRetried(fn func(chatID, requestID string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRetried = append(l.onRetried, fn)
}

// Create validates the draft, appends a pending request message and registers
// it with the backend, returning where the video and thumbnail must be uploaded.
func (l *Lifecycle) Create(ctx context.Context, chatID string, draft models.VideoRequestDraft) (models.Message, models.VideoUploadTargets, error) {
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Description = strings.TrimSpace(draft.Description)
	if err := validateDraft(draft); err != nil {
		return models.Message{}, models.VideoUploadTargets{}, err
	}

	now := l.NowFunc()
	msg := l.history.AppendOptimistic(chatID, messages.Draft{
		Kind:    models.KindVideoRequest,
		Content: "Video Request: " + draft.Title,
		VideoRequest: &models.VideoRequest{
			Title:        draft.Title,
			Description:  draft.Description,
			Status:       models.StatusPending,
			UploadStatus: models.UploadNotApproved,
			CreatedAt:    now,
		},
	})

	ctx = logging.WithChatID(ctx, chatID)
	ctx, span := logging.StartSpan(ctx, "requests.create")
	defer span.End()

	targets, err := l.backend.CreateVideoRequest(ctx, chatID, draft)
	if err != nil {
		span.Fail(err)
		l.history.SetDelivery(chatID, msg.TempID, models.DeliveryFailed)
		msg.Delivery = models.DeliveryFailed
		return msg, models.VideoUploadTargets{}, fmt.Errorf("create video request: %w", err)
	}

	l.history.SetDelivery(chatID, msg.TempID, models.DeliverySent)
	msg.Delivery = models.DeliverySent
	logging.FromContext(ctx).Info("video request created", slog.String("temp_id", msg.TempID))
	return msg, targets, nil
}

// Approve moves a pending request to APPROVED once the backend accepts it.
func (l *Lifecycle) Approve(ctx context.Context, chatID, requestID string) error {
	return l.transition(ctx, chatID, requestID, "approve", models.StatusPending, func(ctx context.Context) error {
		return l.backend.ApproveVideoRequest(ctx, chatID, requestID)
	})
}

// Retry moves a failed request back to APPROVED and clears its error reason.
func (l *Lifecycle) Retry(ctx context.Context, chatID, requestID string) error {
	err := l.transition(ctx, chatID, requestID, "retry", models.StatusError, func(ctx context.Context) error {
		return l.backend.RetryVideoRequest(ctx, requestID)
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	hooks := slices.Clone(l.onRetried)
	l.mu.Unlock()
	for _, fn := range hooks {
		fn(chatID, requestID)
	}
	return nil
}

func (l *Lifecycle) transition(ctx context.Context, chatID, requestID, op string, from models.RequestStatus, call func(context.Context) error) error {
	if strings.TrimSpace(requestID) == "" {
		return errs.Validationf("video request id is required")
	}

	current, ok := l.history.FindVideoRequest(chatID, requestID)
	if !ok {
		return fmt.Errorf("%s video request %s: %w: not in loaded history", op, requestID, errs.ErrInvalidTransition)
	}
	if current.Status != from || !current.Status.CanTransition(models.StatusApproved) {
		return fmt.Errorf("%s video request %s from %s: %w", op, requestID, current.Status, errs.ErrInvalidTransition)
	}

	l.mu.Lock()
	if _, busy := l.inFlight[requestID]; busy {
		l.mu.Unlock()
		return fmt.Errorf("%s video request %s: %w", op, requestID, errs.ErrInFlight)
	}
	l.inFlight[requestID] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.inFlight, requestID)
		l.mu.Unlock()
	}()

	ctx = logging.WithChatID(ctx, chatID)
	ctx = logging.WithVideoRequestID(ctx, requestID)
	ctx, span := logging.StartSpan(ctx, "requests."+op)
	defer span.End()

	if err := call(ctx); err != nil {
		span.Fail(err)
		return fmt.Errorf("%s video request: %w", op, err)
	}

	l.history.PatchVideoRequest(chatID, requestID, func(r *models.VideoRequest) {
		if r.Status != from {
			return
		}
		r.Status = models.StatusApproved
		r.ErrorReason = ""
		if from == models.StatusError || r.UploadStatus == models.UploadNotApproved {
			r.UploadStatus = models.UploadStarted
		}
	})

	logging.FromContext(ctx).Info("video request approved", slog.String("from", string(from)))
	return nil
}

// InFlight reports whether an approve or retry call is running for requestID.
func (l *Lifecycle) InFlight(requestID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inFlight[requestID]
	return ok
}

func validateDraft(draft models.VideoRequestDraft) error {
	if draft.Title == "" {
		return errs.Validationf("title is required")
	}
	if draft.Description == "" {
		return errs.Validationf("description is required")
	}
	if kind, ok := models.KindForContentType(draft.VideoType); !ok || kind != models.KindVideo {
		return errs.Validationf("a video file is required, got %q", draft.VideoType)
	}
	if draft.ThumbnailType != "" {
		if kind, ok := models.KindForContentType(draft.ThumbnailType); !ok || kind != models.KindImage {
			return errs.Validationf("thumbnail must be an image, got %q", draft.ThumbnailType)
		}
	}
	return nil
}
