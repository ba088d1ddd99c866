package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/creatorsync/client/internal/logging"
	"github.com/creatorsync/client/internal/models"
)

// ContentType is the media type of a rendered transcript.
const ContentType = "application/x-ndjson"

// Store persists a rendered transcript and returns its location.
type Store interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) (string, error)
}

type header struct {
	ChatID        string    `json:"chatId"`
	Creator       string    `json:"creator"`
	Editor        string    `json:"editor"`
	TotalMessages int       `json:"totalMessages"`
	Included      int       `json:"included"`
	ExportedAt    time.Time `json:"exportedAt"`
}

type line struct {
	ID           string        `json:"id"`
	SenderID     string        `json:"senderId"`
	Sender       string        `json:"sender,omitempty"`
	Type         string        `json:"type"`
	Content      string        `json:"content"`
	CreatedAt    time.Time     `json:"createdAt"`
	VideoRequest *requestEntry `json:"videoRequest,omitempty"`
}

type requestEntry struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Status       string `json:"status"`
	UploadStatus string `json:"uploadStatus"`
	ErrorReason  string `json:"errorReason,omitempty"`
}

// Render writes chat and its acknowledged messages as JSON lines: one header
// line followed by the messages oldest first. Unsent messages are skipped.
func Render(w io.Writer, chat models.Chat, msgs []models.Message, total int, exportedAt time.Time) error {
	names := map[string]string{
		chat.Creator.ID: chat.Creator.Username,
		chat.Editor.ID:  chat.Editor.Username,
	}

	lines := make([]line, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		l := line{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Sender:    names[m.SenderID],
			Type:      string(m.Kind),
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC(),
		}
		if r := m.VideoRequest; r != nil {
			l.VideoRequest = &requestEntry{
				ID:           r.ID,
				Title:        r.Title,
				Description:  r.Description,
				Status:       string(r.Status),
				UploadStatus: string(r.UploadStatus),
				ErrorReason:  r.ErrorReason,
			}
		}
		lines = append(lines, l)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(header{
		ChatID:        chat.ID,
		Creator:       chat.Creator.Username,
		Editor:        chat.Editor.Username,
		TotalMessages: total,
		Included:      len(lines),
		ExportedAt:    exportedAt.UTC(),
	}); err != nil {
		return fmt.Errorf("write transcript header: %w", err)
	}
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("write transcript line %s: %w", l.ID, err)
		}
	}
	return nil
}

// Exporter renders transcripts and hands them to a Store.
type Exporter struct {
	store   Store
	NowFunc func() time.Time
}

// NewExporter constructs an Exporter writing to store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store, NowFunc: time.Now}
}

// Key is the object key a transcript exported at t is stored under.
func Key(chatID string, t time.Time) string {
	return fmt.Sprintf("transcripts/%s/%s.jsonl", chatID, t.UTC().Format("20060102T150405Z"))
}

// Export renders the chat and saves it, returning the stored location.
func (e *Exporter) Export(ctx context.Context, chat models.Chat, msgs []models.Message, total int) (string, error) {
	ctx = logging.WithChatID(ctx, chat.ID)
	ctx, span := logging.StartSpan(ctx, "transcript.export")
	defer span.End()

	now := e.NowFunc()
	var buf bytes.Buffer
	if err := Render(&buf, chat, msgs, total, now); err != nil {
		span.Fail(err)
		return "", err
	}
	size := buf.Len()

	loc, err := e.store.Save(ctx, Key(chat.ID, now), ContentType, &buf)
	if err != nil {
		span.Fail(err)
		return "", fmt.Errorf("export transcript: %w", err)
	}

	logging.FromContext(ctx).Info("transcript exported",
		slog.String("location", loc),
		slog.Int("bytes", size),
	)
	return loc, nil
}
