package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/creatorsync/client/internal/models"
)

var (
	epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	chat  = models.Chat{
		ID:      "chat-1",
		Creator: models.Participant{ID: "c1", Username: "cora"},
		Editor:  models.Participant{ID: "e1", Username: "sam"},
	}
)

func history() []models.Message {
	return []models.Message{
		{ID: "m1", SenderID: "c1", Content: "hello", CreatedAt: epoch, Kind: models.KindText, Delivery: models.DeliverySent},
		{ID: "m2", SenderID: "e1", Content: "Video Request: Ep 1", CreatedAt: epoch.Add(time.Minute), Kind: models.KindVideoRequest, Delivery: models.DeliverySent,
			VideoRequest: &models.VideoRequest{ID: "req-1", Title: "Ep 1", Description: "cut", Status: models.StatusPending, UploadStatus: models.UploadNotApproved}},
		{TempID: "tmp_1", SenderID: "c1", Content: "unsent", CreatedAt: epoch.Add(2 * time.Minute), Kind: models.KindText, Delivery: models.DeliveryFailed},
	}
}

func TestRenderWritesHeaderAndMessages(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, chat, history(), 12, epoch); err != nil {
		t.Fatalf("render: %v", err)
	}

	var lines []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var v map[string]any
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			t.Fatalf("invalid json line %q: %v", sc.Text(), err)
		}
		lines = append(lines, v)
	}

	if len(lines) != 3 {
		t.Fatalf("expected header plus two messages, got %d lines", len(lines))
	}
	if lines[0]["chatId"] != "chat-1" || lines[0]["totalMessages"] != float64(12) || lines[0]["included"] != float64(2) {
		t.Fatalf("unexpected header %v", lines[0])
	}
	if lines[1]["sender"] != "cora" || lines[2]["sender"] != "sam" {
		t.Fatalf("expected sender names resolved, got %v / %v", lines[1]["sender"], lines[2]["sender"])
	}
	req, ok := lines[2]["videoRequest"].(map[string]any)
	if !ok || req["status"] != "PENDING" {
		t.Fatalf("unexpected request entry %v", lines[2]["videoRequest"])
	}
}

type memoryStore struct {
	key, contentType string
	body             []byte
	err              error
}

func (m *memoryStore) Save(_ context.Context, key, contentType string, r io.Reader) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.key, m.contentType = key, contentType
	m.body, _ = io.ReadAll(r)
	return "mem://" + key, nil
}

func TestExportSavesUnderTimestampedKey(t *testing.T) {
	store := &memoryStore{}
	exp := NewExporter(store)
	exp.NowFunc = func() time.Time { return epoch }

	loc, err := exp.Export(context.Background(), chat, history(), 3)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if store.key != "transcripts/chat-1/20250301T120000Z.jsonl" || loc != "mem://"+store.key {
		t.Fatalf("unexpected key %q location %q", store.key, loc)
	}
	if store.contentType != ContentType || len(store.body) == 0 {
		t.Fatalf("unexpected stored object %q (%d bytes)", store.contentType, len(store.body))
	}
}

func TestExportPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("bucket gone")
	exp := NewExporter(&memoryStore{err: boom})
	if _, err := exp.Export(context.Background(), chat, history(), 3); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
