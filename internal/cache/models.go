package cache

import (
	"time"

	"github.com/creatorsync/client/internal/models"
)

type chatRow struct {
	ID          string       `gorm:"type:varchar(64);primaryKey"`
	Position    int          `gorm:"index;not null"`
	CreatorID   string       `gorm:"type:varchar(64);not null"`
	CreatorName string       `gorm:"type:varchar(128)"`
	EditorID    string       `gorm:"type:varchar(64);not null"`
	EditorName  string       `gorm:"type:varchar(128)"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime:false"`
	LastMessage *messageBlob `gorm:"serializer:json"`
}

func (chatRow) TableName() string { return "cached_chats" }

type windowRow struct {
	ChatID        string    `gorm:"type:varchar(64);primaryKey"`
	TotalMessages int       `gorm:"not null"`
	SavedAt       time.Time `gorm:"not null"`
}

func (windowRow) TableName() string { return "cached_windows" }

type messageRow struct {
	ChatID       string       `gorm:"type:varchar(64);primaryKey"`
	Position     int          `gorm:"primaryKey;autoIncrement:false"`
	MessageID    string       `gorm:"type:varchar(64);index"`
	Content      string       `gorm:"type:text"`
	SenderID     string       `gorm:"type:varchar(64)"`
	CreatedAt    time.Time    `gorm:"autoCreateTime:false;not null"`
	Kind         string       `gorm:"type:varchar(16);not null"`
	VideoRequest *requestBlob `gorm:"serializer:json"`
}

func (messageRow) TableName() string { return "cached_messages" }

// messageBlob is the JSON form of a chat's last message summary.
type messageBlob struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	SenderID     string       `json:"senderId"`
	CreatedAt    time.Time    `json:"createdAt"`
	Kind         string       `json:"type"`
	VideoRequest *requestBlob `json:"videoRequest,omitempty"`
}

type requestBlob struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Thumbnail    string    `json:"thumbnail,omitempty"`
	Video        string    `json:"video,omitempty"`
	Versions     []string  `json:"versions,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UploadStatus string    `json:"uploadStatus"`
	ErrorReason  string    `json:"errorReason,omitempty"`
}

func chatToRow(position int, c models.Chat) chatRow {
	row := chatRow{
		ID:          c.ID,
		Position:    position,
		CreatorID:   c.Creator.ID,
		CreatorName: c.Creator.Username,
		EditorID:    c.Editor.ID,
		EditorName:  c.Editor.Username,
		UpdatedAt:   c.UpdatedAt.UTC(),
	}
	if c.LastMessage != nil {
		row.LastMessage = &messageBlob{
			ID:           c.LastMessage.ID,
			Content:      c.LastMessage.Content,
			SenderID:     c.LastMessage.SenderID,
			CreatedAt:    c.LastMessage.CreatedAt.UTC(),
			Kind:         string(c.LastMessage.Kind),
			VideoRequest: requestToBlob(c.LastMessage.VideoRequest),
		}
	}
	return row
}

func (r chatRow) toModel() (models.Chat, error) {
	chat := models.Chat{
		ID:        r.ID,
		Creator:   models.Participant{ID: r.CreatorID, Username: r.CreatorName},
		Editor:    models.Participant{ID: r.EditorID, Username: r.EditorName},
		UpdatedAt: r.UpdatedAt,
	}
	if r.LastMessage != nil {
		msg, err := messageFromParts(r.LastMessage.ID, r.LastMessage.Content, r.LastMessage.SenderID, r.LastMessage.Kind, r.LastMessage.CreatedAt, r.LastMessage.VideoRequest)
		if err != nil {
			return models.Chat{}, err
		}
		chat.LastMessage = &msg
	}
	return chat, nil
}

func messageToRow(chatID string, position int, m models.Message) messageRow {
	return messageRow{
		ChatID:       chatID,
		Position:     position,
		MessageID:    m.ID,
		Content:      m.Content,
		SenderID:     m.SenderID,
		CreatedAt:    m.CreatedAt.UTC(),
		Kind:         string(m.Kind),
		VideoRequest: requestToBlob(m.VideoRequest),
	}
}

func (r messageRow) toModel() (models.Message, error) {
	return messageFromParts(r.MessageID, r.Content, r.SenderID, r.Kind, r.CreatedAt, r.VideoRequest)
}

func messageFromParts(id, content, senderID, kind string, createdAt time.Time, req *requestBlob) (models.Message, error) {
	k, err := models.ParseMessageKind(kind)
	if err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:        id,
		Content:   content,
		SenderID:  senderID,
		CreatedAt: createdAt,
		Kind:      k,
		Delivery:  models.DeliverySent,
	}
	if req != nil {
		vr, err := req.toModel()
		if err != nil {
			return models.Message{}, err
		}
		msg.VideoRequest = &vr
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func requestToBlob(r *models.VideoRequest) *requestBlob {
	if r == nil {
		return nil
	}
	return &requestBlob{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Thumbnail:    r.Thumbnail,
		Video:        r.Video,
		Versions:     append([]string(nil), r.Versions...),
		Status:       string(r.Status),
		CreatedAt:    r.CreatedAt.UTC(),
		UploadStatus: string(r.UploadStatus),
		ErrorReason:  r.ErrorReason,
	}
}

func (b requestBlob) toModel() (models.VideoRequest, error) {
	status, err := models.ParseRequestStatus(b.Status)
	if err != nil {
		return models.VideoRequest{}, err
	}
	upload, err := models.ParseUploadStatus(b.UploadStatus)
	if err != nil {
		return models.VideoRequest{}, err
	}
	return models.VideoRequest{
		ID:           b.ID,
		Title:        b.Title,
		Description:  b.Description,
		Thumbnail:    b.Thumbnail,
		Video:        b.Video,
		Versions:     b.Versions,
		Status:       status,
		CreatedAt:    b.CreatedAt,
		UploadStatus: upload,
		ErrorReason:  b.ErrorReason,
	}, nil
}
