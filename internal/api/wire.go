package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/creatorsync/client/internal/models"
)

type participantDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type chatDTO struct {
	ID        string         `json:"id"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Creator   participantDTO `json:"creator"`
	Editor    participantDTO `json:"editor"`
}

func (d chatDTO) toModel() models.Chat {
	return models.Chat{
		ID:        d.ID,
		Creator:   models.Participant(d.Creator),
		Editor:    models.Participant(d.Editor),
		UpdatedAt: d.UpdatedAt,
	}
}

type createChatRequest struct {
	EditorID string `json:"editorId"`
}

// CreatedChat is the backend acknowledgement of a new chat.
type CreatedChat struct {
	ChatID     string `json:"chatId"`
	EditorName string `json:"editorName"`
	Message    string `json:"message"`
}

type videoRequestDTO struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Thumbnail    string    `json:"thumbnail"`
	Video        string    `json:"video"`
	Versions     []string  `json:"versions"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UploadStatus string    `json:"uploadStatus"`
	ErrorReason  *string   `json:"errorReason"`
}

func (d videoRequestDTO) toModel() (models.VideoRequest, error) {
	status, err := models.ParseRequestStatus(strings.ToUpper(d.Status))
	if err != nil {
		return models.VideoRequest{}, err
	}

	upload := models.UploadNotApproved
	if d.UploadStatus != "" {
		upload, err = models.ParseUploadStatus(strings.ToUpper(d.UploadStatus))
		if err != nil {
			return models.VideoRequest{}, err
		}
	}

	req := models.VideoRequest{
		ID:           d.ID,
		Title:        d.Title,
		Description:  d.Description,
		Thumbnail:    d.Thumbnail,
		Video:        d.Video,
		Versions:     d.Versions,
		Status:       status,
		CreatedAt:    d.CreatedAt,
		UploadStatus: upload,
	}
	if d.ErrorReason != nil {
		req.ErrorReason = *d.ErrorReason
	}
	return req, nil
}

type messageDTO struct {
	ID           string           `json:"id"`
	Content      string           `json:"content"`
	SenderID     string           `json:"senderId"`
	CreatedAt    time.Time        `json:"createdAt"`
	Type         string           `json:"type"`
	VideoRequest *videoRequestDTO `json:"videoRequest,omitempty"`
}

func (d messageDTO) toModel() (models.Message, error) {
	kind, err := models.ParseMessageKind(strings.ReplaceAll(strings.ToLower(d.Type), "-", "_"))
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        d.ID,
		Content:   d.Content,
		SenderID:  d.SenderID,
		CreatedAt: d.CreatedAt,
		Kind:      kind,
		Delivery:  models.DeliverySent,
	}

	if kind == models.KindVideoRequest && d.VideoRequest != nil {
		req, err := d.VideoRequest.toModel()
		if err != nil {
			return models.Message{}, fmt.Errorf("message %s: %w", d.ID, err)
		}
		msg.VideoRequest = &req
	}

	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

type pageDTO struct {
	Messages      []messageDTO `json:"messages"`
	TotalMessages int          `json:"totalMessages"`
}

func (d pageDTO) toModel() (models.Page, error) {
	page := models.Page{
		Messages:      make([]models.Message, 0, len(d.Messages)),
		TotalMessages: d.TotalMessages,
	}
	for _, m := range d.Messages {
		msg, err := m.toModel()
		if err != nil {
			return models.Page{}, err
		}
		page.Messages = append(page.Messages, msg)
	}
	if page.TotalMessages < len(page.Messages) {
		return models.Page{}, fmt.Errorf("total %d smaller than page of %d", page.TotalMessages, len(page.Messages))
	}
	return page, nil
}

type sendTextRequest struct {
	ChatID string `json:"chatId"`
	Data   string `json:"data"`
}

type mediaUploadRequest struct {
	ContentType string `json:"contentType"`
	ChatID      string `json:"chatId"`
}

type mediaUploadResponse struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

type videoRequestCreate struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	ChatID        string `json:"chatId"`
	ThumbnailType string `json:"thumbnailType,omitempty"`
	VideoType     string `json:"videoType"`
}

type videoRequestTargets struct {
	ThumbnailSignedURL string `json:"thumbnailSignedUrl"`
	VideoSignedURL     string `json:"videoSignedUrl"`
}

type approveRequest struct {
	ChatID         string `json:"chatId"`
	VideoRequestID string `json:"videoRequestId"`
}

type errorBody struct {
	Message string `json:"message"`
}
