package models

import (
	"fmt"
	"strings"
	"time"
)

// Role distinguishes the two kinds of chat participants.
type Role string

const (
	RoleCreator Role = "CREATOR"
	RoleEditor  Role = "EDITOR"
)

// ParseRole converts a wire value into a Role.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleCreator, RoleEditor:
		return Role(value), nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// User is the signed-in identity of this client.
type User struct {
	ID                  string
	Username            string
	Role                Role
	PublishingConnected bool
}

// Participant is one side of a chat.
type Participant struct {
	ID       string
	Username string
}

// Chat is a conversation between one creator and one editor.
type Chat struct {
	ID          string
	Creator     Participant
	Editor      Participant
	UpdatedAt   time.Time
	LastMessage *Message
}

// Counterpart returns the display name of the participant the given role talks to.
func (c Chat) Counterpart(role Role) string {
	switch role {
	case RoleCreator:
		return c.Editor.Username
	case RoleEditor:
		return c.Creator.Username
	default:
		return ""
	}
}

// Clone returns a copy that shares no mutable state with c.
func (c Chat) Clone() Chat {
	if c.LastMessage != nil {
		msg := c.LastMessage.Clone()
		c.LastMessage = &msg
	}
	return c
}

// MessageKind tags the payload carried by a Message.
type MessageKind string

const (
	KindText         MessageKind = "text"
	KindImage        MessageKind = "image"
	KindVideo        MessageKind = "video"
	KindVideoRequest MessageKind = "video_request"
)

// ParseMessageKind converts a wire value into a MessageKind.
func ParseMessageKind(value string) (MessageKind, error) {
	switch MessageKind(value) {
	case KindText, KindImage, KindVideo, KindVideoRequest:
		return MessageKind(value), nil
	default:
		return "", fmt.Errorf("unknown message type %q", value)
	}
}

// KindForContentType maps a media content type to the message kind it produces.
func KindForContentType(contentType string) (MessageKind, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/") && len(ct) > len("image/"):
		return KindImage, true
	case strings.HasPrefix(ct, "video/") && len(ct) > len("video/"):
		return KindVideo, true
	default:
		return "", false
	}
}

// Delivery tracks whether a locally authored message reached the backend.
type Delivery string

const (
	DeliverySent    Delivery = "sent"
	DeliveryPending Delivery = "pending"
	DeliveryFailed  Delivery = "failed"
)

// Message is one entry of a chat history.
type Message struct {
	ID           string
	TempID       string
	Content      string
	SenderID     string
	CreatedAt    time.Time
	Kind         MessageKind
	VideoRequest *VideoRequest
	Delivery     Delivery
}

// Key identifies the message locally: the server id when known, the temporary id otherwise.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Validate checks the tagged-union invariant between Kind and VideoRequest.
func (m Message) Validate() error {
	switch m.Kind {
	case KindVideoRequest:
		if m.VideoRequest == nil {
			return fmt.Errorf("message %s: video_request without request payload", m.Key())
		}
	case KindText, KindImage, KindVideo:
		if m.VideoRequest != nil {
			return fmt.Errorf("message %s: %s message carries a video request", m.Key(), m.Kind)
		}
	default:
		return fmt.Errorf("message %s: unknown kind %q", m.Key(), m.Kind)
	}
	return nil
}

// Clone returns a copy whose VideoRequest is not shared with m.
func (m Message) Clone() Message {
	if m.VideoRequest != nil {
		req := m.VideoRequest.Clone()
		m.VideoRequest = &req
	}
	return m
}

// RequestStatus is the approval state of a video request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusError    RequestStatus = "ERROR"
)

// ParseRequestStatus converts a wire value into a RequestStatus.
func ParseRequestStatus(value string) (RequestStatus, error) {
	switch RequestStatus(value) {
	case StatusPending, StatusApproved, StatusError:
		return RequestStatus(value), nil
	default:
		return "", fmt.Errorf("unknown video request status %q", value)
	}
}

// CanTransition reports whether the client may move a request from s to next.
// ERROR is only ever entered by the backend.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved
	case StatusError:
		return next == StatusApproved
	case StatusApproved:
		return false
	default:
		return false
	}
}

// UploadStatus is the backend's last known step of the publishing upload.
type UploadStatus string

const (
	UploadNotApproved      UploadStatus = "NOT_APPROVED"
	UploadStarted          UploadStatus = "UPLOAD_STARTED"
	UploadVideoUploaded    UploadStatus = "VIDEO_UPLOADED"
	UploadThumbnailUpdated UploadStatus = "THUMBNAIL_UPDATED"
)

// ParseUploadStatus converts a wire value into an UploadStatus.
func ParseUploadStatus(value string) (UploadStatus, error) {
	switch UploadStatus(value) {
	case UploadNotApproved, UploadStarted, UploadVideoUploaded, UploadThumbnailUpdated:
		return UploadStatus(value), nil
	default:
		return "", fmt.Errorf("unknown upload status %q", value)
	}
}

// VideoRequest is an editor's proposal to publish a video on the creator's channel.
type VideoRequest struct {
	ID           string
	Title        string
	Description  string
	Thumbnail    string
	Video        string
	Versions     []string
	Status       RequestStatus
	CreatedAt    time.Time
	UploadStatus UploadStatus
	ErrorReason  string
}

// Clone returns a deep copy of r.
func (r VideoRequest) Clone() VideoRequest {
	if r.Versions != nil {
		r.Versions = append([]string(nil), r.Versions...)
	}
	return r
}

// Page is one backward-pagination response, newest message first.
type Page struct {
	Messages      []Message
	TotalMessages int
}

// MediaUploadTarget is a signed form POST destination.
type MediaUploadTarget struct {
	URL    string
	Fields map[string]string
}

// VideoUploadTargets are the signed PUT destinations for a video request.
type VideoUploadTargets struct {
	ThumbnailURL string
	VideoURL     string
}

// MediaDraft describes a media file the user picked for a chat.
type MediaDraft struct {
	ContentType string
	Size        int64
}

// VideoRequestDraft is the form input for a new video request.
type VideoRequestDraft struct {
	Title         string
	Description   string
	VideoType     string
	ThumbnailType string
}
