package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/creatorsync/client/internal/errs"
	"github.com/creatorsync/client/internal/models"
	"github.com/creatorsync/client/internal/sse"
)

// Credentials attaches the session credential to backend requests.
type Credentials interface {
	Apply(req *http.Request)
}

// Options tunes the backend client.
type Options struct {
	// Transport is used for every call; http.DefaultTransport when nil.
	Transport http.RoundTripper
	// Timeout bounds each REST call. Progress streams are not bounded.
	Timeout time.Duration
}

// Client talks to the CreatorSync backend REST and event-stream endpoints.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	timeout time.Duration
}

// New constructs a Client rooted at baseURL.
func New(baseURL string, creds Credentials, opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Transport: transport},
		timeout: opts.Timeout,
	}
}

// ListChats returns every chat the signed-in user participates in.
func (c *Client) ListChats(ctx context.Context) ([]models.Chat, error) {
	var out []chatDTO
	if err := c.do(ctx, "list chats", http.MethodGet, "/chats", nil, &out); err != nil {
		return nil, err
	}
	chats := make([]models.Chat, 0, len(out))
	for _, d := range out {
		chats = append(chats, d.toModel())
	}
	return chats, nil
}

// CreateChat opens a chat with the given editor.
func (c *Client) CreateChat(ctx context.Context, editorID string) (CreatedChat, error) {
	var out CreatedChat
	err := c.do(ctx, "create chat", http.MethodPost, "/chats", createChatRequest{EditorID: editorID}, &out)
	if err != nil {
		return CreatedChat{}, err
	}
	if out.ChatID == "" {
		return CreatedChat{}, fmt.Errorf("create chat: %w: %w: missing chatId", errs.ErrNetwork, errs.ErrMalformedPayload)
	}
	return out, nil
}

// DeleteChat removes a chat on the backend.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, "delete chat", http.MethodDelete, "/chats/"+url.PathEscape(chatID), nil, nil)
}

// FetchPage returns the page of history that skips the newest skip messages.
func (c *Client) FetchPage(ctx context.Context, chatID string, skip int) (models.Page, error) {
	path := "/chats/" + url.PathEscape(chatID) + "?skip=" + strconv.Itoa(skip)

	var out pageDTO
	if err := c.do(ctx, "fetch messages", http.MethodGet, path, nil, &out); err != nil {
		return models.Page{}, err
	}
	page, err := out.toModel()
	if err != nil {
		return models.Page{}, fmt.Errorf("fetch messages: %w: %w: %v", errs.ErrNetwork, errs.ErrMalformedPayload, err)
	}
	return page, nil
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	return c.do(ctx, "send text", http.MethodPost, "/messages/text", sendTextRequest{ChatID: chatID, Data: text}, nil)
}

// RequestMediaUpload registers a media message and returns its signed upload form.
func (c *Client) RequestMediaUpload(ctx context.Context, chatID, contentType string) (models.MediaUploadTarget, error) {
	var out mediaUploadResponse
	body := mediaUploadRequest{ContentType: contentType, ChatID: chatID}
	if err := c.do(ctx, "request media upload", http.MethodPost, "/messages/media", body, &out); err != nil {
		return models.MediaUploadTarget{}, err
	}
	return models.MediaUploadTarget{URL: out.URL, Fields: out.Fields}, nil
}

// CreateVideoRequest registers a video request and returns its signed upload URLs.
func (c *Client) CreateVideoRequest(ctx context.Context, chatID string, draft models.VideoRequestDraft) (models.VideoUploadTargets, error) {
	body := videoRequestCreate{
		Title:         draft.Title,
		Description:   draft.Description,
		ChatID:        chatID,
		ThumbnailType: draft.ThumbnailType,
		VideoType:     draft.VideoType,
	}

	var out videoRequestTargets
	if err := c.do(ctx, "create video request", http.MethodPost, "/messages/video-request", body, &out); err != nil {
		return models.VideoUploadTargets{}, err
	}
	return models.VideoUploadTargets{ThumbnailURL: out.ThumbnailSignedURL, VideoURL: out.VideoSignedURL}, nil
}

// ApproveVideoRequest approves a pending video request.
func (c *Client) ApproveVideoRequest(ctx context.Context, chatID, requestID string) error {
	path := "/messages/video-request/" + url.PathEscape(requestID) + "/approve"
	return c.do(ctx, "approve video request", http.MethodPost, path, approveRequest{ChatID: chatID, VideoRequestID: requestID}, nil)
}

// RetryVideoRequest asks the backend to restart a failed upload.
func (c *Client) RetryVideoRequest(ctx context.Context, requestID string) error {
	path := "/messages/video-request/" + url.PathEscape(requestID) + "/retry"
	return c.do(ctx, "retry video request", http.MethodPost, path, nil, nil)
}

// OpenProgress subscribes to the upload progress events of a video request.
// The returned stream stays open until the server ends it or it is closed.
func (c *Client) OpenProgress(ctx context.Context, requestID string) (*sse.Stream, error) {
	const op = "open progress stream"
	path := "/messages/video-request/" + url.PathEscape(requestID) + "/progress"

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.creds != nil {
		c.creds.Apply(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s: %w: %w", op, errs.ErrStream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %w", errs.ErrStream, readHTTPError(op, resp))
	}

	return sse.NewStream(resp.Body, cancel), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		c.creds.Apply(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readHTTPError(op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: %w: %v", op, errs.ErrNetwork, errs.ErrMalformedPayload, err)
	}
	return nil
}

func readHTTPError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))

	var body errorBody
	msg := ""
	if err := json.Unmarshal(raw, &body); err == nil {
		msg = strings.TrimSpace(body.Message)
	}
	return &errs.HTTPError{Op: op, Status: resp.StatusCode, Message: msg}
}
