// Package backendtest runs an in-memory CreatorSync backend for tests.
package backendtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/creatorsync/client/internal/models"
)

// Op names one backend endpoint for fault injection and call counting.
type Op string

const (
	OpListChats     Op = "list_chats"
	OpCreateChat    Op = "create_chat"
	OpDeleteChat    Op = "delete_chat"
	OpFetchPage     Op = "fetch_page"
	OpSendText      Op = "send_text"
	OpMediaUpload   Op = "media_upload"
	OpCreateRequest Op = "create_request"
	OpApprove       Op = "approve"
	OpRetry         Op = "retry"
	OpProgress      Op = "progress"
	OpUpload        Op = "upload"
)

// PageSize is the number of messages returned per history page.
const PageSize = 20

// Frame is one scripted progress stream event.
type Frame struct {
	Event string
	Data  string
	Delay time.Duration
}

// Script drives the progress stream of one video request.
type Script struct {
	Frames []Frame
	// HoldOpen keeps the stream open after the last frame until the client leaves.
	HoldOpen bool
}

// Upload is a file received by the fake upload endpoints.
type Upload struct {
	Path        string
	Fields      map[string]string
	ContentType string
	Size        int64
}

type failure struct {
	status  int
	message string
}

// Backend is the fake server. All methods are safe for concurrent use.
type Backend struct {
	srv *httptest.Server

	mu        sync.Mutex
	me        models.Participant
	editors   map[string]models.Participant
	chats     []models.Chat
	messages  map[string][]models.Message
	calls     map[Op]int
	failures  map[Op][]failure
	gates     map[Op]chan struct{}
	scripts   map[string]Script
	uploads   []Upload
	cookie    *http.Cookie
	connected map[string]int
}

// New starts a backend whose signed-in user is me. It is shut down with the test.
func New(t testing.TB, me models.Participant) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := &Backend{
		me:        me,
		editors:   make(map[string]models.Participant),
		messages:  make(map[string][]models.Message),
		calls:     make(map[Op]int),
		failures:  make(map[Op][]failure),
		gates:     make(map[Op]chan struct{}),
		scripts:   make(map[string]Script),
		connected: make(map[string]int),
	}
	b.srv = httptest.NewServer(b.router())
	t.Cleanup(b.srv.Close)
	return b
}

// URL is the base URL of the backend.
func (b *Backend) URL() string {
	return b.srv.URL
}

// RequireCookie rejects requests that do not carry the named cookie value.
func (b *Backend) RequireCookie(name, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookie = &http.Cookie{Name: name, Value: value}
}

// AddEditor registers an editor that chats may be created with.
func (b *Backend) AddEditor(editor models.Participant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.editors[editor.ID] = editor
}

// AddChat seeds a chat.
func (b *Backend) AddChat(chat models.Chat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats = append(b.chats, chat)
	if _, ok := b.messages[chat.ID]; !ok {
		b.messages[chat.ID] = nil
	}
}

// AddMessages appends history to a chat, oldest first.
func (b *Backend) AddMessages(chatID string, msgs ...models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[chatID] = append(b.messages[chatID], msgs...)
}

// SeedHistory appends n text messages one minute apart ending at end.
func (b *Backend) SeedHistory(chatID string, n int, end time.Time) []models.Message {
	msgs := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, models.Message{
			ID:        fmt.Sprintf("%s-m%03d", chatID, i),
			Content:   fmt.Sprintf("message %d", i),
			SenderID:  b.me.ID,
			CreatedAt: end.Add(-time.Duration(n-1-i) * time.Minute),
			Kind:      models.KindText,
			Delivery:  models.DeliverySent,
		})
	}
	b.AddMessages(chatID, msgs...)
	return msgs
}

// RemoveChat deletes a chat behind the client's back.
func (b *Backend) RemoveChat(chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeChatLocked(chatID)
}

// Chats returns the backend's chats.
func (b *Backend) Chats() []models.Chat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Chat(nil), b.chats...)
}

// Messages returns a chat's stored history, oldest first.
func (b *Backend) Messages(chatID string) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Message, 0, len(b.messages[chatID]))
	for _, m := range b.messages[chatID] {
		out = append(out, m.Clone())
	}
	return out
}

// VideoRequest returns the stored request with the given id.
func (b *Backend) VideoRequest(id string) (models.VideoRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg := b.findRequestLocked(id); msg != nil {
		return msg.VideoRequest.Clone(), true
	}
	return models.VideoRequest{}, false
}

// SetVideoRequest overwrites the stored state of a request, as the upload pipeline would.
func (b *Backend) SetVideoRequest(id string, status models.RequestStatus, upload models.UploadStatus, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg := b.findRequestLocked(id); msg != nil {
		msg.VideoRequest.Status = status
		msg.VideoRequest.UploadStatus = upload
		msg.VideoRequest.ErrorReason = reason
	}
}

// Fail makes the next call to op answer with status and message.
func (b *Backend) Fail(op Op, status int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], failure{status: status, message: message})
}

// Gate holds every call to op until the returned release func is invoked.
func (b *Backend) Gate(op Op) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gates[op] = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gates[op] == ch {
				delete(b.gates, op)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Calls reports how many times op was requested.
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// ScriptProgress sets the frames the progress stream of requestID emits.
func (b *Backend) ScriptProgress(requestID string, script Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[requestID] = script
}

// OpenStreams reports how many progress streams for requestID are connected.
func (b *Backend) OpenStreams(requestID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected[requestID]
}

// Uploads returns the files received by the upload endpoints.
func (b *Backend) Uploads() []Upload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Upload(nil), b.uploads...)
}

func (b *Backend) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/", b.authorize)
	api.GET("/chats", b.track(OpListChats), b.listChats)
	api.POST("/chats", b.track(OpCreateChat), b.createChat)
	api.DELETE("/chats/:id", b.track(OpDeleteChat), b.deleteChat)
	api.GET("/chats/:id", b.track(OpFetchPage), b.fetchPage)
	api.POST("/messages/text", b.track(OpSendText), b.sendText)
	api.POST("/messages/media", b.track(OpMediaUpload), b.mediaUpload)
	api.POST("/messages/video-request", b.track(OpCreateRequest), b.createRequest)
	api.POST("/messages/video-request/:id/approve", b.track(OpApprove), b.approve)
	api.POST("/messages/video-request/:id/retry", b.track(OpRetry), b.retry)
	api.GET("/messages/video-request/:id/progress", b.track(OpProgress), b.progress)

	r.POST("/uploads/media", b.track(OpUpload), b.receiveForm)
	r.PUT("/uploads/:id/:part", b.track(OpUpload), b.receivePut)

	return r
}

func (b *Backend) authorize(c *gin.Context) {
	b.mu.Lock()
	want := b.cookie
	b.mu.Unlock()
	if want == nil {
		return
	}
	got, err := c.Cookie(want.Name)
	if err != nil || got != want.Value {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
	}
}

func (b *Backend) track(op Op) gin.HandlerFunc {
	return func(c *gin.Context) {
		b.mu.Lock()
		b.calls[op]++
		gate := b.gates[op]
		var fail *failure
		if queued := b.failures[op]; len(queued) > 0 {
			fail = &queued[0]
			b.failures[op] = queued[1:]
		}
		b.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-c.Request.Context().Done():
				c.Abort()
				return
			}
		}

		if fail != nil {
			c.AbortWithStatusJSON(fail.status, gin.H{"message": fail.message})
		}
	}
}

func (b *Backend) listChats(c *gin.Context) {
	b.mu.Lock()
	chats := append([]models.Chat(nil), b.chats...)
	b.mu.Unlock()

	out := make([]gin.H, 0, len(chats))
	for _, chat := range chats {
		out = append(out, gin.H{
			"id":        chat.ID,
			"updatedAt": chat.UpdatedAt,
			"creator":   gin.H{"id": chat.Creator.ID, "username": chat.Creator.Username},
			"editor":    gin.H{"id": chat.Editor.ID, "username": chat.Editor.Username},
		})
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) createChat(c *gin.Context) {
	var req struct {
		EditorID string `json:"editorId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.EditorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "editorId is required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	editor, ok := b.editors[req.EditorID]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Editor not found"})
		return
	}

	chat := models.Chat{
		ID:        uuid.NewString(),
		Creator:   b.me,
		Editor:    editor,
		UpdatedAt: time.Now().UTC(),
	}
	b.chats = append(b.chats, chat)
	b.messages[chat.ID] = nil

	c.JSON(http.StatusCreated, gin.H{
		"chatId":     chat.ID,
		"editorName": editor.Username,
		"message":    "Chat created",
	})
}

func (b *Backend) deleteChat(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeChatLocked(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (b *Backend) fetchPage(c *gin.Context) {
	skip, err := strconv.Atoi(c.DefaultQuery("skip", "0"))
	if err != nil || skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid skip"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	history, ok := b.messages[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Chat not found"})
		return
	}

	total := len(history)
	end := total - skip
	if end < 0 {
		end = 0
	}
	start := end - PageSize
	if start < 0 {
		start = 0
	}

	page := make([]gin.H, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, messageJSON(history[i]))
	}

	c.JSON(http.StatusOK, gin.H{"messages": page, "totalMessages": total})
}

func (b *Backend) sendText(c *gin.Context) {
	var req struct {
		ChatID string `json:"chatId"`
		Data   string `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Data == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "data is required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.messages[req.ChatID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Chat not found"})
		return
	}
	b.messages[req.ChatID] = append(b.messages[req.ChatID], models.Message{
		ID:        uuid.NewString(),
		Content:   req.Data,
		SenderID:  b.me.ID,
		CreatedAt: time.Now().UTC(),
		Kind:      models.KindText,
	})
	c.JSON(http.StatusCreated, gin.H{"message": "Message sent"})
}

func (b *Backend) mediaUpload(c *gin.Context) {
	var req struct {
		ContentType string `json:"contentType"`
		ChatID      string `json:"chatId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}
	kind, ok := models.KindForContentType(req.ContentType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"message": "unsupported content type"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.messages[req.ChatID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Chat not found"})
		return
	}

	key := uuid.NewString()
	b.messages[req.ChatID] = append(b.messages[req.ChatID], models.Message{
		ID:        uuid.NewString(),
		Content:   key,
		SenderID:  b.me.ID,
		CreatedAt: time.Now().UTC(),
		Kind:      kind,
	})
	c.JSON(http.StatusOK, gin.H{
		"url":    b.srv.URL + "/uploads/media",
		"fields": gin.H{"key": key, "bucket": "media"},
	})
}

func (b *Backend) createRequest(c *gin.Context) {
	var req struct {
		Title         string `json:"title"`
		Description   string `json:"description"`
		ChatID        string `json:"chatId"`
		ThumbnailType string `json:"thumbnailType"`
		VideoType     string `json:"videoType"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" || req.VideoType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "title and videoType are required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.messages[req.ChatID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Chat not found"})
		return
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	b.messages[req.ChatID] = append(b.messages[req.ChatID], models.Message{
		ID:        uuid.NewString(),
		Content:   "Video Request: " + req.Title,
		SenderID:  b.me.ID,
		CreatedAt: now,
		Kind:      models.KindVideoRequest,
		VideoRequest: &models.VideoRequest{
			ID:           id,
			Title:        req.Title,
			Description:  req.Description,
			Status:       models.StatusPending,
			UploadStatus: models.UploadNotApproved,
			CreatedAt:    now,
		},
	})

	c.JSON(http.StatusCreated, gin.H{
		"thumbnailSignedUrl": fmt.Sprintf("%s/uploads/%s/thumbnail", b.srv.URL, id),
		"videoSignedUrl":     fmt.Sprintf("%s/uploads/%s/video", b.srv.URL, id),
	})
}

func (b *Backend) approve(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := b.findRequestLocked(c.Param("id"))
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Video request not found"})
		return
	}
	if msg.VideoRequest.Status != models.StatusPending {
		c.JSON(http.StatusConflict, gin.H{"message": "Video request is not pending"})
		return
	}
	msg.VideoRequest.Status = models.StatusApproved
	msg.VideoRequest.UploadStatus = models.UploadStarted
	c.JSON(http.StatusOK, gin.H{"message": "Video request approved"})
}

func (b *Backend) retry(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := b.findRequestLocked(c.Param("id"))
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Video request not found"})
		return
	}
	if msg.VideoRequest.Status != models.StatusError {
		c.JSON(http.StatusConflict, gin.H{"message": "Video request has not failed"})
		return
	}
	msg.VideoRequest.Status = models.StatusApproved
	msg.VideoRequest.UploadStatus = models.UploadStarted
	msg.VideoRequest.ErrorReason = ""
	c.JSON(http.StatusOK, gin.H{"message": "Upload restarted"})
}

func (b *Backend) progress(c *gin.Context) {
	id := c.Param("id")

	b.mu.Lock()
	script, ok := b.scripts[id]
	b.connected[id]++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.connected[id]--
		b.mu.Unlock()
	}()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Video request not found"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return
	}
	fmt.Fprint(c.Writer, ": connected\n\n")
	flusher.Flush()

	ctx := c.Request.Context()
	for _, frame := range script.Frames {
		if frame.Delay > 0 {
			select {
			case <-time.After(frame.Delay):
			case <-ctx.Done():
				return
			}
		}
		if frame.Event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", frame.Event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", frame.Data)
		flusher.Flush()
	}

	if script.HoldOpen {
		<-ctx.Done()
	}
}

func (b *Backend) receiveForm(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid form"})
		return
	}
	files := form.File["file"]
	if len(files) != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "file part is required"})
		return
	}

	fields := make(map[string]string, len(form.Value))
	for k, v := range form.Value {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}

	b.mu.Lock()
	b.uploads = append(b.uploads, Upload{
		Path:        c.Request.URL.Path,
		Fields:      fields,
		ContentType: files[0].Header.Get("Content-Type"),
		Size:        files[0].Size,
	})
	b.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (b *Backend) receivePut(c *gin.Context) {
	n, err := io.Copy(io.Discard, c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.uploads = append(b.uploads, Upload{
		Path:        c.Request.URL.Path,
		ContentType: c.GetHeader("Content-Type"),
		Size:        n,
	})
	b.mu.Unlock()
	c.Status(http.StatusOK)
}

func (b *Backend) removeChatLocked(chatID string) {
	for i, chat := range b.chats {
		if chat.ID == chatID {
			b.chats = append(b.chats[:i], b.chats[i+1:]...)
			break
		}
	}
	delete(b.messages, chatID)
}

func (b *Backend) findRequestLocked(id string) *models.Message {
	chatIDs := make([]string, 0, len(b.messages))
	for chatID := range b.messages {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Strings(chatIDs)

	for _, chatID := range chatIDs {
		history := b.messages[chatID]
		for i := range history {
			if history[i].VideoRequest != nil && history[i].VideoRequest.ID == id {
				return &history[i]
			}
		}
	}
	return nil
}

func messageJSON(m models.Message) gin.H {
	out := gin.H{
		"id":        m.ID,
		"content":   m.Content,
		"senderId":  m.SenderID,
		"createdAt": m.CreatedAt,
		"type":      string(m.Kind),
	}
	if r := m.VideoRequest; r != nil {
		var reason any
		if r.ErrorReason != "" {
			reason = r.ErrorReason
		}
		versions := r.Versions
		if versions == nil {
			versions = []string{}
		}
		out["videoRequest"] = gin.H{
			"id":           r.ID,
			"title":        r.Title,
			"description":  r.Description,
			"thumbnail":    r.Thumbnail,
			"video":        r.Video,
			"versions":     versions,
			"status":       string(r.Status),
			"createdAt":    r.CreatedAt,
			"uploadStatus": string(r.UploadStatus),
			"errorReason":  reason,
		}
	}
	return out
}
