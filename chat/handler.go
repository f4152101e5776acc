package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"glossa_back/authorization"
	"glossa_back/cache"
	"glossa_back/citations"
	"glossa_back/retrieval"
	"glossa_back/vision"
)

const (
	defaultHistoryLimit = 20
	defaultMaxSources   = 10
	defaultSystemPrompt = "You are a helpful assistant. Answer using the provided context excerpts when they are relevant, and say so when they are not."

	visionFailureNote = "Note: the attached images could not be processed, so they are not reflected in this reply."
)

var allowedMessageRoles = map[string]struct{}{
	"user":      {},
	"assistant": {},
	"system":    {},
}

// Module serves the chat turn endpoints: message creation with grounded
// assistant replies and the recent-history listing.
type Module struct {
	db           *gorm.DB
	client       *Client
	vision       *vision.Client
	pipeline     *retrieval.Pipeline
	cache        *messageCache
	historyLimit int
	maxSources   int
}

// RegisterRoutes mounts the chat endpoints and wires their dependencies.
// The retrieval pipeline is required; the vision client and Redis cache are
// optional and their absence only degrades the corresponding behavior.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, pipeline *retrieval.Pipeline) (*Module, error) {
	if router == nil {
		return nil, errors.New("chat: router is nil")
	}

	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&conversation{}, &message{}); err != nil {
		return nil, fmt.Errorf("chat: migrate schema: %w", err)
	}

	client, err := NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	visionClient, err := vision.NewClientFromEnv()
	if err != nil {
		log.Printf("chat: vision client unavailable: %v", err)
		visionClient = nil
	}

	redisClient, err := cache.Client()
	if err != nil {
		log.Printf("chat: redis cache unavailable: %v", err)
		redisClient = nil
	}

	module := &Module{
		db:           db,
		client:       client,
		vision:       visionClient,
		pipeline:     pipeline,
		cache:        newMessageCache(redisClient),
		historyLimit: intFromEnv("CHAT_HISTORY_LIMIT", defaultHistoryLimit),
		maxSources:   intFromEnv("CHAT_MAX_SOURCES", defaultMaxSources),
	}

	group := router.Group("/chat")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	}
	group.POST("/messages", module.handleCreateMessage)
	group.GET("/messages", module.handleRecentMessages)

	return module, nil
}

func intFromEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		log.Printf("chat: invalid %s value %q, using %d", name, raw, fallback)
		return fallback
	}
	return value
}

// messageRecord is the JSON shape messages take in responses and the cache.
type messageRecord struct {
	ID             uint64          `json:"id"`
	ConversationID uint64          `json:"conversation_id"`
	ThreadID       uint64          `json:"thread_id"`
	Seq            int             `json:"seq"`
	Role           string          `json:"role"`
	Format         string          `json:"format"`
	Content        string          `json:"content"`
	LatencyMs      *int            `json:"latency_ms,omitempty"`
	TokenInput     *int            `json:"token_input,omitempty"`
	TokenOutput    *int            `json:"token_output,omitempty"`
	ErrCode        *string         `json:"err_code,omitempty"`
	ErrMsg         *string         `json:"err_msg,omitempty"`
	Extras         json.RawMessage `json:"extras,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toRecord(msg message, threadID uint64) messageRecord {
	return messageRecord{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		ThreadID:       threadID,
		Seq:            msg.Seq,
		Role:           msg.Role,
		Format:         msg.Format,
		Content:        msg.Content,
		LatencyMs:      msg.LatencyMs,
		TokenInput:     msg.TokenInput,
		TokenOutput:    msg.TokenOutput,
		ErrCode:        msg.ErrCode,
		ErrMsg:         msg.ErrMsg,
		Extras:         toRawMessage(msg.Extras),
		CreatedAt:      msg.CreatedAt,
	}
}

func toRawMessage(data datatypes.JSON) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}

type createMessageRequest struct {
	ThreadID  string   `json:"thread_id" binding:"required"`
	Role      string   `json:"role"`
	Content   string   `json:"content" binding:"required"`
	ImageURLs []string `json:"image_urls"`
}

type createMessageResponse struct {
	ConversationID   uint64             `json:"conversation_id"`
	ThreadID         uint64             `json:"thread_id"`
	UserMessage      messageRecord      `json:"user_message"`
	AssistantMessage *messageRecord     `json:"assistant_message,omitempty"`
	AssistantError   string             `json:"assistant_error,omitempty"`
	Sources          []citations.Source `json:"sources,omitempty"`
}

func (m *Module) handleCreateMessage(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	threadID, err := strconv.ParseUint(strings.TrimSpace(req.ThreadID), 10, 64)
	if err != nil || threadID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread_id"})
		return
	}

	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = "user"
	}
	if _, ok := allowedMessageRoles[role]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content cannot be empty"})
		return
	}

	imageURLs := make([]string, 0, len(req.ImageURLs))
	for _, raw := range req.ImageURLs {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			imageURLs = append(imageURLs, trimmed)
		}
	}

	userID := authorization.CurrentUserID(c)
	ctx := c.Request.Context()

	conv, userMsg, err := m.appendMessage(ctx, threadID, userID, role, req.Content, imageURLs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create message", "details": err.Error()})
		return
	}
	m.cache.invalidate(ctx, threadID)

	response := createMessageResponse{
		ConversationID: conv.ID,
		ThreadID:       threadID,
		UserMessage:    toRecord(userMsg, threadID),
	}

	if role != "user" {
		c.JSON(http.StatusCreated, response)
		return
	}

	if wantsEventStream(c) {
		m.streamAssistantReply(c, conv, userMsg, imageURLs, response)
		return
	}

	assistant, sources, genErr := m.generateAssistantReply(ctx, conv, userMsg, imageURLs, nil)
	if genErr != nil {
		response.AssistantError = genErr.Error()
	} else if assistant != nil {
		record := toRecord(*assistant, threadID)
		response.AssistantMessage = &record
		response.Sources = sources
	}

	c.JSON(http.StatusCreated, response)
}

// appendMessage persists one message inside the thread's conversation,
// creating the conversation on first contact and keeping seq contiguous.
func (m *Module) appendMessage(ctx context.Context, threadID, userID uint64, role, content string, imageURLs []string) (conversation, message, error) {
	var conv conversation
	var msg message

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		err := tx.Where("thread_id = ?", threadID).Take(&conv).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			conv = conversation{
				ThreadID:  threadID,
				UserID:    userID,
				Status:    "active",
				StartedAt: now,
				LastMsgAt: now,
			}
			if err := tx.Create(&conv).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(&conversation{}).Where("id = ?", conv.ID).Update("last_msg_at", now).Error; err != nil {
				return err
			}
		}

		var seq int
		var parentID *uint64
		var last message
		if err := tx.Where("conversation_id = ?", conv.ID).Order("seq DESC").Take(&last).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			seq = 1
		} else {
			seq = last.Seq + 1
			parent := last.ID
			parentID = &parent
		}

		msg = message{
			ConversationID:  conv.ID,
			Seq:             seq,
			Role:            role,
			Format:          "text",
			Content:         content,
			ParentMessageID: parentID,
		}
		if len(imageURLs) > 0 {
			extras, err := json.Marshal(map[string]any{"image_urls": imageURLs})
			if err != nil {
				return err
			}
			msg.Extras = datatypes.JSON(extras)
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", msg.ID).Take(&msg).Error; err != nil {
			return err
		}

		// Threads carry their own last activity stamp for list ordering.
		if err := tx.Table("threads").Where("id = ?", threadID).Update("last_msg_at", now).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return nil
	})
	return conv, msg, err
}

// turnContext is everything gathered before the model call: the grounded
// message, the vision answer, and the conversation history.
type turnContext struct {
	grounding retrieval.Grounding
	vision    *vision.Answer
	history   []message
}

func (m *Module) prepareTurn(ctx context.Context, conv conversation, userMsg message, imageURLs []string) (*turnContext, error) {
	turn := &turnContext{
		grounding: retrieval.Grounding{MessageForModel: userMsg.Content},
	}

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		turn.grounding = m.pipeline.GroundTurn(grpCtx, conv.ThreadID, userMsg.Content)
		return nil
	})

	if len(imageURLs) > 0 {
		grp.Go(func() error {
			answer := m.vision.Ask(grpCtx, userMsg.Content, imageURLs, vision.AskOptions{})
			turn.vision = &answer
			return nil
		})
	}

	grp.Go(func() error {
		var history []message
		err := m.db.WithContext(grpCtx).
			Where("conversation_id = ? AND id < ?", conv.ID, userMsg.ID).
			Order("seq DESC").
			Limit(m.historyLimit).
			Find(&history).Error
		if err != nil {
			return fmt.Errorf("chat: load history: %w", err)
		}
		for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
			history[i], history[j] = history[j], history[i]
		}
		turn.history = history
		return nil
	})

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return turn, nil
}

func (m *Module) buildModelMessages(turn *turnContext) []Message {
	messages := make([]Message, 0, len(turn.history)+2)

	systemPrompt := strings.TrimSpace(os.Getenv("CHAT_SYSTEM_PROMPT"))
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	messages = append(messages, Message{Role: "system", Content: systemPrompt})

	for _, past := range turn.history {
		if _, ok := allowedMessageRoles[past.Role]; !ok || past.Role == "system" {
			continue
		}
		messages = append(messages, Message{Role: past.Role, Content: past.Content})
	}

	content := turn.grounding.MessageForModel
	if turn.vision != nil {
		if turn.vision.Failed {
			content += "\n\n" + visionFailureNote
		} else if text := strings.TrimSpace(turn.vision.Text); text != "" {
			content += "\n\nDescription of the attached images:\n" + text
		}
	}
	messages = append(messages, Message{Role: "user", Content: content})
	return messages
}

func (m *Module) generateAssistantReply(ctx context.Context, conv conversation, userMsg message, imageURLs []string, onDelta func(StreamDelta) error) (*message, []citations.Source, error) {
	if m.client == nil {
		return nil, nil, errors.New("chat: model client not configured")
	}

	turn, err := m.prepareTurn(ctx, conv, userMsg, imageURLs)
	if err != nil {
		return nil, nil, err
	}

	modelMessages := m.buildModelMessages(turn)

	started := time.Now()
	var result Result
	if onDelta != nil {
		result, err = m.client.CompleteStream(ctx, modelMessages, onDelta)
	} else {
		result, err = m.client.Complete(ctx, modelMessages)
	}
	latency := int(time.Since(started).Milliseconds())
	if err != nil {
		m.recordAssistantFailure(ctx, conv, userMsg, err, latency)
		return nil, nil, err
	}

	sources := citations.NormalizeJSON(result.RawSources, m.maxSources)

	extrasPayload := map[string]any{}
	if len(turn.grounding.Excerpts) > 0 {
		extrasPayload["excerpts"] = turn.grounding.Excerpts
	}
	if len(sources) > 0 {
		extrasPayload["sources"] = sources
	}
	if turn.vision != nil && turn.vision.Failed {
		extrasPayload["vision_failed"] = true
	}
	var extras datatypes.JSON
	if len(extrasPayload) > 0 {
		data, err := json.Marshal(extrasPayload)
		if err != nil {
			log.Printf("chat: marshal assistant extras failed: %v", err)
		} else {
			extras = datatypes.JSON(data)
		}
	}

	assistant := message{
		ConversationID:  conv.ID,
		Seq:             userMsg.Seq + 1,
		Role:            "assistant",
		Format:          "text",
		Content:         result.Content,
		ParentMessageID: &userMsg.ID,
		LatencyMs:       &latency,
		Extras:          extras,
	}
	if result.Usage != nil {
		tokenIn := result.Usage.PromptTokens
		tokenOut := result.Usage.CompletionTokens
		assistant.TokenInput = &tokenIn
		assistant.TokenOutput = &tokenOut
	}

	if err := m.db.WithContext(ctx).Create(&assistant).Error; err != nil {
		return nil, nil, fmt.Errorf("chat: persist assistant message: %w", err)
	}
	now := time.Now().UTC()
	if err := m.db.WithContext(ctx).Model(&conversation{}).Where("id = ?", conv.ID).Update("last_msg_at", now).Error; err != nil {
		log.Printf("chat: update conversation %d last_msg_at failed: %v", conv.ID, err)
	}
	m.cache.invalidate(ctx, conv.ThreadID)

	return &assistant, sources, nil
}

// recordAssistantFailure keeps a tombstone row so the history shows the
// turn failed instead of silently missing a reply.
func (m *Module) recordAssistantFailure(ctx context.Context, conv conversation, userMsg message, cause error, latency int) {
	code := "llm_error"
	msgText := cause.Error()
	failure := message{
		ConversationID:  conv.ID,
		Seq:             userMsg.Seq + 1,
		Role:            "assistant",
		Format:          "text",
		Content:         "",
		ParentMessageID: &userMsg.ID,
		LatencyMs:       &latency,
		ErrCode:         &code,
		ErrMsg:          &msgText,
	}
	if err := m.db.WithContext(ctx).Create(&failure).Error; err != nil {
		log.Printf("chat: persist failed assistant turn for conversation %d failed: %v", conv.ID, err)
	}
	m.cache.invalidate(ctx, conv.ThreadID)
}

func (m *Module) streamAssistantReply(c *gin.Context, conv conversation, userMsg message, imageURLs []string, response createMessageResponse) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := newSafeSSEWriter(c.Writer, flusher)
	if err := writer.Send("accepted", response); err != nil {
		log.Printf("chat: send accepted event failed: %v", err)
		return
	}

	ctx := c.Request.Context()
	assistant, sources, err := m.generateAssistantReply(ctx, conv, userMsg, imageURLs, func(delta StreamDelta) error {
		if delta.Done {
			return nil
		}
		return writer.Send("delta", gin.H{"content": delta.Content})
	})
	if err != nil {
		if sendErr := writer.Send("error", gin.H{"error": err.Error()}); sendErr != nil {
			log.Printf("chat: send error event failed: %v", sendErr)
		}
		return
	}

	done := gin.H{"assistant_message": toRecord(*assistant, conv.ThreadID)}
	if len(sources) > 0 {
		done["sources"] = sources
	}
	if err := writer.Send("done", done); err != nil {
		log.Printf("chat: send done event failed: %v", err)
	}
}

func (m *Module) handleRecentMessages(c *gin.Context) {
	if m.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database not initialized"})
		return
	}

	threadIDStr := strings.TrimSpace(c.Query("thread_id"))
	if threadIDStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "thread_id is required"})
		return
	}
	threadID, err := strconv.ParseUint(threadIDStr, 10, 64)
	if err != nil || threadID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid thread_id"})
		return
	}

	ctx := c.Request.Context()
	if cached, err := m.cache.get(ctx, threadID); err == nil {
		c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "messages": cached})
		return
	}

	var records []messageRecord
	tx := m.db.WithContext(ctx).
		Table("messages").
		Select("messages.id, messages.conversation_id, conversations.thread_id, messages.seq, messages.role, messages.format, messages.content, messages.latency_ms, messages.token_input, messages.token_output, messages.err_code, messages.err_msg, messages.extras, messages.created_at").
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.thread_id = ?", threadID).
		Order("messages.created_at DESC, messages.id DESC").
		Limit(50)
	if err := tx.Scan(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages", "details": err.Error()})
		return
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	m.cache.store(ctx, threadID, records)
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "messages": records})
}

// wantsEventStream determines if the client requested a streaming response.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	if header := strings.TrimSpace(c.GetHeader("X-Stream")); header != "" {
		if strings.EqualFold(header, "1") || strings.EqualFold(header, "true") || strings.EqualFold(header, "yes") {
			return true
		}
	}
	if q := strings.TrimSpace(c.Query("stream")); q != "" {
		if strings.EqualFold(q, "1") || strings.EqualFold(q, "true") || strings.EqualFold(q, "yes") {
			return true
		}
	}
	return false
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type safeSSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSafeSSEWriter(w gin.ResponseWriter, flusher http.Flusher) *safeSSEWriter {
	return &safeSSEWriter{writer: w, flusher: flusher}
}

func (w *safeSSEWriter) Send(event string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return streamEvent(w.writer, w.flusher, event, payload)
}
