package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"gopherai-codegen/internal/ai"
	"gopherai-codegen/internal/app"
	"gopherai-codegen/internal/metrics"
	"gopherai-codegen/internal/model"
	"gopherai-codegen/internal/pkg/jwtutil"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	storeRetryWait = 100 * time.Millisecond
	saveTimeout    = 10 * time.Second
)

var systemSender = model.Sender{ID: "system", Label: "System"}

type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*jwtutil.Claims, error)
}

type ProjectResolver interface {
	Resolve(ctx context.Context, userID uint, projectID string) (*model.Project, error)
}

type MessageStore interface {
	Store(ctx context.Context, projectID string, msg model.Message) error
	List(ctx context.Context, projectID string, offset, limit int) []model.Message
	Search(ctx context.Context, projectID, term string) []model.Message
	Count(ctx context.Context, projectID string) int
}

type Generator interface {
	Generate(ctx context.Context, turns []ai.ChatMessage, maxTokens int) (string, error)
}

// FileTreeSaver persists a generated tree. Implementations may be asynchronous.
type FileTreeSaver interface {
	SaveFileTree(ctx context.Context, projectID string, tree model.FileTree) error
}

type Options struct {
	TriggerToken      string
	HistoryPageSize   int
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
	AITimeout         time.Duration
	MaxTokens         int
	// Retention is how long a relayed message stays readable; it sets ExpiresAt.
	Retention         time.Duration
}

// Relay serves the realtime channel: it admits authenticated websocket
// connections into per-project rooms, relays chat between room members and runs
// AI requests triggered from the chat.
type Relay struct {
	hub       *Hub
	auth      Authenticator
	projects  ProjectResolver
	messages  MessageStore
	generator Generator
	trees     FileTreeSaver
	opts      Options
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(
	auth Authenticator,
	projects ProjectResolver,
	messages MessageStore,
	generator Generator,
	trees FileTreeSaver,
	opts Options,
	logger *slog.Logger,
) *Relay {
	if opts.TriggerToken == "" {
		opts.TriggerToken = "@ai"
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 20
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 5
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 10
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = 60 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		hub:       NewHub(),
		auth:      auth,
		projects:  projects,
		messages:  messages,
		generator: generator,
		trees:     trees,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) Hub() *Hub { return r.hub }

// ServeHTTP authenticates, authorizes and upgrades a connection, then runs its
// read loop until the connection ends.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	claims, err := r.auth.Authenticate(req.Context(), jwtutil.FromRequest(req))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	projectID := strings.TrimSpace(req.URL.Query().Get("projectId"))
	if projectID == "" {
		http.Error(w, "projectId is required", http.StatusBadRequest)
		return
	}

	project, err := r.resolve(req.Context(), claims.UserID, projectID)
	if errors.Is(err, app.ErrProjectForbidden) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "user_id", claims.UserID, "error", err)
		return
	}

	limiter := rate.NewLimiter(rate.Limit(r.opts.MessagesPerSecond), r.opts.MessageBurst)
	client := newClient(uuid.NewString(), claims.UserID, model.UserSender(claims.UserID, claims.Username), conn, limiter)
	if !r.hub.Join(projectID, client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	metrics.RelayConnections.Inc()
	r.logger.Info("websocket connected", "conn_id", client.id, "user_id", client.userID, "project_id", projectID)

	go r.writePump(client)
	r.sendJoined(client, projectID, project)
	r.readPump(client)
}

// resolve tolerates missing projects and lookup failures; only a project that
// exists without the user as collaborator is refused.
func (r *Relay) resolve(ctx context.Context, userID uint, projectID string) (*model.Project, error) {
	project, err := r.projects.Resolve(ctx, userID, projectID)
	if err != nil {
		if errors.Is(err, app.ErrProjectForbidden) {
			return nil, err
		}
		r.logger.Warn("project lookup failed, joining room anyway", "project_id", projectID, "user_id", userID, "error", err)
		return nil, nil
	}
	return project, nil
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := strings.TrimSpace(req.Header.Get("Origin"))
	if origin == "" {
		// not a browser
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	normalized := strings.ToLower(u.Scheme + "://" + u.Host)
	for _, allowed := range r.opts.AllowedOrigins {
		allowed = strings.TrimRight(strings.ToLower(strings.TrimSpace(allowed)), "/")
		if allowed == "*" || allowed == normalized {
			return true
		}
	}
	return false
}

func (r *Relay) readPump(c *Client) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("relay read loop panicked", "conn_id", c.id, "panic", rec)
		}
		r.hub.Remove(c)
		_ = c.conn.Close()
		metrics.RelayConnections.Dec()
		r.logger.Info("websocket disconnected", "conn_id", c.id, "user_id", c.userID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			metrics.RelayDroppedTotal.WithLabelValues("rate_limited").Inc()
			r.logger.Warn("relay rate limit exceeded, message dropped", "conn_id", c.id, "user_id", c.userID)
			continue
		}
		r.handle(c, raw)
	}
}

func (r *Relay) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle dispatches one inbound frame. Frames of one connection are handled in
// arrival order.
func (r *Relay) handle(c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		r.sendError(c, "", CodeBadRequest, "malformed frame")
		return
	}
	metrics.RelayEventsTotal.WithLabelValues(metricEventName(env.Event)).Inc()

	switch env.Event {
	case EventProjectMessage:
		var in projectMessageIn
		if err := json.Unmarshal(env.Data, &in); err != nil {
			r.sendError(c, "", CodeBadRequest, "malformed project-message")
			return
		}
		r.handleChat(c, in.Message)
	case EventLoadMoreMessages:
		var in loadMoreIn
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &in); err != nil {
				r.sendError(c, "", CodeBadRequest, "malformed load-more-messages")
				return
			}
		}
		r.sendHistory(c, r.hub.Room(c), in.Offset, in.Limit)
	case EventSearchMessages:
		var in searchIn
		if err := json.Unmarshal(env.Data, &in); err != nil {
			r.sendError(c, "", CodeBadRequest, "malformed search-messages")
			return
		}
		r.handleSearch(c, in.Term)
	case EventJoinProject:
		var in joinProjectIn
		if err := json.Unmarshal(env.Data, &in); err != nil || strings.TrimSpace(in.ProjectID) == "" {
			r.sendError(c, "", CodeBadRequest, "project_id is required")
			return
		}
		r.handleJoin(c, strings.TrimSpace(in.ProjectID))
	default:
		r.sendError(c, "", CodeBadRequest, fmt.Sprintf("unknown event %q", env.Event))
	}
}

func (r *Relay) handleChat(c *Client, body string) {
	body = strings.TrimSpace(body)
	projectID := r.hub.Room(c)
	if body == "" || projectID == "" {
		return
	}

	msg := r.newMessage(projectID, body, c.sender)
	r.store(projectID, msg)
	r.broadcast(projectID, EventProjectMessage, msg, c)

	prompt, triggered := StripTrigger(body, r.opts.TriggerToken)
	if triggered {
		r.startAI(c, projectID, prompt)
	}
}

func (r *Relay) handleSearch(c *Client, term string) {
	projectID := r.hub.Room(c)
	messages := []model.Message{}
	if strings.TrimSpace(term) != "" && projectID != "" {
		messages = r.messages.Search(r.ctx, projectID, term)
	}
	r.sendTo(c, EventSearchResults, SearchResults{ProjectID: projectID, Term: term, Messages: messages})
}

func (r *Relay) handleJoin(c *Client, projectID string) {
	if projectID == r.hub.Room(c) {
		return
	}
	project, err := r.resolve(r.ctx, c.userID, projectID)
	if err != nil {
		r.sendError(c, "", CodeForbidden, "you are not a collaborator of this project")
		return
	}
	if !r.hub.Join(projectID, c) {
		return
	}
	r.sendJoined(c, projectID, project)
}

func (r *Relay) sendJoined(c *Client, projectID string, project *model.Project) {
	r.sendTo(c, EventJoined, Joined{
		ProjectID: projectID,
		User:      c.sender,
		Project:   project,
		Online:    r.hub.RoomSize(projectID),
	})
	r.sendHistory(c, projectID, 0, r.opts.HistoryPageSize)
}

func (r *Relay) sendHistory(c *Client, projectID string, offset, limit int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = r.opts.HistoryPageSize
	}
	history := MessageHistory{ProjectID: projectID, Messages: []model.Message{}, Offset: offset}
	if projectID != "" {
		history.Messages = r.messages.List(r.ctx, projectID, offset, limit)
		history.Total = r.messages.Count(r.ctx, projectID)
		history.HasMore = offset+len(history.Messages) < history.Total
	}
	r.sendTo(c, EventMessageHistory, history)
}

// NotifyFileTree pushes a tree edited outside the relay to everyone in the room.
func (r *Relay) NotifyFileTree(projectID string, tree model.FileTree, updatedBy model.Sender) {
	r.broadcast(projectID, EventFileTreeUpdate, FileTreeUpdate{
		ProjectID: projectID,
		FileTree:  tree,
		UpdatedBy: updatedBy,
		Timestamp: r.now(),
	}, nil)
}

// Shutdown closes every connection, cancels in-flight AI requests and waits for
// AI goroutines to finish or ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.hub.Close()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// newMessage stamps a message with its id, creation time and retention window.
func (r *Relay) newMessage(projectID, body string, sender model.Sender) model.Message {
	now := r.now()
	return model.Message{
		ID:        ulid.Make().String(),
		ProjectID: projectID,
		Body:      body,
		Sender:    sender,
		Timestamp: now,
		ExpiresAt: now.Add(r.opts.Retention),
	}
}

// store persists msg, retrying once. Failures are logged and otherwise ignored.
func (r *Relay) store(projectID string, msg model.Message) {
	ctx := context.WithoutCancel(r.ctx)
	err := r.messages.Store(ctx, projectID, msg)
	if err == nil {
		return
	}
	time.Sleep(storeRetryWait)
	if err = r.messages.Store(ctx, projectID, msg); err != nil {
		r.logger.Warn("store message failed after retry", "project_id", projectID, "message_id", msg.ID, "error", err)
	}
}

func (r *Relay) broadcast(projectID, event string, data interface{}, except *Client) {
	payload, err := encode(event, data)
	if err != nil {
		r.logger.Error("encode relay event failed", "event", event, "error", err)
		return
	}
	r.hub.Broadcast(projectID, payload, except)
}

func (r *Relay) sendTo(c *Client, event string, data interface{}) {
	payload, err := encode(event, data)
	if err != nil {
		r.logger.Error("encode relay event failed", "event", event, "error", err)
		return
	}
	r.hub.Send(c, payload)
}

func (r *Relay) sendError(c *Client, requestID, code, text string) {
	r.sendTo(c, EventError, ErrorEvent{
		RequestID: requestID,
		Code:      code,
		Message:   r.newMessage(r.hub.Room(c), text, systemSender),
	})
}

// StripTrigger reports whether body addresses the AI and returns it with every
// occurrence of the trigger token removed. Matching ignores case.
func StripTrigger(body, trigger string) (string, bool) {
	if trigger == "" {
		return body, false
	}
	lowerBody, lowerTrigger := strings.ToLower(body), strings.ToLower(trigger)
	if len(lowerBody) != len(body) || len(lowerTrigger) != len(trigger) {
		// case folding changed byte offsets; match exactly instead
		lowerBody, lowerTrigger = body, trigger
	}
	if !strings.Contains(lowerBody, lowerTrigger) {
		return body, false
	}

	var b strings.Builder
	for {
		i := strings.Index(lowerBody, lowerTrigger)
		if i < 0 {
			b.WriteString(body)
			break
		}
		b.WriteString(strings.TrimRight(body[:i], " \t"))
		b.WriteByte(' ')
		rest := body[i+len(trigger):]
		trimmed := strings.TrimLeft(rest, " \t")
		lowerBody = lowerBody[i+len(trigger)+len(rest)-len(trimmed):]
		body = trimmed
	}
	return strings.TrimSpace(b.String()), true
}

func metricEventName(event string) string {
	switch event {
	case EventProjectMessage, EventLoadMoreMessages, EventSearchMessages, EventJoinProject:
		return event
	}
	return "unknown"
}
