package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/agent"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/auth"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/buildinfo"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/convo"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/llm"
)

// MaxMessageLen bounds a single chat message.
const MaxMessageLen = 4000

// ChatRequest is the session endpoint request body.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// ChatResponse is the session endpoint response body.
type ChatResponse struct {
	ConversationID    string   `json:"conversation_id"`
	Reply             string   `json:"reply"`
	ToolCallsExecuted []string `json:"tool_calls_executed"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())

	var req ChatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message must not be empty")
		return
	}
	if len(req.Message) > MaxMessageLen {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("message exceeds %d characters", MaxMessageLen))
		return
	}

	res, err := s.loop.Run(r.Context(), ident.UserID, req.ConversationID, req.Message)
	if err != nil {
		var re *llm.ReasoningError
		switch {
		case errors.Is(err, convo.ErrConversationNotFound):
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, convo.ErrTurnInProgress):
			s.errorResponse(w, http.StatusConflict, "a turn is already in progress for this conversation")
		case errors.Is(err, agent.ErrTurnTimeout):
			s.errorResponse(w, http.StatusGatewayTimeout, "the request took too long to process")
		case errors.As(err, &re):
			s.logger.Error("reasoning service unavailable", "user", ident.UserID, "error", err)
			s.errorResponse(w, http.StatusGatewayTimeout, "the assistant is temporarily unavailable, try again shortly")
		default:
			s.logger.Error("turn failed", "user", ident.UserID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to process message")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		ConversationID:    res.ConversationID,
		Reply:             res.Response,
		ToolCallsExecuted: res.ToolCalls,
	}, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())

	sums, err := s.convos.ListConversations(r.Context(), ident.UserID)
	if err != nil {
		s.logger.Error("list conversations failed", "user", ident.UserID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if sums == nil {
		sums = []convo.Summary{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": sums}, s.logger)
}

// ownedConversation resolves the {id} path value within the caller's
// scope, writing the error response itself on failure.
func (s *Server) ownedConversation(w http.ResponseWriter, r *http.Request) (*convo.Conversation, bool) {
	ident, _ := auth.IdentityFromContext(r.Context())

	conv, err := s.convos.Get(r.Context(), r.PathValue("id"), ident.UserID)
	if errors.Is(err, convo.ErrConversationNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("load conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, false
	}
	return conv, true
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}

	msgs, err := s.convos.History(r.Context(), conv.ID, 0)
	if err != nil {
		s.logger.Error("load history failed", "conversation", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []convo.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": conv.ID,
		"messages":        msgs,
	}, s.logger)
}

func (s *Server) handleConversationExport(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}

	msgs, err := s.convos.History(r.Context(), conv.ID, 0)
	if err != nil {
		s.logger.Error("load history failed", "conversation", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	md := transcriptMarkdown(conv, msgs)

	switch r.URL.Query().Get("format") {
	case "", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
	case "html":
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(md), &buf); err != nil {
			s.logger.Error("transcript render failed", "conversation", conv.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to render transcript")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = buf.WriteTo(w)
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown format (valid: markdown, html)")
	}
}

// transcriptMarkdown renders a conversation as a markdown document.
// Tool-role messages are folded into fenced blocks so the export reads
// as a dialogue.
func transcriptMarkdown(conv *convo.Conversation, msgs []convo.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", conv.ID)
	fmt.Fprintf(&b, "Started %s\n\n", conv.CreatedAt.Format(time.RFC3339))

	for _, m := range msgs {
		switch m.Role {
		case convo.RoleUser:
			fmt.Fprintf(&b, "## User\n\n%s\n\n", m.Content)
		case convo.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "## Assistant\n\n%s\n\n", m.Content)
			}
			if m.ToolCalls != "" {
				fmt.Fprintf(&b, "```json\n%s\n```\n\n", m.ToolCalls)
			}
		case convo.RoleTool:
			fmt.Fprintf(&b, "**Tool result**\n\n```json\n%s\n```\n\n", m.Content)
		}
	}
	return b.String()
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFromContext(r.Context())

	stats, err := s.tasks.Stats(r.Context(), ident.UserID)
	if err != nil {
		s.logger.Error("task stats failed", "user", ident.UserID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	convs, err := s.convos.ListConversations(r.Context(), ident.UserID)
	if err != nil {
		s.logger.Error("conversation count failed", "user", ident.UserID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"total_tasks":     stats.Total,
		"pending_tasks":   stats.Pending,
		"completed_tasks": stats.Completed,
		"completion_rate": stats.CompletionRate,
		"conversations":   len(convs),
	}, s.logger)
}

// handleEventsWS streams bus events to the client until it disconnects.
// The subscriber buffer absorbs bursts; a client that cannot keep up
// loses events rather than stalling publishers.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Reader goroutine: we never expect client frames, but reading is
	// required to notice close frames and pings.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "todo-agent",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
