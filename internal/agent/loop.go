// Package agent implements the core reasoning loop.
//
// One call to Run is one turn: the user's message goes in, tools run
// until the model answers in plain text or the iteration cap is hit,
// and every intermediate step is durably appended to the conversation
// log before the final response is returned.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/convo"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/events"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/llm"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/task"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/tools"
)

// ErrTurnTimeout is returned when a turn exceeds its time budget.
var ErrTurnTimeout = errors.New("turn exceeded its time budget")

// FallbackBudget is the reply when the iteration cap is reached before
// the model produced a final text answer. Returned verbatim so callers
// and tests can rely on the exact wording.
const FallbackBudget = "I wasn't able to finish that request within the allowed number of steps. Try splitting it into smaller requests."

// Options bound a turn.
type Options struct {
	MaxIterations int
	LLMRetries    int
	TurnTimeout   time.Duration
	HistoryLimit  int
}

// Result is the outcome of one completed turn.
type Result struct {
	ConversationID string   `json:"conversation_id"`
	Response       string   `json:"response"`
	ToolCalls      []string `json:"tool_calls"`
}

// Loop drives turns against the reasoning model.
type Loop struct {
	logger   *slog.Logger
	convos   *convo.Store
	registry *tools.Registry
	client   llm.Client
	bus      *events.Bus
	opts     Options

	// instance identifies this process as a turn-lease holder.
	instance string

	// sleep is swappable for tests; defaults to time.Sleep semantics
	// but honors context cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoop creates the reasoning loop. The bus may be nil.
func NewLoop(logger *slog.Logger, convos *convo.Store, registry *tools.Registry, client llm.Client, bus *events.Bus, instance string, opts Options) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 6
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 30 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Loop{
		logger:   logger,
		convos:   convos,
		registry: registry,
		client:   client,
		bus:      bus,
		opts:     opts,
		instance: instance,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one turn for the given user. An empty conversationID
// starts a new conversation. The caller's identity must already be
// bound to ctx; tool execution reads it from there.
//
// Returns convo.ErrConversationNotFound for a foreign or unknown
// conversation, convo.ErrTurnInProgress when another turn holds the
// lease, and ErrTurnTimeout when the budget ran out.
func (l *Loop) Run(ctx context.Context, userID, conversationID, userMessage string) (*Result, error) {
	var conv *convo.Conversation
	var err error
	if conversationID == "" {
		conv, err = l.convos.CreateConversation(ctx, userID)
	} else {
		conv, err = l.convos.Get(ctx, conversationID, userID)
	}
	if err != nil {
		return nil, err
	}

	// The lease outlives the budget slightly so a timed-out turn is not
	// stolen mid-persist.
	leaseTTL := l.opts.TurnTimeout + 5*time.Second
	if err := l.convos.AcquireTurnLease(ctx, conv.ID, l.instance, leaseTTL); err != nil {
		return nil, err
	}
	defer func() {
		// Release on a fresh context: the turn context may be expired.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := l.convos.ReleaseTurnLease(rctx, conv.ID, l.instance); rerr != nil {
			l.logger.Warn("turn lease release failed", "conversation", conv.ID, "error", rerr)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, l.opts.TurnTimeout)
	defer cancel()

	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnStart,
		Data:   map[string]any{"conversation_id": conv.ID, "user_id": userID},
	})

	res, err := l.runTurn(ctx, conv, userID, userMessage)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			l.logger.Warn("turn timed out", "conversation", conv.ID, "budget", l.opts.TurnTimeout)
			return nil, fmt.Errorf("%w after %s", ErrTurnTimeout, l.opts.TurnTimeout)
		}
		return nil, err
	}

	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindTurnComplete,
		Data:   map[string]any{"conversation_id": conv.ID, "tool_calls": len(res.ToolCalls)},
	})
	return res, nil
}

func (l *Loop) runTurn(ctx context.Context, conv *convo.Conversation, userID, userMessage string) (*Result, error) {
	history, err := l.convos.History(ctx, conv.ID, l.opts.HistoryLimit)
	if err != nil {
		return nil, err
	}

	if _, err := l.convos.AppendMessage(ctx, conv.ID, convo.Message{
		Role:    convo.RoleUser,
		Content: userMessage,
	}); err != nil {
		return nil, err
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, m := range history {
		lm, err := toLLMMessage(m)
		if err != nil {
			l.logger.Warn("skipping unreadable history message", "conversation", conv.ID, "seq", m.Seq, "error", err)
			continue
		}
		msgs = append(msgs, lm)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userMessage})

	specs := l.registry.Specs()
	result := &Result{ConversationID: conv.ID, ToolCalls: []string{}}

	for iteration := 0; iteration < l.opts.MaxIterations; iteration++ {
		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMCall,
			Data:   map[string]any{"conversation_id": conv.ID, "iteration": iteration, "messages": len(msgs)},
		})

		resp, err := l.chatWithRetry(ctx, msgs, specs)
		if err != nil {
			// Retry budget exhausted or a non-retryable failure: the turn
			// fails with only the user's message persisted. The caller
			// maps this to an upstream-unavailable response.
			var re *llm.ReasoningError
			if errors.As(err, &re) {
				l.logger.Error("reasoning service failed", "conversation", conv.ID, "error", err)
			}
			return nil, err
		}

		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMResponse,
			Data: map[string]any{
				"conversation_id": conv.ID,
				"iteration":       iteration,
				"tool_calls":      len(resp.Message.ToolCalls),
				"input_tokens":    resp.InputTokens,
				"output_tokens":   resp.OutputTokens,
			},
		})

		if len(resp.Message.ToolCalls) == 0 {
			content := resp.Message.Content
			if content == "" {
				content = FallbackBudget
			}
			return l.finish(ctx, conv.ID, result, content)
		}

		// Persist the assistant's tool request before executing
		// anything, so a crash mid-turn leaves a coherent log.
		callsJSON, err := json.Marshal(resp.Message.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		asst, err := l.convos.AppendMessage(ctx, conv.ID, convo.Message{
			Role:      convo.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: string(callsJSON),
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			toolMsg, err := l.dispatch(ctx, conv.ID, asst.ID, call)
			if err != nil {
				return nil, err
			}
			result.ToolCalls = append(result.ToolCalls, call.Name)
			if _, err := l.convos.AppendMessage(ctx, conv.ID, convo.Message{
				Role:       convo.RoleTool,
				Content:    toolMsg.Content,
				ToolCallID: call.ID,
			}); err != nil {
				return nil, err
			}
			msgs = append(msgs, toolMsg)
		}
	}

	l.logger.Warn("iteration cap reached", "conversation", conv.ID, "cap", l.opts.MaxIterations)
	return l.finish(ctx, conv.ID, result, FallbackBudget)
}

// dispatch runs one tool call, records it against the assistant
// message that requested it, and converts the outcome into the
// tool-role message fed back to the model. Recoverable failures
// (unknown tool, bad arguments, not-found) become error payloads the
// model can react to; authorization, storage, and persistence failures
// abort the turn.
func (l *Loop) dispatch(ctx context.Context, conversationID, messageID string, call llm.ToolCall) (llm.Message, error) {
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolCall,
		Data:   map[string]any{"conversation_id": conversationID, "tool": call.Name},
	})

	recordID, err := l.convos.RecordToolCall(ctx, conversationID, call.Name, call.Arguments)
	if err != nil {
		return llm.Message{}, err
	}
	if err := l.convos.AttachToolCalls(ctx, messageID, []string{recordID}); err != nil {
		return llm.Message{}, err
	}

	output, execErr := l.registry.Execute(ctx, call.Name, call.Arguments)

	var content string
	var errText string
	switch {
	case execErr == nil:
		content = output
	default:
		var authErr *tools.AuthorizationError
		if errors.As(execErr, &authErr) {
			// Security-relevant: log loudly and kill the turn.
			l.logger.Error("tool authorization failure",
				"conversation", conversationID,
				"tool", call.Name,
				"reason", authErr.Reason)
			_ = l.convos.CompleteToolCall(ctx, recordID, "", authErr.Error())
			return llm.Message{}, execErr
		}
		// Infrastructure faults are not the model's to recover from:
		// never leak driver errors into the transcript.
		var pe *convo.PersistenceError
		var se *task.StorageError
		if errors.As(execErr, &pe) || errors.As(execErr, &se) || errors.Is(execErr, context.DeadlineExceeded) {
			l.logger.Error("tool infrastructure failure",
				"conversation", conversationID,
				"tool", call.Name,
				"error", execErr)
			_ = l.convos.CompleteToolCall(ctx, recordID, "", execErr.Error())
			return llm.Message{}, execErr
		}

		// Recoverable: feed the failure back to the model.
		errText = execErr.Error()
		payload, _ := json.Marshal(map[string]any{"success": false, "error": errText})
		content = string(payload)
	}

	if err := l.convos.CompleteToolCall(ctx, recordID, content, errText); err != nil {
		return llm.Message{}, err
	}

	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolDone,
		Data:   map[string]any{"conversation_id": conversationID, "tool": call.Name, "error": errText},
	})

	return llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID}, nil
}

// finish persists the final assistant message and closes out the turn.
func (l *Loop) finish(ctx context.Context, conversationID string, result *Result, content string) (*Result, error) {
	if _, err := l.convos.AppendMessage(ctx, conversationID, convo.Message{
		Role:    convo.RoleAssistant,
		Content: content,
	}); err != nil {
		return nil, err
	}
	result.Response = content
	return result, nil
}

// chatWithRetry reattempts transient reasoning failures with doubling
// backoff. Non-retryable failures and context expiry return immediately.
func (l *Loop) chatWithRetry(ctx context.Context, msgs []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= l.opts.LLMRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			l.logger.Debug("retrying reasoning call", "attempt", attempt, "backoff", backoff)
			if err := l.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		resp, err := l.client.Chat(ctx, msgs, specs)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var re *llm.ReasoningError
		if !errors.As(err, &re) || !re.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// toLLMMessage converts a persisted message back to wire form.
func toLLMMessage(m convo.Message) (llm.Message, error) {
	lm := llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	if m.ToolCalls != "" {
		if err := json.Unmarshal([]byte(m.ToolCalls), &lm.ToolCalls); err != nil {
			return llm.Message{}, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return lm, nil
}
