package agent

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ABIHAAHEMD4262/todo-agent/internal/auth"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/convo"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/llm"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/task"
	"github.com/ABIHAAHEMD4262/todo-agent/internal/tools"
	_ "github.com/mattn/go-sqlite3"
)

// scriptedClient replays a fixed sequence of responses or errors, one
// per Chat call, and records what it was sent.
type scriptedClient struct {
	mu    sync.Mutex
	steps []scriptStep
	calls [][]llm.Message
}

type scriptStep struct {
	resp *llm.ChatResponse
	err  error
}

func (c *scriptedClient) Chat(ctx context.Context, msgs []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, msgs)
	if len(c.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	return step.resp, step.err
}

func (c *scriptedClient) Model() string { return "scripted" }

func textResp(content string) scriptStep {
	return scriptStep{resp: &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: content}}}
}

func toolResp(calls ...llm.ToolCall) scriptStep {
	return scriptStep{resp: &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}}}
}

type fixture struct {
	loop   *Loop
	convos *convo.Store
	tasks  *task.Store
	client *scriptedClient
	db     *sql.DB
}

func newFixture(t *testing.T, steps []scriptStep, opts Options) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+t.TempDir()+"/agent.db?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	convos, err := convo.NewStore(db)
	if err != nil {
		t.Fatalf("convo.NewStore: %v", err)
	}
	tasks, err := task.NewStore(db, nil)
	if err != nil {
		t.Fatalf("task.NewStore: %v", err)
	}

	client := &scriptedClient{steps: steps}
	loop := NewLoop(nil, convos, tools.NewRegistry(tasks), client, nil, "test-instance", opts)
	loop.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	return &fixture{loop: loop, convos: convos, tasks: tasks, client: client, db: db}
}

func aliceCtx() context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{UserID: "alice"})
}

func TestRunPlainTextTurn(t *testing.T) {
	f := newFixture(t, []scriptStep{textResp("Hello! You have no tasks yet.")}, Options{})

	res, err := f.loop.Run(aliceCtx(), "alice", "", "hi there")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "Hello! You have no tasks yet." {
		t.Errorf("response: %q", res.Response)
	}
	if res.ConversationID == "" {
		t.Error("no conversation id assigned")
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("tool calls: %v", res.ToolCalls)
	}

	msgs, err := f.convos.History(context.Background(), res.ConversationID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("transcript length: %d", len(msgs))
	}
	if msgs[0].Role != convo.RoleUser || msgs[1].Role != convo.RoleAssistant {
		t.Errorf("transcript roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}

	// The wire call carries the system prompt first.
	if f.client.calls[0][0].Role != llm.RoleSystem {
		t.Error("first wire message is not the system prompt")
	}
}

func TestRunToolTurn(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolResp(llm.ToolCall{ID: "call_1", Name: "add_task", Arguments: `{"title":"buy milk"}`}),
		textResp("Added \"buy milk\" to your list."),
	}, Options{})

	res, err := f.loop.Run(aliceCtx(), "alice", "", "add buy milk")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0] != "add_task" {
		t.Errorf("tool calls: %v", res.ToolCalls)
	}

	// The task really exists.
	items, err := f.tasks.List(context.Background(), "alice", task.StatusAll)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Title != "buy milk" {
		t.Errorf("tasks: %+v", items)
	}

	// Transcript: user, assistant(tool request), tool, assistant(final).
	msgs, _ := f.convos.History(context.Background(), res.ConversationID, 0)
	wantRoles := []string{convo.RoleUser, convo.RoleAssistant, convo.RoleTool, convo.RoleAssistant}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("transcript length: %d", len(msgs))
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, want)
		}
	}
	if msgs[1].ToolCalls == "" {
		t.Error("assistant tool request not persisted with tool calls")
	}
	if msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool message correlation: %q", msgs[2].ToolCallID)
	}

	// The tool call record is completed and linked to the assistant
	// message that requested it.
	recs, _ := f.convos.ToolCalls(context.Background(), res.ConversationID)
	if len(recs) != 1 || recs[0].Status != "ok" {
		t.Fatalf("tool call records: %+v", recs)
	}
	if recs[0].MessageID != msgs[1].ID {
		t.Errorf("tool call message link = %q, want %q", recs[0].MessageID, msgs[1].ID)
	}
}

func TestRunSecondTurnSeesHistory(t *testing.T) {
	f := newFixture(t, []scriptStep{
		textResp("Nice to meet you, Alice."),
		textResp("Your name is Alice."),
	}, Options{})

	res1, err := f.loop.Run(aliceCtx(), "alice", "", "my name is Alice")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := f.loop.Run(aliceCtx(), "alice", res1.ConversationID, "what's my name?"); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	// Second wire call: system + 2 history + new user message.
	second := f.client.calls[1]
	if len(second) != 4 {
		t.Fatalf("second call carried %d messages", len(second))
	}
	if second[1].Content != "my name is Alice" {
		t.Errorf("history not replayed: %q", second[1].Content)
	}
}

func TestRunUnknownToolFedBack(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolResp(llm.ToolCall{ID: "call_1", Name: "send_email", Arguments: `{}`}),
		textResp("Sorry, I can only manage tasks."),
	}, Options{})

	res, err := f.loop.Run(aliceCtx(), "alice", "", "email my boss")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "Sorry, I can only manage tasks." {
		t.Errorf("response: %q", res.Response)
	}

	// The failure went back to the model as a tool result.
	second := f.client.calls[1]
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" {
		t.Fatalf("feedback message: %+v", last)
	}
	if want := `"success":false`; !strings.Contains(last.Content, want) {
		t.Errorf("feedback content: %q", last.Content)
	}

	recs, _ := f.convos.ToolCalls(context.Background(), res.ConversationID)
	if len(recs) != 1 || recs[0].Status != "error" {
		t.Errorf("tool call records: %+v", recs)
	}
}

func TestRunInvalidArgumentsFedBack(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolResp(llm.ToolCall{ID: "call_1", Name: "add_task", Arguments: `{"title":42}`}),
		toolResp(llm.ToolCall{ID: "call_2", Name: "add_task", Arguments: `{"title":"forty two"}`}),
		textResp("Added it."),
	}, Options{})

	res, err := f.loop.Run(aliceCtx(), "alice", "", "add 42")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.ToolCalls) != 2 {
		t.Errorf("tool calls: %v", res.ToolCalls)
	}

	items, _ := f.tasks.List(context.Background(), "alice", task.StatusAll)
	if len(items) != 1 || items[0].Title != "forty two" {
		t.Errorf("tasks after recovery: %+v", items)
	}
}

func TestRunIterationCap(t *testing.T) {
	// The model loops on list_tasks forever; the cap must cut it off.
	steps := make([]scriptStep, 0, 8)
	for i := 0; i < 8; i++ {
		steps = append(steps, toolResp(llm.ToolCall{ID: "call_loop", Name: "list_tasks", Arguments: `{}`}))
	}
	f := newFixture(t, steps, Options{MaxIterations: 3})

	res, err := f.loop.Run(aliceCtx(), "alice", "", "loop forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != FallbackBudget {
		t.Errorf("response: %q", res.Response)
	}
	if len(res.ToolCalls) != 3 {
		t.Errorf("tool executions before cap: %d", len(res.ToolCalls))
	}
}

func TestRunRetryThenSuccess(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{err: &llm.ReasoningError{StatusCode: 503, Retryable: true, Err: errors.New("overloaded")}},
		textResp("Back online."),
	}, Options{LLMRetries: 2})

	res, err := f.loop.Run(aliceCtx(), "alice", "", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Response != "Back online." {
		t.Errorf("response: %q", res.Response)
	}
	if len(f.client.calls) != 2 {
		t.Errorf("attempts: %d", len(f.client.calls))
	}
}

func TestRunServiceDownFailsTurn(t *testing.T) {
	down := scriptStep{err: &llm.ReasoningError{StatusCode: 503, Retryable: true, Err: errors.New("down")}}
	f := newFixture(t, []scriptStep{down, down, down}, Options{LLMRetries: 2})

	conv, err := f.convos.CreateConversation(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	_, err = f.loop.Run(aliceCtx(), "alice", conv.ID, "hi")
	var re *llm.ReasoningError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want ReasoningError", err)
	}
	if len(f.client.calls) != 3 {
		t.Errorf("attempts: %d", len(f.client.calls))
	}

	// The failed turn persists nothing beyond the user's own message.
	msgs, _ := f.convos.History(context.Background(), conv.ID, 0)
	if len(msgs) != 1 || msgs[0].Role != convo.RoleUser {
		t.Errorf("transcript: %+v", msgs)
	}
}

func TestRunNonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{err: &llm.ReasoningError{StatusCode: 401, Retryable: false, Err: errors.New("bad key")}},
	}, Options{LLMRetries: 2})

	_, err := f.loop.Run(aliceCtx(), "alice", "", "hi")
	var re *llm.ReasoningError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want ReasoningError", err)
	}
	if len(f.client.calls) != 1 {
		t.Errorf("non-retryable error was retried: %d attempts", len(f.client.calls))
	}
}

func TestRunStorageFailureAbortsTurn(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolResp(llm.ToolCall{ID: "call_1", Name: "add_task", Arguments: `{"title":"buy milk"}`}),
		textResp("should never be reached"),
	}, Options{})

	// Break the task store underneath the running agent.
	if _, err := f.db.Exec(`DROP TABLE tasks`); err != nil {
		t.Fatalf("drop tasks: %v", err)
	}

	conv, err := f.convos.CreateConversation(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	_, err = f.loop.Run(aliceCtx(), "alice", conv.ID, "add buy milk")
	var se *task.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StorageError", err)
	}

	// The driver error is never fed back to the model as a tool result.
	if len(f.client.calls) != 1 {
		t.Errorf("model consulted %d times after storage failure", len(f.client.calls))
	}
	msgs, _ := f.convos.History(context.Background(), conv.ID, 0)
	for _, m := range msgs {
		if strings.Contains(m.Content, "no such table") {
			t.Errorf("driver error leaked into transcript: %q", m.Content)
		}
	}

	recs, _ := f.convos.ToolCalls(context.Background(), conv.ID)
	if len(recs) != 1 || recs[0].Status != "error" {
		t.Errorf("tool call records: %+v", recs)
	}
}

func TestRunForeignConversationRejected(t *testing.T) {
	f := newFixture(t, []scriptStep{textResp("ok")}, Options{})

	conv, err := f.convos.CreateConversation(context.Background(), "bob")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	_, err = f.loop.Run(aliceCtx(), "alice", conv.ID, "hi")
	if !errors.Is(err, convo.ErrConversationNotFound) {
		t.Errorf("got %v, want ErrConversationNotFound", err)
	}
}

func TestRunTurnLeaseContention(t *testing.T) {
	f := newFixture(t, []scriptStep{textResp("ok")}, Options{})

	conv, err := f.convos.CreateConversation(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if err := f.convos.AcquireTurnLease(context.Background(), conv.ID, "other-instance", time.Minute); err != nil {
		t.Fatalf("AcquireTurnLease: %v", err)
	}

	_, err = f.loop.Run(aliceCtx(), "alice", conv.ID, "hi")
	if !errors.Is(err, convo.ErrTurnInProgress) {
		t.Errorf("got %v, want ErrTurnInProgress", err)
	}
}

func TestRunLeaseReleasedAfterTurn(t *testing.T) {
	f := newFixture(t, []scriptStep{textResp("one"), textResp("two")}, Options{})

	res, err := f.loop.Run(aliceCtx(), "alice", "", "first")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	// A second turn on the same conversation must not see a stale lease.
	if _, err := f.loop.Run(aliceCtx(), "alice", res.ConversationID, "second"); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t, nil, Options{TurnTimeout: 50 * time.Millisecond})

	blocking := &blockingClient{}
	f.loop.client = blocking

	_, err := f.loop.Run(aliceCtx(), "alice", "", "hi")
	if !errors.Is(err, ErrTurnTimeout) {
		t.Errorf("got %v, want ErrTurnTimeout", err)
	}
}

// blockingClient parks until the context expires.
type blockingClient struct{}

func (c *blockingClient) Chat(ctx context.Context, msgs []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *blockingClient) Model() string { return "blocking" }

