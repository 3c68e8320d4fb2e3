package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexcelewicz/stepflow/internal/store"
	"github.com/alexcelewicz/stepflow/internal/token"
	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// memStores is an in-memory Store implementation for executor tests.
// Rows are deep-copied through JSON on every read and write so the
// executor's in-process state and "persisted" state diverge exactly as
// they would against a real database.
type memStores struct {
	mu        sync.Mutex
	defs      map[string]map[int]*schema.WorkflowDefinition
	runs      map[string]*store.WorkflowRun
	events    []*store.RunEvent
	approvals []*store.ApprovalRecord
}

func newMemStores() *memStores {
	return &memStores{
		defs: map[string]map[int]*schema.WorkflowDefinition{},
		runs: map[string]*store.WorkflowRun{},
	}
}

func deepCopy[T any](t *T) *T {
	raw, err := json.Marshal(t)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

func (m *memStores) PutDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.defs[def.ID]
	if versions == nil {
		versions = map[int]*schema.WorkflowDefinition{}
		m.defs[def.ID] = versions
	}
	if def.Version == 0 {
		def.Version = len(versions) + 1
	}
	versions[def.Version] = deepCopy(def)
	return nil
}

func (m *memStores) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.defs[id]
	if len(versions) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", id)
	}
	latest := 0
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return deepCopy(versions[latest]), nil
}

func (m *memStores) GetDefinitionVersion(_ context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def, ok := m.defs[id][version]; ok {
		return deepCopy(def), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q v%d not found", id, version)
}

func (m *memStores) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.defs))
	for id := range m.defs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var out []*schema.WorkflowDefinition
	for _, id := range ids {
		def, err := m.GetDefinition(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func (m *memStores) CreateRun(_ context.Context, run *store.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	m.runs[run.ID] = deepCopy(run)
	return nil
}

func (m *memStores) GetRun(_ context.Context, id string) (*store.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", id)
	}
	return deepCopy(run), nil
}

func (m *memStores) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.CurrentStepID != nil {
		run.CurrentStepID = *update.CurrentStepID
	}
	if update.Variables != nil {
		run.Variables = *deepCopy(&update.Variables)
	}
	if update.StepResults != nil {
		run.StepResults = *deepCopy(&update.StepResults)
	}
	if update.StepOrder != nil {
		run.StepOrder = append([]string(nil), update.StepOrder...)
	}
	if update.Output != nil {
		var out any
		if err := json.Unmarshal(update.Output, &out); err != nil {
			return err
		}
		run.Output = out
	}
	if update.Error != nil {
		run.Error = *update.Error
	}
	if update.PendingApproval != nil {
		run.PendingApproval = deepCopy(update.PendingApproval)
	} else if update.ClearPendingApproval {
		run.PendingApproval = nil
	}
	if update.PausedAt != nil {
		run.PausedAt = update.PausedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStores) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.WorkflowRun
	for _, run := range m.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.UserID != "" && run.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.PausedBefore != nil && (run.PausedAt == nil || !run.PausedAt.Before(*filter.PausedBefore)) {
			continue
		}
		out = append(out, deepCopy(run))
	}
	return out, nil
}

func (m *memStores) AppendEvent(_ context.Context, event *store.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, deepCopy(event))
	return nil
}

func (m *memStores) ListEvents(_ context.Context, filter store.EventFilter) ([]*store.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.RunEvent
	for _, e := range m.events {
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.EventType != "" && e.Type != filter.EventType {
			continue
		}
		out = append(out, deepCopy(e))
	}
	return out, nil
}

func (m *memStores) RecordApproval(_ context.Context, rec *store.ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = append(m.approvals, deepCopy(rec))
	return nil
}

func (m *memStores) ListApprovals(_ context.Context, runID string) ([]*store.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ApprovalRecord
	for _, rec := range m.approvals {
		if rec.RunID == runID {
			out = append(out, deepCopy(rec))
		}
	}
	return out, nil
}

// fakeTools records calls and replies per tool/action.
type fakeTools struct {
	mu      sync.Mutex
	calls   []string
	args    []map[string]any
	replies map[string]*ToolResult
	errs    map[string]error
}

func newFakeTools() *fakeTools {
	return &fakeTools{replies: map[string]*ToolResult{}, errs: map[string]error{}}
}

func (f *fakeTools) reply(tool, action string, res *ToolResult) {
	f.replies[tool+"."+action] = res
}

func (f *fakeTools) Execute(_ context.Context, tool, action string, args map[string]any, _ UserContext) (*ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tool + "." + action
	f.calls = append(f.calls, key)
	f.args = append(f.args, args)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if res := f.replies[key]; res != nil {
		return res, nil
	}
	return &ToolResult{Success: true, Data: map[string]any{"tool": key}}, nil
}

// fakeLLM returns a canned response and records prompts.
type fakeLLM struct {
	mu       sync.Mutex
	prompts  []string
	response string
	err      error
}

func (f *fakeLLM) Generate(_ context.Context, _ *ModelConfig, messages []Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range messages {
		f.prompts = append(f.prompts, msg.Content)
	}
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

// recordingListener captures event types in delivery order.
type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingListener) OnEvent(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingListener) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	stores   *memStores
	tools    *fakeTools
	llm      *fakeLLM
	listener *recordingListener
	codec    *token.HMACCodec
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		stores:   newMemStores(),
		tools:    newFakeTools(),
		llm:      &fakeLLM{response: "ok"},
		listener: &recordingListener{},
		codec:    token.NewCodec([]byte("test-secret")),
	}
	exec, err := NewExecutor(Config{
		Definitions: h.stores,
		Runs:        h.stores,
		Audit:       h.stores,
		Tokens:      h.codec,
		Tools:       h.tools,
		LLM:         h.llm,
		Listeners:   []Listener{h.listener},
	})
	require.NoError(t, err)
	h.exec = exec
	return h
}

func (h *harness) putDefinition(t *testing.T, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.stores.PutDefinition(context.Background(), def))
}

func toolStep(id, tool, action string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Type: schema.StepTypeTool, Tool: tool, Action: action}
}

func approvalStep(id, prompt string) schema.StepDefinition {
	return schema.StepDefinition{
		ID: id, Type: schema.StepTypeApproval,
		Approval: &schema.ApprovalConfig{Required: true, Prompt: prompt},
	}
}

var _ store.Store = (*memStores)(nil)

func (m *memStores) Migrate(context.Context) error { return nil }
func (m *memStores) Close() error                  { return nil }
