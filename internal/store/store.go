// Package store persists workflow definitions, run state, and the
// audit trail on libSQL. Run state is written after every step, which
// is what makes runs resumable across process restarts.
package store

import (
	"context"

	"github.com/alexcelewicz/stepflow/pkg/schema"
)

// DefinitionStore manages versioned workflow definitions.
type DefinitionStore interface {
	// PutDefinition saves a definition. Version 0 means "assign the
	// next version for this ID"; the assigned version is written back
	// into def.
	PutDefinition(ctx context.Context, def *schema.WorkflowDefinition) error

	// GetDefinition returns the latest version of a definition.
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)

	// GetDefinitionVersion returns one specific version.
	GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)

	// ListDefinitions returns the latest version of every definition.
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)
}

// RunStore manages workflow run state.
type RunStore interface {
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
}

// AuditStore manages the append-only run history: lifecycle events and
// approval decisions.
type AuditStore interface {
	AppendEvent(ctx context.Context, event *RunEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*RunEvent, error)

	RecordApproval(ctx context.Context, rec *ApprovalRecord) error
	ListApprovals(ctx context.Context, runID string) ([]*ApprovalRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	DefinitionStore
	RunStore
	AuditStore

	Migrate(ctx context.Context) error
	Close() error
}
