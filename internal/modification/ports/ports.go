package ports

import (
	"context"

	"github.com/procflow-go/internal/domain/process"
	"github.com/procflow-go/internal/domain/runtime"
)

// ExecutionStore reads and writes whole execution trees. SaveTree persists
// the tree transactionally and must fail with runtime.ErrConcurrencyConflict
// when the root execution's version no longer matches the loaded one.
type ExecutionStore interface {
	LoadTree(ctx context.Context, processInstanceID string) (*runtime.ExecutionTree, error)
	SaveTree(ctx context.Context, tree *runtime.ExecutionTree) error
}

// DefinitionStore resolves static scope graphs.
type DefinitionStore interface {
	DefinitionForInstance(ctx context.Context, processInstanceID string) (*process.Definition, error)
	DefinitionByID(ctx context.Context, processDefinitionID string) (*process.Definition, error)
}

// VariableStore assigns variable values to an execution. Serialization of
// the values is the collaborator's concern, not this module's.
type VariableStore interface {
	SetVariables(ctx context.Context, processInstanceID, executionID string, variables map[string]any, local bool) error
}

// ContinuationOptions carries the listener/mapping flags of the surrounding
// modification through to the continuation collaborator.
type ContinuationOptions struct {
	SkipCustomListeners bool
	SkipIoMappings      bool
}

// ContinuationSignaler hands control to the engine's regular execution
// machinery once the tree has been restructured.
type ContinuationSignaler interface {
	// StartBefore begins normal execution of the activity on the freshly
	// created execution.
	StartBefore(ctx context.Context, processInstanceID, executionID, activityID string, opts ContinuationOptions) error
	// TakeTransition lets the execution leave via the given transition.
	TakeTransition(ctx context.Context, processInstanceID, executionID, transitionID string, opts ContinuationOptions) error
	// Terminate signals that the activity instance was cancelled.
	Terminate(ctx context.Context, processInstanceID, activityInstanceID string, opts ContinuationOptions) error
}

// InstanceQuery is a deferred process instance selection, resolved once at
// execute time.
type InstanceQuery interface {
	ResolveIDs(ctx context.Context) ([]string, error)
}
