package builder

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/procflow-go/internal/batch"
	"github.com/procflow-go/internal/domain/process"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/internal/modification/instruction"
	"github.com/procflow-go/internal/modification/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutionStore struct {
	trees     map[string][]*runtime.Execution
	defID     string
	loads     int
	saves     int
	saved     map[string]*runtime.ExecutionTree
	conflicts int // SaveTree fails this many times before succeeding
}

func (f *fakeExecutionStore) LoadTree(ctx context.Context, processInstanceID string) (*runtime.ExecutionTree, error) {
	executions, ok := f.trees[processInstanceID]
	if !ok {
		return nil, fmt.Errorf("process instance %q: %w", processInstanceID, runtime.ErrNotFound)
	}
	f.loads++
	copies := make([]*runtime.Execution, len(executions))
	for i, e := range executions {
		c := *e
		copies[i] = &c
	}
	return runtime.Restore(processInstanceID, f.defID, 1, copies)
}

func (f *fakeExecutionStore) SaveTree(ctx context.Context, tree *runtime.ExecutionTree) error {
	if f.conflicts > 0 {
		f.conflicts--
		return fmt.Errorf("stale tree: %w", runtime.ErrConcurrencyConflict)
	}
	f.saves++
	if f.saved == nil {
		f.saved = make(map[string]*runtime.ExecutionTree)
	}
	f.saved[tree.ProcessInstanceID] = tree
	return nil
}

type fakeDefinitionStore struct {
	def *process.Definition
}

func (f *fakeDefinitionStore) DefinitionForInstance(ctx context.Context, processInstanceID string) (*process.Definition, error) {
	return f.def, nil
}

func (f *fakeDefinitionStore) DefinitionByID(ctx context.Context, processDefinitionID string) (*process.Definition, error) {
	return f.def, nil
}

type nopVariables struct{}

func (nopVariables) SetVariables(ctx context.Context, processInstanceID, executionID string, variables map[string]any, local bool) error {
	return nil
}

type nopContinuation struct{}

func (nopContinuation) StartBefore(ctx context.Context, processInstanceID, executionID, activityID string, opts ports.ContinuationOptions) error {
	return nil
}

func (nopContinuation) TakeTransition(ctx context.Context, processInstanceID, executionID, transitionID string, opts ports.ContinuationOptions) error {
	return nil
}

func (nopContinuation) Terminate(ctx context.Context, processInstanceID, activityInstanceID string, opts ports.ContinuationOptions) error {
	return nil
}

type fakeBatchCreator struct {
	cfg     *batch.Configuration
	created *batch.Batch
	err     error
}

func (f *fakeBatchCreator) Create(ctx context.Context, cfg batch.Configuration) (*batch.Batch, error) {
	f.cfg = &cfg
	if f.err != nil {
		return nil, f.err
	}
	if f.created == nil {
		f.created = batch.NewBatch(cfg.ProcessDefinitionID, "", "cfg-1", 1, 100)
	}
	return f.created, nil
}

type staticQuery []string

func (q staticQuery) ResolveIDs(ctx context.Context) ([]string, error) {
	return q, nil
}

func testDefinition(t *testing.T) *process.Definition {
	t.Helper()
	def := process.NewDefinition("order-def", "order")
	for _, id := range []string{"task1", "task2"} {
		_, err := def.AddElement(process.Element{ID: id, Type: "userTask"})
		require.NoError(t, err)
	}
	return def
}

func compactedInstance(pid, activityID string) []*runtime.Execution {
	return []*runtime.Execution{
		{ID: pid, ProcessInstanceID: pid, ActivityID: activityID, ActivityInstanceID: "ai-" + pid, Kind: runtime.KindScope},
	}
}

func testDeps(t *testing.T, store *fakeExecutionStore) Deps {
	t.Helper()
	return Deps{
		Executions:   store,
		Definitions:  &fakeDefinitionStore{def: testDefinition(t)},
		Variables:    nopVariables{},
		Continuation: nopContinuation{},
	}
}

func TestBuilder_Execute_RequiresInstructions(t *testing.T) {
	b := New(testDeps(t, &fakeExecutionStore{})).ProcessInstanceIDs("pi1")

	err := b.Execute(context.Background())
	assert.ErrorIs(t, err, runtime.ErrValidation)
}

func TestBuilder_Execute_RequiresExactlyOneTargetSource(t *testing.T) {
	deps := testDeps(t, &fakeExecutionStore{})

	// neither ids nor query
	err := New(deps).StartBeforeActivity("task1").Execute(context.Background())
	assert.ErrorIs(t, err, runtime.ErrValidation)

	// both ids and query
	err = New(deps).
		StartBeforeActivity("task1").
		ProcessInstanceIDs("pi1").
		ProcessInstanceQuery(staticQuery{"pi2"}).
		Execute(context.Background())
	assert.ErrorIs(t, err, runtime.ErrValidation)
}

func TestBuilder_Execute_AppliesToEveryInstance(t *testing.T) {
	store := &fakeExecutionStore{
		defID: "order-def",
		trees: map[string][]*runtime.Execution{
			"pi1": compactedInstance("pi1", "task1"),
			"pi2": compactedInstance("pi2", "task1"),
		},
	}

	err := New(testDeps(t, store)).
		StartBeforeActivity("task2").
		CancelAllInActivity("task1").
		ProcessInstanceIDs("pi1", "pi2").
		Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, store.saves)
	for _, pid := range []string{"pi1", "pi2"} {
		tree := store.saved[pid]
		require.NotNil(t, tree)
		assert.Equal(t, "task2", tree.Root().ActivityID)
	}
}

func TestBuilder_Execute_FailsFastOnFirstError(t *testing.T) {
	store := &fakeExecutionStore{
		defID: "order-def",
		trees: map[string][]*runtime.Execution{
			"pi2": compactedInstance("pi2", "task1"),
		},
	}

	// pi1 does not exist, pi2 must never be touched
	err := New(testDeps(t, store)).
		StartBeforeActivity("task2").
		ProcessInstanceIDs("pi1", "pi2").
		Execute(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	assert.Contains(t, err.Error(), "pi1")
	assert.Zero(t, store.saves)
}

func TestBuilder_Execute_RetriesOnConcurrencyConflict(t *testing.T) {
	store := &fakeExecutionStore{
		defID:     "order-def",
		trees:     map[string][]*runtime.Execution{"pi1": compactedInstance("pi1", "task1")},
		conflicts: 1,
	}

	err := New(testDeps(t, store)).
		StartBeforeActivity("task2").
		ProcessInstanceIDs("pi1").
		Execute(context.Background())
	require.NoError(t, err)

	// the whole unit of work ran twice: fresh load, one successful save
	assert.Equal(t, 2, store.loads)
	assert.Equal(t, 1, store.saves)
}

func TestBuilder_Execute_GivesUpAfterRetryBudget(t *testing.T) {
	store := &fakeExecutionStore{
		defID:     "order-def",
		trees:     map[string][]*runtime.Execution{"pi1": compactedInstance("pi1", "task1")},
		conflicts: 10,
	}
	deps := testDeps(t, store)
	deps.ConflictRetries = 2

	err := New(deps).
		StartBeforeActivity("task2").
		ProcessInstanceIDs("pi1").
		Execute(context.Background())
	assert.ErrorIs(t, err, runtime.ErrConcurrencyConflict)
	assert.Zero(t, store.saves)
}

func TestBuilder_Execute_ResolvesQueryAtExecuteTime(t *testing.T) {
	store := &fakeExecutionStore{
		defID: "order-def",
		trees: map[string][]*runtime.Execution{"pi1": compactedInstance("pi1", "task1")},
	}

	err := New(testDeps(t, store)).
		StartBeforeActivity("task2").
		ProcessInstanceQuery(staticQuery{"pi1"}).
		Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)
}

func TestBuilder_ExecuteAsync_DelegatesToBatchCreator(t *testing.T) {
	creator := &fakeBatchCreator{}
	deps := testDeps(t, &fakeExecutionStore{})
	deps.Batches = creator

	created, err := New(deps).
		StartBeforeActivity("task2").
		CancelAllInActivity("task1").
		ProcessInstanceIDs("pi1", "pi2", "pi3").
		ProcessDefinitionID("order-def").
		SkipCustomListeners().
		ExecuteAsync(context.Background())
	require.NoError(t, err)
	require.NotNil(t, created)

	require.NotNil(t, creator.cfg)
	assert.Equal(t, []string{"pi1", "pi2", "pi3"}, creator.cfg.TargetIDs)
	assert.Equal(t, "order-def", creator.cfg.ProcessDefinitionID)
	assert.Len(t, creator.cfg.Instructions, 2)
	assert.True(t, creator.cfg.Flags.SkipCustomListeners)
	assert.False(t, creator.cfg.Flags.SkipIoMappings)
}

func TestBuilder_ExecuteAsync_ResolvesQueryEagerly(t *testing.T) {
	creator := &fakeBatchCreator{}
	deps := testDeps(t, &fakeExecutionStore{})
	deps.Batches = creator

	_, err := New(deps).
		StartBeforeActivity("task2").
		ProcessInstanceQuery(staticQuery{"pi7", "pi8"}).
		ExecuteAsync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"pi7", "pi8"}, creator.cfg.TargetIDs)
}

func TestBuilder_ExecuteAsync_ValidatesFirst(t *testing.T) {
	creator := &fakeBatchCreator{}
	deps := testDeps(t, &fakeExecutionStore{})
	deps.Batches = creator

	_, err := New(deps).ProcessInstanceIDs("pi1").ExecuteAsync(context.Background())
	assert.ErrorIs(t, err, runtime.ErrValidation)
	assert.Nil(t, creator.cfg)
}

func TestRunner_ReplaysStoredModification(t *testing.T) {
	store := &fakeExecutionStore{
		defID: "order-def",
		trees: map[string][]*runtime.Execution{
			"pi1": compactedInstance("pi1", "task1"),
			"pi2": compactedInstance("pi2", "task1"),
		},
	}
	runner := NewRunner(testDeps(t, store))

	err := runner.Run(context.Background(),
		[]string{"pi1", "pi2"},
		[]instruction.Instruction{instruction.StartBefore("task2"), instruction.CancelAll("task1")},
		batch.Flags{SkipIoMappings: true},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, store.saves)
}

func TestBuilder_SetVariablesTargetsLastInstruction(t *testing.T) {
	b := New(testDeps(t, &fakeExecutionStore{})).
		StartBeforeActivity("task1").
		StartBeforeActivity("task2").
		SetVariables(map[string]any{"a": 1}, false).
		SetVariables(map[string]any{"b": 2}, true)

	ins := b.Instructions()
	require.Len(t, ins, 2)
	assert.Nil(t, ins[0].Variables)
	assert.Equal(t, map[string]any{"a": 1}, ins[1].Variables)
	assert.Equal(t, map[string]any{"b": 2}, ins[1].VariablesLocal)
}

func TestBuilder_Execute_WrapsInstructionErrors(t *testing.T) {
	store := &fakeExecutionStore{
		defID: "order-def",
		trees: map[string][]*runtime.Execution{"pi1": compactedInstance("pi1", "task1")},
	}

	err := New(testDeps(t, store)).
		CancelActivityInstance("no-such-instance").
		ProcessInstanceIDs("pi1").
		Execute(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	assert.True(t, errors.Is(err, runtime.ErrNotFound))
}
