package tree

import (
	"context"
	"fmt"
	"testing"

	"github.com/procflow-go/internal/domain/process"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderDefinition is the shared fixture graph:
//
//	order-def
//	├── task1 --flow1--> task2
//	└── review (scope)
//	    ├── check
//	    └── approve
func orderDefinition(t *testing.T) *process.Definition {
	t.Helper()
	def := process.NewDefinition("order-def", "order")
	add := func(el process.Element) {
		_, err := def.AddElement(el)
		require.NoError(t, err)
	}
	add(process.Element{ID: "task1", Type: "userTask"})
	add(process.Element{ID: "task2", Type: "userTask"})
	add(process.Element{ID: "review", Type: "subProcess", Scope: true})
	add(process.Element{ID: "check", Type: "userTask", FlowScopeID: "review"})
	add(process.Element{ID: "approve", Type: "userTask", FlowScopeID: "review"})
	_, err := def.AddTransition(process.Transition{ID: "flow1", SourceID: "task1", TargetID: "task2"})
	require.NoError(t, err)
	return def
}

func restoreTree(t *testing.T, executions []*runtime.Execution) *runtime.ExecutionTree {
	t.Helper()
	tree, err := runtime.Restore("pi1", "order-def", 1, executions)
	require.NoError(t, err)
	return tree
}

func ids(executions []*runtime.Execution) []string {
	out := make([]string, len(executions))
	for i, e := range executions {
		out[i] = e.ID
	}
	return out
}

func TestBuildFromTree_CompactedRoot(t *testing.T) {
	def := orderDefinition(t)
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task1", ActivityInstanceID: "ai1", Kind: runtime.KindScope},
	})

	m := BuildFromTree(tree, def)

	assert.Equal(t, []string{"order-def"}, m.Scopes())
	assert.Equal(t, []string{"pi1"}, ids(m.ExecutionsFor("order-def")))
}

func TestBuildFromTree_ForkMapsEachBranch(t *testing.T) {
	def := orderDefinition(t)
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityInstanceID: "pi1", Kind: runtime.KindScope},
		{ID: "branch-a", ParentID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task1", ActivityInstanceID: "ai-a", Kind: runtime.KindConcurrent},
		{ID: "branch-b", ParentID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task2", ActivityInstanceID: "ai-b", Kind: runtime.KindConcurrent},
	})

	m := BuildFromTree(tree, def)

	// one mapped execution per parallel branch, in id order
	assert.Equal(t, []string{"branch-a", "branch-b"}, ids(m.ExecutionsFor("order-def")))
}

func TestBuildFromTree_CompactedSubProcess(t *testing.T) {
	def := orderDefinition(t)
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityInstanceID: "pi1", Kind: runtime.KindScope},
		{ID: "se1", ParentID: "pi1", ProcessInstanceID: "pi1", ActivityID: "check", ActivityInstanceID: "ai-check", Kind: runtime.KindScope},
	})

	m := BuildFromTree(tree, def)

	assert.Equal(t, []string{"se1"}, ids(m.ExecutionsFor("review")))
	assert.Equal(t, []string{"pi1"}, ids(m.ExecutionsFor("order-def")))
}

func TestBuildFromTree_ConcurrencyInsideSubProcess(t *testing.T) {
	def := orderDefinition(t)
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityInstanceID: "pi1", Kind: runtime.KindScope},
		{ID: "se1", ParentID: "pi1", ProcessInstanceID: "pi1", ActivityID: "review", ActivityInstanceID: "ai-review", Kind: runtime.KindScope},
		{ID: "ca", ParentID: "se1", ProcessInstanceID: "pi1", ActivityID: "check", ActivityInstanceID: "ai-c", Kind: runtime.KindConcurrent},
		{ID: "cb", ParentID: "se1", ProcessInstanceID: "pi1", ActivityID: "approve", ActivityInstanceID: "ai-d", Kind: runtime.KindConcurrent},
	})

	m := BuildFromTree(tree, def)

	// branches stand in for the review scope, the scope execution stays
	// mapped to the outer scope
	assert.Equal(t, []string{"ca", "cb"}, ids(m.ExecutionsFor("review")))
	assert.Equal(t, []string{"pi1"}, ids(m.ExecutionsFor("order-def")))
}

func TestBuildFromTree_SkipsEventScopes(t *testing.T) {
	def := orderDefinition(t)
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task1", ActivityInstanceID: "ai1", Kind: runtime.KindScope},
		{ID: "ev1", ParentID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task2", ActivityInstanceID: "ai-ev", Kind: runtime.KindEventScope},
	})

	m := BuildFromTree(tree, def)

	// the event scope neither appears in the mapping nor stops its parent
	// from being a leaf
	assert.Equal(t, []string{"pi1"}, ids(m.ExecutionsFor("order-def")))
	for _, scope := range m.Scopes() {
		assert.NotContains(t, ids(m.ExecutionsFor(scope)), "ev1")
	}
}

func TestBuildFromTree_UnknownActivityIsUnmapped(t *testing.T) {
	def := orderDefinition(t)
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityID: "gone", ActivityInstanceID: "ai1", Kind: runtime.KindScope},
	})

	m := BuildFromTree(tree, def)

	assert.Empty(t, m.Scopes())
	assert.Empty(t, m.ExecutionsFor("order-def"))
}

func TestBuildFromTree_IsIdempotent(t *testing.T) {
	def := orderDefinition(t)
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityInstanceID: "pi1", Kind: runtime.KindScope},
		{ID: "branch-a", ParentID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task1", ActivityInstanceID: "ai-a", Kind: runtime.KindConcurrent},
		{ID: "branch-b", ParentID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task2", ActivityInstanceID: "ai-b", Kind: runtime.KindConcurrent},
	})

	first := BuildFromTree(tree, def)
	second := BuildFromTree(tree, def)

	assert.Equal(t, first.Scopes(), second.Scopes())
	for _, scope := range first.Scopes() {
		assert.Equal(t, ids(first.ExecutionsFor(scope)), ids(second.ExecutionsFor(scope)))
	}
}

type stubTreeReader struct {
	trees map[string]*runtime.ExecutionTree
}

func (s stubTreeReader) LoadTree(_ context.Context, processInstanceID string) (*runtime.ExecutionTree, error) {
	tree, ok := s.trees[processInstanceID]
	if !ok {
		return nil, fmt.Errorf("process instance %q: %w", processInstanceID, runtime.ErrNotFound)
	}
	return tree, nil
}

type stubDefinitionReader struct {
	def *process.Definition
}

func (s stubDefinitionReader) DefinitionForInstance(context.Context, string) (*process.Definition, error) {
	return s.def, nil
}

func TestMapper_BuildLoadsAndMaps(t *testing.T) {
	def := orderDefinition(t)
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task1", ActivityInstanceID: "ai1", Kind: runtime.KindScope},
	})
	mapper := NewMapper(stubTreeReader{trees: map[string]*runtime.ExecutionTree{"pi1": tree}}, stubDefinitionReader{def: def})

	m, err := mapper.Build(context.Background(), "pi1")

	require.NoError(t, err)
	assert.Equal(t, []string{"pi1"}, ids(m.ExecutionsFor("order-def")))
}

func TestMapper_BuildUnknownInstance(t *testing.T) {
	mapper := NewMapper(stubTreeReader{trees: map[string]*runtime.ExecutionTree{}}, stubDefinitionReader{def: orderDefinition(t)})

	_, err := mapper.Build(context.Background(), "missing")
	assert.ErrorIs(t, err, runtime.ErrNotFound)

	_, err = mapper.Build(context.Background(), "")
	assert.ErrorIs(t, err, runtime.ErrValidation)
}

func TestLeaves_CompensationThrowingCountsAsLeaf(t *testing.T) {
	tree := restoreTree(t, []*runtime.Execution{
		{ID: "pi1", ProcessInstanceID: "pi1", ActivityInstanceID: "pi1", Kind: runtime.KindScope},
		{ID: "comp", ParentID: "pi1", ProcessInstanceID: "pi1", ActivityID: "task1", ActivityInstanceID: "ai-comp", Kind: runtime.KindCompensationThrowing},
		{ID: "handler", ParentID: "comp", ProcessInstanceID: "pi1", ActivityID: "task2", ActivityInstanceID: "ai-h", Kind: runtime.KindScope},
	})

	assert.Contains(t, ids(tree.Leaves()), "comp")
}
