package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDefinition(t *testing.T) *Definition {
	t.Helper()
	def := NewDefinition("order-def", "order")
	for _, el := range []Element{
		{ID: "task1", Type: "userTask"},
		{ID: "review", Type: "subProcess", Scope: true},
		{ID: "check", Type: "userTask", FlowScopeID: "review"},
		{ID: "inner", Type: "subProcess", Scope: true, FlowScopeID: "review"},
		{ID: "deep", Type: "serviceTask", FlowScopeID: "inner"},
	} {
		_, err := def.AddElement(el)
		require.NoError(t, err)
	}
	return def
}

func TestDefinition_AddElementValidation(t *testing.T) {
	def := buildDefinition(t)

	_, err := def.AddElement(Element{ID: "task1"})
	assert.Error(t, err)

	_, err = def.AddElement(Element{ID: "orphan", FlowScopeID: "nowhere"})
	assert.ErrorIs(t, err, ErrUnknownElement)

	// a plain activity cannot host children
	_, err = def.AddElement(Element{ID: "nested", FlowScopeID: "task1"})
	assert.ErrorIs(t, err, ErrNotAScope)
}

func TestDefinition_AddTransitionTracksOutgoing(t *testing.T) {
	def := buildDefinition(t)

	_, err := def.AddTransition(Transition{ID: "flow1", SourceID: "task1", TargetID: "review"})
	require.NoError(t, err)
	_, err = def.AddTransition(Transition{ID: "flow2", SourceID: "task1", TargetID: "task1"})
	require.NoError(t, err)

	task1, err := def.ElementByID("task1")
	require.NoError(t, err)
	assert.Equal(t, []string{"flow1", "flow2"}, task1.Outgoing)

	_, err = def.AddTransition(Transition{ID: "bad", SourceID: "nowhere", TargetID: "task1"})
	assert.ErrorIs(t, err, ErrUnknownElement)
}

func TestDefinition_FlowScopeChain(t *testing.T) {
	def := buildDefinition(t)

	deep, err := def.ElementByID("deep")
	require.NoError(t, err)
	chain := def.FlowScopeChain(deep)
	require.Len(t, chain, 3)
	assert.Equal(t, "inner", chain[0].ID)
	assert.Equal(t, "review", chain[1].ID)
	assert.Equal(t, "order-def", chain[2].ID)

	// a scope element starts its own chain
	review, err := def.ElementByID("review")
	require.NoError(t, err)
	chain = def.FlowScopeChain(review)
	require.Len(t, chain, 2)
	assert.Equal(t, "review", chain[0].ID)

	root, err := def.ElementByID(def.RootID())
	require.NoError(t, err)
	chain = def.FlowScopeChain(root)
	require.Len(t, chain, 1)
	assert.Equal(t, "order-def", chain[0].ID)
}

func TestDefinition_ElementsOrderedParentFirst(t *testing.T) {
	def := buildDefinition(t)

	els := def.Elements()
	position := make(map[string]int, len(els))
	for i, el := range els {
		position[el.ID] = i
		assert.NotEqual(t, def.RootID(), el.ID)
	}
	assert.Len(t, els, 5)
	assert.Less(t, position["review"], position["check"])
	assert.Less(t, position["review"], position["inner"])
	assert.Less(t, position["inner"], position["deep"])
}

func TestDefinition_Lookups(t *testing.T) {
	def := buildDefinition(t)

	_, err := def.ElementByID("missing")
	assert.ErrorIs(t, err, ErrUnknownElement)

	_, err = def.TransitionByID("missing")
	assert.ErrorIs(t, err, ErrUnknownTransition)

	check, err := def.ElementByID("check")
	require.NoError(t, err)
	scope := def.FlowScopeOf(check)
	require.NotNil(t, scope)
	assert.Equal(t, "review", scope.ID)

	root, err := def.ElementByID(def.RootID())
	require.NoError(t, err)
	assert.Nil(t, def.FlowScopeOf(root))

	assert.ElementsMatch(t, []string{"task1", "review"}, def.ChildrenOf(def.RootID()))
}
