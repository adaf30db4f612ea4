package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/procflow-go/internal/domain/process"
	"github.com/procflow-go/internal/domain/runtime"
)

// TreeReader loads the full execution subtree of one process instance.
type TreeReader interface {
	LoadTree(ctx context.Context, processInstanceID string) (*runtime.ExecutionTree, error)
}

// DefinitionReader resolves the static scope graph a process instance runs on.
type DefinitionReader interface {
	DefinitionForInstance(ctx context.Context, processInstanceID string) (*process.Definition, error)
}

// Mapping relates static flow scopes to the live executions currently
// instantiating them. It is ephemeral: built from one full tree read and
// thrown away after the command that needed it. A scope may map to zero, one
// or many executions at once; callers needing a single one must disambiguate.
type Mapping struct {
	byScope map[string]map[string]*runtime.Execution
}

// ExecutionsFor returns the executions instantiating a scope, ordered by id.
// Unmapped scopes yield an empty slice, never an error.
func (m *Mapping) ExecutionsFor(scopeID string) []*runtime.Execution {
	set := m.byScope[scopeID]
	out := make([]*runtime.Execution, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Scopes returns the ids of all mapped scopes, ordered.
func (m *Mapping) Scopes() []string {
	out := make([]string, 0, len(m.byScope))
	for id := range m.byScope {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Mapping) add(scopeID string, e *runtime.Execution) {
	set, ok := m.byScope[scopeID]
	if !ok {
		set = make(map[string]*runtime.Execution)
		m.byScope[scopeID] = set
	}
	set[e.ID] = e
}

// BuildFromTree computes the scope mapping for an already loaded tree.
//
// Leaves are visited in id order so repeated builds over the same tree are
// deterministic. For every leaf positioned in a known activity, the leaf's
// ancestor scope-execution chain is zipped against the activity's flow-scope
// chain and every pair is accumulated into the per-scope sets. Concurrent
// branches therefore contribute multiple executions to the same scope.
// Malformed leaves (no activity, no activity instance id, unknown element)
// are treated as unmapped, never as an error.
func BuildFromTree(t *runtime.ExecutionTree, def *process.Definition) *Mapping {
	m := &Mapping{byScope: make(map[string]map[string]*runtime.Execution)}
	for _, leaf := range t.Leaves() {
		if leaf.ActivityID == "" || leaf.ActivityInstanceID == "" {
			continue
		}
		el, err := def.ElementByID(leaf.ActivityID)
		if err != nil {
			continue
		}
		scopes := def.FlowScopeChain(el)
		executions := scopeExecutionChain(t, leaf)
		n := len(scopes)
		if len(executions) < n {
			n = len(executions)
		}
		for i := 0; i < n; i++ {
			m.add(scopes[i].ID, executions[i])
		}
	}
	return m
}

// scopeExecutionChain returns the executions instantiating the leaf's flow
// scopes, innermost first. The leaf stands in for its innermost flow scope:
// a non-scope leaf replaces the scope execution it runs under, which is what
// lets each parallel branch show up separately in the mapping of the fork's
// enclosing scope.
func scopeExecutionChain(t *runtime.ExecutionTree, leaf *runtime.Execution) []*runtime.Execution {
	chain := []*runtime.Execution{leaf}
	p := t.Parent(leaf)
	if !leaf.IsScope() {
		for p != nil && !p.IsScope() {
			p = t.Parent(p)
		}
		if p != nil {
			p = t.Parent(p)
		}
	}
	for ; p != nil; p = t.Parent(p) {
		if p.IsScope() {
			chain = append(chain, p)
		}
	}
	return chain
}

// Mapper builds mappings from persisted process instances.
type Mapper struct {
	trees       TreeReader
	definitions DefinitionReader
}

func NewMapper(trees TreeReader, definitions DefinitionReader) *Mapper {
	return &Mapper{trees: trees, definitions: definitions}
}

// Build loads the instance's full execution subtree and computes its scope
// mapping. Unknown instances fail with runtime.ErrNotFound.
func (m *Mapper) Build(ctx context.Context, processInstanceID string) (*Mapping, error) {
	if processInstanceID == "" {
		return nil, fmt.Errorf("process instance id must not be empty: %w", runtime.ErrValidation)
	}
	t, err := m.trees.LoadTree(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	def, err := m.definitions.DefinitionForInstance(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	return BuildFromTree(t, def), nil
}
