package instruction

import (
	"context"
	"fmt"
	"sort"

	"github.com/procflow-go/internal/domain/process"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/internal/modification/ports"
	"github.com/procflow-go/internal/runtime/tree"
)

// Environment is the explicit per-unit-of-work context an instruction runs
// in: the scope graph, the (mutable, in-memory) execution tree and the
// external collaborators. There is no implicit ambient state.
type Environment struct {
	Graph        *process.Definition
	Tree         *runtime.ExecutionTree
	Variables    ports.VariableStore
	Continuation ports.ContinuationSignaler
	Options      ports.ContinuationOptions
}

// Apply resolves one instruction against the current state of env.Tree and
// mutates the tree accordingly. The scope mapping is computed fresh from the
// tree on every call, so a later instruction always sees the effects of the
// earlier ones.
func Apply(ctx context.Context, env *Environment, in Instruction) error {
	if err := in.Validate(); err != nil {
		return err
	}
	switch in.Kind {
	case StartBeforeActivity:
		return applyStartBefore(ctx, env, in)
	case StartAfterActivity:
		return applyStartAfter(ctx, env, in)
	case StartTransition:
		return applyStartTransition(ctx, env, in)
	case CancelActivityInstance:
		return applyCancel(ctx, env, in)
	case CancelAllInActivity:
		return applyCancelAll(ctx, env, in)
	}
	return fmt.Errorf("unknown instruction kind %q: %w", in.Kind, runtime.ErrValidation)
}

func applyStartBefore(ctx context.Context, env *Environment, in Instruction) error {
	el, err := env.Graph.ElementByID(in.ActivityID)
	if err != nil {
		return fmt.Errorf("start before %q: %w", in.ActivityID, runtime.ErrInvalidActivity)
	}
	if el.ID == env.Graph.RootID() {
		return fmt.Errorf("cannot start the process root %q: %w", el.ID, runtime.ErrInvalidActivity)
	}
	target, err := instantiate(env, el, in.AncestorActivityInstanceID)
	if err != nil {
		return err
	}
	if err := assignVariables(ctx, env, target, in); err != nil {
		return err
	}
	return env.Continuation.StartBefore(ctx, env.Tree.ProcessInstanceID, target.ID, el.ID, env.Options)
}

func applyStartAfter(ctx context.Context, env *Environment, in Instruction) error {
	el, err := env.Graph.ElementByID(in.ActivityID)
	if err != nil {
		return fmt.Errorf("start after %q: %w", in.ActivityID, runtime.ErrInvalidActivity)
	}
	if len(el.Outgoing) != 1 {
		return fmt.Errorf("start after %q: activity has %d outgoing transitions, need exactly one: %w",
			in.ActivityID, len(el.Outgoing), runtime.ErrInvalidActivity)
	}
	via := in
	via.TransitionID = el.Outgoing[0]
	return applyStartTransition(ctx, env, via)
}

func applyStartTransition(ctx context.Context, env *Environment, in Instruction) error {
	tr, err := env.Graph.TransitionByID(in.TransitionID)
	if err != nil {
		return fmt.Errorf("start transition %q: %w", in.TransitionID, runtime.ErrInvalidActivity)
	}
	source, err := env.Graph.ElementByID(tr.SourceID)
	if err != nil {
		return fmt.Errorf("transition %q source: %w", in.TransitionID, runtime.ErrInvalidActivity)
	}
	// the new execution sits in the source's flow scope; the continuation
	// immediately leaves it via the transition
	target, err := instantiate(env, source, in.AncestorActivityInstanceID)
	if err != nil {
		return err
	}
	if err := assignVariables(ctx, env, target, in); err != nil {
		return err
	}
	return env.Continuation.TakeTransition(ctx, env.Tree.ProcessInstanceID, target.ID, tr.ID, env.Options)
}

// instantiate locates the attachment point for the element via the current
// mapping and creates the execution chain down to it.
func instantiate(env *Environment, el *process.Element, ancestorActivityInstanceID string) (*runtime.Execution, error) {
	m := tree.BuildFromTree(env.Tree, env.Graph)

	flowScope := env.Graph.FlowScopeOf(el)
	if flowScope == nil {
		return nil, fmt.Errorf("element %q has no flow scope: %w", el.ID, runtime.ErrInvalidActivity)
	}
	enclosing := env.Graph.FlowScopeChain(flowScope) // innermost first, ends at process root

	var attachment *runtime.Execution
	instantiatedFrom := len(enclosing) - 1 // the root scope is always instantiated by the root execution
	for i, sc := range enclosing {
		candidates := scopeExecutionsOf(env.Tree, m.ExecutionsFor(sc.ID))
		candidates = filterByAncestor(env.Tree, candidates, ancestorActivityInstanceID)
		if len(candidates) == 0 {
			continue
		}
		if len(candidates) > 1 {
			return nil, fmt.Errorf("scope %q is instantiated %d times: %w",
				sc.ID, len(candidates), runtime.ErrAmbiguousActivityInstance)
		}
		attachment = candidates[0]
		instantiatedFrom = i
		break
	}
	if attachment == nil {
		if ancestorActivityInstanceID != "" {
			return nil, fmt.Errorf("ancestor activity instance %q: %w",
				ancestorActivityInstanceID, runtime.ErrNotFound)
		}
		attachment = env.Tree.Root()
	}

	// scopes strictly between the attachment's scope and the element, outermost first
	scopesToCreate := make([]*process.Element, 0, instantiatedFrom+1)
	for i := instantiatedFrom - 1; i >= 0; i-- {
		scopesToCreate = append(scopesToCreate, enclosing[i])
	}
	if el.Scope {
		scopesToCreate = append(scopesToCreate, el)
	}

	return tree.StartAt(env.Tree, env.Graph, attachment, scopesToCreate, el)
}

// scopeExecutionsOf collapses mapped executions onto the scope executions
// hosting them. Parallel branches of one fork stand in for the same scope
// instance and must not look like separate instantiations.
func scopeExecutionsOf(t *runtime.ExecutionTree, mapped []*runtime.Execution) []*runtime.Execution {
	seen := make(map[string]struct{}, len(mapped))
	var out []*runtime.Execution
	for _, e := range mapped {
		scopeExec := e
		for scopeExec != nil && !scopeExec.IsScope() {
			scopeExec = t.Parent(scopeExec)
		}
		if scopeExec == nil {
			continue
		}
		if _, ok := seen[scopeExec.ID]; ok {
			continue
		}
		seen[scopeExec.ID] = struct{}{}
		out = append(out, scopeExec)
	}
	return sortByID(out)
}

// filterByAncestor keeps the candidates whose ancestor chain (candidate
// included) carries the given activity instance id. An empty id keeps all.
func filterByAncestor(t *runtime.ExecutionTree, candidates []*runtime.Execution, ancestorActivityInstanceID string) []*runtime.Execution {
	if ancestorActivityInstanceID == "" {
		return candidates
	}
	var out []*runtime.Execution
	for _, c := range candidates {
		for e := c; e != nil; e = t.Parent(e) {
			if e.ActivityInstanceID == ancestorActivityInstanceID {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func assignVariables(ctx context.Context, env *Environment, target *runtime.Execution, in Instruction) error {
	pid := env.Tree.ProcessInstanceID
	if len(in.Variables) > 0 {
		if err := env.Variables.SetVariables(ctx, pid, env.Tree.Root().ID, in.Variables, false); err != nil {
			return fmt.Errorf("set instance variables: %w", err)
		}
	}
	if len(in.VariablesLocal) > 0 {
		if err := env.Variables.SetVariables(ctx, pid, target.ID, in.VariablesLocal, true); err != nil {
			return fmt.Errorf("set local variables: %w", err)
		}
	}
	return nil
}

func applyCancel(ctx context.Context, env *Environment, in Instruction) error {
	matches := env.Tree.FindByActivityInstance(in.ActivityInstanceID)
	if len(matches) == 0 {
		return fmt.Errorf("activity instance %q: %w", in.ActivityInstanceID, runtime.ErrNotFound)
	}
	if in.ActivityInstanceID == env.Tree.ProcessInstanceID {
		return fmt.Errorf("activity instance %q is the process instance itself: %w",
			in.ActivityInstanceID, runtime.ErrNotCancellable)
	}

	// several executions may share the activity instance id across scope
	// levels; the topmost ones delimit the subtrees to terminate
	topmost := topmostOf(env.Tree, matches)
	if len(topmost) > 1 {
		topmost = filterByAncestor(env.Tree, topmost, in.AncestorActivityInstanceID)
		if len(topmost) == 0 {
			return fmt.Errorf("ancestor activity instance %q: %w",
				in.AncestorActivityInstanceID, runtime.ErrNotFound)
		}
		if len(topmost) > 1 {
			return fmt.Errorf("activity instance %q matches %d executions: %w",
				in.ActivityInstanceID, len(topmost), runtime.ErrAmbiguousActivityInstance)
		}
	}

	if _, err := tree.Terminate(env.Tree, env.Graph, topmost[0]); err != nil {
		return err
	}
	return env.Continuation.Terminate(ctx, env.Tree.ProcessInstanceID, in.ActivityInstanceID, env.Options)
}

func applyCancelAll(ctx context.Context, env *Environment, in Instruction) error {
	el, err := env.Graph.ElementByID(in.ActivityID)
	if err != nil {
		return fmt.Errorf("cancel all in %q: %w", in.ActivityID, runtime.ErrInvalidActivity)
	}

	// recompute after every termination: compacting away a sibling can move
	// an activity instance onto an ancestor execution
	for {
		targets := make(map[string]*runtime.Execution)
		for _, e := range env.Tree.FindByActivity(el.ID) {
			targets[e.ID] = e
		}
		if el.Scope {
			m := tree.BuildFromTree(env.Tree, env.Graph)
			for _, e := range m.ExecutionsFor(el.ID) {
				targets[e.ID] = e
			}
		}
		topmost := topmostOf(env.Tree, values(targets))
		if len(topmost) == 0 {
			return nil
		}

		target := topmost[0]
		activityInstanceID := target.ActivityInstanceID
		if _, err := tree.Terminate(env.Tree, env.Graph, target); err != nil {
			return err
		}
		if err := env.Continuation.Terminate(ctx, env.Tree.ProcessInstanceID, activityInstanceID, env.Options); err != nil {
			return err
		}
	}
}

// topmostOf keeps the executions that have no strict ancestor inside the
// same set, ordered by id.
func topmostOf(t *runtime.ExecutionTree, set []*runtime.Execution) []*runtime.Execution {
	byID := make(map[string]struct{}, len(set))
	for _, e := range set {
		byID[e.ID] = struct{}{}
	}
	var out []*runtime.Execution
	for _, e := range sortByID(set) {
		covered := false
		for p := t.Parent(e); p != nil; p = t.Parent(p) {
			if _, ok := byID[p.ID]; ok {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, e)
		}
	}
	return out
}

func sortByID(set []*runtime.Execution) []*runtime.Execution {
	out := make([]*runtime.Execution, len(set))
	copy(out, set)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func values(m map[string]*runtime.Execution) []*runtime.Execution {
	out := make([]*runtime.Execution, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}
