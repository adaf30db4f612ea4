package tree

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/procflow-go/internal/domain/process"
	"github.com/procflow-go/internal/domain/runtime"
)

// StartAt instantiates the target element beneath the attachment execution.
// scopesToCreate is the chain of flow scopes between the attachment's scope
// (exclusive) and the element, outermost first; when the element is itself a
// scope it is the last entry. Returns the execution positioned at the target.
//
// The attachment is forked into concurrency when it already executes an
// activity or hosts other branches; an idle, childless attachment absorbs
// the new activity directly (compacted form). A scope execution positioned
// at the scope activity it instantiates is not compacted and stays in place.
func StartAt(t *runtime.ExecutionTree, def *process.Definition, attachment *runtime.Execution, scopesToCreate []*process.Element, el *process.Element) (*runtime.Execution, error) {
	host := attachment

	if executesActivity(def, host) {
		if err := pushActivityDown(t, host); err != nil {
			return nil, err
		}
	}

	if len(t.NonEventScopeChildren(host.ID)) > 0 {
		if err := ensureConcurrentChildren(t, host); err != nil {
			return nil, err
		}
		branch, err := t.NewChild(host.ID, runtime.KindConcurrent, "")
		if err != nil {
			return nil, err
		}
		host = branch
	}

	for _, sc := range scopesToCreate {
		child, err := t.NewChild(host.ID, runtime.KindScope, sc.ID)
		if err != nil {
			return nil, err
		}
		host = child
	}

	if el.Scope {
		if host == attachment {
			// the element is a scope but no scope execution was created for
			// it, which means scopesToCreate was assembled inconsistently
			return nil, fmt.Errorf("no scope execution created for scope %q", el.ID)
		}
		return host, nil
	}

	// compact the activity onto the innermost host
	host.ActivityID = el.ID
	host.ActivityInstanceID = uuid.New().String()
	return host, nil
}

// pushActivityDown expands a compacted execution: its current activity moves
// onto a fresh concurrent child so the execution can host a second branch.
func pushActivityDown(t *runtime.ExecutionTree, host *runtime.Execution) error {
	child, err := t.NewChild(host.ID, runtime.KindConcurrent, "")
	if err != nil {
		return err
	}
	child.ActivityID = host.ActivityID
	child.ActivityInstanceID = host.ActivityInstanceID
	host.ActivityID = ""
	if host.ID == t.ProcessInstanceID {
		host.ActivityInstanceID = t.ProcessInstanceID
	} else {
		host.ActivityInstanceID = ""
	}
	return nil
}

// ensureConcurrentChildren wraps any non-concurrent main-flow child in a
// concurrent execution so a new sibling branch can be attached next to it.
func ensureConcurrentChildren(t *runtime.ExecutionTree, host *runtime.Execution) error {
	for _, c := range t.NonEventScopeChildren(host.ID) {
		if c.IsConcurrent() || c.IsCompensationThrowing() {
			continue
		}
		wrapper, err := t.NewChild(host.ID, runtime.KindConcurrent, "")
		if err != nil {
			return err
		}
		if err := t.Reparent(c.ID, wrapper.ID); err != nil {
			return err
		}
	}
	return nil
}

// Terminate removes the target execution with its whole subtree, prunes
// ancestor executions left without main-flow children, and re-compacts a
// scope that is left with a single concurrent branch. Returns all removed
// executions, deepest first.
func Terminate(t *runtime.ExecutionTree, def *process.Definition, target *runtime.Execution) ([]*runtime.Execution, error) {
	if t.Get(target.ID) == nil {
		return nil, fmt.Errorf("execution %q: %w", target.ID, runtime.ErrNotFound)
	}
	if target.ID == t.Root().ID {
		// cancelling everything leaves the bare instance root behind; ending
		// the instance itself is the continuation collaborator's concern
		removed := make([]*runtime.Execution, 0, t.Size()-1)
		for _, c := range t.Children(target.ID) {
			sub, err := t.RemoveSubtree(c.ID)
			if err != nil {
				return removed, err
			}
			removed = append(removed, sub...)
		}
		root := t.Root()
		root.ActivityID = ""
		root.ActivityInstanceID = t.ProcessInstanceID
		return removed, nil
	}

	parent := t.Parent(target)
	removed, err := t.RemoveSubtree(target.ID)
	if err != nil {
		return removed, err
	}

	// prune ancestors that no longer carry any main flow
	for parent != nil && parent.ID != t.Root().ID && len(t.NonEventScopeChildren(parent.ID)) == 0 {
		if executesActivity(def, parent) {
			break
		}
		next := t.Parent(parent)
		if err := t.Remove(parent.ID); err != nil {
			return removed, err
		}
		removed = append(removed, parent)
		parent = next
	}

	if parent != nil {
		if err := compact(t, parent); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// executesActivity reports whether the execution is actively positioned in a
// non-scope activity, i.e. it is doing work of its own rather than just
// holding child branches together.
func executesActivity(def *process.Definition, e *runtime.Execution) bool {
	if e.ActivityID == "" {
		return false
	}
	el, err := def.ElementByID(e.ActivityID)
	if err != nil {
		return false
	}
	return !el.Scope
}

// compact undoes unnecessary concurrency: a scope left with exactly one
// concurrent branch absorbs that branch again. Event-scope children of the
// absorbed branch move onto the scope execution with its activity.
func compact(t *runtime.ExecutionTree, scopeExec *runtime.Execution) error {
	if !scopeExec.IsScope() {
		return nil
	}
	children := t.NonEventScopeChildren(scopeExec.ID)
	if len(children) != 1 || !children[0].IsConcurrent() {
		return nil
	}
	branch := children[0]
	grandchildren := t.NonEventScopeChildren(branch.ID)
	switch {
	case len(grandchildren) == 0 && scopeExec.ActivityID == "":
		scopeExec.ActivityID = branch.ActivityID
		scopeExec.ActivityInstanceID = branch.ActivityInstanceID
	case len(grandchildren) == 1 && branch.ActivityID == "":
		// drop the now-pointless concurrent wrapper
	default:
		return nil
	}
	for _, c := range t.Children(branch.ID) {
		if err := t.Reparent(c.ID, scopeExec.ID); err != nil {
			return err
		}
	}
	return t.Remove(branch.ID)
}
