package runtime

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Kind is the closed set of execution variants. Every execution is exactly
// one of these; there is no subclassing.
type Kind string

const (
	// KindScope marks an execution that instantiates a flow scope (the
	// process instance root, a sub-process, a multi-instance body).
	KindScope Kind = "scope"

	// KindConcurrent marks a sibling execution representing one parallel
	// branch of a fork.
	KindConcurrent Kind = "concurrent"

	// KindEventScope marks an execution kept alive only to host an attached
	// event subscription. Event scopes never appear in the tree mapping.
	KindEventScope Kind = "eventScope"

	// KindCompensationThrowing marks an execution currently running a
	// compensation handler. Treated as a leaf regardless of children.
	KindCompensationThrowing Kind = "compensationThrowing"
)

// Execution is one runtime node of a process instance's execution tree.
// Parent/child relations are id references into the owning tree's arena.
type Execution struct {
	ID                 string
	ParentID           string // empty for the process instance root
	ProcessInstanceID  string
	ActivityID         string // empty when the execution is not positioned in an activity
	ActivityInstanceID string
	Kind               Kind
}

func (e *Execution) IsScope() bool                { return e.Kind == KindScope }
func (e *Execution) IsConcurrent() bool           { return e.Kind == KindConcurrent }
func (e *Execution) IsEventScope() bool           { return e.Kind == KindEventScope }
func (e *Execution) IsCompensationThrowing() bool { return e.Kind == KindCompensationThrowing }

// ExecutionTree is the arena of all executions of one process instance.
// Version is the optimistic lock token of the root execution; the store
// rejects a save when it no longer matches.
type ExecutionTree struct {
	ProcessInstanceID   string
	ProcessDefinitionID string
	BusinessKey         string
	Version             int64

	rootID   string
	nodes    map[string]*Execution
	children map[string][]string
}

// NewTree creates a tree holding only the process instance root execution.
func NewTree(processInstanceID, processDefinitionID string) *ExecutionTree {
	t := &ExecutionTree{
		ProcessInstanceID:   processInstanceID,
		ProcessDefinitionID: processDefinitionID,
		rootID:              processInstanceID,
		nodes:               make(map[string]*Execution),
		children:            make(map[string][]string),
	}
	t.nodes[processInstanceID] = &Execution{
		ID:                 processInstanceID,
		ProcessInstanceID:  processInstanceID,
		ActivityInstanceID: processInstanceID,
		Kind:               KindScope,
	}
	return t
}

// Restore rebuilds a tree from a flat execution list, e.g. one full tree
// read from the store. The root is the execution without a parent.
func Restore(processInstanceID, processDefinitionID string, version int64, executions []*Execution) (*ExecutionTree, error) {
	t := &ExecutionTree{
		ProcessInstanceID:   processInstanceID,
		ProcessDefinitionID: processDefinitionID,
		Version:             version,
		nodes:               make(map[string]*Execution, len(executions)),
		children:            make(map[string][]string),
	}
	for _, e := range executions {
		if _, ok := t.nodes[e.ID]; ok {
			return nil, fmt.Errorf("duplicate execution %q in tree of %q", e.ID, processInstanceID)
		}
		t.nodes[e.ID] = e
		if e.ParentID == "" {
			if t.rootID != "" {
				return nil, fmt.Errorf("multiple root executions in tree of %q", processInstanceID)
			}
			t.rootID = e.ID
		} else {
			t.children[e.ParentID] = append(t.children[e.ParentID], e.ID)
		}
	}
	if t.rootID == "" {
		return nil, fmt.Errorf("tree of %q has no root execution", processInstanceID)
	}
	for _, ids := range t.children {
		sort.Strings(ids)
	}
	return t, nil
}

// Root returns the process instance root execution.
func (t *ExecutionTree) Root() *Execution {
	return t.nodes[t.rootID]
}

// Get returns the execution with the given id, or nil.
func (t *ExecutionTree) Get(id string) *Execution {
	return t.nodes[id]
}

// Size returns the number of executions in the tree.
func (t *ExecutionTree) Size() int {
	return len(t.nodes)
}

// Executions returns all executions ordered by id. The stable order keeps
// repeated traversals over the same tree deterministic.
func (t *ExecutionTree) Executions() []*Execution {
	out := make([]*Execution, 0, len(t.nodes))
	for _, e := range t.nodes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Children returns the child executions of a node, ordered by id.
func (t *ExecutionTree) Children(id string) []*Execution {
	ids := t.children[id]
	out := make([]*Execution, 0, len(ids))
	for _, cid := range ids {
		out = append(out, t.nodes[cid])
	}
	return out
}

// NonEventScopeChildren returns the children that take part in the main
// flow, excluding event-scope executions.
func (t *ExecutionTree) NonEventScopeChildren(id string) []*Execution {
	var out []*Execution
	for _, c := range t.Children(id) {
		if !c.IsEventScope() {
			out = append(out, c)
		}
	}
	return out
}

// Parent returns the parent execution, or nil for the root.
func (t *ExecutionTree) Parent(e *Execution) *Execution {
	if e.ParentID == "" {
		return nil
	}
	return t.nodes[e.ParentID]
}

// IsLeaf reports whether an execution terminates a path of the main flow.
// Compensation-throwing executions count as leaves even when they have
// children, because those children logically belong to the enclosing scope.
// Event-scope executions are never leaves.
func (t *ExecutionTree) IsLeaf(e *Execution) bool {
	if e.IsCompensationThrowing() {
		return true
	}
	if e.IsEventScope() {
		return false
	}
	return len(t.NonEventScopeChildren(e.ID)) == 0
}

// Leaves returns the leaf executions ordered by id.
func (t *ExecutionTree) Leaves() []*Execution {
	var out []*Execution
	for _, e := range t.Executions() {
		if t.IsLeaf(e) {
			out = append(out, e)
		}
	}
	return out
}

// NewChild creates and attaches a child execution. The activity instance id
// is freshly assigned when an activity id is given.
func (t *ExecutionTree) NewChild(parentID string, kind Kind, activityID string) (*Execution, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("parent execution %q: %w", parentID, ErrNotFound)
	}
	child := &Execution{
		ID:                uuid.New().String(),
		ParentID:          parent.ID,
		ProcessInstanceID: t.ProcessInstanceID,
		ActivityID:        activityID,
		Kind:              kind,
	}
	if activityID != "" {
		child.ActivityInstanceID = uuid.New().String()
	}
	t.attach(child)
	return child, nil
}

func (t *ExecutionTree) attach(e *Execution) {
	t.nodes[e.ID] = e
	ids := append(t.children[e.ParentID], e.ID)
	sort.Strings(ids)
	t.children[e.ParentID] = ids
}

// Reparent moves an execution (with its subtree) under a new parent.
func (t *ExecutionTree) Reparent(id, newParentID string) error {
	e, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if _, ok := t.nodes[newParentID]; !ok {
		return fmt.Errorf("parent execution %q: %w", newParentID, ErrNotFound)
	}
	if id == t.rootID {
		return fmt.Errorf("cannot reparent root execution %q", id)
	}
	siblings := t.children[e.ParentID]
	for i, sid := range siblings {
		if sid == id {
			t.children[e.ParentID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	e.ParentID = newParentID
	ids := append(t.children[newParentID], id)
	sort.Strings(ids)
	t.children[newParentID] = ids
	return nil
}

// Remove detaches a single childless execution. The root cannot be removed.
func (t *ExecutionTree) Remove(id string) error {
	e, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	if id == t.rootID {
		return fmt.Errorf("cannot remove root execution %q", id)
	}
	if len(t.children[id]) > 0 {
		return fmt.Errorf("execution %q still has children", id)
	}
	delete(t.nodes, id)
	delete(t.children, id)
	siblings := t.children[e.ParentID]
	for i, sid := range siblings {
		if sid == id {
			t.children[e.ParentID] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveSubtree removes an execution and everything beneath it, bottom-up.
// Returns the removed executions, deepest first.
func (t *ExecutionTree) RemoveSubtree(id string) ([]*Execution, error) {
	if _, ok := t.nodes[id]; !ok {
		return nil, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	var removed []*Execution
	var walk func(string) error
	walk = func(nid string) error {
		for _, c := range t.Children(nid) {
			if err := walk(c.ID); err != nil {
				return err
			}
		}
		e := t.nodes[nid]
		if err := t.Remove(nid); err != nil {
			return err
		}
		removed = append(removed, e)
		return nil
	}
	if err := walk(id); err != nil {
		return removed, err
	}
	return removed, nil
}

// FindByActivityInstance returns all executions carrying the given activity
// instance id, ordered by id.
func (t *ExecutionTree) FindByActivityInstance(activityInstanceID string) []*Execution {
	var out []*Execution
	for _, e := range t.Executions() {
		if e.ActivityInstanceID == activityInstanceID && activityInstanceID != "" {
			out = append(out, e)
		}
	}
	return out
}

// FindByActivity returns all executions currently positioned in the given
// activity, ordered by id.
func (t *ExecutionTree) FindByActivity(activityID string) []*Execution {
	var out []*Execution
	for _, e := range t.Executions() {
		if e.ActivityID == activityID && activityID != "" {
			out = append(out, e)
		}
	}
	return out
}
