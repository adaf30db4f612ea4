package process

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownElement    = errors.New("unknown activity or scope")
	ErrUnknownTransition = errors.New("unknown transition")
	ErrNotAScope         = errors.New("element is not a scope")
)

// Element is a single node of the static scope graph: an activity or a
// scope (sub-process, multi-instance body, process root). Elements are
// immutable once the definition is built.
type Element struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Type        string   `json:"type,omitempty"`
	FlowScopeID string   `json:"flowScopeId,omitempty"` // empty for the process root
	Scope       bool     `json:"scope"`
	Outgoing    []string `json:"outgoing,omitempty"` // transition ids leaving this element
}

// Transition is a directed sequence flow between two elements.
type Transition struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

// Definition is the static scope graph of one deployed process definition.
// Nodes live in id-indexed arenas; parent/child relations are id references.
type Definition struct {
	ID           string
	Key          string
	DeploymentID string

	elements    map[string]*Element
	transitions map[string]*Transition
	children    map[string][]string // scope id -> child element ids
	rootID      string
}

// NewDefinition creates an empty definition whose root scope carries the
// definition id itself, mirroring how the process definition acts as the
// outermost flow scope at runtime.
func NewDefinition(id, key string) *Definition {
	d := &Definition{
		ID:          id,
		Key:         key,
		elements:    make(map[string]*Element),
		transitions: make(map[string]*Transition),
		children:    make(map[string][]string),
		rootID:      id,
	}
	d.elements[id] = &Element{ID: id, Type: "processDefinition", Scope: true}
	return d
}

// AddElement registers an element under its flow scope. An empty flow scope
// id attaches the element directly to the process root.
func (d *Definition) AddElement(el Element) (*Element, error) {
	if el.ID == "" {
		return nil, fmt.Errorf("element id must not be empty")
	}
	if _, ok := d.elements[el.ID]; ok {
		return nil, fmt.Errorf("duplicate element %q", el.ID)
	}
	if el.FlowScopeID == "" {
		el.FlowScopeID = d.rootID
	}
	parent, ok := d.elements[el.FlowScopeID]
	if !ok {
		return nil, fmt.Errorf("flow scope %q: %w", el.FlowScopeID, ErrUnknownElement)
	}
	if !parent.Scope {
		return nil, fmt.Errorf("flow scope %q: %w", el.FlowScopeID, ErrNotAScope)
	}
	stored := el
	d.elements[el.ID] = &stored
	d.children[el.FlowScopeID] = append(d.children[el.FlowScopeID], el.ID)
	return &stored, nil
}

// AddTransition registers a sequence flow and records it as outgoing on its
// source element.
func (d *Definition) AddTransition(tr Transition) (*Transition, error) {
	if tr.ID == "" {
		return nil, fmt.Errorf("transition id must not be empty")
	}
	if _, ok := d.transitions[tr.ID]; ok {
		return nil, fmt.Errorf("duplicate transition %q", tr.ID)
	}
	source, ok := d.elements[tr.SourceID]
	if !ok {
		return nil, fmt.Errorf("transition source %q: %w", tr.SourceID, ErrUnknownElement)
	}
	if _, ok := d.elements[tr.TargetID]; !ok {
		return nil, fmt.Errorf("transition target %q: %w", tr.TargetID, ErrUnknownElement)
	}
	stored := tr
	d.transitions[tr.ID] = &stored
	source.Outgoing = append(source.Outgoing, tr.ID)
	return &stored, nil
}

// Elements returns every element except the implicit root scope, parents
// before their children so the list can rebuild an equivalent definition.
func (d *Definition) Elements() []*Element {
	var out []*Element
	var walk func(scopeID string)
	walk = func(scopeID string) {
		for _, id := range d.children[scopeID] {
			el := d.elements[id]
			out = append(out, el)
			if el.Scope {
				walk(id)
			}
		}
	}
	walk(d.rootID)
	return out
}

// Transitions returns all sequence flows in insertion-independent order.
func (d *Definition) Transitions() []*Transition {
	out := make([]*Transition, 0, len(d.transitions))
	for _, tr := range d.transitions {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RootID returns the id of the outermost flow scope (the definition itself).
func (d *Definition) RootID() string {
	return d.rootID
}

// ElementByID looks up an activity or scope.
func (d *Definition) ElementByID(id string) (*Element, error) {
	el, ok := d.elements[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownElement)
	}
	return el, nil
}

// TransitionByID looks up a sequence flow.
func (d *Definition) TransitionByID(id string) (*Transition, error) {
	tr, ok := d.transitions[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownTransition)
	}
	return tr, nil
}

// ChildrenOf returns the ids of the elements directly contained in a scope.
func (d *Definition) ChildrenOf(scopeID string) []string {
	return d.children[scopeID]
}

// FlowScopeOf returns the enclosing scope element of an element, or nil for
// the process root.
func (d *Definition) FlowScopeOf(el *Element) *Element {
	if el.ID == d.rootID {
		return nil
	}
	return d.elements[el.FlowScopeID]
}

// FlowScopeChain returns the chain of flow scopes enclosing an element,
// innermost first, ending at the process root. If the element itself is a
// scope it is included as the first entry.
func (d *Definition) FlowScopeChain(el *Element) []*Element {
	var chain []*Element
	current := el
	if !current.Scope {
		current = d.FlowScopeOf(current)
	}
	for current != nil {
		chain = append(chain, current)
		current = d.FlowScopeOf(current)
	}
	return chain
}
