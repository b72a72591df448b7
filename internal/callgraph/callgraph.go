// Package callgraph projects captured call stacks into a serializable
// artifact consumable by an external rendering collaborator. The
// artifact itself is read-only and has no lifecycle beyond the session
// that produced it; encoding to DOT is deterministic so the same capture
// always yields the same bytes.
package callgraph

import (
	"encoding/json"
	"fmt"

	"neurotrace/internal/trace"
)

// Node is one function in the projected graph.
type Node struct {
	ID       string `json:"id"`
	Function string `json:"function"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	// Fault marks the innermost frame of a faulted capture.
	Fault bool `json:"fault,omitempty"`
}

// Edge is a caller-to-callee relation.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Artifact is the projection of one or more call stacks.
type Artifact struct {
	Fault string `json:"fault,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Option adjusts projection behavior.
type Option func(*projection)

type projection struct {
	fault string
}

// WithFault marks the capture as faulted: the given description is
// attached and the leaf frame of the first stack is highlighted.
func WithFault(description string) Option {
	return func(p *projection) { p.fault = description }
}

// FromStack projects a single captured stack.
func FromStack(stack trace.CallStack, opts ...Option) *Artifact {
	return FromStacks([]trace.CallStack{stack}, opts...)
}

// FromStacks merges several captured stacks from one session into a
// single graph. Nodes and edges are deduplicated; first appearance
// fixes ordering, which keeps the DOT encoding stable.
func FromStacks(stacks []trace.CallStack, opts ...Option) *Artifact {
	var p projection
	for _, opt := range opts {
		opt(&p)
	}

	a := &Artifact{Fault: p.fault}
	seenNodes := make(map[string]int)
	seenEdges := make(map[Edge]bool)

	for si, stack := range stacks {
		prev := ""
		for _, f := range stack {
			if f.IsElision() {
				// Elided spans break the chain; do not invent edges
				// across frames that were never observed.
				prev = ""
				continue
			}
			id := f.Function
			if _, ok := seenNodes[id]; !ok {
				seenNodes[id] = len(a.Nodes)
				a.Nodes = append(a.Nodes, Node{
					ID:       id,
					Function: f.Function,
					File:     f.File,
					Line:     f.Line,
				})
			}
			if prev != "" {
				e := Edge{From: prev, To: id}
				if !seenEdges[e] {
					seenEdges[e] = true
					a.Edges = append(a.Edges, e)
				}
			}
			prev = id
		}
		if si == 0 && p.fault != "" {
			if leaf, ok := stack.Leaf(); ok && !leaf.IsElision() {
				a.Nodes[seenNodes[leaf.Function]].Fault = true
			}
		}
	}
	return a
}

// Encode serializes the artifact as JSON for storage.
func (a *Artifact) Encode() ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	return b, nil
}

// Decode reverses Encode.
func Decode(b []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	return &a, nil
}
