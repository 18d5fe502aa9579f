package orchestrate

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// DefinitionBuilder assembles a Definition from appended steps.
//
// Callers append steps one at a time. A step may declare explicit
// dependencies on other steps by name, in any append order; Build resolves
// them into edges and linearizes the whole set with a stabilized
// topological sort, so the final order honors every declared dependency
// and otherwise preserves insertion order. Execution is always strictly
// sequential; the dependencies only constrain where a step lands in the
// sequence.
//
// Errors are collected and reported by Build, which keeps the fluent call
// chain uncluttered.
type DefinitionBuilder struct {
	name     SagaTypeName
	steps    []Step
	after    [][]StepName
	deadline time.Duration

	index map[StepName]int64
	err   error
}

// NewDefinitionBuilder creates a builder for the named saga type.
func NewDefinitionBuilder(name SagaTypeName) *DefinitionBuilder {
	return &DefinitionBuilder{
		name:  name,
		index: make(map[StepName]int64),
	}
}

// Append adds a step. The optional after list names steps this one must
// follow; steps with no constraints keep their insertion order. Forward
// references are allowed since dependencies are resolved at Build.
func (b *DefinitionBuilder) Append(step Step, after ...StepName) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	if step.Name == "" {
		b.err = fmt.Errorf("definition %q: step %d has no name", b.name, len(b.steps))
		return b
	}
	if _, exists := b.index[step.Name]; exists {
		b.err = fmt.Errorf("definition %q: step %q: %w", b.name, step.Name, ErrDuplicateStepName)
		return b
	}

	b.index[step.Name] = int64(len(b.steps))
	b.steps = append(b.steps, step)
	b.after = append(b.after, after)
	return b
}

// WithDeadline sets the saga-wide wall-clock budget on the built definition.
func (b *DefinitionBuilder) WithDeadline(d time.Duration) *DefinitionBuilder {
	b.deadline = d
	return b
}

// Build linearizes the appended steps and returns the Definition. It fails
// with ErrDependencyCycle if the declared dependencies cannot be ordered.
func (b *DefinitionBuilder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, b.err
	}

	g := simple.NewDirectedGraph()
	for id := range b.steps {
		g.AddNode(simple.Node(id))
	}
	for id, deps := range b.after {
		for _, dep := range deps {
			from, ok := b.index[dep]
			if !ok {
				return nil, fmt.Errorf("definition %q: step %q depends on unknown step %q", b.name, b.steps[id].Name, dep)
			}
			if from == int64(id) {
				return nil, fmt.Errorf("definition %q: step %q: %w", b.name, b.steps[id].Name, ErrDependencyCycle)
			}
			g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(int64(id))})
		}
	}

	// Stabilize ties by node ID, which is the insertion index.
	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("definition %q: %w: %v", b.name, ErrDependencyCycle, err)
	}

	ordered := make([]Step, len(sorted))
	for i, node := range sorted {
		ordered[i] = b.steps[node.ID()]
	}

	def, err := NewDefinition(b.name, ordered)
	if err != nil {
		return nil, err
	}
	if b.deadline > 0 {
		def = def.WithDeadline(b.deadline)
	}
	return def, nil
}
