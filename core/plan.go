package core

import (
	"fmt"
)

// Plan is the compiled, executable representation of an inference graph:
// ordered nodes with dependencies, each binding a step composition. Plans are
// produced upstream (by a compiler out of this module's scope) and consumed
// by the run controller.
type Plan struct {
	ID       string
	Version  string
	Metadata map[string]string
	Nodes    []Node
}

// Node is one executable unit in a plan, identified by a stable address.
type Node struct {
	// Address identifies the node within its plan.
	Address string

	// Kind is an optional label describing what the node computes.
	Kind string

	// DependsOn lists addresses that must complete before this node runs.
	DependsOn []string

	// Condition, when present, gates the whole node: a false condition marks
	// the node skipped without invoking its composition.
	Condition *Condition

	// Steps is the composition bound to this node.
	Steps []Step

	// ReturnKey selects the composition's return value. Empty means the
	// last-inserted context value.
	ReturnKey string
}

// NodeByAddress returns the node with the given address.
func (p *Plan) NodeByAddress(addr string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].Address == addr {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// Addresses returns all node addresses in plan order.
func (p *Plan) Addresses() []string {
	out := make([]string, len(p.Nodes))
	for i := range p.Nodes {
		out[i] = p.Nodes[i].Address
	}
	return out
}

// Validate checks structural integrity: at least one node, unique addresses,
// dependencies referencing existing nodes, no dependency cycles, and
// conditions using known operators.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing plan id", ErrInvalidPlan)
	}
	if len(p.Nodes) == 0 {
		return fmt.Errorf("%w: plan %q has no nodes", ErrInvalidPlan, p.ID)
	}

	seen := make(map[string]bool, len(p.Nodes))
	for i := range p.Nodes {
		node := &p.Nodes[i]
		if node.Address == "" {
			return fmt.Errorf("%w: node %d has no address", ErrInvalidPlan, i)
		}
		if seen[node.Address] {
			return fmt.Errorf("%w: duplicate node address %q", ErrInvalidPlan, node.Address)
		}
		seen[node.Address] = true

		if node.Condition != nil && !node.Condition.Op.Valid() {
			return fmt.Errorf("%w: node %q: %v %q", ErrInvalidPlan, node.Address, ErrUnsupportedOperator, node.Condition.Op)
		}
		for j := range node.Steps {
			if cond := node.Steps[j].Condition; cond != nil && !cond.Op.Valid() {
				return fmt.Errorf("%w: node %q step %d: %v %q", ErrInvalidPlan, node.Address, j, ErrUnsupportedOperator, cond.Op)
			}
		}
	}

	for i := range p.Nodes {
		node := &p.Nodes[i]
		for _, dep := range node.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: node %q depends on unknown address %q", ErrInvalidPlan, node.Address, dep)
			}
			if dep == node.Address {
				return fmt.Errorf("%w: node %q depends on itself", ErrInvalidPlan, node.Address)
			}
		}
	}

	if cycle := p.findCycle(); cycle != "" {
		return fmt.Errorf("%w: dependency cycle through %q", ErrInvalidPlan, cycle)
	}
	return nil
}

// findCycle returns an address on a dependency cycle, or "".
func (p *Plan) findCycle() string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(p.Nodes))
	deps := make(map[string][]string, len(p.Nodes))
	for i := range p.Nodes {
		deps[p.Nodes[i].Address] = p.Nodes[i].DependsOn
	}

	var visit func(addr string) string
	visit = func(addr string) string {
		switch state[addr] {
		case visiting:
			return addr
		case done:
			return ""
		}
		state[addr] = visiting
		for _, dep := range deps[addr] {
			if hit := visit(dep); hit != "" {
				return hit
			}
		}
		state[addr] = done
		return ""
	}

	for i := range p.Nodes {
		if hit := visit(p.Nodes[i].Address); hit != "" {
			return hit
		}
	}
	return ""
}
