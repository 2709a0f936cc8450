package core

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// PlanDefinition is the serializable intermediate representation of a plan,
// as produced by the upstream compiler. Hydrating a definition against a
// FuncRegistry yields an executable Plan.
type PlanDefinition struct {
	ID       string            `json:"id" yaml:"id"`
	Version  string            `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Nodes    []NodeDef         `json:"nodes" yaml:"nodes"`
}

// NodeDef is a serializable node within a PlanDefinition.
type NodeDef struct {
	Address   string     `json:"address" yaml:"address"`
	Kind      string     `json:"kind,omitempty" yaml:"kind,omitempty"`
	DependsOn []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Steps     []StepDef  `json:"steps" yaml:"steps"`
	ReturnKey string     `json:"return_key,omitempty" yaml:"return_key,omitempty"`
}

// StepDef is a serializable composition step. Exactly one of Function (a
// registry name) and FunctionFrom (a context key, for late binding) must be
// set.
type StepDef struct {
	Function      string            `json:"function,omitempty" yaml:"function,omitempty"`
	FunctionFrom  string            `json:"function_from,omitempty" yaml:"function_from,omitempty"`
	OutputKey     string            `json:"output_key,omitempty" yaml:"output_key,omitempty"`
	Params        map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	LiteralParams map[string]any    `json:"literal_params,omitempty" yaml:"literal_params,omitempty"`
	Condition     *Condition        `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ParsePlanDefinition decodes a YAML or JSON serialized definition. YAML is
// a superset of JSON here, so a single decoder covers both.
func ParsePlanDefinition(data []byte) (*PlanDefinition, error) {
	var def PlanDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing plan definition: %w", err)
	}
	return &def, nil
}

// MarshalJSON round-trips definitions through encoding/json for storage.
func (d *PlanDefinition) JSON() ([]byte, error) {
	return json.Marshal(d)
}

// Hydrate resolves function names through the registry and produces an
// executable, validated Plan.
func (d *PlanDefinition) Hydrate(reg *FuncRegistry) (*Plan, error) {
	plan := &Plan{
		ID:       d.ID,
		Version:  d.Version,
		Metadata: d.Metadata,
		Nodes:    make([]Node, 0, len(d.Nodes)),
	}

	for _, nd := range d.Nodes {
		node := Node{
			Address:   nd.Address,
			Kind:      nd.Kind,
			DependsOn: nd.DependsOn,
			Condition: nd.Condition,
			ReturnKey: nd.ReturnKey,
			Steps:     make([]Step, 0, len(nd.Steps)),
		}

		for i, sd := range nd.Steps {
			ref, err := resolveStepFunction(sd, reg)
			if err != nil {
				return nil, fmt.Errorf("node %q step %d: %w", nd.Address, i, err)
			}
			node.Steps = append(node.Steps, Step{
				Fn:            ref,
				OutputKey:     sd.OutputKey,
				Params:        sd.Params,
				LiteralParams: sd.LiteralParams,
				Condition:     sd.Condition,
			})
		}

		plan.Nodes = append(plan.Nodes, node)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func resolveStepFunction(sd StepDef, reg *FuncRegistry) (FunctionRef, error) {
	switch {
	case sd.Function != "" && sd.FunctionFrom != "":
		return FunctionRef{}, fmt.Errorf("both function and function_from set")
	case sd.FunctionFrom != "":
		return ContextLookup(sd.FunctionFrom), nil
	case sd.Function != "":
		if reg == nil {
			return FunctionRef{}, fmt.Errorf("%w: %q (no registry)", ErrFunctionNotRegistered, sd.Function)
		}
		fn, ok := reg.Lookup(sd.Function)
		if !ok {
			return FunctionRef{}, fmt.Errorf("%w: %q", ErrFunctionNotRegistered, sd.Function)
		}
		return Named(sd.Function, fn), nil
	default:
		return FunctionRef{}, fmt.Errorf("step has no function")
	}
}
