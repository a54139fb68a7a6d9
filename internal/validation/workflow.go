package validation

import (
	"fmt"

	"github.com/loomworks/loom/pkg/schema"
)

// DefinitionValidator runs the full definition check: JSON Schema shape
// first, then graph rules the schema cannot express. All findings are
// accumulated into one ValidationResult.
type DefinitionValidator struct {
	shape *SchemaValidator
}

// NewDefinitionValidator creates a DefinitionValidator.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	shape, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{shape: shape}, nil
}

// Validate checks a workflow definition and returns every problem found.
func (v *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := v.shape.ValidateShape(def)
	if def == nil {
		return result
	}
	result.Merge(ValidateGraph(def.Steps))
	return result
}

// ValidateGraph checks the step dependency graph: duplicate step ids,
// dependencies on unknown steps, self-dependencies, and cycles.
func ValidateGraph(steps []*schema.WorkflowStep) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.ID == "" {
			continue
		}
		path := fmt.Sprintf("/steps/%d", i)
		if _, dup := ids[step.ID]; dup {
			result.AddError(path, "duplicate_step_id", fmt.Sprintf("duplicate step id %q", step.ID))
			continue
		}
		ids[step.ID] = struct{}{}
	}

	for i, step := range steps {
		path := fmt.Sprintf("/steps/%d", i)
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				result.AddError(path, "self_dependency",
					fmt.Sprintf("step %q depends on itself", step.ID))
				continue
			}
			if _, ok := ids[dep]; !ok {
				result.AddError(path, "unknown_dependency",
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
		}
	}

	// Cycle detection only runs on a structurally sound graph.
	if len(result.Errors) == 0 {
		if cycle := findCycle(steps); len(cycle) > 0 {
			result.AddError("/steps", "cycle",
				fmt.Sprintf("dependency cycle involving steps %v", cycle))
		}
	}

	return result
}

// findCycle runs Kahn's algorithm and returns the step ids left unplaced,
// which are exactly the members and downstream of any cycle.
func findCycle(steps []*schema.WorkflowStep) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		indegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var queue []string
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	placed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		placed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if placed == len(steps) {
		return nil
	}

	var cycle []string
	for _, step := range steps {
		if indegree[step.ID] > 0 {
			cycle = append(cycle, step.ID)
		}
	}
	return cycle
}
