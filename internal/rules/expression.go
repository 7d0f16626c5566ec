package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/leadflow/internal/models"
)

// exprCostLimit bounds runaway expressions
const exprCostLimit = 1000000

// expressionCache compiles CEL expressions over a "lead" fact map once and reuses the programs
type expressionCache struct {
	env      *cel.Env
	programs map[string]cel.Program
	mu       sync.RWMutex
}

func newExpressionCache() (*expressionCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("lead", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &expressionCache{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func (c *expressionCache) program(expression string) (cel.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := c.env.Program(ast, cel.CostLimit(exprCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.mu.Lock()
	c.programs[expression] = prog
	c.mu.Unlock()
	return prog, nil
}

// eval runs the expression; non-boolean results count as not matched
func (c *expressionCache) eval(expression string, facts map[string]interface{}) (bool, error) {
	prog, err := c.program(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prog.Eval(map[string]interface{}{"lead": facts})
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, nil
	}
	return matched, nil
}

// leadFacts flattens a lead into the map CEL expressions see as `lead`
func leadFacts(lead *models.Lead, now time.Time) map[string]interface{} {
	facts := make(map[string]interface{}, len(leadAttributes)+len(computedFields)+2)
	for name, fn := range computedFields {
		facts[name] = fn(lead, now)
	}
	for name, fn := range leadAttributes {
		switch name {
		case "id", "category.name", "category.slug", "location.name", "location.city", "location.state":
			continue
		}
		facts[name] = fn(lead)
	}
	facts["id"] = int64(lead.ID)

	category := map[string]interface{}{}
	if lead.Category != nil {
		category["name"] = lead.Category.Name
		category["slug"] = lead.Category.Slug
	}
	facts["category"] = category

	location := map[string]interface{}{}
	if lead.Location != nil {
		location["name"] = lead.Location.Name
		location["city"] = lead.Location.City
		location["state"] = lead.Location.State
	}
	facts["location"] = location

	attrs := map[string]interface{}(lead.Attributes)
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	facts["attributes"] = attrs
	if facts["tags"] == nil {
		facts["tags"] = []string{}
	}
	return facts
}
