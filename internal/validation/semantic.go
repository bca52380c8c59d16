package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/ensemble/pkg/schema"
)

// Thresholds above which a definition is accepted with a warning.
const (
	maxSaneRetryAttempts = 10
	maxSaneIterations    = 10000
)

// cronParser accepts the same five-field expressions the scheduler registers.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validateSemantic checks what the schema cannot express: registered agents,
// parseable durations and cron specs, and trigger input against input_schema.
func validateSemantic(def *schema.Definition, lookup AgentLookup, inputs *JSONSchemaValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	walkFlow(def.Flow, "flow", func(el schema.FlowElement, path string) {
		validateElementSemantic(el, path, lookup, result)
	})

	if len(def.InputSchema) > 0 && inputs != nil {
		if _, err := inputs.getOrCompile(def.InputSchema); err != nil {
			result.AddError("input_schema", schema.ErrCodeValidation,
				fmt.Sprintf("input_schema does not compile: %v", err))
		}
	}

	for i, trig := range def.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		if _, err := cronParser.Parse(trig.Cron); err != nil {
			result.AddError(path+".cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %v", trig.Cron, err))
		}
		if len(def.InputSchema) == 0 || inputs == nil {
			continue
		}
		input := trig.Input
		if input == nil {
			input = map[string]any{}
		}
		if err := inputs.ValidateInput(input, def.InputSchema); err != nil {
			result.AddError(path+".input", schema.ErrCodeValidation,
				fmt.Sprintf("trigger input does not match input_schema: %v", err))
		}
	}

	return result
}

func validateElementSemantic(el schema.FlowElement, path string, lookup AgentLookup, result *schema.ValidationResult) {
	switch e := el.(type) {
	case *schema.Step:
		if lookup != nil && e.Agent != "" && !lookup.Has(e.Agent) {
			result.AddError(path+".agent", schema.ErrCodeAgentNotFound,
				fmt.Sprintf("agent %q not registered", e.Agent))
		}
		checkDuration(path+".timeout", e.Timeout, result)
		if e.Retry != nil {
			checkDuration(path+".retry.initial_delay", e.Retry.InitialDelay, result)
			checkDuration(path+".retry.max_delay", e.Retry.MaxDelay, result)
			if e.Retry.MaxAttempts > maxSaneRetryAttempts {
				result.AddWarning(path+".retry.max_attempts", schema.ErrCodeValidation,
					fmt.Sprintf("max_attempts %d is unusually high", e.Retry.MaxAttempts))
			}
		}

	case *schema.Approval:
		checkDuration(path+".ttl", e.TTL, result)
		if e.TTL == "" {
			result.AddWarning(path+".ttl", schema.ErrCodeValidation,
				"no ttl set; the default resumption ttl applies")
		}

	case *schema.While:
		if e.MaxIterations > maxSaneIterations {
			result.AddWarning(path+".max_iterations", schema.ErrCodeValidation,
				fmt.Sprintf("max_iterations %d is unusually high", e.MaxIterations))
		}

	case *schema.ForEach:
		if !e.Concurrent && e.MaxConcurrency > 0 {
			result.AddWarning(path+".max_concurrency", schema.ErrCodeValidation,
				"max_concurrency has no effect unless concurrent is true")
		}
	}
}

func checkDuration(path, value string, result *schema.ValidationResult) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", value))
		return
	}
	if d <= 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duration %q must be positive", value))
	}
}

// walkFlow visits every element depth-first with its definition path.
func walkFlow(flow schema.Flow, path string, visit func(schema.FlowElement, string)) {
	for i, el := range flow {
		if el == nil {
			continue
		}
		elPath := fmt.Sprintf("%s[%d]", path, i)
		visit(el, elPath)
		for _, sub := range schema.Children(el) {
			walkFlow(sub.Flow, elPath+"."+sub.Segment, visit)
		}
	}
}
