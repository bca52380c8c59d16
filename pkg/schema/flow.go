package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ElementType discriminates the FlowElement variants in serialized form.
type ElementType string

const (
	TypeStep      ElementType = "step"
	TypeParallel  ElementType = "parallel"
	TypeBranch    ElementType = "branch"
	TypeForEach   ElementType = "for_each"
	TypeWhile     ElementType = "while"
	TypeTry       ElementType = "try"
	TypeSwitch    ElementType = "switch"
	TypeMapReduce ElementType = "map_reduce"
	TypeApproval  ElementType = "approval"
)

// ErrorPolicy controls how a fan-out reacts to a failing branch or iteration.
type ErrorPolicy string

const (
	// OnErrorFailFast cancels the remaining branches on the first failure (default).
	OnErrorFailFast ErrorPolicy = "fail_fast"
	// OnErrorContinue lets every branch finish and reports failures in the output.
	OnErrorContinue ErrorPolicy = "continue"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// FlowElement is one node of a declarative flow. The set of variants is closed.
type FlowElement interface {
	ElementName() string
	ElementType() ElementType
	Guard() string
	flowElement()
}

// Base carries the fields common to every element.
type Base struct {
	Name string `json:"name"`
	When string `json:"when,omitempty"`
}

func (b *Base) ElementName() string { return b.Name }
func (b *Base) Guard() string       { return b.When }
func (b *Base) flowElement()        {}

// Flow is an ordered list of elements.
type Flow []FlowElement

// RetryPolicy configures retry behavior for a step. MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts  int    `json:"max_attempts"`
	Backoff      string `json:"backoff,omitempty"`       // fixed | linear | exponential (default: fixed)
	InitialDelay string `json:"initial_delay,omitempty"` // e.g. "500ms"
	MaxDelay     string `json:"max_delay,omitempty"`
}

// Step invokes a named agent with an input mapping.
type Step struct {
	Base
	Agent   string         `json:"agent"`
	Input   map[string]any `json:"input,omitempty"`
	Retry   *RetryPolicy   `json:"retry,omitempty"`
	Timeout string         `json:"timeout,omitempty"`
}

// Parallel runs every branch concurrently.
type Parallel struct {
	Base
	Branches       []Flow      `json:"branches"`
	OnError        ErrorPolicy `json:"on_error,omitempty"`
	MaxConcurrency int         `json:"max_concurrency,omitempty"`
}

// Branch runs Then when If holds, Else otherwise.
type Branch struct {
	Base
	If   string `json:"if"`
	Then Flow   `json:"then"`
	Else Flow   `json:"else,omitempty"`
}

// ForEach runs Body once per item of the collection Over evaluates to.
type ForEach struct {
	Base
	Over           string      `json:"over"`
	As             string      `json:"as,omitempty"`
	IndexAs        string      `json:"index_as,omitempty"`
	Body           Flow        `json:"body"`
	Concurrent     bool        `json:"concurrent,omitempty"`
	MaxConcurrency int         `json:"max_concurrency,omitempty"`
	OnError        ErrorPolicy `json:"on_error,omitempty"`
}

// While repeats Body while Condition holds, at most MaxIterations times.
type While struct {
	Base
	Condition     string `json:"condition"`
	Body          Flow   `json:"body"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	IterationAs   string `json:"iteration_as,omitempty"`
}

// TryCatchFinally runs Try, then Catch on failure, then Finally unconditionally.
type TryCatchFinally struct {
	Base
	Try     Flow   `json:"try"`
	Catch   Flow   `json:"catch,omitempty"`
	Finally Flow   `json:"finally,omitempty"`
	ErrorAs string `json:"error_as,omitempty"`
}

// SwitchCase pairs a match value with the flow to run.
type SwitchCase struct {
	Value any  `json:"value"`
	Flow  Flow `json:"flow"`
}

// Switch runs the first case whose value equals the resolved Value.
type Switch struct {
	Base
	Value   string       `json:"value"`
	Cases   []SwitchCase `json:"cases"`
	Default Flow         `json:"default,omitempty"`
}

// MapReduce maps every item through Map concurrently and folds the outputs in order.
type MapReduce struct {
	Base
	Over           string `json:"over"`
	As             string `json:"as,omitempty"`
	Map            Flow   `json:"map"`
	Reduce         string `json:"reduce"`
	Initial        any    `json:"initial,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
}

// Approval suspends the execution until it is resumed with a payload.
type Approval struct {
	Base
	Message map[string]any `json:"message,omitempty"`
	TTL     string         `json:"ttl,omitempty"`
	Notify  []string       `json:"notify,omitempty"`
}

func (*Step) ElementType() ElementType            { return TypeStep }
func (*Parallel) ElementType() ElementType        { return TypeParallel }
func (*Branch) ElementType() ElementType          { return TypeBranch }
func (*ForEach) ElementType() ElementType         { return TypeForEach }
func (*While) ElementType() ElementType           { return TypeWhile }
func (*TryCatchFinally) ElementType() ElementType { return TypeTry }
func (*Switch) ElementType() ElementType          { return TypeSwitch }
func (*MapReduce) ElementType() ElementType       { return TypeMapReduce }
func (*Approval) ElementType() ElementType        { return TypeApproval }

// SubFlow is a nested flow together with the path segment that scopes it.
type SubFlow struct {
	Segment string
	Flow    Flow
}

// Children lists the nested flows of a control element in declaration order.
func Children(el FlowElement) []SubFlow {
	switch e := el.(type) {
	case *Parallel:
		out := make([]SubFlow, len(e.Branches))
		for i, b := range e.Branches {
			out[i] = SubFlow{Segment: "branch_" + strconv.Itoa(i), Flow: b}
		}
		return out
	case *Branch:
		return []SubFlow{{Segment: "then", Flow: e.Then}, {Segment: "else", Flow: e.Else}}
	case *ForEach:
		return []SubFlow{{Segment: "body", Flow: e.Body}}
	case *While:
		return []SubFlow{{Segment: "body", Flow: e.Body}}
	case *TryCatchFinally:
		return []SubFlow{{Segment: "try", Flow: e.Try}, {Segment: "catch", Flow: e.Catch}, {Segment: "finally", Flow: e.Finally}}
	case *Switch:
		out := make([]SubFlow, 0, len(e.Cases)+1)
		for i, c := range e.Cases {
			out = append(out, SubFlow{Segment: "case_" + strconv.Itoa(i), Flow: c.Flow})
		}
		return append(out, SubFlow{Segment: "default", Flow: e.Default})
	case *MapReduce:
		return []SubFlow{{Segment: "map", Flow: e.Map}}
	}
	return nil
}

// MarshalJSON writes each element as an object discriminated by "type".
func (f Flow) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(f))
	for _, el := range f {
		raw, err := MarshalElement(el)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a list of "type"-discriminated element objects.
func (f *Flow) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Flow, 0, len(raws))
	for i, raw := range raws {
		el, err := UnmarshalElement(raw)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		out = append(out, el)
	}
	*f = out
	return nil
}

// MarshalElement encodes a single element with its "type" field.
func MarshalElement(el FlowElement) ([]byte, error) {
	if el == nil {
		return nil, NewError(ErrCodeValidation, "flow element is nil")
	}
	body, err := json.Marshal(el)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(strconv.Quote(string(el.ElementType())))
	return json.Marshal(fields)
}

// UnmarshalElement decodes a single "type"-discriminated element.
func UnmarshalElement(raw json.RawMessage) (FlowElement, error) {
	var head struct {
		Type ElementType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	var el FlowElement
	switch head.Type {
	case TypeStep:
		el = &Step{}
	case TypeParallel:
		el = &Parallel{}
	case TypeBranch:
		el = &Branch{}
	case TypeForEach:
		el = &ForEach{}
	case TypeWhile:
		el = &While{}
	case TypeTry:
		el = &TryCatchFinally{}
	case TypeSwitch:
		el = &Switch{}
	case TypeMapReduce:
		el = &MapReduce{}
	case TypeApproval:
		el = &Approval{}
	case "":
		return nil, NewError(ErrCodeValidation, "element is missing \"type\"")
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown element type %q", head.Type)
	}
	if err := json.Unmarshal(raw, el); err != nil {
		return nil, err
	}
	return el, nil
}
