package validation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

type mockLookup map[string]bool

func newMockLookup(agents ...string) mockLookup {
	m := make(mockLookup, len(agents))
	for _, a := range agents {
		m[a] = true
	}
	return m
}

func (m mockLookup) Has(name string) bool { return m[name] }

func mustParse(t *testing.T, doc string) *schema.Definition {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(doc))
	require.NoError(t, err)
	return def
}

func step(name, agent string) *schema.Step {
	return &schema.Step{Base: schema.Base{Name: name}, Agent: agent}
}

func issuePaths(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Path
	}
	return out
}

const fullDefinition = `
name: full
version: "1"
description: every element type
input_schema:
  type: object
  properties:
    items: {type: array}
triggers:
  - cron: "*/5 * * * *"
    input: {items: []}
flow:
  - type: step
    name: fetch
    agent: echo
    input: {items: "${{ input.items }}"}
    retry: {max_attempts: 3, backoff: exponential, initial_delay: 10ms, max_delay: 1s}
    timeout: 5s
  - type: parallel
    name: fan
    on_error: continue
    branches:
      - - {type: step, name: left, agent: echo}
      - - {type: step, name: right, agent: echo}
  - type: branch
    name: check
    if: "${{ len(fetch.output.items) > 0 }}"
    then:
      - {type: step, name: has_items, agent: echo}
    else:
      - {type: step, name: empty, agent: echo}
  - type: for_each
    name: each
    over: "${{ input.items }}"
    as: item
    concurrent: true
    max_concurrency: 2
    body:
      - {type: step, name: handle, agent: echo, input: {value: "${{ item }}"}}
  - type: while
    name: poll
    condition: "${{ iteration < 3 }}"
    max_iterations: 5
    body:
      - {type: step, name: tick, agent: echo}
  - type: try
    name: guarded
    try:
      - {type: step, name: risky, agent: echo}
    catch:
      - {type: step, name: recover, agent: echo, input: {message: "${{ error.message }}"}}
    finally:
      - {type: step, name: cleanup, agent: echo}
  - type: switch
    name: route
    value: "${{ input.mode }}"
    cases:
      - value: fast
        flow:
          - {type: step, name: quick, agent: echo}
    default:
      - {type: step, name: slow, agent: echo}
  - type: map_reduce
    name: total
    over: "${{ [1, 2, 3] }}"
    map:
      - {type: step, name: double, agent: echo, input: {v: "${{ item }}"}}
    reduce: "${{ acc + 1 }}"
    initial: 0
  - type: approval
    name: signoff
    message: {text: "approve?"}
    ttl: 1h
    notify: ["log:ops"]
`
