package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expenseYAML = `
name: expense-approval
version: "1"
flow:
  - type: step
    name: fetch
    agent: echo
    input:
      amount: "${{ input.amount }}"
    retry:
      max_attempts: 3
      backoff: exponential
      initial_delay: 100ms
    timeout: 5s
  - type: approval
    name: review
    ttl: 24h
    notify: ["log:approvals"]
    message:
      text: "Approve ${{ fetch.output.amount }}?"
  - type: branch
    name: decide
    if: review.output.approved == true
    then:
      - type: step
        name: pay
        agent: echo
    else:
      - type: switch
        name: route
        value: "${{ review.output.reason }}"
        cases:
          - value: budget
            flow:
              - type: step
                name: escalate
                agent: echo
        default:
          - type: step
            name: reject
            agent: echo
triggers:
  - cron: "0 9 * * 1"
    input: {amount: 10}
`

func TestParseDefinition_YAML(t *testing.T) {
	def, err := ParseDefinition([]byte(expenseYAML))
	require.NoError(t, err)

	assert.Equal(t, "expense-approval", def.Name)
	require.Len(t, def.Flow, 3)

	step, ok := def.Flow[0].(*Step)
	require.True(t, ok)
	assert.Equal(t, "fetch", step.ElementName())
	assert.Equal(t, "echo", step.Agent)
	require.NotNil(t, step.Retry)
	assert.Equal(t, 3, step.Retry.MaxAttempts)
	assert.Equal(t, BackoffExponential, step.Retry.Backoff)

	approval, ok := def.Flow[1].(*Approval)
	require.True(t, ok)
	assert.Equal(t, "24h", approval.TTL)
	assert.Equal(t, []string{"log:approvals"}, approval.Notify)

	branch, ok := def.Flow[2].(*Branch)
	require.True(t, ok)
	require.Len(t, branch.Else, 1)
	sw, ok := branch.Else[0].(*Switch)
	require.True(t, ok)
	require.Len(t, sw.Cases, 1)
	assert.Equal(t, "budget", sw.Cases[0].Value)
	require.Len(t, sw.Default, 1)

	require.Len(t, def.Triggers, 1)
	assert.Equal(t, "0 9 * * 1", def.Triggers[0].Cron)
}

func TestParseDefinition_JSONRoundTripKeepsVariants(t *testing.T) {
	def, err := ParseDefinition([]byte(expenseYAML))
	require.NoError(t, err)

	raw, err := json.Marshal(def)
	require.NoError(t, err)

	again, err := ParseDefinition(raw)
	require.NoError(t, err)
	assert.IsType(t, &Approval{}, again.Flow[1])
	assert.IsType(t, &Branch{}, again.Flow[2])
	assert.Equal(t, def.Flow[0], again.Flow[0])
}

func TestParseDefinition_Errors(t *testing.T) {
	_, err := ParseDefinition([]byte(`name: x
flow:
  - type: teleport
    name: a
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown element type")

	_, err = ParseDefinition([]byte(`flow: []`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = ParseDefinition([]byte("name: [unclosed"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestChildren_Segments(t *testing.T) {
	par := &Parallel{Base: Base{Name: "p"}, Branches: []Flow{{}, {}}}
	segs := Children(par)
	require.Len(t, segs, 2)
	assert.Equal(t, "branch_1", segs[1].Segment)

	try := &TryCatchFinally{Base: Base{Name: "t"}}
	assert.Equal(t, []string{"try", "catch", "finally"}, segmentNames(Children(try)))
	assert.Nil(t, Children(&Step{Base: Base{Name: "s"}}))
}

func segmentNames(subs []SubFlow) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.Segment
	}
	return out
}
