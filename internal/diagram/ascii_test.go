package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(mustParse(t, linearYAML), nil)
	require.NoError(t, err)

	want := "etl 2\n" +
		"├── fetch (http)\n" +
		"├── transform (transform)  ← fetch\n" +
		"└── store (db)  ← transform\n"
	assert.Equal(t, want, RenderASCII(model))
}

func TestRenderASCIIChildFlows(t *testing.T) {
	model, err := Build(mustParse(t, branchYAML), nil)
	require.NoError(t, err)

	want := "deploy\n" +
		"├── check (http)\n" +
		"└── decide <branch>  ← check\n" +
		"    ├── [then]\n" +
		"    │   └── ship (shell)\n" +
		"    └── [else]\n" +
		"        └── alert (http)\n"
	assert.Equal(t, want, RenderASCII(model))
}

func TestRenderASCIIStatus(t *testing.T) {
	results := []*schema.StepResult{
		{Path: "fetch", Status: schema.NodeSucceeded, Attempts: 3},
		{Path: "transform", Status: schema.NodeFailed, Error: schema.NewError(schema.ErrCodeAgentExecution, "bad rows")},
	}
	model, err := Build(mustParse(t, linearYAML), results)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "fetch (http) [OK] x3")
	assert.Contains(t, output, "transform (transform) [FAIL]")
	assert.Contains(t, output, "│   ! bad rows\n")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[WAIT]", statusTag(schema.NodeSuspended))
	assert.Equal(t, "[RETRY]", statusTag(schema.NodeRetrying))
	assert.Equal(t, "", statusTag("unknown"))
}
