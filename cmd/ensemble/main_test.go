package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

const greetYAML = `
name: greet
flow:
  - {type: step, name: hello, agent: echo, input: {who: "${{ input.who }}"}}
`

const gateYAML = `
name: gate
flow:
  - type: approval
    name: signoff
    message: {text: "ship it?"}
    notify: ["log:ops"]
  - {type: step, name: after, agent: echo, input: {approved: "${{ signoff.output.approved }}"}}
`

type cliResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Output      map[string]any         `json:"output"`
	Token       *struct {
		Token string `json:"token"`
	} `json:"token"`
}

// newCLI isolates configuration and storage under temp dirs.
func newCLI(t *testing.T) {
	t.Helper()
	isolate(t)
	t.Setenv("ENSEMBLE_DB_PATH", filepath.Join(t.TempDir(), "ensemble.db"))
	t.Setenv("ENSEMBLE_LOG_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--env-file", ""))
	err := root.Execute()
	return out.String(), err
}

func writeDefinition(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestValidateCommand(t *testing.T) {
	newCLI(t)

	out, err := execute(t, "validate", writeDefinition(t, "greet.yaml", greetYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "greet is valid")

	bad := writeDefinition(t, "bad.yaml", `
name: bad
flow:
  - {type: step, name: a, agent: nobody}
`)
	out, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "error")
}

func TestInspectCommand(t *testing.T) {
	newCLI(t)
	path := writeDefinition(t, "greet.yaml", greetYAML)

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "hello")

	out, err = execute(t, "inspect", path, "--format", "ascii")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	_, err = execute(t, "inspect", path, "--format", "png")
	assert.Error(t, err, "png needs --out")

	_, err = execute(t, "inspect", path, "--format", "gif")
	assert.Error(t, err)
}

func TestRunAndStatusCommands(t *testing.T) {
	newCLI(t)

	out, err := execute(t, "run", writeDefinition(t, "greet.yaml", greetYAML), "--input", `{"who": "ada"}`)
	require.NoError(t, err)
	var res cliResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, schema.ExecutionSucceeded, res.Status)
	assert.Equal(t, map[string]any{"who": "ada"}, res.Output)

	// A fresh process sees the durable state.
	out, err = execute(t, "status", res.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "succeeded"`)

	out, err = execute(t, "events", res.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, out, schema.EventExecutionStarted)
	assert.Contains(t, out, schema.EventExecutionCompleted)

	_, err = execute(t, "status", "missing")
	assert.Error(t, err)
}

func TestApprovalResumeAcrossCommands(t *testing.T) {
	newCLI(t)
	path := writeDefinition(t, "gate.yaml", gateYAML)

	out, err := execute(t, "run", path)
	require.NoError(t, err)
	var suspended cliResult
	require.NoError(t, json.Unmarshal([]byte(out), &suspended))
	require.Equal(t, schema.ExecutionSuspended, suspended.Status)
	require.NotNil(t, suspended.Token)

	out, err = execute(t, "approval", suspended.Token.Token)
	require.NoError(t, err)
	assert.Contains(t, out, "ship it?")

	out, err = execute(t, "resume", suspended.Token.Token, "--payload", "approved: true")
	require.NoError(t, err)
	var final cliResult
	require.NoError(t, json.Unmarshal([]byte(out), &final))
	assert.Equal(t, schema.ExecutionSucceeded, final.Status)
	assert.Equal(t, map[string]any{"approved": true}, final.Output)

	_, err = execute(t, "resume", suspended.Token.Token)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeAlreadyConsumed, schema.ErrorCode(err))
}

func TestCancelCommand(t *testing.T) {
	newCLI(t)

	out, err := execute(t, "run", writeDefinition(t, "gate.yaml", gateYAML))
	require.NoError(t, err)
	var suspended cliResult
	require.NoError(t, json.Unmarshal([]byte(out), &suspended))

	out, err = execute(t, "cancel", suspended.ExecutionID, "--reason", "not today")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled "+suspended.ExecutionID)

	out, err = execute(t, "status", suspended.ExecutionID)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "cancelled"`)
}

func TestLoadDefinitions(t *testing.T) {
	newCLI(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(greetYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	cfg, err := loadConfig("")
	require.NoError(t, err)
	a, err := newApp(t.Context(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	defer a.Close()

	n, err := a.loadDefinitions(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := a.orch.Definition("greet")
	assert.True(t, ok)

	n, err = a.loadDefinitions(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
