package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlWorkflow = `
id: digest
name: Daily Digest
blocks:
  - id: start
    name: Start
    kind: starter
  - id: each
    name: Each Topic
    kind: loop
  - id: summarize
    name: Research Agent
    kind: agent
    enabled: false
    retryConfig:
      maxRetries: 2
connections:
  - source: start
    target: each
  - source: each
    target: summarize
    sourceHandle: loop-start-source
loops:
  each:
    id: each
    nodes: [summarize]
    loopType: forEach
    forEachItems: "{{start.input.topics}}"
variables:
  - name: tone
    defaultValue: terse
  - name: empty
`

func TestParseWorkflow_YAML(t *testing.T) {
	wf, err := ParseWorkflow("digest.yml", []byte(yamlWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "digest", wf.ID)
	require.Len(t, wf.Blocks, 3)
	assert.Equal(t, KindLoop, wf.Blocks[1].Kind)
	assert.Equal(t, HandleLoopStart, wf.Connections[1].SourceHandle)
	assert.Equal(t, LoopTypeForEach, wf.Loops["each"].LoopType)
	assert.Equal(t, "{{start.input.topics}}", wf.Loops["each"].ForEachItems)

	agent := wf.Block("summarize")
	require.NotNil(t, agent)
	assert.False(t, agent.IsEnabled())
	assert.Equal(t, 2, agent.RetryConfig.MaxRetries)
	assert.Equal(t, "researchagent", agent.NormalizedName())
	assert.True(t, wf.Block("start").IsEnabled())
	assert.Nil(t, wf.Block("missing"))

	assert.Equal(t, map[string]any{"tone": "terse"}, wf.VariableDefaults())
}

func TestParseWorkflow_JSON(t *testing.T) {
	wf, err := ParseWorkflow("flow", []byte(`{"id":"f","blocks":[{"id":"start","kind":"starter"}],"connections":[]}`))
	require.NoError(t, err)
	assert.Equal(t, KindStarter, wf.Blocks[0].Kind)
}

func TestParseWorkflow_Errors(t *testing.T) {
	_, err := ParseWorkflow("bad.json", []byte(`{"blocks": [`))
	assert.Error(t, err)

	_, err = ParseWorkflow("bad.yaml", []byte("blocks: [\n"))
	assert.Error(t, err)

	_, err = ParseWorkflow("empty.json", []byte(`{"id":"e","blocks":[]}`))
	assert.ErrorContains(t, err, "no blocks")
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "researchagent", NormalizeName("  Research   Agent "))
	assert.Equal(t, "", NormalizeName(""))
}
