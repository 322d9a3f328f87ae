package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockflow/internal/models"
)

const yamlWorkflow = `
id: nightly
name: Nightly report
blocks:
  - id: start
    name: Start
    kind: starter
  - id: out
    name: Out
    kind: response
connections:
  - source: start
    target: out
`

const jsonWorkflow = `{"name":"From JSON","blocks":[{"id":"start","name":"Start","kind":"starter"}],"connections":[]}`

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestFileWorkflowLoader_LoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nightly.yaml", yamlWorkflow)
	writeFile(t, dir, "adhoc.json", jsonWorkflow)
	writeFile(t, dir, "broken.json", `{"blocks":`)
	writeFile(t, dir, "notes.txt", "ignored")

	l, err := NewFileWorkflowLoader(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nightly", "adhoc"}, l.IDs())

	wf, err := l.LoadWorkflow(context.Background(), "nightly")
	require.NoError(t, err)
	assert.Equal(t, "Nightly report", wf.Name)
	assert.Len(t, wf.Connections, 1)

	wf, err = l.LoadWorkflow(context.Background(), "adhoc")
	require.NoError(t, err)
	assert.Equal(t, "From JSON", wf.Name, "id falls back to the file name")

	_, err = l.LoadWorkflow(context.Background(), "broken")
	assert.ErrorIs(t, err, models.ErrWorkflowNotFound)
}

func TestFileWorkflowLoader_MissingDirectory(t *testing.T) {
	_, err := NewFileWorkflowLoader(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestFileWorkflowLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	l, err := NewFileWorkflowLoader(dir)
	require.NoError(t, err)
	assert.Empty(t, l.IDs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx))

	writeFile(t, dir, "nightly.yml", yamlWorkflow)
	assert.Eventually(t, func() bool {
		_, err := l.LoadWorkflow(ctx, "nightly")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "nightly.yml")))
	assert.Eventually(t, func() bool {
		_, err := l.LoadWorkflow(ctx, "nightly")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}
