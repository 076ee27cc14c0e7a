package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileParsesTaskArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.yaml")
	contents := `
tasks:
  - id: root
    name: root task
  - id: leaf
    parent_id: root
    name: leaf task
    method: system_info
    dependencies: ["root"]
    inputs:
      resource: cpu
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	specs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "root", specs[0].ID)
	assert.Nil(t, specs[0].ParentID)

	leaf := specs[1]
	assert.Equal(t, "leaf", leaf.ID)
	require.NotNil(t, leaf.ParentID)
	assert.Equal(t, "root", *leaf.ParentID)
	assert.Equal(t, "system_info", leaf.Schemas.Method)
	require.Len(t, leaf.Dependencies, 1)
	assert.Equal(t, "root", leaf.Dependencies[0].ID)
	assert.True(t, leaf.Dependencies[0].Required)
	assert.True(t, leaf.Dependencies[0].Bare)
	assert.Equal(t, "cpu", leaf.Inputs["resource"])
}

func TestLoadFileMissingFile(t *testing.T) {
	_, err := LoadFile("/nonexistent/path/demo.yaml")
	assert.Error(t, err)
}
