package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct{ name string }

func (t fakeTool) Name() string              { return t.name }
func (t fakeTool) Schema() map[string]any    { return map[string]any{} }
func (t fakeTool) Call(args map[string]any) (any, error) { return "ok", nil }

func TestToolRegistryRegisterGetList(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register("search", fakeTool{name: "search"}, false))
	require.NoError(t, r.Register("notify", fakeTool{name: "notify"}, false))

	tool, ok := r.Get("search")
	require.True(t, ok)
	assert.Equal(t, "search", tool.Name())

	assert.Equal(t, []string{"notify", "search"}, r.List())
}

func TestToolRegistryRejectsDuplicateWithoutOverride(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register("search", fakeTool{name: "search"}, false))
	err := r.Register("search", fakeTool{name: "search-v2"}, false)
	assert.Error(t, err)
}

func TestToolRegistryOverrideReplaces(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register("search", fakeTool{name: "v1"}, false))
	require.NoError(t, r.Register("search", fakeTool{name: "v2"}, true))

	tool, _ := r.Get("search")
	assert.Equal(t, "v2", tool.Name())
}
