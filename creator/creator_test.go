package creator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/store/memstore"
)

func strp(s string) *string { return &s }

func TestCreateSimpleTree(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{
		{ID: "root", Name: "root"},
		{ID: "child", Name: "child", ParentID: strp("root")},
	}
	root, err := Create(context.Background(), repo, specs)
	require.NoError(t, err)
	assert.Equal(t, "root", root.Task.ID)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "child", root.Children[0].Task.ID)
	assert.Equal(t, taskflow.StatusPending, root.Task.Status)
}

func TestCreateAssignsIDsWhenAllMissing(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{
		{Name: "root"},
	}
	root, err := Create(context.Background(), repo, specs)
	require.NoError(t, err)
	assert.NotEmpty(t, root.Task.ID)
}

func TestCreateRejectsMixedIDMode(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{
		{ID: "root", Name: "root"},
		{Name: "child"},
	}
	_, err := Create(context.Background(), repo, specs)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCreateRejectsMultipleRoots(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{
		{ID: "root1", Name: "root1"},
		{ID: "root2", Name: "root2"},
	}
	_, err := Create(context.Background(), repo, specs)
	assert.Error(t, err)
}

func TestCreateRejectsUnknownParentRef(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{
		{ID: "root", Name: "root"},
		{ID: "child", Name: "child", ParentID: strp("missing")},
	}
	_, err := Create(context.Background(), repo, specs)
	assert.Error(t, err)
}

func TestCreateRejectsUnknownDependencyRef(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{
		{ID: "root", Name: "root", Dependencies: []taskflow.Dependency{{ID: "missing", Required: true}}},
	}
	_, err := Create(context.Background(), repo, specs)
	assert.Error(t, err)
}

func TestCreateRejectsUnreachableNode(t *testing.T) {
	repo := memstore.New()
	// "a" and "b" name each other as parent, so neither chain reaches
	// "root": the induced cycle a->b->a.
	specs := []TaskSpec{
		{ID: "root", Name: "root"},
		{ID: "a", Name: "a", ParentID: strp("b")},
		{ID: "b", Name: "b", ParentID: strp("a")},
	}
	_, err := Create(context.Background(), repo, specs)
	assert.Error(t, err)
}

func TestCopyShallowResetsState(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{{ID: "root", Name: "root"}}
	root, err := Create(context.Background(), repo, specs)
	require.NoError(t, err)

	copied, err := Copy(context.Background(), repo, root, false)
	require.NoError(t, err)
	assert.NotEqual(t, root.Task.ID, copied.Task.ID)
	assert.Equal(t, taskflow.StatusPending, copied.Task.Status)
	assert.Equal(t, 0.0, copied.Task.Progress)
}

func TestCopyDeepRewritesDependencies(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{
		{ID: "root", Name: "root"},
		{ID: "a", Name: "a", ParentID: strp("root")},
		{ID: "b", Name: "b", ParentID: strp("root"), Dependencies: []taskflow.Dependency{{ID: "a", Required: true}}},
	}
	root, err := Create(context.Background(), repo, specs)
	require.NoError(t, err)

	copied, err := Copy(context.Background(), repo, root, true)
	require.NoError(t, err)
	require.Len(t, copied.Children, 2)

	var copiedA, copiedB *taskflow.Task
	for _, c := range copied.Children {
		switch c.Task.Name {
		case "a":
			copiedA = c.Task
		case "b":
			copiedB = c.Task
		}
	}
	require.NotNil(t, copiedA)
	require.NotNil(t, copiedB)
	require.Len(t, copiedB.Dependencies, 1)
	assert.Equal(t, copiedA.ID, copiedB.Dependencies[0].ID)
	assert.NotEqual(t, "a", copiedB.Dependencies[0].ID)
}

func TestCopyDropsOutOfScopeDependencies(t *testing.T) {
	repo := memstore.New()
	specs := []TaskSpec{
		{ID: "root", Name: "root"},
		{ID: "outside", Name: "outside", ParentID: strp("root")},
		{ID: "sub", Name: "sub", ParentID: strp("root")},
		{ID: "leaf", Name: "leaf", ParentID: strp("sub"), Dependencies: []taskflow.Dependency{{ID: "outside", Required: true}}},
	}
	root, err := Create(context.Background(), repo, specs)
	require.NoError(t, err)

	var subNode *taskflow.TreeNode
	for _, c := range root.Children {
		if c.Task.Name == "sub" {
			subNode = c
		}
	}
	require.NotNil(t, subNode)

	copied, err := Copy(context.Background(), repo, subNode, true)
	require.NoError(t, err)
	require.Len(t, copied.Children, 1)
	assert.Empty(t, copied.Children[0].Task.Dependencies)
}
