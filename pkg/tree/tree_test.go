package tree

import (
	"testing"

	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleGraph(name string, commands int) *GraphSpec {
	return &GraphSpec{
		Name:     name,
		User:     "alice",
		PoolName: "default",
		Tags:     map[string]string{"prod": "demo"},
		Root: &NodeSpec{
			Name:       name,
			Type:       "Task",
			Runner:     "shell",
			Start:      1,
			End:        commands,
			PacketSize: 1,
			MinCores:   1,
			MaxCores:   1,
		},
	}
}

func newTestTree(t *testing.T) *DispatchTree {
	t.Helper()
	dt := NewDispatchTree()
	dt.EnsureDefaultPool()
	return dt
}

func TestNewDispatchTreeHasGraphsNode(t *testing.T) {
	dt := newTestTree(t)

	graphs := dt.Graphs()
	require.NotNil(t, graphs)
	assert.Equal(t, "graphs", graphs.Name)
	assert.Equal(t, "/graphs", graphs.Path())
	assert.Same(t, graphs, dt.FindNodeByPath("/graphs"))
}

func TestRegisterGraphCreatesEntities(t *testing.T) {
	dt := newTestTree(t)
	dt.ResetDirty()

	nodes, err := dt.RegisterGraph(simpleGraph("shot010", 3))
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	job := nodes[0]
	assert.Equal(t, "shot010", job.Name)
	assert.Equal(t, "demo", job.Tags["prod"])
	assert.Equal(t, 3, job.CommandCount())
	assert.Equal(t, 3, job.ReadyCommandCount())
	assert.Len(t, dt.Commands, 3)
	assert.Same(t, job, dt.FindNodeByPath("/graphs/shot010"))

	// a fresh pool share binds the job to the pool
	var share *model.PoolShare
	for _, ps := range dt.PoolShares {
		if ps.Node == job {
			share = ps
		}
	}
	require.NotNil(t, share)
	assert.Equal(t, model.UnboundMaxRN, share.MaxRN)
	assert.False(t, share.UserDefinedMaxRN)

	toCreate, _, _ := dt.DirtySets()
	assert.NotEmpty(t, toCreate)
}

func TestRegisterGraphPacketExpansion(t *testing.T) {
	dt := newTestTree(t)

	spec := simpleGraph("shot020", 0)
	spec.Root.Start = 1
	spec.Root.End = 10
	spec.Root.PacketSize = 4

	nodes, err := dt.RegisterGraph(spec)
	require.NoError(t, err)

	cmds := nodes[0].Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "shot020_1_4", cmds[0].Description)
	assert.Equal(t, "shot020_5_8", cmds[1].Description)
	assert.Equal(t, "shot020_9_10", cmds[2].Description)
	assert.Equal(t, 1, cmds[0].Arguments["start"])
	assert.Equal(t, 4, cmds[0].Arguments["end"])
}

func TestRegisterGraphTaskGroup(t *testing.T) {
	dt := newTestTree(t)

	spec := &GraphSpec{
		Name: "seq010",
		User: "bob",
		Root: &NodeSpec{
			Name:        "seq010",
			Type:        "TaskGroup",
			Environment: map[string]string{"SHOW": "demo"},
			Children: []*NodeSpec{
				{Name: "layout", Type: "Task", Runner: "shell", Start: 1, End: 2, PacketSize: 1},
				{Name: "render", Type: "Task", Runner: "maya", Start: 1, End: 4, PacketSize: 2},
			},
		},
		Dependencies: []DependencySpec{
			{Node: "render", Requires: "layout", AcceptableStatuses: []int{int(model.NodeDone)}},
		},
	}

	nodes, err := dt.RegisterGraph(spec)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	root := nodes[0]
	assert.Equal(t, model.NodeKindFolder, root.Kind)
	require.Len(t, root.Children, 2)

	render := dt.FindNodeByPath("/graphs/seq010/render")
	require.NotNil(t, render)
	assert.Equal(t, model.NodeBlocked, render.Status)
	require.Len(t, render.Dependencies, 1)

	// group environment flows into the task ancestry
	env := render.Task.MergedEnvironment()
	assert.Equal(t, "demo", env["SHOW"])
}

func TestRegisterGraphValidation(t *testing.T) {
	dt := newTestTree(t)

	tests := []struct {
		name string
		spec *GraphSpec
	}{
		{"missing name", &GraphSpec{Root: &NodeSpec{Name: "x", Type: "Task", Runner: "shell"}}},
		{"missing root", &GraphSpec{Name: "x"}},
		{"unknown pool", &GraphSpec{Name: "x", PoolName: "gpu", Root: &NodeSpec{Name: "x", Type: "Task", Runner: "shell"}}},
		{"task without runner", &GraphSpec{Name: "x", Root: &NodeSpec{Name: "x", Type: "Task"}}},
		{"unknown type", &GraphSpec{Name: "x", Root: &NodeSpec{Name: "x", Type: "Job"}}},
		{"empty group", &GraphSpec{Name: "x", Root: &NodeSpec{Name: "x", Type: "TaskGroup"}}},
		{"bad dependency", &GraphSpec{
			Name: "x",
			Root: &NodeSpec{Name: "x", Type: "Task", Runner: "shell", End: 1, Start: 1},
			Dependencies: []DependencySpec{
				{Node: "x", Requires: "ghost"},
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(dt.Nodes)
			_, err := dt.RegisterGraph(tt.spec)
			require.Error(t, err)
			var vErr *ValidationError
			assert.ErrorAs(t, err, &vErr)
			// a rejected submission leaves no state behind
			assert.Len(t, dt.Nodes, before)
		})
	}
}

func TestValidateDependenciesUnblocks(t *testing.T) {
	dt := newTestTree(t)

	spec := &GraphSpec{
		Name: "seq",
		Root: &NodeSpec{
			Name: "seq",
			Type: "TaskGroup",
			Children: []*NodeSpec{
				{Name: "first", Type: "Task", Runner: "shell", Start: 1, End: 1},
				{Name: "second", Type: "Task", Runner: "shell", Start: 1, End: 1},
			},
		},
		Dependencies: []DependencySpec{{Node: "second", Requires: "first"}},
	}
	_, err := dt.RegisterGraph(spec)
	require.NoError(t, err)

	second := dt.FindNodeByPath("/graphs/seq/second")
	require.Equal(t, model.NodeBlocked, second.Status)

	dt.ValidateDependencies()
	assert.Equal(t, model.NodeBlocked, second.Status)

	first := dt.FindNodeByPath("/graphs/seq/first")
	for _, cmd := range first.Task.Commands {
		cmd.Status = model.CmdDone
		cmd.Completion = 1
	}
	dt.UpdateCompletionAndStatus()
	require.Equal(t, model.NodeDone, first.Status)

	dt.ValidateDependencies()
	assert.Equal(t, model.NodeReady, second.Status)

	// idempotent
	dt.ValidateDependencies()
	assert.Equal(t, model.NodeReady, second.Status)
}

func TestDirtyTracking(t *testing.T) {
	dt := newTestTree(t)
	dt.ResetDirty()

	_, err := dt.RegisterGraph(simpleGraph("shot030", 2))
	require.NoError(t, err)

	toCreate, toModify, toArchive := dt.DirtySets()
	assert.NotEmpty(t, toCreate)
	assert.Empty(t, toModify)
	assert.Empty(t, toArchive)
	assert.True(t, dt.HasDirty())

	dt.ResetDirty()
	assert.False(t, dt.HasDirty())

	// command mutations land in toModify exactly once
	var cmd *model.Command
	for _, c := range dt.Commands {
		cmd = c
		break
	}
	cmd.SetCompletion(0.5)
	cmd.SetCompletion(0.6)
	_, toModify, _ = dt.DirtySets()
	assert.Len(t, toModify, 1)
}

func TestArchiveNode(t *testing.T) {
	dt := newTestTree(t)
	nodes, err := dt.RegisterGraph(simpleGraph("shot040", 2))
	require.NoError(t, err)
	dt.ResetDirty()

	job := nodes[0]
	require.NoError(t, dt.ArchiveNode(job))

	assert.Nil(t, dt.FindNodeByPath("/graphs/shot040"))
	assert.Empty(t, dt.Commands)
	_, _, toArchive := dt.DirtySets()
	assert.NotEmpty(t, toArchive)
}

func TestArchiveNodeRejectsRunning(t *testing.T) {
	dt := newTestTree(t)
	nodes, err := dt.RegisterGraph(simpleGraph("shot050", 1))
	require.NoError(t, err)

	job := nodes[0]
	job.Task.Commands[0].Status = model.CmdRunning

	assert.Error(t, dt.ArchiveNode(job))
	assert.NotNil(t, dt.FindNodeByPath("/graphs/shot050"))
}

func TestRenderNodeRegistry(t *testing.T) {
	dt := newTestTree(t)

	rn := model.NewRenderNode(1, "vfx01:8000", "vfx01", 8000, 8, 3.2, 16000, nil)
	require.NoError(t, dt.AddRenderNode(rn, nil))
	assert.Same(t, rn, dt.RenderNodes["vfx01:8000"])
	assert.Len(t, dt.Pools["default"].RenderNodes, 1)

	// duplicate name rejected
	dup := model.NewRenderNode(2, "vfx01:8000", "vfx01", 8000, 8, 3.2, 16000, nil)
	assert.Error(t, dt.AddRenderNode(dup, nil))

	// unknown pool rejected
	other := model.NewRenderNode(3, "vfx02:8000", "vfx02", 8000, 8, 3.2, 16000, nil)
	assert.Error(t, dt.AddRenderNode(other, []string{"gpu"}))

	removed, err := dt.RemoveRenderNode("vfx01:8000")
	require.NoError(t, err)
	assert.Same(t, rn, removed)
	assert.Empty(t, dt.Pools["default"].RenderNodes)
}

func TestFilterNodes(t *testing.T) {
	dt := newTestTree(t)
	_, err := dt.RegisterGraph(simpleGraph("a", 1))
	require.NoError(t, err)
	specB := simpleGraph("b", 1)
	specB.User = "bob"
	_, err = dt.RegisterGraph(specB)
	require.NoError(t, err)

	jobs := dt.Graphs().Children

	filtered, err := FilterNodes(jobs, map[string][]string{"constraint_user": {"bob"}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0].Name)

	filtered, err = FilterNodes(jobs, map[string][]string{"constraint_tags:prod": {"demo"}})
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	filtered, err = FilterNodes(jobs, map[string][]string{"constraint_id": {"nope"}})
	assert.Error(t, err)
	assert.Nil(t, filtered)

	_, err = FilterNodes(jobs, map[string][]string{"constraint_shoe": {"42"}})
	assert.Error(t, err)
}

func TestNodeFieldsProjection(t *testing.T) {
	dt := newTestTree(t)
	nodes, err := dt.RegisterGraph(simpleGraph("shot060", 2))
	require.NoError(t, err)

	fields := NodeFields(nodes[0], []string{"id", "name", "tags:prod", "completion"})
	assert.Equal(t, nodes[0].ID, fields["id"])
	assert.Equal(t, "shot060", fields["name"])
	assert.Equal(t, "demo", fields["prod"])
	assert.Contains(t, fields, "completion")
}
