package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingListener struct {
	changes  int
	statuses []CommandStatus
}

func (r *recordingListener) CommandChanged(cmd *Command) { r.changes++ }
func (r *recordingListener) CommandStatusChanged(cmd *Command, old CommandStatus) {
	r.statuses = append(r.statuses, cmd.Status)
}

func TestNewCommandDerivesFrameCount(t *testing.T) {
	task := newTestTask(1, 1, 1, 0)

	cmd := NewCommand(1, "shot010_1_25", task, nil)
	assert.Equal(t, 25, cmd.NbFrames)

	cmd = NewCommand(2, "cleanup", task, nil)
	assert.Equal(t, 0, cmd.NbFrames)
}

func TestSetStatusMaintainsTimestamps(t *testing.T) {
	task := newTestTask(1, 1, 1, 0)
	cmd := NewCommand(1, "a_1_10", task, nil)

	cmd.SetStatus(CmdAssigned)
	assert.False(t, cmd.StartTime.IsZero())

	cmd.SetStatus(CmdRunning)
	cmd.SetStatus(CmdDone)
	assert.False(t, cmd.EndTime.IsZero())
	assert.Greater(t, cmd.AvgTimeByFrame, -1.0)
}

func TestSetStatusNotifiesListener(t *testing.T) {
	task := newTestTask(1, 1, 1, 0)
	cmd := NewCommand(1, "a_1_10", task, nil)
	listener := &recordingListener{}
	cmd.SetListener(listener)

	cmd.SetStatus(CmdAssigned)
	cmd.SetStatus(CmdAssigned) // no-op
	cmd.SetStatus(CmdRunning)

	assert.Equal(t, []CommandStatus{CmdAssigned, CmdRunning}, listener.statuses)
}

func TestSetReadyAndClear(t *testing.T) {
	task := newTestTask(1, 1, 1, 0)
	cmd := NewCommand(1, "a_1_10", task, nil)
	rn := NewRenderNode(1, "vfx01:8000", "vfx01", 8000, 4, 2.0, 1000, nil)

	cmd.Assign(rn)
	cmd.Status = CmdError
	cmd.Completion = 0.7
	cmd.Message = "segfault"

	cmd.SetReadyAndClear()

	assert.Equal(t, CmdReady, cmd.Status)
	assert.Nil(t, cmd.RenderNode)
	assert.Zero(t, cmd.Completion)
	assert.Empty(t, cmd.Message)
	assert.True(t, cmd.StartTime.IsZero())
}

func TestSetReadyRejectsRunning(t *testing.T) {
	task := newTestTask(1, 1, 1, 0)
	cmd := NewCommand(1, "a_1_10", task, nil)
	cmd.Status = CmdRunning

	assert.Error(t, cmd.SetReady())

	cmd.Status = CmdError
	assert.NoError(t, cmd.SetReady())
	assert.Equal(t, CmdReady, cmd.Status)
}

func TestAvgTimeByFrame(t *testing.T) {
	task := newTestTask(1, 1, 1, 0)
	cmd := NewCommand(1, "a_1_10", task, nil)
	cmd.StartTime = time.Now().Add(-10 * time.Second)
	cmd.Status = CmdRunning

	cmd.SetStatus(CmdDone)

	// 10 frames over ~10s is ~1000ms per frame
	assert.InDelta(t, 1000, cmd.AvgTimeByFrame, 100)
}

func TestMergedArgumentsAndEnvironment(t *testing.T) {
	group := &Task{
		ID:          1,
		Name:        "seq",
		Arguments:   map[string]any{"prod": "show", "scale": 1},
		Environment: map[string]string{"SHOW": "demo", "TIER": "low"},
	}
	task := newTestTask(2, 1, 1, 0)
	task.Parent = group
	task.Arguments = map[string]any{"scale": 2}
	task.Environment = map[string]string{"TIER": "high"}

	cmd := NewCommand(1, "a_1_10", task, map[string]any{"frame": 7})

	args := task.MergedArguments(cmd)
	assert.Equal(t, "show", args["prod"])
	assert.Equal(t, 2, args["scale"]) // task overrides group
	assert.Equal(t, 7, args["frame"]) // command overrides task

	env := task.MergedEnvironment()
	assert.Equal(t, "demo", env["SHOW"])
	assert.Equal(t, "high", env["TIER"])
}
