package dispatcher

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mosaicfx/farmd/pkg/config"
	"github.com/mosaicfx/farmd/pkg/events"
	"github.com/mosaicfx/farmd/pkg/licenses"
	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/mosaicfx/farmd/pkg/transport"
	"github.com/mosaicfx/farmd/pkg/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFarm struct {
	d        *Dispatcher
	received *atomic.Int32
	host     string
	port     int
}

// newTestFarm builds a dispatcher over one worker HTTP endpoint that accepts
// every assignment.
func newTestFarm(t *testing.T, mutate func(*config.Config)) *testFarm {
	t.Helper()

	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.MasterUpdateInterval = 50 * time.Millisecond
	cfg.RenderNodeRequestMaxRetryCount = 2
	cfg.RenderNodeRequestDelay = time.Millisecond
	cfg.LicenseFile = ""
	if mutate != nil {
		mutate(cfg)
	}

	dt := tree.NewDispatchTree()
	dt.EnsureDefaultPool()
	lic := licenses.NewManager()
	sender := transport.NewSender(cfg.SenderPoolSize, cfg.RenderNodeRequestMaxRetryCount, cfg.RenderNodeRequestDelay)
	sender.Start()
	t.Cleanup(sender.Stop)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	d := New(cfg, dt, lic, sender, nil, broker)

	farm := &testFarm{d: d, received: &received, host: u.Hostname(), port: port}
	return farm
}

func (f *testFarm) addRenderNode(t *testing.T, name string, cores int) *model.RenderNode {
	t.Helper()
	rn, err := f.d.RegisterRenderNode(&RenderNodeRegistration{
		Name:  name,
		Port:  f.port,
		Cores: cores,
		Speed: 2.6,
		RAM:   1000,
	})
	require.NoError(t, err)
	rn.Host = f.host // point delivery at the test worker
	rn.Status = model.RNIdle
	return rn
}

func (f *testFarm) submitJob(t *testing.T, name string, commands, minCores int) *model.Node {
	t.Helper()
	nodes, err := f.d.ApplyGraph(&tree.GraphSpec{
		Name: name,
		User: "alice",
		Root: &tree.NodeSpec{
			Name:       name,
			Type:       "Task",
			Runner:     "shell",
			Start:      1,
			End:        commands,
			PacketSize: 1,
			MinCores:   minCores,
			MaxCores:   minCores,
			RAMUse:     100,
		},
	})
	require.NoError(t, err)
	return nodes[0]
}

// drainQueue executes queued work inline, standing in for the loop.
func (f *testFarm) drainQueue() {
	for {
		select {
		case w := <-f.d.queue:
			f.d.execute(w)
		default:
			return
		}
	}
}

func (f *testFarm) share(node *model.Node) *model.PoolShare {
	for _, ps := range node.PoolShares {
		return ps
	}
	return nil
}

func TestSingleJobLifecycle(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 3, 1)

	f.d.tick()

	// all three commands fit and are delivered
	require.Equal(t, 3, f.share(job).AllocatedRN)
	assert.Eventually(t, func() bool { return f.received.Load() == 3 }, 5*time.Second, 10*time.Millisecond)

	// workers report running then done
	for _, cmd := range job.Task.Commands {
		status := int(model.CmdRunning)
		completion := 0.5
		require.NoError(t, f.d.UpdateCommand(&CommandUpdate{
			ID: cmd.ID, RenderNodeName: rn.Name, Status: &status, Completion: &completion,
		}))
	}
	f.d.tick()
	assert.Equal(t, model.NodeRunning, job.Status)
	assert.Equal(t, model.RNWorking, rn.Status)

	for _, cmd := range job.Task.Commands {
		status := int(model.CmdDone)
		completion := 1.0
		require.NoError(t, f.d.UpdateCommand(&CommandUpdate{
			ID: cmd.ID, RenderNodeName: rn.Name, Status: &status, Completion: &completion,
		}))
	}
	f.d.tick()

	assert.Equal(t, model.NodeDone, job.Status)
	assert.Equal(t, 1.0, job.Completion)
	assert.Equal(t, model.RNIdle, rn.Status)
	assert.Equal(t, 0, f.share(job).AllocatedRN)
	assert.Equal(t, rn.CoresNumber, rn.FreeCores)
	assert.Empty(t, rn.Commands)
}

func TestWorkerTimeoutAndAutoRetry(t *testing.T) {
	f := newTestFarm(t, func(cfg *config.Config) {
		cfg.RenderNodeTimeout = 100 * time.Millisecond
		cfg.MaxRetryCmdCount = 1
		cfg.DelayBeforeAutoRetry = 20 * time.Millisecond
	})
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)

	f.d.tick()
	cmd := job.Task.Commands[0]
	require.Equal(t, model.CmdAssigned, cmd.Status)

	// the worker goes silent
	rn.LastAliveTime = time.Now().Add(-time.Minute)
	f.d.tick()

	assert.Equal(t, model.RNUnknown, rn.Status)
	assert.Equal(t, model.CmdTimeout, cmd.Status)

	// the autoretry timer enqueues the reset
	assert.Eventually(t, func() bool {
		f.drainQueue()
		return cmd.Status == model.CmdReady
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, cmd.RetryCount)
	assert.Contains(t, cmd.RetryRNList, "vfx01:8000")
	assert.Nil(t, cmd.RenderNode)
	assert.Empty(t, rn.Commands)
}

func TestAutoRetryDisabledByDefault(t *testing.T) {
	f := newTestFarm(t, func(cfg *config.Config) {
		cfg.RenderNodeTimeout = 100 * time.Millisecond
	})
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)

	f.d.tick()
	rn.LastAliveTime = time.Now().Add(-time.Minute)
	f.d.tick()

	cmd := job.Task.Commands[0]
	assert.Equal(t, model.CmdTimeout, cmd.Status)

	// retryCount == max: the failed node is recorded, nothing is re-queued
	time.Sleep(50 * time.Millisecond)
	f.drainQueue()
	assert.Equal(t, model.CmdTimeout, cmd.Status)
	assert.Equal(t, 0, cmd.RetryCount)
	assert.Contains(t, cmd.RetryRNList, "vfx01:8000")
}

func TestAssignmentDeliveryFailureRevertsCommand(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)

	f.d.tick()
	cmd := job.Task.Commands[0]
	require.Equal(t, model.CmdAssigned, cmd.Status)

	f.d.assignmentFailed(transport.Failure{RenderNodeName: rn.Name, CommandID: cmd.ID})

	assert.Equal(t, model.CmdReady, cmd.Status)
	assert.Nil(t, cmd.RenderNode)
	assert.Zero(t, cmd.Completion)
	assert.Empty(t, cmd.Message)
	assert.Empty(t, rn.Commands)
	assert.Equal(t, rn.CoresNumber, rn.FreeCores)
	assert.Equal(t, 0, f.share(job).AllocatedRN)
}

func TestDeliveryFailureAfterCancelKeepsCancel(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)

	f.d.tick()
	cmd := job.Task.Commands[0]
	require.Equal(t, model.CmdAssigned, cmd.Status)

	f.d.CancelCommand(cmd)
	require.Equal(t, model.CmdCanceled, cmd.Status)

	// the in-flight delivery then fails: the command must stay canceled
	f.d.assignmentFailed(transport.Failure{RenderNodeName: rn.Name, CommandID: cmd.ID})
	assert.Equal(t, model.CmdCanceled, cmd.Status)
	assert.Equal(t, rn.CoresNumber, rn.FreeCores)
}

func TestCancelDuringDispatch(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)

	f.d.tick()
	cmd := job.Task.Commands[0]
	require.Equal(t, model.CmdAssigned, cmd.Status)

	edited, err := f.d.SetNodeStatus(job, model.NodeCanceled)
	require.NoError(t, err)
	assert.True(t, edited)
	assert.Equal(t, model.CmdCanceled, cmd.Status)
	assert.Nil(t, cmd.RenderNode)

	// a late worker report for the canceled command is refused
	status := int(model.CmdRunning)
	err = f.d.UpdateCommand(&CommandUpdate{ID: cmd.ID, RenderNodeName: rn.Name, Status: &status})
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	f.d.tick()
	assert.Equal(t, model.NodeCanceled, job.Status)
}

func TestUpdateCommandValidation(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	f.addRenderNode(t, "vfx02:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)
	cmd := job.Task.Commands[0]

	var nf *NotFoundError

	// unknown command
	err := f.d.UpdateCommand(&CommandUpdate{ID: 9999, RenderNodeName: rn.Name})
	assert.ErrorAs(t, err, &nf)

	// command not assigned anywhere
	err = f.d.UpdateCommand(&CommandUpdate{ID: cmd.ID, RenderNodeName: rn.Name})
	assert.ErrorAs(t, err, &nf)

	f.d.tick()
	require.Equal(t, model.CmdAssigned, cmd.Status)

	// report from the wrong node
	err = f.d.UpdateCommand(&CommandUpdate{ID: cmd.ID, RenderNodeName: "vfx02:8000"})
	assert.ErrorAs(t, err, &nf)
}

func TestUpdateCommandStatsSemantics(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)
	cmd := job.Task.Commands[0]

	f.d.tick()

	status := int(model.CmdRunning)
	require.NoError(t, f.d.UpdateCommand(&CommandUpdate{
		ID: cmd.ID, RenderNodeName: rn.Name, Status: &status,
		Stats: map[string]any{"frame": 3},
	}))
	assert.Equal(t, map[string]any{"frame": 3}, cmd.Stats)

	// nil stats leaves the previous stats alone
	require.NoError(t, f.d.UpdateCommand(&CommandUpdate{ID: cmd.ID, RenderNodeName: rn.Name}))
	assert.Equal(t, map[string]any{"frame": 3}, cmd.Stats)
}

func TestUpdateCommandValidatorFailure(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)
	cmd := job.Task.Commands[0]

	f.d.tick()

	validator := "output image is black"
	require.NoError(t, f.d.UpdateCommand(&CommandUpdate{
		ID: cmd.ID, RenderNodeName: rn.Name,
		ValidatorMessage: &validator, ErrorInfos: "checker failed",
	}))
	assert.Equal(t, model.CmdError, cmd.Status)
	assert.Equal(t, "output image is black", cmd.ValidatorMessage)
}

func TestQueueBackpressure(t *testing.T) {
	f := newTestFarm(t, func(cfg *config.Config) {
		cfg.QueueSize = 2
	})
	// the loop is not running: the queue fills and overflow is rejected
	require.NoError(t, f.d.Enqueue(func() {}))
	require.NoError(t, f.d.Enqueue(func() {}))
	assert.ErrorIs(t, f.d.Enqueue(func() {}), ErrQueueFull)
}

func TestDoRunsOnDispatcherGoroutine(t *testing.T) {
	f := newTestFarm(t, nil)
	f.d.Start()
	defer f.d.Stop()

	value, err := f.d.Do(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestPauseResumeWorkload(t *testing.T) {
	f := newTestFarm(t, nil)
	f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 2, 1)

	assert.True(t, f.d.SetPaused(job, true))
	assert.False(t, f.d.SetPaused(job, true))
	f.d.tick()
	assert.Equal(t, model.NodePaused, job.Status)
	assert.Equal(t, model.CmdReady, job.Task.Commands[0].Status)
	assert.Equal(t, 0, f.share(job).AllocatedRN)

	assert.True(t, f.d.SetPaused(job, false))
	f.d.tick()
	assert.Equal(t, 2, f.share(job).AllocatedRN)
}

func TestRestartFinishedJob(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	job := f.submitJob(t, "shot010", 1, 1)
	cmd := job.Task.Commands[0]

	f.d.tick()
	status := int(model.CmdDone)
	completion := 1.0
	require.NoError(t, f.d.UpdateCommand(&CommandUpdate{ID: cmd.ID, RenderNodeName: rn.Name, Status: &status, Completion: &completion}))
	f.d.tick()
	require.Equal(t, model.NodeDone, job.Status)

	edited, err := f.d.SetNodeStatus(job, model.NodeReady)
	require.NoError(t, err)
	assert.True(t, edited)
	assert.Equal(t, model.CmdReady, cmd.Status)
	assert.Zero(t, cmd.Completion)

	f.d.tick()
	assert.Equal(t, model.CmdAssigned, cmd.Status)
}

func TestRegisterRenderNodeValidation(t *testing.T) {
	f := newTestFarm(t, nil)

	_, err := f.d.RegisterRenderNode(&RenderNodeRegistration{Name: "", Cores: 4})
	assert.Error(t, err)

	_, err = f.d.RegisterRenderNode(&RenderNodeRegistration{Name: "vfx01:8000", Cores: 0})
	assert.Error(t, err)

	_, err = f.d.RegisterRenderNode(&RenderNodeRegistration{Name: "noport", Cores: 4})
	assert.Error(t, err)

	rn, err := f.d.RegisterRenderNode(&RenderNodeRegistration{Name: "vfx01:8000", Port: 8000, Cores: 4})
	require.NoError(t, err)
	assert.Equal(t, "vfx01", rn.Host)
	assert.True(t, rn.IsRegistered)

	// re-registration refreshes the existing node
	again, err := f.d.RegisterRenderNode(&RenderNodeRegistration{Name: "vfx01:8000", Port: 8000, Cores: 4})
	require.NoError(t, err)
	assert.Same(t, rn, again)
}

func TestHeartbeatRevivesSilentNode(t *testing.T) {
	f := newTestFarm(t, func(cfg *config.Config) {
		cfg.RenderNodeTimeout = 50 * time.Millisecond
	})
	rn := f.addRenderNode(t, "vfx01:8000", 4)

	rn.LastAliveTime = time.Now().Add(-time.Minute)
	f.d.tick()
	require.Equal(t, model.RNUnknown, rn.Status)

	require.NoError(t, f.d.HeartbeatRenderNode(rn.Name, &Heartbeat{}))
	f.d.tick()
	assert.Equal(t, model.RNIdle, rn.Status)
}

func TestQuarantineClearedByAdmin(t *testing.T) {
	f := newTestFarm(t, nil)
	rn := f.addRenderNode(t, "vfx01:8000", 4)
	rn.Quarantined = true

	require.NoError(t, f.d.SetQuarantine(rn.Name, false))
	assert.False(t, rn.Quarantined)
	assert.True(t, rn.IsAvailable())

	var nf *NotFoundError
	assert.ErrorAs(t, f.d.SetQuarantine("ghost:1", false), &nf)
}

func TestCreatePoolShareConflicts(t *testing.T) {
	f := newTestFarm(t, nil)
	job := f.submitJob(t, "shot010", 1, 1)

	var conflictErr *ConflictError

	_, err := f.d.CreatePoolShare("gpu", job.ID, 2)
	assert.ErrorAs(t, err, &conflictErr)

	_, err = f.d.CreatePoolShare("default", 9999, 2)
	assert.ErrorAs(t, err, &conflictErr)

	// (pool, node) already bound by submission
	_, err = f.d.CreatePoolShare("default", job.ID, 2)
	assert.ErrorAs(t, err, &conflictErr)

	_, err = f.d.CreatePool("gpu")
	require.NoError(t, err)
	ps, err := f.d.CreatePoolShare("gpu", job.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, ps.MaxRN)
	assert.True(t, ps.UserDefinedMaxRN)
}
