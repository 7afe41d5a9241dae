package dispatcher

import (
	"fmt"
	"time"

	"github.com/mosaicfx/farmd/pkg/config"
	"github.com/mosaicfx/farmd/pkg/events"
	"github.com/mosaicfx/farmd/pkg/licenses"
	"github.com/mosaicfx/farmd/pkg/log"
	"github.com/mosaicfx/farmd/pkg/metrics"
	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/mosaicfx/farmd/pkg/scheduler"
	"github.com/mosaicfx/farmd/pkg/storage"
	"github.com/mosaicfx/farmd/pkg/transport"
	"github.com/mosaicfx/farmd/pkg/tree"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned to ingress callers when the work queue is
// saturated; the HTTP layer translates it into a backpressure response.
var ErrQueueFull = fmt.Errorf("dispatcher queue full")

type workloadResult struct {
	value any
	err   error
}

type workload struct {
	fn    func() (any, error)
	reply chan workloadResult // nil for fire-and-forget work
}

// Dispatcher is the single goroutine that owns all dispatcher state. Ingress
// handlers enqueue work items; the loop drains them between ticks and runs
// one dispatch cycle per MasterUpdateInterval.
type Dispatcher struct {
	cfg      *config.Config
	Tree     *tree.DispatchTree
	Licenses *licenses.Manager
	Broker   *events.Broker

	engine *scheduler.Engine
	sender *transport.Sender
	store  storage.Store // nil when persistence is disabled

	queue  chan workload
	stopCh chan struct{}
	doneCh chan struct{}

	cycle  uint64
	logger zerolog.Logger
}

// New wires a dispatcher over its collaborators. store may be nil when
// persistence is disabled.
func New(cfg *config.Config, dt *tree.DispatchTree, lic *licenses.Manager, sender *transport.Sender, store storage.Store, broker *events.Broker) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		Tree:     dt,
		Licenses: lic,
		Broker:   broker,
		engine:   scheduler.NewEngine(dt, lic),
		sender:   sender,
		store:    store,
		queue:    make(chan workload, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   log.WithComponent("dispatcher"),
	}
	dt.OnCommandStatus = d.onCommandStatus
	return d
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop terminates the dispatch loop after the current tick.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

// Enqueue schedules fire-and-forget work on the dispatcher goroutine.
func (d *Dispatcher) Enqueue(fn func()) error {
	return d.submit(workload{fn: func() (any, error) { fn(); return nil, nil }})
}

// Do runs fn on the dispatcher goroutine and waits for its result. This is
// the ingress path: every HTTP mutation and read goes through here.
func (d *Dispatcher) Do(fn func() (any, error)) (any, error) {
	reply := make(chan workloadResult, 1)
	if err := d.submit(workload{fn: fn, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.value, res.err
	case <-d.doneCh:
		return nil, fmt.Errorf("dispatcher stopped")
	}
}

func (d *Dispatcher) submit(w workload) error {
	select {
	case d.queue <- w:
		metrics.IngressQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		metrics.IngressRejected.Inc()
		return ErrQueueFull
	}
}

// run is the dispatcher main loop: serialize ingress work between ticks,
// never concurrent with itself.
func (d *Dispatcher) run() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.MasterUpdateInterval)
	defer ticker.Stop()

	d.logger.Info().
		Dur("interval", d.cfg.MasterUpdateInterval).
		Msg("Dispatcher started")

	for {
		select {
		case w := <-d.queue:
			d.execute(w)
			metrics.IngressQueueDepth.Set(float64(len(d.queue)))
		case <-ticker.C:
			d.tick()
		case <-d.stopCh:
			d.logger.Info().Msg("Dispatcher stopped")
			return
		}
	}
}

func (d *Dispatcher) execute(w workload) {
	value, err := w.fn()
	if w.reply != nil {
		w.reply <- workloadResult{value: value, err: err}
	}
}

// tick runs one dispatch cycle. Order matters: status updates precede
// dependency validation, which precedes persistence, scheduling and sending.
func (d *Dispatcher) tick() {
	cycleTimer := metrics.NewTimer()
	d.cycle++

	// 1. terminal delivery failures reported by the sender pool
	phase := metrics.NewTimer()
	for _, failure := range d.sender.DrainFailures() {
		d.assignmentFailed(failure)
	}
	phase.ObserveDurationVec(metrics.CyclePhaseDuration, "drain_failures")

	// 2. completion and aggregate status over the tree
	phase = metrics.NewTimer()
	d.Tree.UpdateCompletionAndStatus()
	phase.ObserveDurationVec(metrics.CyclePhaseDuration, "update_tree")

	// 3. heartbeat aging and render node status
	phase = metrics.NewTimer()
	d.updateRenderNodes()
	phase.ObserveDurationVec(metrics.CyclePhaseDuration, "update_rn")

	// 4. dependencies
	phase = metrics.NewTimer()
	d.Tree.ValidateDependencies()
	phase.ObserveDurationVec(metrics.CyclePhaseDuration, "update_dependencies")

	// 5. persistence
	phase = metrics.NewTimer()
	d.flushDirty()
	phase.ObserveDurationVec(metrics.CyclePhaseDuration, "update_db")

	// 6. scheduling
	phase = metrics.NewTimer()
	assignments := d.engine.ComputeAssignments()
	phase.ObserveDurationVec(metrics.CyclePhaseDuration, "compute_assignments")

	// 7. delivery
	phase = metrics.NewTimer()
	d.sendAssignments(assignments)
	phase.ObserveDurationVec(metrics.CyclePhaseDuration, "send_assignments")

	// 8. drained nodes go back to idle
	phase = metrics.NewTimer()
	for _, rn := range d.Tree.RenderNodes {
		rn.ReleaseFinishingStatus()
	}
	phase.ObserveDurationVec(metrics.CyclePhaseDuration, "release_finishing")

	// 9. cycle stats
	d.observeGauges()
	cycleTimer.ObserveDuration(metrics.CycleDuration)
	metrics.CyclesTotal.Inc()

	if len(assignments) > 0 {
		d.logger.Info().
			Uint64("cycle", d.cycle).
			Int("assignments", len(assignments)).
			Dur("duration", cycleTimer.Duration()).
			Msg("Dispatch cycle completed")
	} else {
		d.logger.Debug().
			Uint64("cycle", d.cycle).
			Dur("duration", cycleTimer.Duration()).
			Msg("Dispatch cycle completed")
	}
}

// updateRenderNodes ages every render node against its last heartbeat.
func (d *Dispatcher) updateRenderNodes() {
	now := time.Now()
	for _, rn := range d.Tree.RenderNodes {
		before := rn.Status
		wasQuarantined := rn.Quarantined

		rn.UpdateStatus(now, d.cfg.RenderNodeTimeout)

		if rn.Status != before {
			d.Tree.MarkModified(rn)
		}
		if rn.Status == model.RNUnknown && before != model.RNUnknown {
			d.logger.Warn().Str("render_node", rn.Name).Msg("Render node is not responding")
			d.Broker.Publish(events.EventNodeTimeout, fmt.Sprintf("render node %s is not responding", rn.Name), map[string]string{"renderNode": rn.Name})
		}
		if rn.Quarantined && !wasQuarantined {
			d.logger.Warn().Str("render_node", rn.Name).Msg("Render node placed in quarantine")
			d.Broker.Publish(events.EventNodeQuarantined, fmt.Sprintf("render node %s quarantined", rn.Name), map[string]string{"renderNode": rn.Name})
		}
	}
}

// flushDirty hands the dirty sets to the persistence collaborator, then
// resets them.
func (d *Dispatcher) flushDirty() {
	if d.store == nil {
		d.Tree.ResetDirty()
		return
	}
	toCreate, toModify, toArchive := d.Tree.DirtySets()
	if err := d.store.CreateElements(toCreate); err != nil {
		d.logger.Error().Err(err).Msg("Failed to persist created elements")
		return
	}
	if err := d.store.UpdateElements(toModify); err != nil {
		d.logger.Error().Err(err).Msg("Failed to persist modified elements")
		return
	}
	if err := d.store.ArchiveElements(toArchive); err != nil {
		d.logger.Error().Err(err).Msg("Failed to archive elements")
		return
	}
	d.Tree.ResetDirty()
}

// sendAssignments freezes each batch and hands it to the sender pool.
func (d *Dispatcher) sendAssignments(assignments []scheduler.Assignment) {
	for _, assignment := range assignments {
		batch, err := transport.BuildBatch(assignment.RenderNode, assignment.Commands)
		if err != nil {
			d.logger.Error().Err(err).Str("render_node", assignment.RenderNode.Name).Msg("Failed to build assignment batch")
			for _, cmd := range assignment.Commands {
				d.clearAssignment(assignment.RenderNode, cmd)
			}
			continue
		}
		assignment.RenderNode.IDInformed = true
		d.sender.Submit(batch)

		for _, cmd := range assignment.Commands {
			d.Broker.Publish(events.EventCommandAssigned,
				fmt.Sprintf("command %d assigned to %s", cmd.ID, assignment.RenderNode.Name),
				map[string]string{"renderNode": assignment.RenderNode.Name})
		}
	}
}

// assignmentFailed reverts one command whose delivery terminally failed.
func (d *Dispatcher) assignmentFailed(failure transport.Failure) {
	metrics.AssignmentsFailed.Inc()
	rn := d.Tree.RenderNodes[failure.RenderNodeName]
	cmd := d.Tree.Commands[failure.CommandID]
	if cmd == nil {
		return
	}
	d.logger.Warn().
		Int("command_id", failure.CommandID).
		Str("render_node", failure.RenderNodeName).
		Msg("Assignment cleared after delivery failure")

	// a command canceled while its delivery was in flight stays canceled;
	// only the render node side is cleaned up
	if model.IsFinalStatus(cmd.Status) {
		if rn != nil {
			rn.ClearAssignment(cmd, d.Licenses)
			d.Tree.MarkModified(rn)
		}
		return
	}
	d.clearAssignment(rn, cmd)
}

// clearAssignment reverts a command to pristine ready state and releases
// everything it held on the render node.
func (d *Dispatcher) clearAssignment(rn *model.RenderNode, cmd *model.Command) {
	if rn != nil {
		rn.ClearAssignment(cmd, d.Licenses)
		d.Tree.MarkModified(rn)
	}
	cmd.SetReadyAndClear()
}

// onCommandStatus is the post-mutation hook for every command transition:
// it releases finished commands, schedules autoretry and publishes events.
func (d *Dispatcher) onCommandStatus(cmd *model.Command, old model.CommandStatus) {
	switch {
	case cmd.Status == model.CmdDone:
		d.Broker.Publish(events.EventCommandDone, fmt.Sprintf("command %d done", cmd.ID), nil)
	case cmd.Status == model.CmdError:
		d.Broker.Publish(events.EventCommandError, fmt.Sprintf("command %d failed: %s", cmd.ID, cmd.Message), nil)
	case cmd.Status == model.CmdTimeout:
		d.Broker.Publish(events.EventCommandTimeout, fmt.Sprintf("command %d timed out", cmd.ID), nil)
	}

	// a finished command releases its render node
	if model.IsFinalStatus(cmd.Status) && cmd.RenderNode != nil {
		rn := cmd.RenderNode
		rn.ClearAssignment(cmd, d.Licenses)
		cmd.RenderNode = nil
		d.Tree.MarkModified(rn)
	}

	if model.IsErrorStatus(cmd.Status) {
		d.considerAutoRetry(cmd)
	}
}

// considerAutoRetry schedules a deferred re-queue of a failed command. The
// delayed action goes through the ingress queue so the reset happens on the
// dispatcher goroutine.
func (d *Dispatcher) considerAutoRetry(cmd *model.Command) {
	maxRetry := d.cfg.MaxRetryCmdCount
	if cmd.RetryCount == maxRetry {
		if cmd.RenderNode != nil {
			cmd.RetryRNList = append(cmd.RetryRNList, cmd.RenderNode.Name)
		}
		return
	}
	if cmd.RetryCount > maxRetry {
		return
	}

	commandID := cmd.ID
	time.AfterFunc(d.cfg.DelayBeforeAutoRetry, func() {
		err := d.Enqueue(func() { d.autoRetry(commandID) })
		if err != nil {
			d.logger.Error().Err(err).Int("command_id", commandID).Msg("Autoretry enqueue failed")
		}
	})
}

// autoRetry re-queues a failed command, recording the render node it failed
// on. Runs on the dispatcher goroutine.
func (d *Dispatcher) autoRetry(commandID int) {
	cmd, ok := d.Tree.Commands[commandID]
	if !ok || !model.IsErrorStatus(cmd.Status) {
		return
	}
	rn := cmd.RenderNode
	if rn != nil {
		cmd.RetryRNList = append(cmd.RetryRNList, rn.Name)
	}
	cmd.SetReadyAndClear()
	if rn != nil {
		rn.ClearAssignment(cmd, d.Licenses)
		rn.Status = model.RNFinishing
		d.Tree.MarkModified(rn)
	}
	cmd.RetryCount++
	metrics.CommandsAutoRetried.Inc()

	d.logger.Info().
		Int("command_id", cmd.ID).
		Int("retry", cmd.RetryCount).
		Msg("Command re-queued by autoretry")
	d.Broker.Publish(events.EventCommandRetried, fmt.Sprintf("command %d re-queued", cmd.ID), nil)
}

// observeGauges refreshes the fleet, tree and license gauges once per tick.
func (d *Dispatcher) observeGauges() {
	counts := make(map[model.RenderNodeStatus]int)
	quarantined := 0
	for _, rn := range d.Tree.RenderNodes {
		counts[rn.Status]++
		if rn.Quarantined {
			quarantined++
		}
	}
	for status := model.RNUnknown; status <= model.RNFinishing; status++ {
		metrics.RenderNodesTotal.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
	metrics.RenderNodesQuarantined.Set(float64(quarantined))
	metrics.NodesTotal.Set(float64(len(d.Tree.Nodes)))

	for _, lic := range d.Licenses.List() {
		metrics.LicenseUsed.WithLabelValues(lic.Name).Set(float64(lic.Used))
		metrics.LicenseMaximum.WithLabelValues(lic.Name).Set(float64(lic.Maximum))
	}
}
