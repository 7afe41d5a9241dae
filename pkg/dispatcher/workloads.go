package dispatcher

import (
	"fmt"
	"time"

	"github.com/mosaicfx/farmd/pkg/events"
	"github.com/mosaicfx/farmd/pkg/metrics"
	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/mosaicfx/farmd/pkg/tree"
)

// NotFoundError maps to a 404 at the HTTP layer.
type NotFoundError struct{ Reason string }

func (e *NotFoundError) Error() string { return e.Reason }

// ConflictError maps to a 409 at the HTTP layer.
type ConflictError struct{ Reason string }

func (e *ConflictError) Error() string { return e.Reason }

func notFound(format string, args ...any) error {
	return &NotFoundError{Reason: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// ApplyGraph registers a submitted graph and applies post-creation flags.
// Runs on the dispatcher goroutine.
func (d *Dispatcher) ApplyGraph(spec *tree.GraphSpec) ([]*model.Node, error) {
	nodes, err := d.Tree.RegisterGraph(spec)
	if err != nil {
		return nil, err
	}

	for _, node := range nodes {
		if node.Tags["paused"] == "true" {
			node.SetPaused(true)
		}
	}

	metrics.GraphsSubmitted.Inc()
	d.Broker.Publish(events.EventGraphSubmitted,
		fmt.Sprintf("graph %q submitted by %s", spec.Name, spec.User),
		map[string]string{"graph": spec.Name, "user": spec.User})
	return nodes, nil
}

// CommandUpdate is a worker-reported command state change. Pointer fields
// are absent when the worker did not send them; a nil Stats means no change.
type CommandUpdate struct {
	ID               int            `json:"id"`
	RenderNodeName   string         `json:"renderNodeName"`
	Status           *int           `json:"status"`
	Completion       *float64       `json:"completion"`
	Message          string         `json:"message"`
	ValidatorMessage *string        `json:"validatorMessage"`
	ErrorInfos       string         `json:"errorInfos"`
	Stats            map[string]any `json:"stats"`
}

// UpdateCommand reconciles a worker's report against the model. Rejections
// map to 404 so the worker drops the stale command.
func (d *Dispatcher) UpdateCommand(update *CommandUpdate) error {
	cmd, ok := d.Tree.Commands[update.ID]
	if !ok {
		return notFound("command not found: %d", update.ID)
	}
	if cmd.RenderNode == nil {
		return notFound("command %d is no longer registered on render node %s", update.ID, update.RenderNodeName)
	}
	rn := cmd.RenderNode
	if rn.Name != update.RenderNodeName {
		return notFound("command %d is running on a different render node (%s) than reported (%s)", update.ID, rn.Name, update.RenderNodeName)
	}

	if now := time.Now(); now.After(rn.LastAliveTime) {
		rn.LastAliveTime = now
	}

	// the command left the node's map, typically after a timeout: take it
	// back when the node is otherwise empty and the command still lives
	if _, assigned := rn.Commands[cmd.ID]; !assigned {
		if len(rn.Commands) == 0 && cmd.Status != model.CmdCanceled {
			rn.Commands[cmd.ID] = cmd
			rn.ReserveLicense(cmd, d.Licenses)
			d.logger.Warn().
				Int("command_id", cmd.ID).
				Str("render_node", rn.Name).
				Msg("Re-attached command after presumed timeout")
		} else {
			d.logger.Warn().
				Int("command_id", cmd.ID).
				Str("render_node", rn.Name).
				Msg("Status update for a command not assigned to the node")
		}
	}

	if update.Status != nil {
		if !model.ValidCommandStatus(*update.Status) {
			return fmt.Errorf("invalid command status %d", *update.Status)
		}
		cmd.SetStatus(model.CommandStatus(*update.Status))
	}
	if update.Completion != nil && cmd.Status == model.CmdRunning {
		cmd.SetCompletion(*update.Completion)
	}
	cmd.Message = update.Message
	if update.ValidatorMessage != nil {
		cmd.ValidatorMessage = *update.ValidatorMessage
		cmd.ErrorInfos = update.ErrorInfos
		if cmd.ValidatorMessage != "" {
			cmd.SetStatus(model.CmdError)
		}
	}
	// nil stats means the worker reported no change
	if update.Stats != nil {
		cmd.Stats = update.Stats
	}
	cmd.Touch()
	return nil
}

// CancelCommand cancels one command, firing a best-effort DELETE when it is
// already running on a worker.
func (d *Dispatcher) CancelCommand(cmd *model.Command) {
	switch cmd.Status {
	case model.CmdFinishing, model.CmdDone, model.CmdCanceled:
		return
	}

	if cmd.Status == model.CmdRunning && cmd.RenderNode != nil {
		rn := cmd.RenderNode
		go func(host string, port, id int) {
			if err := d.sender.CancelCommand(host, port, id); err != nil {
				d.logger.Warn().Err(err).Int("command_id", id).Msg("Cancel request failed, render node will reconcile on next heartbeat")
			}
		}(rn.Host, rn.Port, cmd.ID)
	}
	cmd.SetStatus(model.CmdCanceled)
}

// ForceCommandDone forces a command to done. A running command is asked to
// finish on its worker first; an unreachable worker leaves the command
// canceled.
func (d *Dispatcher) ForceCommandDone(cmd *model.Command) {
	switch cmd.Status {
	case model.CmdFinishing, model.CmdDone, model.CmdCanceled:
		return
	}

	if cmd.Status == model.CmdRunning && cmd.RenderNode != nil {
		rn := cmd.RenderNode
		commandID := cmd.ID
		go func(host string, port int) {
			if err := d.sender.ForceDone(host, port, commandID); err != nil {
				d.logger.Warn().Err(err).Int("command_id", commandID).Msg("Force-done request failed, canceling command")
				_ = d.Enqueue(func() {
					if c, ok := d.Tree.Commands[commandID]; ok && !model.IsFinalStatus(c.Status) {
						c.SetStatus(model.CmdCanceled)
					}
				})
				return
			}
			_ = d.Enqueue(func() {
				if c, ok := d.Tree.Commands[commandID]; ok && !model.IsFinalStatus(c.Status) {
					c.Completion = 1
					c.SetStatus(model.CmdDone)
				}
			})
		}(rn.Host, rn.Port)
		return
	}
	cmd.Completion = 1
	cmd.SetStatus(model.CmdDone)
}

// SetNodeStatus applies an administrative status change to a job subtree.
// Returns whether anything was edited.
func (d *Dispatcher) SetNodeStatus(node *model.Node, status model.NodeStatus) (bool, error) {
	if node.Status == status {
		return false, nil
	}

	switch status {
	case model.NodeCanceled:
		for _, cmd := range node.Commands() {
			d.CancelCommand(cmd)
		}
	case model.NodeDone:
		for _, cmd := range node.Commands() {
			d.ForceCommandDone(cmd)
		}
	case model.NodeReady:
		node.ResetCompletion()
	case model.NodePaused:
		node.SetPaused(true)
	default:
		return false, fmt.Errorf("unsupported target status %s", status)
	}
	node.UpdateTime = time.Now()
	d.Tree.MarkModified(node)
	return true, nil
}

// SetPaused flips the paused flag of a job subtree.
func (d *Dispatcher) SetPaused(node *model.Node, paused bool) bool {
	if node.Paused == paused {
		return false
	}
	node.SetPaused(paused)
	d.Tree.MarkModified(node)
	return true
}

// SetDispatchKey updates a node's priority.
func (d *Dispatcher) SetDispatchKey(nodeID, dispatchKey int) error {
	node, ok := d.Tree.Nodes[nodeID]
	if !ok {
		return notFound("no such node %d", nodeID)
	}
	node.DispatchKey = dispatchKey
	node.UpdateTime = time.Now()
	d.Tree.MarkModified(node)
	return nil
}

// SetMaxRN caps the render nodes a job may hold across its pool shares.
func (d *Dispatcher) SetMaxRN(nodeID, maxRN int) error {
	node, ok := d.Tree.Nodes[nodeID]
	if !ok {
		return notFound("no such node %d", nodeID)
	}
	node.MaxRN = maxRN
	for _, ps := range node.PoolShares {
		ps.MaxRN = maxRN
		ps.UserDefinedMaxRN = maxRN != model.UnboundMaxRN
		d.Tree.MarkModified(ps)
	}
	node.UpdateTime = time.Now()
	d.Tree.MarkModified(node)
	return nil
}

// CreatePoolShare binds a node to a pool with a capacity cap.
func (d *Dispatcher) CreatePoolShare(poolName string, nodeID, maxRN int) (*model.PoolShare, error) {
	pool, ok := d.Tree.Pools[poolName]
	if !ok {
		return nil, conflict("pool %s is not registered", poolName)
	}
	node, ok := d.Tree.Nodes[nodeID]
	if !ok {
		return nil, conflict("no such node %d", nodeID)
	}
	if _, exists := node.PoolShares[pool.ID]; exists {
		return nil, conflict("pool share of pool %s for node %d already exists", poolName, nodeID)
	}

	ps := model.NewPoolShare(d.Tree.AllocPoolShareID(), pool, node, maxRN)
	d.Tree.PoolShares[ps.ID] = ps
	d.Tree.MarkCreated(ps)
	return ps, nil
}

// RenderNodeRegistration is the body a worker announces itself with.
type RenderNodeRegistration struct {
	Name           string         `json:"name"`
	Port           int            `json:"port"`
	Cores          int            `json:"cores"`
	Speed          float64        `json:"speed"`
	RAM            int            `json:"ram"`
	Caracteristics map[string]any `json:"caracteristics"`
	Pools          []string       `json:"pools"`
}

// RegisterRenderNode adds a worker to the fleet, or refreshes it when the
// name is already known.
func (d *Dispatcher) RegisterRenderNode(reg *RenderNodeRegistration) (*model.RenderNode, error) {
	if reg.Name == "" {
		return nil, fmt.Errorf("missing render node name")
	}
	if reg.Cores <= 0 {
		return nil, fmt.Errorf("render node %s has no cores", reg.Name)
	}

	if rn, ok := d.Tree.RenderNodes[reg.Name]; ok {
		// a re-registering worker just (re)booted: whatever it held is gone
		for _, cmd := range rn.Commands {
			if !model.IsFinalStatus(cmd.Status) {
				d.clearAssignment(rn, cmd)
			}
		}
		rn.IsRegistered = true
		rn.LastAliveTime = time.Now()
		if rn.Status == model.RNUnknown {
			rn.Status = model.RNBooting
		}
		d.Tree.MarkModified(rn)
		return rn, nil
	}

	host, _, found := cutHostPort(reg.Name)
	if !found {
		return nil, fmt.Errorf("render node name %q is not of the form host:port", reg.Name)
	}

	rn := model.NewRenderNode(d.Tree.AllocRenderNodeID(), reg.Name, host, reg.Port, reg.Cores, reg.Speed, reg.RAM, reg.Caracteristics)
	rn.IsRegistered = true
	rn.Status = model.RNBooting
	rn.LastAliveTime = time.Now()
	rn.SetHistoryCap(2 * d.cfg.RenderNodeErrorsTolerance)

	if err := d.Tree.AddRenderNode(rn, reg.Pools); err != nil {
		return nil, err
	}
	d.logger.Info().Str("render_node", rn.Name).Int("cores", rn.CoresNumber).Msg("Render node registered")
	d.Broker.Publish(events.EventNodeRegistered, fmt.Sprintf("render node %s registered", rn.Name), nil)
	return rn, nil
}

// UnregisterRenderNode removes a worker from the fleet, reverting whatever
// it was running.
func (d *Dispatcher) UnregisterRenderNode(name string) error {
	rn, ok := d.Tree.RenderNodes[name]
	if !ok {
		return notFound("unknown render node %q", name)
	}
	for _, cmd := range rn.Commands {
		d.clearAssignment(rn, cmd)
	}
	if _, err := d.Tree.RemoveRenderNode(name); err != nil {
		return err
	}
	d.Broker.Publish(events.EventNodeRemoved, fmt.Sprintf("render node %s removed", name), nil)
	return nil
}

// Heartbeat is a worker's periodic liveness report.
type Heartbeat struct {
	Status         *int           `json:"status"`
	Caracteristics map[string]any `json:"caracteristics"`
}

// HeartbeatRenderNode refreshes a worker's liveness and optional self
// reported state.
func (d *Dispatcher) HeartbeatRenderNode(name string, hb *Heartbeat) error {
	rn, ok := d.Tree.RenderNodes[name]
	if !ok {
		return notFound("unknown render node %q", name)
	}
	rn.LastAliveTime = time.Now()
	rn.IsRegistered = true
	if rn.Status == model.RNUnknown {
		// silence is over; the next tick derives the real status
		rn.Status = model.RNBooting
	}
	if hb.Status != nil {
		switch model.RenderNodeStatus(*hb.Status) {
		case model.RNPaused:
			rn.Status = model.RNPaused
		case model.RNIdle:
			if rn.Status == model.RNPaused || rn.Status == model.RNBooting {
				rn.Status = model.RNIdle
			}
		}
	}
	for k, v := range hb.Caracteristics {
		rn.Caracteristics[k] = v
	}
	d.Tree.MarkModified(rn)
	return nil
}

// SetQuarantine flips a render node's quarantine flag.
func (d *Dispatcher) SetQuarantine(name string, quarantined bool) error {
	rn, ok := d.Tree.RenderNodes[name]
	if !ok {
		return notFound("unknown render node %q", name)
	}
	if quarantined {
		rn.Quarantined = true
	} else {
		rn.ClearQuarantine()
	}
	d.Tree.MarkModified(rn)
	return nil
}

// CreatePool registers a new named pool.
func (d *Dispatcher) CreatePool(name string) (*model.Pool, error) {
	if name == "" {
		return nil, fmt.Errorf("missing pool name")
	}
	if _, exists := d.Tree.Pools[name]; exists {
		return nil, conflict("pool %s already exists", name)
	}
	return d.Tree.AddPool(name), nil
}

// ArchiveJob removes a finished job from the live tree.
func (d *Dispatcher) ArchiveJob(nodeID int) error {
	node, ok := d.Tree.Nodes[nodeID]
	if !ok {
		return notFound("no such node %d", nodeID)
	}
	if err := d.Tree.ArchiveNode(node); err != nil {
		return conflict("%s", err)
	}
	d.Broker.Publish(events.EventGraphArchived, fmt.Sprintf("job %q archived", node.Name), nil)
	return nil
}

func cutHostPort(name string) (host, port string, found bool) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == ':' {
			return name[:i], name[i+1:], true
		}
	}
	return name, "", false
}
