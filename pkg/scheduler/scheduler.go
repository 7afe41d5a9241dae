package scheduler

import (
	"sort"

	"github.com/mosaicfx/farmd/pkg/licenses"
	"github.com/mosaicfx/farmd/pkg/log"
	"github.com/mosaicfx/farmd/pkg/metrics"
	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/mosaicfx/farmd/pkg/tree"
	"github.com/rs/zerolog"
)

// Assignment is one render node's batch of freshly assigned commands.
type Assignment struct {
	RenderNode *model.RenderNode
	Commands   []*model.Command
}

// Engine computes command-to-node assignments once per tick. It owns no
// state of its own: everything is read from the dispatch tree, and all
// mutation happens on the dispatcher goroutine that calls it.
type Engine struct {
	tree     *tree.DispatchTree
	licenses *licenses.Manager
	logger   zerolog.Logger
}

// NewEngine creates a scheduling engine over the dispatch tree.
func NewEngine(dt *tree.DispatchTree, lic *licenses.Manager) *Engine {
	return &Engine{
		tree:     dt,
		licenses: lic,
		logger:   log.WithComponent("scheduler"),
	}
}

// entryPoint pairs a schedulable node with the pool share the scheduler
// accounts it against.
type entryPoint struct {
	node  *model.Node
	share *model.PoolShare
}

// ComputeAssignments runs one scheduling pass: gather entry points, refresh
// the fair-share caps per pool, then match ready commands to render nodes in
// priority order. Returned assignments are grouped by render node.
func (e *Engine) ComputeAssignments() []Assignment {
	if !e.anyRenderNodeAvailable() {
		return nil
	}

	entryPoints := e.gatherEntryPoints()
	if len(entryPoints) == 0 {
		return nil
	}

	byPool := groupByPool(entryPoints)
	if !e.anyPoolHasAwakeNodes(byPool) {
		return nil
	}

	for _, group := range byPool {
		updateFairShares(group)
	}

	// global matching order: priority first, then submission order
	sort.Slice(entryPoints, func(i, j int) bool {
		if entryPoints[i].node.DispatchKey != entryPoints[j].node.DispatchKey {
			return entryPoints[i].node.DispatchKey > entryPoints[j].node.DispatchKey
		}
		return entryPoints[i].node.ID < entryPoints[j].node.ID
	})

	perNode := make(map[*model.RenderNode][]*model.Command)
	var nodeOrder []*model.RenderNode
	for _, ep := range entryPoints {
		if !ep.share.HasRenderNodesAvailable() {
			continue
		}
		e.dispatchEntryPoint(ep, perNode, &nodeOrder)
	}

	assignments := make([]Assignment, 0, len(nodeOrder))
	for _, rn := range nodeOrder {
		assignments = append(assignments, Assignment{RenderNode: rn, Commands: perNode[rn]})
		metrics.CommandsAssigned.Add(float64(len(perNode[rn])))
	}
	return assignments
}

// dispatchEntryPoint assigns ready commands of one entry point until its
// share is saturated or no render node fits. A panic while matching one
// entry point must not abort the remainder of scheduling.
func (e *Engine) dispatchEntryPoint(ep *entryPoint, perNode map[*model.RenderNode][]*model.Command, nodeOrder *[]*model.RenderNode) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic", r).
				Int("node_id", ep.node.ID).
				Str("node", ep.node.Name).
				Msg("Scheduling of entry point panicked")
		}
	}()

	for _, cmd := range readyCommands(ep.node) {
		if ep.share.MaxRN != model.UnboundMaxRN && ep.share.AllocatedRN >= ep.share.MaxRN {
			return
		}
		if cmd.Status != model.CmdReady {
			continue
		}

		rn := e.findRenderNode(ep.share.Pool, cmd)
		if rn == nil {
			// nothing in the pool fits this command: terminate this entry
			// point, scheduling continues with the next
			return
		}

		cmd.Assign(rn)
		rn.AddAssignment(cmd, ep.share)
		rn.ReserveResources(cmd)
		e.tree.MarkModified(ep.share)
		e.tree.MarkModified(rn)

		if _, seen := perNode[rn]; !seen {
			*nodeOrder = append(*nodeOrder, rn)
		}
		perNode[rn] = append(perNode[rn], cmd)

		e.logger.Info().
			Int("command_id", cmd.ID).
			Str("render_node", rn.Name).
			Str("node", ep.node.Name).
			Msg("Command assigned")
	}
}

// findRenderNode returns the pool's best fitting render node for a command:
// least loaded first, then lowest id. The license seat is reserved as part
// of the match.
func (e *Engine) findRenderNode(pool *model.Pool, cmd *model.Command) *model.RenderNode {
	candidates := make([]*model.RenderNode, 0, len(pool.RenderNodes))
	for _, rn := range pool.RenderNodes {
		if rn.IsAvailable() {
			candidates = append(candidates, rn)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FreeCores != candidates[j].FreeCores {
			return candidates[i].FreeCores > candidates[j].FreeCores
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, rn := range candidates {
		if !rn.CanRun(cmd) {
			continue
		}
		if !rn.ReserveLicense(cmd, e.licenses) {
			continue
		}
		return rn
	}
	return nil
}

// gatherEntryPoints collects the nodes currently visible to the scheduler
// through a pool share, in deterministic order.
func (e *Engine) gatherEntryPoints() []*entryPoint {
	shareIDs := make([]int, 0, len(e.tree.PoolShares))
	for id := range e.tree.PoolShares {
		shareIDs = append(shareIDs, id)
	}
	sort.Ints(shareIDs)

	var entryPoints []*entryPoint
	seen := make(map[*model.Node]bool)
	for _, id := range shareIDs {
		ps := e.tree.PoolShares[id]
		node := ps.Node
		if seen[node] {
			continue
		}
		switch node.Status {
		case model.NodeBlocked, model.NodeDone, model.NodeCanceled, model.NodePaused:
			continue
		}
		if node.Name == "graphs" {
			continue
		}
		if node.ReadyCommandCount() == 0 {
			continue
		}
		seen[node] = true
		entryPoints = append(entryPoints, &entryPoint{node: node, share: ps})
	}
	return entryPoints
}

func (e *Engine) anyRenderNodeAvailable() bool {
	for _, rn := range e.tree.RenderNodes {
		if rn.IsAvailable() {
			return true
		}
	}
	return false
}

// anyPoolHasAwakeNodes checks that at least one entry pool holds a node the
// scheduler could still hand work to this tick.
func (e *Engine) anyPoolHasAwakeNodes(byPool map[*model.Pool][]*entryPoint) bool {
	for pool := range byPool {
		for _, rn := range pool.RenderNodes {
			switch rn.Status {
			case model.RNUnknown, model.RNPaused, model.RNWorking:
			default:
				return true
			}
		}
	}
	return false
}

func groupByPool(entryPoints []*entryPoint) map[*model.Pool][]*entryPoint {
	byPool := make(map[*model.Pool][]*entryPoint)
	for _, ep := range entryPoints {
		byPool[ep.share.Pool] = append(byPool[ep.share.Pool], ep)
	}
	return byPool
}

// updateFairShares recomputes the MaxRN of every auto-managed share of one
// pool so that equal-priority jobs split the awake render nodes near
// equally, higher priorities preempt capacity, and an isolated job at its
// priority level takes the whole pool.
func updateFairShares(group []*entryPoint) {
	pool := group[0].share.Pool

	capacity := 0
	for _, rn := range pool.RenderNodes {
		if rn.Status != model.RNUnknown && rn.Status != model.RNPaused {
			capacity++
		}
	}

	// user-capped shares keep their cap and consume capacity up front; a
	// share disabled by its owner (cap of zero) is left alone entirely
	var auto []*entryPoint
	for _, ep := range group {
		if ep.share.UserDefinedMaxRN && ep.share.MaxRN == 0 {
			continue
		}
		if ep.share.UserDefinedMaxRN && ep.share.MaxRN != model.UnboundMaxRN {
			capacity -= ep.share.MaxRN
			continue
		}
		auto = append(auto, ep)
	}
	if len(auto) == 0 {
		return
	}
	if capacity < 0 {
		capacity = 0
	}

	base := capacity / len(auto)
	baseRemainder := capacity % len(auto)

	sort.Slice(auto, func(i, j int) bool {
		if auto[i].node.DispatchKey != auto[j].node.DispatchKey {
			return auto[i].node.DispatchKey > auto[j].node.DispatchKey
		}
		return auto[i].node.ID < auto[j].node.ID
	})

	for start := 0; start < len(auto); {
		end := start
		for end < len(auto) && auto[end].node.DispatchKey == auto[start].node.DispatchKey {
			end++
		}
		tier := auto[start:end]

		switch {
		case len(tier) == 1:
			// alone at this priority: the whole pool is reachable
			tier[0].share.MaxRN = model.UnboundMaxRN
		case auto[start].node.DispatchKey != 0:
			share := capacity / len(tier)
			remainder := capacity % len(tier)
			for _, ep := range tier {
				ep.share.MaxRN = share
				if remainder > 0 {
					ep.share.MaxRN++
					remainder--
				}
			}
		default:
			for _, ep := range tier {
				ep.share.MaxRN = base
				if baseRemainder > 0 {
					ep.share.MaxRN++
					baseRemainder--
				}
			}
		}
		start = end
	}
}

// readyCommands walks the entry point subtree in dispatch order: children by
// strategy (priority, then id), skipping nodes that cannot run, then the
// task's commands in submission order.
func readyCommands(node *model.Node) []*model.Command {
	switch node.Status {
	case model.NodeBlocked, model.NodePaused, model.NodeCanceled, model.NodeDone:
		return nil
	}
	if node.Paused {
		return nil
	}

	if node.Kind == model.NodeKindTask {
		var ready []*model.Command
		for _, cmd := range node.Task.Commands {
			if cmd.Status == model.CmdReady {
				ready = append(ready, cmd)
			}
		}
		return ready
	}

	strategy := node.Strategy
	if strategy == nil {
		strategy = model.FifoStrategy{}
	}
	var ready []*model.Command
	for _, child := range strategy.Order(node.Children) {
		ready = append(ready, readyCommands(child)...)
	}
	return ready
}
