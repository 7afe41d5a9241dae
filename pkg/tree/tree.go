package tree

import (
	"fmt"
	"strings"
	"time"

	"github.com/mosaicfx/farmd/pkg/log"
	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/rs/zerolog"
)

// DispatchTree owns every entity of the dispatcher by id and maintains the
// dirty sets consumed by the persistence collaborator. It is only ever
// touched from the dispatcher goroutine.
type DispatchTree struct {
	Root        *model.Node
	Nodes       map[int]*model.Node
	Tasks       map[int]*model.Task
	Commands    map[int]*model.Command
	Pools       map[string]*model.Pool
	PoolShares  map[int]*model.PoolShare
	RenderNodes map[string]*model.RenderNode

	// OnCommandStatus is invoked after every command status transition. The
	// dispatcher hooks autoretry here.
	OnCommandStatus func(cmd *model.Command, old model.CommandStatus)

	toCreate  []any
	toModify  []any
	toArchive []any
	dirty     map[any]bool

	nextNodeID       int
	nextTaskID       int
	nextCommandID    int
	nextPoolID       int
	nextPoolShareID  int
	nextRenderNodeID int

	logger zerolog.Logger
}

// GraphsNodeID is the id of the well-known /graphs folder every submitted
// job lands under.
const GraphsNodeID = 1

// NewDispatchTree creates an empty tree holding only the root and the
// /graphs folder.
func NewDispatchTree() *DispatchTree {
	t := &DispatchTree{
		Nodes:           make(map[int]*model.Node),
		Tasks:           make(map[int]*model.Task),
		Commands:        make(map[int]*model.Command),
		Pools:           make(map[string]*model.Pool),
		PoolShares:      make(map[int]*model.PoolShare),
		RenderNodes:     make(map[string]*model.RenderNode),
		dirty:           make(map[any]bool),
		nextNodeID:      GraphsNodeID + 1,
		nextTaskID:      1,
		nextCommandID:   1,
		nextPoolID:       1,
		nextPoolShareID:  1,
		nextRenderNodeID: 1,
		logger:          log.WithComponent("dispatch-tree"),
	}
	t.Root = model.NewFolderNode(0, "", nil, "", 0, nil)
	t.Nodes[t.Root.ID] = t.Root

	graphs := model.NewFolderNode(GraphsNodeID, "graphs", t.Root, "", 0, nil)
	t.Nodes[graphs.ID] = graphs
	return t
}

// Graphs returns the folder every submitted job hangs under.
func (t *DispatchTree) Graphs() *model.Node {
	return t.Nodes[GraphsNodeID]
}

// EnsureDefaultPool creates the default pool and its unbound pool share on
// the /graphs node when they do not exist yet.
func (t *DispatchTree) EnsureDefaultPool() *model.Pool {
	if pool, ok := t.Pools["default"]; ok {
		return pool
	}
	pool := t.AddPool("default")
	t.MarkCreated(t.Graphs())
	ps := model.NewPoolShare(t.allocPoolShareID(), pool, t.Graphs(), model.UnboundMaxRN)
	t.PoolShares[ps.ID] = ps
	t.MarkCreated(ps)
	return pool
}

// AddPool registers a new named pool.
func (t *DispatchTree) AddPool(name string) *model.Pool {
	pool := &model.Pool{ID: t.allocPoolID(), Name: name}
	t.Pools[name] = pool
	t.MarkCreated(pool)
	return pool
}

// AddRenderNode registers a render node under its unique name and attaches
// it to the given pools (the default pool when none are named).
func (t *DispatchTree) AddRenderNode(rn *model.RenderNode, poolNames []string) error {
	if _, exists := t.RenderNodes[rn.Name]; exists {
		return fmt.Errorf("render node %s already registered", rn.Name)
	}
	if len(poolNames) == 0 {
		poolNames = []string{"default"}
	}
	for _, name := range poolNames {
		pool, ok := t.Pools[name]
		if !ok {
			return fmt.Errorf("unknown pool %q", name)
		}
		pool.AddRenderNode(rn)
		t.MarkModified(pool)
	}
	t.RenderNodes[rn.Name] = rn
	t.MarkCreated(rn)
	return nil
}

// RemoveRenderNode unregisters a render node and detaches it from its pools.
func (t *DispatchTree) RemoveRenderNode(name string) (*model.RenderNode, error) {
	rn, ok := t.RenderNodes[name]
	if !ok {
		return nil, fmt.Errorf("unknown render node %q", name)
	}
	for _, pool := range append([]*model.Pool(nil), rn.Pools...) {
		pool.RemoveRenderNode(rn)
		t.MarkModified(pool)
	}
	delete(t.RenderNodes, name)
	t.MarkArchived(rn)
	return rn, nil
}

// FindNodeByPath resolves an absolute slash path to a node.
func (t *DispatchTree) FindNodeByPath(path string) *model.Node {
	if path == "/" || path == "" {
		return t.Root
	}
	node := t.Root
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		var next *model.Node
		for _, child := range node.Children {
			if child.Name == part {
				next = child
				break
			}
		}
		if next == nil {
			return nil
		}
		node = next
	}
	return node
}

// UpdateCompletionAndStatus recomputes completion and aggregate status over
// the whole tree, marking every changed node for persistence.
func (t *DispatchTree) UpdateCompletionAndStatus() {
	t.Graphs().UpdateCompletionAndStatus(func(n *model.Node) {
		t.MarkModified(n)
	})
}

// ValidateDependencies promotes blocked nodes whose dependencies are now
// satisfied. Idempotent.
func (t *DispatchTree) ValidateDependencies() {
	for _, node := range t.Nodes {
		if node.Status != model.NodeBlocked || len(node.Dependencies) == 0 {
			continue
		}
		if node.DependenciesSatisfied() {
			node.Status = model.NodeReady
			node.UpdateTime = time.Now()
			t.MarkModified(node)
			t.logger.Info().Int("node_id", node.ID).Str("name", node.Name).Msg("Dependencies satisfied, node unblocked")
		}
	}
}

// ArchiveNode detaches a job subtree from the tree and moves every owned
// entity to the archive set for the persistence collaborator.
func (t *DispatchTree) ArchiveNode(node *model.Node) error {
	if node.ID == GraphsNodeID || node.Parent == nil {
		return fmt.Errorf("cannot archive node %d", node.ID)
	}
	for _, cmd := range node.Commands() {
		if model.IsRunningStatus(cmd.Status) {
			return fmt.Errorf("cannot archive node %d: command %d still running", node.ID, cmd.ID)
		}
	}
	node.Parent.RemoveChild(node)
	t.archiveSubtree(node)
	return nil
}

func (t *DispatchTree) archiveSubtree(node *model.Node) {
	for _, child := range node.Children {
		t.archiveSubtree(child)
	}
	if node.Task != nil {
		for _, cmd := range node.Task.Commands {
			delete(t.Commands, cmd.ID)
		}
		delete(t.Tasks, node.Task.ID)
	}
	for _, ps := range node.PoolShares {
		delete(t.PoolShares, ps.ID)
		t.MarkArchived(ps)
	}
	delete(t.Nodes, node.ID)
	t.MarkArchived(node)
}

// CommandChanged implements model.CommandListener.
func (t *DispatchTree) CommandChanged(cmd *model.Command) {
	t.MarkModified(cmd)
}

// CommandStatusChanged implements model.CommandListener.
func (t *DispatchTree) CommandStatusChanged(cmd *model.Command, old model.CommandStatus) {
	t.MarkModified(cmd)
	if t.OnCommandStatus != nil {
		t.OnCommandStatus(cmd, old)
	}
}

// MarkCreated records a new entity for the persistence collaborator.
func (t *DispatchTree) MarkCreated(e any) {
	t.toCreate = append(t.toCreate, e)
}

// MarkModified records a changed entity, once per flush.
func (t *DispatchTree) MarkModified(e any) {
	if t.dirty[e] {
		return
	}
	t.dirty[e] = true
	t.toModify = append(t.toModify, e)
}

// MarkArchived records an entity leaving the live tree.
func (t *DispatchTree) MarkArchived(e any) {
	t.toArchive = append(t.toArchive, e)
}

// DirtySets returns the pending persistence batches.
func (t *DispatchTree) DirtySets() (toCreate, toModify, toArchive []any) {
	return t.toCreate, t.toModify, t.toArchive
}

// HasDirty reports whether anything waits for persistence.
func (t *DispatchTree) HasDirty() bool {
	return len(t.toCreate) > 0 || len(t.toModify) > 0 || len(t.toArchive) > 0
}

// ResetDirty clears the dirty sets after the persistence collaborator has
// acknowledged them.
func (t *DispatchTree) ResetDirty() {
	t.toCreate = nil
	t.toModify = nil
	t.toArchive = nil
	t.dirty = make(map[any]bool)
}

// ResetModified drops only the modification marks, keeping pending creates
// and archives. Used after the settling passes of a state reload: what was
// just read back does not need rewriting.
func (t *DispatchTree) ResetModified() {
	t.toModify = nil
	t.dirty = make(map[any]bool)
}

func (t *DispatchTree) allocNodeID() int {
	id := t.nextNodeID
	t.nextNodeID++
	return id
}

func (t *DispatchTree) allocTaskID() int {
	id := t.nextTaskID
	t.nextTaskID++
	return id
}

func (t *DispatchTree) allocCommandID() int {
	id := t.nextCommandID
	t.nextCommandID++
	return id
}

func (t *DispatchTree) allocPoolID() int {
	id := t.nextPoolID
	t.nextPoolID++
	return id
}

func (t *DispatchTree) allocPoolShareID() int {
	id := t.nextPoolShareID
	t.nextPoolShareID++
	return id
}

// AllocPoolShareID hands out a fresh pool share id for admin creation.
func (t *DispatchTree) AllocPoolShareID() int {
	return t.allocPoolShareID()
}

// AllocRenderNodeID hands out a fresh render node id for registration.
func (t *DispatchTree) AllocRenderNodeID() int {
	id := t.nextRenderNodeID
	t.nextRenderNodeID++
	return id
}

// BumpIDs raises the id allocators above everything already present, after a
// rehydration from the store.
func (t *DispatchTree) BumpIDs() {
	for id := range t.Nodes {
		if id >= t.nextNodeID {
			t.nextNodeID = id + 1
		}
	}
	for id := range t.Tasks {
		if id >= t.nextTaskID {
			t.nextTaskID = id + 1
		}
	}
	for id := range t.Commands {
		if id >= t.nextCommandID {
			t.nextCommandID = id + 1
		}
	}
	for _, pool := range t.Pools {
		if pool.ID >= t.nextPoolID {
			t.nextPoolID = pool.ID + 1
		}
	}
	for id := range t.PoolShares {
		if id >= t.nextPoolShareID {
			t.nextPoolShareID = id + 1
		}
	}
	for _, rn := range t.RenderNodes {
		if rn.ID >= t.nextRenderNodeID {
			t.nextRenderNodeID = rn.ID + 1
		}
	}
}
