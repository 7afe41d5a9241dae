package model

import (
	"fmt"
	"sort"
	"time"
)

// NodeKind discriminates the two node variants of the dispatch tree.
type NodeKind int

const (
	NodeKindFolder NodeKind = iota
	NodeKindTask
)

// Dependency declares that a node stays blocked until another node reaches
// one of the acceptable statuses.
type Dependency struct {
	Node               *Node
	AcceptableStatuses []NodeStatus
}

// Satisfied reports whether the dependency currently allows the dependent
// node to run.
func (d *Dependency) Satisfied() bool {
	for _, s := range d.AcceptableStatuses {
		if d.Node.Status == s {
			return true
		}
	}
	return false
}

// Node is an element of the dispatch tree: a folder grouping other nodes, or
// a task leaf owning commands through its task.
type Node struct {
	ID          int
	Name        string
	Kind        NodeKind
	Parent      *Node
	Children    []*Node
	Status      NodeStatus
	Completion  float64
	DispatchKey int
	MaxRN       int
	PoolShares  map[int]*PoolShare // pool id -> share
	Tags        map[string]string
	User        string
	Paused      bool

	CreationTime time.Time
	StartTime    time.Time
	UpdateTime   time.Time
	EndTime      time.Time

	// Folder only
	Strategy Strategy

	// The owned task for a leaf; the shared group task for a folder built
	// from a task group
	Task *Task

	Dependencies []*Dependency

	AverageTimeByFrame float64
	MinTimeByFrame     float64
	MaxTimeByFrame     float64
	frameTimes         []float64
}

// NewFolderNode creates a folder node attached under parent (nil for root).
func NewFolderNode(id int, name string, parent *Node, user string, dispatchKey int, strategy Strategy) *Node {
	if strategy == nil {
		strategy = FifoStrategy{}
	}
	n := &Node{
		ID:           id,
		Name:         name,
		Kind:         NodeKindFolder,
		Status:       NodeReady,
		DispatchKey:  dispatchKey,
		MaxRN:        UnboundMaxRN,
		PoolShares:   make(map[int]*PoolShare),
		Tags:         make(map[string]string),
		User:         user,
		CreationTime: time.Now(),
		Strategy:     strategy,
	}
	if parent != nil {
		parent.AddChild(n)
	}
	return n
}

// NewTaskNode creates a task leaf attached under parent.
func NewTaskNode(id int, name string, parent *Node, user string, dispatchKey int, task *Task) *Node {
	n := &Node{
		ID:           id,
		Name:         name,
		Kind:         NodeKindTask,
		Status:       NodeReady,
		DispatchKey:  dispatchKey,
		MaxRN:        UnboundMaxRN,
		PoolShares:   make(map[int]*PoolShare),
		Tags:         make(map[string]string),
		User:         user,
		CreationTime: time.Now(),
		Task:         task,
	}
	if parent != nil {
		parent.AddChild(n)
	}
	return n
}

func (n *Node) String() string {
	return fmt.Sprintf("Node(id=%d, name=%s, status=%s)", n.ID, n.Name, n.Status)
}

// AddChild appends child to the node, keeping the parent pointer coherent.
func (n *Node) AddChild(child *Node) {
	child.Parent = n
	n.Children = append(n.Children, child)
}

// RemoveChild detaches child from the node.
func (n *Node) RemoveChild(child *Node) {
	for i, c := range n.Children {
		if c == child {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			child.Parent = nil
			return
		}
	}
}

// Path returns the absolute slash path of the node.
func (n *Node) Path() string {
	if n.Parent == nil {
		return "/"
	}
	parent := n.Parent.Path()
	if parent == "/" {
		return "/" + n.Name
	}
	return parent + "/" + n.Name
}

// Commands returns every command owned by the subtree, in tree order.
func (n *Node) Commands() []*Command {
	if n.Kind == NodeKindTask {
		return n.Task.Commands
	}
	var cmds []*Command
	for _, child := range n.Children {
		cmds = append(cmds, child.Commands()...)
	}
	return cmds
}

// CommandCount returns the number of commands in the subtree.
func (n *Node) CommandCount() int {
	if n.Kind == NodeKindTask {
		return len(n.Task.Commands)
	}
	total := 0
	for _, child := range n.Children {
		total += child.CommandCount()
	}
	return total
}

// ReadyCommandCount returns the number of commands in the subtree waiting
// for a render node.
func (n *Node) ReadyCommandCount() int {
	if n.Paused {
		return 0
	}
	if n.Kind == NodeKindTask {
		count := 0
		for _, cmd := range n.Task.Commands {
			if cmd.Status == CmdReady {
				count++
			}
		}
		return count
	}
	total := 0
	for _, child := range n.Children {
		total += child.ReadyCommandCount()
	}
	return total
}

// DoneCommandCount returns the number of finished commands in the subtree.
func (n *Node) DoneCommandCount() int {
	count := 0
	for _, cmd := range n.Commands() {
		if cmd.Status == CmdDone {
			count++
		}
	}
	return count
}

// SetPaused flips the paused flag on the subtree. Status is recomputed on
// the next propagation pass.
func (n *Node) SetPaused(paused bool) {
	n.Paused = paused
	for _, child := range n.Children {
		child.SetPaused(paused)
	}
}

// ResetCompletion reverts every non-running command of the subtree to a
// pristine ready state, for a restart.
func (n *Node) ResetCompletion() {
	for _, cmd := range n.Commands() {
		if IsRunningStatus(cmd.Status) {
			continue
		}
		cmd.SetReadyAndClear()
	}
	n.Completion = 0
	n.EndTime = time.Time{}
}

// DependenciesSatisfied reports whether all declared dependencies allow the
// node to leave BLOCKED.
func (n *Node) DependenciesSatisfied() bool {
	for _, dep := range n.Dependencies {
		if !dep.Satisfied() {
			return false
		}
	}
	return true
}

// UpdateCompletionAndStatus recomputes completion and status bottom-up over
// the subtree. changed is invoked for every node whose observable state
// moved; it may be nil.
func (n *Node) UpdateCompletionAndStatus(changed func(*Node)) {
	oldStatus, oldCompletion := n.Status, n.Completion

	if n.Kind == NodeKindTask {
		n.updateTaskNode()
	} else {
		for _, child := range n.Children {
			child.UpdateCompletionAndStatus(changed)
		}
		n.updateFolderNode()
	}

	if n.Status != oldStatus || n.Completion != oldCompletion {
		n.UpdateTime = time.Now()
		if n.Status == NodeDone && n.EndTime.IsZero() {
			n.EndTime = n.UpdateTime
		}
		if changed != nil {
			changed(n)
		}
	}
}

func (n *Node) updateTaskNode() {
	cmds := n.Task.Commands
	if len(cmds) == 0 {
		n.Completion = 1
		n.Status = NodeDone
		return
	}

	var sum float64
	var running, done, errored, canceled, assigned int
	for _, cmd := range cmds {
		sum += cmd.Completion
		switch {
		case cmd.Status == CmdRunning || cmd.Status == CmdFinishing:
			running++
		case cmd.Status == CmdAssigned:
			assigned++
		case cmd.Status == CmdDone:
			done++
		case IsErrorStatus(cmd.Status):
			errored++
		case cmd.Status == CmdCanceled:
			canceled++
		}
	}
	n.Completion = sum / float64(len(cmds))

	switch {
	case n.Paused:
		n.Status = NodePaused
	case running > 0 || assigned > 0:
		n.Status = NodeRunning
	case done == len(cmds):
		n.Status = NodeDone
	case errored > 0:
		n.Status = NodeError
	case canceled == len(cmds):
		n.Status = NodeCanceled
	case n.Status == NodeBlocked || !n.DependenciesSatisfied():
		n.Status = NodeBlocked
	default:
		n.Status = NodeReady
	}

	if n.Status == NodeRunning && n.StartTime.IsZero() {
		n.StartTime = time.Now()
	}
	n.rollUpFrameTimes()
}

func (n *Node) updateFolderNode() {
	if len(n.Children) == 0 {
		n.Completion = 1
		n.Status = NodeDone
		return
	}

	var weighted float64
	var totalCommands int
	var running, done, errored, canceled, ready, paused int
	for _, child := range n.Children {
		count := child.CommandCount()
		weighted += child.Completion * float64(count)
		totalCommands += count
		switch child.Status {
		case NodeRunning:
			running++
		case NodeDone:
			done++
		case NodeError:
			errored++
		case NodeCanceled:
			canceled++
		case NodeReady:
			ready++
		case NodePaused:
			paused++
		}
	}
	if totalCommands > 0 {
		n.Completion = weighted / float64(totalCommands)
	} else {
		n.Completion = 1
	}

	switch {
	case n.Paused:
		n.Status = NodePaused
	case running > 0:
		n.Status = NodeRunning
	case errored > 0:
		n.Status = NodeError
	case done == len(n.Children):
		n.Status = NodeDone
	case canceled == len(n.Children):
		n.Status = NodeCanceled
	case ready > 0 || done > 0 || paused > 0:
		n.Status = NodeReady
	default:
		n.Status = NodeBlocked
	}

	if n.Status == NodeRunning && n.StartTime.IsZero() {
		n.StartTime = time.Now()
	}
}

// rollUpFrameTimes aggregates per-frame averages of done commands onto the
// node for operator reporting.
func (n *Node) rollUpFrameTimes() {
	n.frameTimes = n.frameTimes[:0]
	for _, cmd := range n.Task.Commands {
		if cmd.Status == CmdDone && cmd.AvgTimeByFrame > 0 {
			n.frameTimes = append(n.frameTimes, cmd.AvgTimeByFrame)
		}
	}
	if len(n.frameTimes) == 0 {
		return
	}
	var sum float64
	minT, maxT := n.frameTimes[0], n.frameTimes[0]
	for _, t := range n.frameTimes {
		sum += t
		if t < minT {
			minT = t
		}
		if t > maxT {
			maxT = t
		}
	}
	n.AverageTimeByFrame = sum / float64(len(n.frameTimes))
	n.MinTimeByFrame = minT
	n.MaxTimeByFrame = maxT
}

// Strategy selects the order in which a folder's children are offered to the
// scheduler.
type Strategy interface {
	Name() string
	Order(children []*Node) []*Node
}

// FifoStrategy yields children by descending priority then ascending id.
type FifoStrategy struct{}

func (FifoStrategy) Name() string { return "fifo" }

func (FifoStrategy) Order(children []*Node) []*Node {
	ordered := make([]*Node, len(children))
	copy(ordered, children)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].DispatchKey != ordered[j].DispatchKey {
			return ordered[i].DispatchKey > ordered[j].DispatchKey
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
