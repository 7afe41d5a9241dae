package tree

import (
	"fmt"

	"github.com/mosaicfx/farmd/pkg/model"
)

// GraphSpec is the wire form of a job submission.
type GraphSpec struct {
	Name         string            `json:"name"`
	User         string            `json:"user"`
	PoolName     string            `json:"poolName"`
	MaxRN        int               `json:"maxRN"`
	Tags         map[string]string `json:"tags"`
	Root         *NodeSpec         `json:"root"`
	Dependencies []DependencySpec  `json:"dependencies"`
}

// NodeSpec describes one node of the submitted hierarchy: a task group with
// children, or a task expanded into commands by frame packet.
type NodeSpec struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"` // "Task" or "TaskGroup"
	DispatchKey int         `json:"dispatchKey"`
	Children    []*NodeSpec `json:"children"`
	Paused      bool        `json:"paused"`

	Runner               string            `json:"runner"`
	Arguments            map[string]any    `json:"arguments"`
	Environment          map[string]string `json:"environment"`
	Requirements         map[string]any    `json:"requirements"`
	MinCores             int               `json:"minCores"`
	MaxCores             int               `json:"maxCores"`
	RAMUse               int               `json:"ramUse"`
	License              string            `json:"license"`
	ValidationExpression string            `json:"validationExpression"`

	Start      int `json:"start"`
	End        int `json:"end"`
	PacketSize int `json:"packetSize"`
}

// DependencySpec declares that one node of the graph waits for another.
// Node names are resolved within the submitted graph.
type DependencySpec struct {
	Node               string `json:"node"`
	Requires           string `json:"requires"`
	AcceptableStatuses []int  `json:"acceptableStatuses"`
}

// ValidationError rejects a submission before any state change.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid graph: " + e.Reason
}

func invalidGraph(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// RegisterGraph validates a submission and appends it to the tree under
// /graphs, binding the job root to the named pool through a fresh pool
// share. It returns every node created, job root first, so the caller can
// apply post-creation flags.
func (t *DispatchTree) RegisterGraph(spec *GraphSpec) ([]*model.Node, error) {
	if spec.Name == "" {
		return nil, invalidGraph("missing name")
	}
	if spec.Root == nil {
		return nil, invalidGraph("missing root node")
	}
	poolName := spec.PoolName
	if poolName == "" {
		poolName = "default"
	}
	pool, ok := t.Pools[poolName]
	if !ok {
		return nil, invalidGraph("unknown pool %q", poolName)
	}
	if err := validateNodeSpec(spec.Root); err != nil {
		return nil, err
	}

	// resolve dependency names against the spec before creating anything,
	// so a rejected submission leaves no state behind
	specNames := make(map[string]bool)
	collectSpecNames(spec.Root, specNames)
	for _, dep := range spec.Dependencies {
		if !specNames[dep.Node] {
			return nil, invalidGraph("dependency on unknown node %q", dep.Node)
		}
		if !specNames[dep.Requires] {
			return nil, invalidGraph("dependency requires unknown node %q", dep.Requires)
		}
		for _, raw := range dep.AcceptableStatuses {
			if !model.ValidNodeStatus(raw) {
				return nil, invalidGraph("invalid acceptable status %d", raw)
			}
		}
	}

	var created []*model.Node
	byName := make(map[string]*model.Node)
	root := t.buildNode(spec.Root, t.Graphs(), nil, spec.User, &created, byName)
	root.Name = spec.Name
	for k, v := range spec.Tags {
		root.Tags[k] = v
	}

	for _, dep := range spec.Dependencies {
		dependent := byName[dep.Node]
		required := byName[dep.Requires]
		statuses := make([]model.NodeStatus, 0, len(dep.AcceptableStatuses))
		for _, raw := range dep.AcceptableStatuses {
			statuses = append(statuses, model.NodeStatus(raw))
		}
		if len(statuses) == 0 {
			statuses = []model.NodeStatus{model.NodeDone}
		}
		dependent.Dependencies = append(dependent.Dependencies, &model.Dependency{
			Node:               required,
			AcceptableStatuses: statuses,
		})
		dependent.Status = model.NodeBlocked
	}

	maxRN := spec.MaxRN
	if maxRN == 0 {
		maxRN = model.UnboundMaxRN
	}
	ps := model.NewPoolShare(t.allocPoolShareID(), pool, root, maxRN)
	t.PoolShares[ps.ID] = ps
	t.MarkCreated(ps)

	t.logger.Info().
		Str("graph", spec.Name).
		Str("user", spec.User).
		Str("pool", poolName).
		Int("nodes", len(created)).
		Msg("Graph registered")

	return created, nil
}

func validateNodeSpec(spec *NodeSpec) error {
	if spec.Name == "" {
		return invalidGraph("node with empty name")
	}
	switch spec.Type {
	case "Task":
		if spec.Runner == "" {
			return invalidGraph("task %q has no runner", spec.Name)
		}
		if spec.End < spec.Start {
			return invalidGraph("task %q has an empty frame range", spec.Name)
		}
		if len(spec.Children) > 0 {
			return invalidGraph("task %q cannot have children", spec.Name)
		}
	case "TaskGroup":
		if len(spec.Children) == 0 {
			return invalidGraph("task group %q has no children", spec.Name)
		}
		for _, child := range spec.Children {
			if err := validateNodeSpec(child); err != nil {
				return err
			}
		}
	default:
		return invalidGraph("node %q has unknown type %q", spec.Name, spec.Type)
	}
	return nil
}

// buildNode creates the node, task and command entities for one spec node
// and registers them in the tree maps.
func (t *DispatchTree) buildNode(spec *NodeSpec, parent *model.Node, parentTask *model.Task, user string, created *[]*model.Node, byName map[string]*model.Node) *model.Node {
	if spec.Type == "TaskGroup" {
		group := &model.Task{
			ID:           t.allocTaskID(),
			Name:         spec.Name,
			Parent:       parentTask,
			User:         user,
			Arguments:    orEmptyArgs(spec.Arguments),
			Environment:  orEmptyEnv(spec.Environment),
			Requirements: orEmptyArgs(spec.Requirements),
		}
		t.Tasks[group.ID] = group
		t.MarkCreated(group)

		node := model.NewFolderNode(t.allocNodeID(), spec.Name, parent, user, spec.DispatchKey, nil)
		node.Task = group
		group.Node = node
		t.Nodes[node.ID] = node
		t.MarkCreated(node)
		*created = append(*created, node)
		byName[spec.Name] = node
		if spec.Paused {
			node.SetPaused(true)
		}

		for _, childSpec := range spec.Children {
			t.buildNode(childSpec, node, group, user, created, byName)
		}
		return node
	}

	task := &model.Task{
		ID:                   t.allocTaskID(),
		Name:                 spec.Name,
		Parent:               parentTask,
		Runner:               spec.Runner,
		User:                 user,
		Arguments:            orEmptyArgs(spec.Arguments),
		Environment:          orEmptyEnv(spec.Environment),
		Requirements:         orEmptyArgs(spec.Requirements),
		MinCores:             spec.MinCores,
		MaxCores:             spec.MaxCores,
		RAMUse:               spec.RAMUse,
		License:              spec.License,
		ValidationExpression: spec.ValidationExpression,
	}
	t.Tasks[task.ID] = task
	t.MarkCreated(task)

	packet := spec.PacketSize
	if packet <= 0 {
		packet = 1
	}
	for start := spec.Start; start <= spec.End; start += packet {
		end := start + packet - 1
		if end > spec.End {
			end = spec.End
		}
		cmd := model.NewCommand(
			t.allocCommandID(),
			fmt.Sprintf("%s_%d_%d", spec.Name, start, end),
			task,
			map[string]any{"start": start, "end": end},
		)
		cmd.SetListener(t)
		task.Commands = append(task.Commands, cmd)
		t.Commands[cmd.ID] = cmd
		t.MarkCreated(cmd)
	}

	node := model.NewTaskNode(t.allocNodeID(), spec.Name, parent, user, spec.DispatchKey, task)
	task.Node = node
	t.Nodes[node.ID] = node
	t.MarkCreated(node)
	*created = append(*created, node)
	byName[spec.Name] = node
	if spec.Paused {
		node.SetPaused(true)
	}
	return node
}

func collectSpecNames(spec *NodeSpec, names map[string]bool) {
	names[spec.Name] = true
	for _, child := range spec.Children {
		collectSpecNames(child, names)
	}
}

func orEmptyArgs(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}

func orEmptyEnv(m map[string]string) map[string]string {
	if m == nil {
		return make(map[string]string)
	}
	return m
}
