package model

import "time"

// Task is a parameterized unit of work. It owns its commands, one per frame
// packet. Task groups are tasks without a runner: they carry shared
// arguments, environment and requirements for their children and own no
// commands.
type Task struct {
	ID                   int
	Name                 string
	Parent               *Task
	Node                 *Node
	Runner               string
	User                 string
	Arguments            map[string]any
	Environment          map[string]string
	Requirements         map[string]any
	MinCores             int
	MaxCores             int
	RAMUse               int
	License              string
	ValidationExpression string
	Commands             []*Command
	CreationTime         time.Time
}

// IsGroup reports whether this task only groups others and owns no commands.
func (t *Task) IsGroup() bool {
	return t.Runner == ""
}

// Ancestry returns the task and its ancestors, leaf first.
func (t *Task) Ancestry() []*Task {
	var chain []*Task
	for cur := t; cur != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	return chain
}

// MergedArguments flattens arguments from the task ancestry, root first, then
// overlays the command's own arguments.
func (t *Task) MergedArguments(cmd *Command) map[string]any {
	merged := make(map[string]any)
	chain := t.Ancestry()
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Arguments {
			merged[k] = v
		}
	}
	for k, v := range cmd.Arguments {
		merged[k] = v
	}
	return merged
}

// MergedEnvironment flattens environment from the task ancestry, root first.
func (t *Task) MergedEnvironment() map[string]string {
	merged := make(map[string]string)
	chain := t.Ancestry()
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].Environment {
			merged[k] = v
		}
	}
	return merged
}
