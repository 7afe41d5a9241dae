package tree

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mosaicfx/farmd/pkg/model"
)

// DefaultQueryFields is the attribute set returned when a query names none.
var DefaultQueryFields = []string{
	"id", "user", "name", "tags:prod", "tags:shot",
	"status", "completion", "dispatchKey",
	"startTime", "creationTime", "endTime", "updateTime",
}

// nodeAttributes maps queryable attribute names to extractors.
var nodeAttributes = map[string]func(*model.Node) any{
	"id":           func(n *model.Node) any { return n.ID },
	"name":         func(n *model.Node) any { return n.Name },
	"user":         func(n *model.Node) any { return n.User },
	"status":       func(n *model.Node) any { return int(n.Status) },
	"completion":   func(n *model.Node) any { return n.Completion },
	"dispatchKey":  func(n *model.Node) any { return n.DispatchKey },
	"maxRN":        func(n *model.Node) any { return n.MaxRN },
	"paused":       func(n *model.Node) any { return n.Paused },
	"creationTime": func(n *model.Node) any { return asEpoch(n.CreationTime) },
	"startTime":    func(n *model.Node) any { return asEpoch(n.StartTime) },
	"updateTime":   func(n *model.Node) any { return asEpoch(n.UpdateTime) },
	"endTime":      func(n *model.Node) any { return asEpoch(n.EndTime) },
	"commandCount": func(n *model.Node) any { return n.CommandCount() },
	"readyCommandCount": func(n *model.Node) any {
		return n.ReadyCommandCount()
	},
	"doneCommandCount": func(n *model.Node) any {
		return n.DoneCommandCount()
	},
	"averageTimeByFrame": func(n *model.Node) any { return n.AverageTimeByFrame },
	"minTimeByFrame":     func(n *model.Node) any { return n.MinTimeByFrame },
	"maxTimeByFrame":     func(n *model.Node) any { return n.MaxTimeByFrame },
}

// ValidQueryAttribute reports whether attr can be requested. "tags:" prefixed
// attributes are always accepted.
func ValidQueryAttribute(attr string) bool {
	if strings.HasPrefix(attr, "tags:") {
		return true
	}
	_, ok := nodeAttributes[attr]
	return ok
}

// NodeFields projects the requested attributes of a node into a JSON-ready
// map.
func NodeFields(n *model.Node, attrs []string) map[string]any {
	fields := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if tag, ok := strings.CutPrefix(attr, "tags:"); ok {
			fields[tag] = n.Tags[tag]
			continue
		}
		if extract, ok := nodeAttributes[attr]; ok {
			fields[attr] = extract(n)
		}
	}
	return fields
}

// FilterNodes keeps the nodes matching every "constraint_" argument. A
// constraint with several values matches any of them.
func FilterNodes(nodes []*model.Node, args map[string][]string) ([]*model.Node, error) {
	filtered := nodes
	for key, values := range args {
		field, ok := strings.CutPrefix(key, "constraint_")
		if !ok || len(values) == 0 {
			continue
		}
		match, err := constraintMatcher(field, values)
		if err != nil {
			return nil, err
		}
		var kept []*model.Node
		for _, node := range filtered {
			if match(node) {
				kept = append(kept, node)
			}
		}
		filtered = kept
	}
	return filtered, nil
}

func constraintMatcher(field string, values []string) (func(*model.Node) bool, error) {
	if tag, ok := strings.CutPrefix(field, "tags:"); ok {
		return func(n *model.Node) bool {
			return containsString(values, n.Tags[tag])
		}, nil
	}

	switch field {
	case "id":
		ids := make(map[int]bool, len(values))
		for _, v := range values {
			id, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid id constraint %q", v)
			}
			ids[id] = true
		}
		return func(n *model.Node) bool { return ids[n.ID] }, nil
	case "status":
		statuses := make(map[model.NodeStatus]bool, len(values))
		for _, v := range values {
			raw, err := strconv.Atoi(v)
			if err != nil || !model.ValidNodeStatus(raw) {
				return nil, fmt.Errorf("invalid status constraint %q", v)
			}
			statuses[model.NodeStatus(raw)] = true
		}
		return func(n *model.Node) bool { return statuses[n.Status] }, nil
	case "user":
		return func(n *model.Node) bool { return containsString(values, n.User) }, nil
	case "name":
		return func(n *model.Node) bool { return containsString(values, n.Name) }, nil
	default:
		return nil, fmt.Errorf("unknown constraint field %q", field)
	}
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func asEpoch(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
