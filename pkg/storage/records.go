package storage

import (
	"time"

	"github.com/mosaicfx/farmd/pkg/model"
)

// Record forms are the flattened, id-keyed shapes written to the store.
// Pointers of the live model become ids and names here.

type poolRecord struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	RenderNodes []string `json:"renderNodes"`
}

type renderNodeRecord struct {
	ID             int            `json:"id"`
	Name           string         `json:"name"`
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	CoresNumber    int            `json:"coresNumber"`
	RAMSize        int            `json:"ramSize"`
	Speed          float64        `json:"speed"`
	Caracteristics map[string]any `json:"caracteristics"`
	Pools          []string       `json:"pools"`
	Quarantined    bool           `json:"quarantined"`
}

type commandRecord struct {
	ID           int            `json:"id"`
	Description  string         `json:"description"`
	Arguments    map[string]any `json:"arguments"`
	Status       int            `json:"status"`
	Completion   float64        `json:"completion"`
	Message      string         `json:"message"`
	Stats        map[string]any `json:"stats,omitempty"`
	RetryCount   int            `json:"retryCount"`
	RetryRNList  []string       `json:"retryRnList,omitempty"`
	CreationTime time.Time      `json:"creationTime"`
	StartTime    time.Time      `json:"startTime,omitempty"`
	UpdateTime   time.Time      `json:"updateTime,omitempty"`
	EndTime      time.Time      `json:"endTime,omitempty"`
}

type taskRecord struct {
	ID                   int               `json:"id"`
	Name                 string            `json:"name"`
	ParentID             int               `json:"parentId,omitempty"`
	Runner               string            `json:"runner"`
	User                 string            `json:"user"`
	Arguments            map[string]any    `json:"arguments"`
	Environment          map[string]string `json:"environment"`
	Requirements         map[string]any    `json:"requirements"`
	MinCores             int               `json:"minCores"`
	MaxCores             int               `json:"maxCores"`
	RAMUse               int               `json:"ramUse"`
	License              string            `json:"license,omitempty"`
	ValidationExpression string            `json:"validationExpression,omitempty"`
	Commands             []commandRecord   `json:"commands"`
}

type dependencyRecord struct {
	NodeID             int   `json:"nodeId"`
	AcceptableStatuses []int `json:"acceptableStatuses"`
}

// nodeRecord carries a dispatch tree node; task nodes embed their task and
// commands so the nodes archive is self-contained.
type nodeRecord struct {
	ID           int                `json:"id"`
	Name         string             `json:"name"`
	Kind         int                `json:"kind"`
	ParentID     int                `json:"parentId"`
	Status       int                `json:"status"`
	Completion   float64            `json:"completion"`
	DispatchKey  int                `json:"dispatchKey"`
	Tags         map[string]string  `json:"tags,omitempty"`
	User         string             `json:"user"`
	Paused       bool               `json:"paused"`
	CreationTime time.Time          `json:"creationTime"`
	Task         *taskRecord        `json:"task,omitempty"`
	Dependencies []dependencyRecord `json:"dependencies,omitempty"`
}

type poolShareRecord struct {
	ID               int    `json:"id"`
	PoolName         string `json:"poolName"`
	NodeID           int    `json:"nodeId"`
	MaxRN            int    `json:"maxRN"`
	AllocatedRN      int    `json:"allocatedRN"`
	UserDefinedMaxRN bool   `json:"userDefinedMaxRN"`
}

func recordPool(p *model.Pool) poolRecord {
	rec := poolRecord{ID: p.ID, Name: p.Name}
	for _, rn := range p.RenderNodes {
		rec.RenderNodes = append(rec.RenderNodes, rn.Name)
	}
	return rec
}

func recordRenderNode(rn *model.RenderNode) renderNodeRecord {
	rec := renderNodeRecord{
		ID:             rn.ID,
		Name:           rn.Name,
		Host:           rn.Host,
		Port:           rn.Port,
		CoresNumber:    rn.CoresNumber,
		RAMSize:        rn.RAMSize,
		Speed:          rn.Speed,
		Caracteristics: rn.Caracteristics,
		Quarantined:    rn.Quarantined,
	}
	for _, pool := range rn.Pools {
		rec.Pools = append(rec.Pools, pool.Name)
	}
	return rec
}

func recordCommand(c *model.Command) commandRecord {
	return commandRecord{
		ID:           c.ID,
		Description:  c.Description,
		Arguments:    c.Arguments,
		Status:       int(c.Status),
		Completion:   c.Completion,
		Message:      c.Message,
		Stats:        c.Stats,
		RetryCount:   c.RetryCount,
		RetryRNList:  c.RetryRNList,
		CreationTime: c.CreationTime,
		StartTime:    c.StartTime,
		UpdateTime:   c.UpdateTime,
		EndTime:      c.EndTime,
	}
}

func recordTask(t *model.Task) *taskRecord {
	rec := &taskRecord{
		ID:                   t.ID,
		Name:                 t.Name,
		Runner:               t.Runner,
		User:                 t.User,
		Arguments:            t.Arguments,
		Environment:          t.Environment,
		Requirements:         t.Requirements,
		MinCores:             t.MinCores,
		MaxCores:             t.MaxCores,
		RAMUse:               t.RAMUse,
		License:              t.License,
		ValidationExpression: t.ValidationExpression,
	}
	if t.Parent != nil {
		rec.ParentID = t.Parent.ID
	}
	for _, cmd := range t.Commands {
		rec.Commands = append(rec.Commands, recordCommand(cmd))
	}
	return rec
}

func recordNode(n *model.Node) nodeRecord {
	rec := nodeRecord{
		ID:           n.ID,
		Name:         n.Name,
		Kind:         int(n.Kind),
		Status:       int(n.Status),
		Completion:   n.Completion,
		DispatchKey:  n.DispatchKey,
		Tags:         n.Tags,
		User:         n.User,
		Paused:       n.Paused,
		CreationTime: n.CreationTime,
	}
	if n.Parent != nil {
		rec.ParentID = n.Parent.ID
	}
	if n.Task != nil {
		rec.Task = recordTask(n.Task)
	}
	for _, dep := range n.Dependencies {
		depRec := dependencyRecord{NodeID: dep.Node.ID}
		for _, s := range dep.AcceptableStatuses {
			depRec.AcceptableStatuses = append(depRec.AcceptableStatuses, int(s))
		}
		rec.Dependencies = append(rec.Dependencies, depRec)
	}
	return rec
}

func recordPoolShare(ps *model.PoolShare) poolShareRecord {
	return poolShareRecord{
		ID:               ps.ID,
		PoolName:         ps.Pool.Name,
		NodeID:           ps.Node.ID,
		MaxRN:            ps.MaxRN,
		AllocatedRN:      ps.AllocatedRN,
		UserDefinedMaxRN: ps.UserDefinedMaxRN,
	}
}
