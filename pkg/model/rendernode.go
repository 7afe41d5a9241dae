package model

import (
	"fmt"
	"time"
)

// LicenseReserver is the slice of the license manager the model needs.
// Reservations are keyed by license name and render node name.
type LicenseReserver interface {
	Reserve(name, renderNode string) bool
	Release(name, renderNode string)
}

// RenderNode is the dispatcher-side state of one worker machine. All
// mutation happens on the dispatcher goroutine.
type RenderNode struct {
	ID          int
	Name        string // FQDN:port, unique
	Host        string
	Port        int
	CoresNumber int
	FreeCores   int
	UsedCores   map[int]int // command id -> reserved cores
	RAMSize     int
	FreeRAM     int
	UsedRAM     map[int]int // command id -> reserved MB
	Speed       float64

	Commands map[int]*Command
	Status   RenderNodeStatus

	Pools          []*Pool
	Caracteristics map[string]any

	IsRegistered bool
	IDInformed   bool

	LastAliveTime time.Time

	// CurrentPoolShare points at the share of the last assignment; the
	// allocation counting itself is per command in commandShares so a slot
	// is given back exactly when its command leaves the node.
	CurrentPoolShare *PoolShare
	commandShares    map[int]*PoolShare

	// History is the ring of recent terminal command outcomes, one entry per
	// task, judged for quarantine. TasksHistory holds the matching task ids
	// so one task cannot be counted twice.
	History      []CommandStatus
	TasksHistory []int
	historyCap   int

	Quarantined bool
}

// NewRenderNode creates a registered render node with all resources free.
func NewRenderNode(id int, name, host string, port, cores int, speed float64, ram int, caracteristics map[string]any) *RenderNode {
	if caracteristics == nil {
		caracteristics = make(map[string]any)
	}
	if _, ok := caracteristics["softs"]; !ok {
		caracteristics["softs"] = []any{}
	}
	return &RenderNode{
		ID:             id,
		Name:           name,
		Host:           host,
		Port:           port,
		CoresNumber:    cores,
		FreeCores:      cores,
		UsedCores:      make(map[int]int),
		RAMSize:        ram,
		FreeRAM:        ram,
		UsedRAM:        make(map[int]int),
		Speed:          speed,
		Commands:       make(map[int]*Command),
		commandShares:  make(map[int]*PoolShare),
		Status:         RNUnknown,
		Caracteristics: caracteristics,
	}
}

func (rn *RenderNode) String() string {
	return fmt.Sprintf("RenderNode(id=%d, name=%s, status=%s)", rn.ID, rn.Name, rn.Status)
}

// SetHistoryCap bounds the quarantine judgment window.
func (rn *RenderNode) SetHistoryCap(n int) {
	rn.historyCap = n
}

// IsAvailable reports whether the node can accept a new assignment. At least
// one free core is needed to do a job.
func (rn *RenderNode) IsAvailable() bool {
	return rn.IsRegistered && !rn.Quarantined && rn.Status >= RNIdle && rn.FreeCores > 0
}

// AddAssignment records a command on this node against a pool share slot
// and refreshes the node status.
func (rn *RenderNode) AddAssignment(cmd *Command, share *PoolShare) {
	rn.Commands[cmd.ID] = cmd
	if share != nil {
		rn.commandShares[cmd.ID] = share
		share.AllocatedRN++
		rn.CurrentPoolShare = share
	}
	rn.deriveStatusFromCommands()
}

// ClearAssignment removes a command from this node, releasing its resources,
// its license and its pool share slot.
func (rn *RenderNode) ClearAssignment(cmd *Command, licenses LicenseReserver) {
	if share, ok := rn.commandShares[cmd.ID]; ok {
		share.Release()
		delete(rn.commandShares, cmd.ID)
	}
	if _, ok := rn.Commands[cmd.ID]; !ok {
		return
	}
	delete(rn.Commands, cmd.ID)
	rn.ReleaseResources(cmd)
	rn.ReleaseLicense(cmd, licenses)
	if len(rn.Commands) == 0 {
		rn.CurrentPoolShare = nil
	}
}

// ReserveResources books cores and ram for a command. The reservation is
// clamped to what the node has left; at least one core is always booked.
func (rn *RenderNode) ReserveResources(cmd *Command) {
	cores := min(rn.FreeCores, cmd.Task.MaxCores)
	if cores <= 0 {
		cores = rn.FreeCores
	}
	rn.UsedCores[cmd.ID] = cores
	rn.FreeCores -= cores

	ram := min(rn.FreeRAM, cmd.Task.RAMUse)
	if ram < 0 {
		ram = 0
	}
	rn.UsedRAM[cmd.ID] = ram
	rn.FreeRAM -= ram
}

// ReleaseResources restores exactly the amounts recorded for the command.
func (rn *RenderNode) ReleaseResources(cmd *Command) {
	if cores, ok := rn.UsedCores[cmd.ID]; ok {
		rn.FreeCores += cores
		delete(rn.UsedCores, cmd.ID)
	}
	if ram, ok := rn.UsedRAM[cmd.ID]; ok {
		rn.FreeRAM += ram
		delete(rn.UsedRAM, cmd.ID)
	}
}

// ReserveLicense takes one seat of the task's license, if any.
func (rn *RenderNode) ReserveLicense(cmd *Command, licenses LicenseReserver) bool {
	if cmd.Task.License == "" {
		return true
	}
	return licenses.Reserve(cmd.Task.License, rn.Name)
}

// ReleaseLicense returns the seat taken for the command, if any.
func (rn *RenderNode) ReleaseLicense(cmd *Command, licenses LicenseReserver) {
	if cmd.Task.License == "" {
		return
	}
	licenses.Release(cmd.Task.License, rn.Name)
}

// UpdateStatus applies the heartbeat-driven status machine. timeout is the
// silence tolerance; zero disables the timeout check.
func (rn *RenderNode) UpdateStatus(now time.Time, timeout time.Duration) {
	if timeout > 0 && now.Sub(rn.LastAliveTime) > timeout {
		if rn.Status != RNUnknown {
			rn.Status = RNUnknown
			for _, cmd := range rn.Commands {
				cmd.SetStatus(CmdTimeout)
			}
		}
		return
	}

	if len(rn.Commands) == 0 && rn.Status != RNPaused && rn.Status != RNBooting {
		rn.Status = RNIdle
		rn.CurrentPoolShare = nil
		return
	}

	rn.deriveStatusFromCommands()
}

// deriveStatusFromCommands computes the node status from the multiset of its
// command statuses. The status is left alone when the commands bring no
// information.
func (rn *RenderNode) deriveStatusFromCommands() {
	if len(rn.Commands) == 0 {
		return
	}
	var hasRunning, hasError, hasFinishing, hasAssigned, hasDone bool
	for _, cmd := range rn.Commands {
		switch cmd.Status {
		case CmdRunning:
			hasRunning = true
		case CmdError:
			hasError = true
		case CmdFinishing:
			hasFinishing = true
		case CmdAssigned:
			hasAssigned = true
		case CmdDone:
			hasDone = true
		}
	}
	switch {
	case hasRunning, hasError:
		rn.Status = RNWorking
	case hasFinishing:
		rn.Status = RNFinishing
	case hasAssigned:
		rn.Status = RNAssigned
	case rn.Status == RNUnknown:
		rn.Status = RNIdle
	case hasDone:
		rn.Status = RNFinishing
	}
}

// ReleaseFinishingStatus returns a drained node to idle and drops its current
// pool share; the share's slots were already given back per command by
// ClearAssignment. Called once per tick after assignments are sent.
func (rn *RenderNode) ReleaseFinishingStatus() {
	if rn.Status != RNFinishing && rn.Status != RNBooting {
		return
	}
	if len(rn.Commands) > 0 {
		return
	}
	rn.Status = RNIdle
	rn.CurrentPoolShare = nil
}

// recordTaskOutcome appends a terminal command outcome to the history ring,
// once per task, and flips the node into quarantine when errors dominate the
// window.
func (rn *RenderNode) recordTaskOutcome(taskID int, status CommandStatus) {
	if rn.historyCap <= 0 {
		return
	}
	for _, id := range rn.TasksHistory {
		if id == taskID {
			return
		}
	}
	rn.TasksHistory = append(rn.TasksHistory, taskID)
	rn.History = append(rn.History, status)
	if len(rn.History) > rn.historyCap {
		rn.History = rn.History[1:]
		rn.TasksHistory = rn.TasksHistory[1:]
	}

	tolerance := rn.historyCap / 2
	if tolerance == 0 {
		return
	}
	errors := 0
	for _, s := range rn.History {
		if IsErrorStatus(s) {
			errors++
		}
	}
	if errors >= tolerance {
		rn.Quarantined = true
	}
}

// ClearQuarantine lifts the quarantine and forgets the judged history.
func (rn *RenderNode) ClearQuarantine() {
	rn.Quarantined = false
	rn.History = nil
	rn.TasksHistory = nil
}

// CanRun checks the task requirements of a command against the node
// caracteristics and free resources.
func (rn *RenderNode) CanRun(cmd *Command) bool {
	for requirement, value := range cmd.Task.Requirements {
		if requirement == "softs" {
			wanted, ok := value.([]any)
			if !ok {
				return false
			}
			if !hasAllSofts(rn.Caracteristics["softs"], wanted) {
				return false
			}
			continue
		}
		caracteristic, ok := rn.Caracteristics[requirement]
		if !ok {
			return false
		}
		if !matchRequirement(caracteristic, value) {
			return false
		}
	}

	if cmd.Task.MinCores > 0 {
		if rn.FreeCores < cmd.Task.MinCores {
			return false
		}
	} else if rn.FreeCores != rn.CoresNumber {
		// with no explicit minimum the task wants the whole machine
		return false
	}

	if rn.FreeRAM < cmd.Task.RAMUse {
		return false
	}
	return true
}

func hasAllSofts(have any, wanted []any) bool {
	list, ok := have.([]any)
	if !ok {
		return false
	}
	for _, soft := range wanted {
		found := false
		for _, item := range list {
			if item == soft {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchRequirement compares a node caracteristic against a task requirement:
// a two-element list is an exclusive range, a bool or string must match
// exactly, a number sets a minimum.
func matchRequirement(caracteristic, value any) bool {
	if rng, ok := value.([]any); ok {
		if len(rng) != 2 {
			return false
		}
		lo, okLo := toFloat(rng[0])
		hi, okHi := toFloat(rng[1])
		val, okVal := toFloat(caracteristic)
		if !okLo || !okHi || !okVal {
			return false
		}
		return lo < val && val < hi
	}

	switch want := value.(type) {
	case bool:
		have, ok := caracteristic.(bool)
		return ok && have == want
	case string:
		have, ok := caracteristic.(string)
		return ok && have == want
	default:
		want64, okWant := toFloat(value)
		have64, okHave := toFloat(caracteristic)
		if !okWant || !okHave {
			return false
		}
		return have64 >= want64
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
