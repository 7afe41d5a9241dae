package model

// NodeStatus represents the aggregate state of a dispatch tree node
type NodeStatus int

const (
	NodeBlocked NodeStatus = iota + 1
	NodeReady
	NodeRunning
	NodeDone
	NodeError
	NodeCanceled
	NodePaused
)

var nodeStatusNames = map[NodeStatus]string{
	NodeBlocked:  "BLOCKED",
	NodeReady:    "READY",
	NodeRunning:  "RUNNING",
	NodeDone:     "DONE",
	NodeError:    "ERROR",
	NodeCanceled: "CANCELED",
	NodePaused:   "PAUSED",
}

func (s NodeStatus) String() string {
	if name, ok := nodeStatusNames[s]; ok {
		return name
	}
	return "INVALID"
}

// ValidNodeStatus reports whether the integer received over the wire maps to
// a known node status.
func ValidNodeStatus(v int) bool {
	_, ok := nodeStatusNames[NodeStatus(v)]
	return ok
}

// CommandStatus represents the state of a single command
type CommandStatus int

const (
	CmdReady CommandStatus = iota + 1
	CmdAssigned
	CmdRunning
	CmdFinishing
	CmdDone
	CmdError
	CmdCanceled
	CmdTimeout
)

var commandStatusNames = map[CommandStatus]string{
	CmdReady:     "READY",
	CmdAssigned:  "ASSIGNED",
	CmdRunning:   "RUNNING",
	CmdFinishing: "FINISHING",
	CmdDone:      "DONE",
	CmdError:     "ERROR",
	CmdCanceled:  "CANCELED",
	CmdTimeout:   "TIMEOUT",
}

func (s CommandStatus) String() string {
	if name, ok := commandStatusNames[s]; ok {
		return name
	}
	return "INVALID"
}

// ValidCommandStatus reports whether the integer received over the wire maps
// to a known command status.
func ValidCommandStatus(v int) bool {
	_, ok := commandStatusNames[CommandStatus(v)]
	return ok
}

// IsFinalStatus reports whether a command in this status will never run again.
func IsFinalStatus(s CommandStatus) bool {
	return s == CmdDone || s == CmdCanceled
}

// IsRunningStatus reports whether the command is assigned to, running on or
// finishing on a render node.
func IsRunningStatus(s CommandStatus) bool {
	return s == CmdAssigned || s == CmdRunning || s == CmdFinishing
}

// IsErrorStatus reports whether the status counts as a failure for autoretry
// and quarantine purposes. TIMEOUT is a recoverable error.
func IsErrorStatus(s CommandStatus) bool {
	return s == CmdError || s == CmdTimeout
}

// RenderNodeStatus represents the state of a render node. Ordering matters:
// any status at or above RNIdle means the node is reachable and managed.
type RenderNodeStatus int

const (
	RNUnknown RenderNodeStatus = iota
	RNPaused
	RNBooting
	RNIdle
	RNAssigned
	RNWorking
	RNFinishing
)

var renderNodeStatusNames = map[RenderNodeStatus]string{
	RNUnknown:   "UNKNOWN",
	RNPaused:    "PAUSED",
	RNBooting:   "BOOTING",
	RNIdle:      "IDLE",
	RNAssigned:  "ASSIGNED",
	RNWorking:   "WORKING",
	RNFinishing: "FINISHING",
}

func (s RenderNodeStatus) String() string {
	if name, ok := renderNodeStatusNames[s]; ok {
		return name
	}
	return "INVALID"
}
