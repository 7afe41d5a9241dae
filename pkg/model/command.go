package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommandListener receives post-mutation notifications from commands. The
// dispatch tree registers itself here to maintain its dirty sets; the
// dispatcher hooks status changes for autoretry.
type CommandListener interface {
	CommandChanged(cmd *Command)
	CommandStatusChanged(cmd *Command, old CommandStatus)
}

// Command is the smallest dispatchable unit of work, one frame packet of a
// task. A command is placed on a render node while its status is ASSIGNED,
// RUNNING or FINISHING; after an ERROR or TIMEOUT it keeps its render node
// reference until it is retried, reset or finished.
type Command struct {
	ID           int
	Description  string
	Task         *Task
	Arguments    map[string]any
	Status       CommandStatus
	Completion   float64
	Message      string
	Stats        map[string]any
	RenderNode   *RenderNode
	CreationTime time.Time
	StartTime    time.Time
	UpdateTime   time.Time
	EndTime      time.Time

	NbFrames       int
	AvgTimeByFrame float64

	RetryCount  int
	RetryRNList []string

	ValidatorMessage string
	ErrorInfos       string

	listener CommandListener
}

// NewCommand creates a ready command owned by task.
func NewCommand(id int, description string, task *Task, arguments map[string]any) *Command {
	if arguments == nil {
		arguments = make(map[string]any)
	}
	cmd := &Command{
		ID:           id,
		Description:  description,
		Task:         task,
		Arguments:    arguments,
		Status:       CmdReady,
		CreationTime: time.Now(),
	}
	cmd.NbFrames = framesFromDescription(description)
	return cmd
}

func (c *Command) String() string {
	return fmt.Sprintf("Command(id=%d, status=%s)", c.ID, c.Status)
}

// SetListener registers the post-mutation hook. Called once by the dispatch
// tree when the command is registered.
func (c *Command) SetListener(l CommandListener) {
	c.listener = l
}

// SetStatus transitions the command and maintains the timestamps tied to the
// transition. No-op when the status is unchanged.
func (c *Command) SetStatus(status CommandStatus) {
	if c.Status == status {
		return
	}
	old := c.Status
	c.Status = status
	c.UpdateTime = time.Now()

	switch {
	case status == CmdDone:
		c.Completion = 1
		c.EndTime = c.UpdateTime
		c.computeAvgTimeByFrame()
	case status == CmdAssigned:
		c.StartTime = c.UpdateTime
	case status == CmdReady:
		c.StartTime = time.Time{}
	}

	if IsErrorStatus(status) || IsFinalStatus(status) {
		if c.RenderNode != nil {
			c.RenderNode.recordTaskOutcome(c.Task.ID, status)
		}
	}

	if c.listener != nil {
		c.listener.CommandStatusChanged(c, old)
	}
}

// SetCompletion updates progress. Only meaningful while the command runs.
func (c *Command) SetCompletion(completion float64) {
	c.Completion = completion
	c.UpdateTime = time.Now()
	if c.listener != nil {
		c.listener.CommandChanged(c)
	}
}

// Touch marks the command modified without changing its state machine.
func (c *Command) Touch() {
	c.UpdateTime = time.Now()
	if c.listener != nil {
		c.listener.CommandChanged(c)
	}
}

// Assign binds the command to a render node.
func (c *Command) Assign(rn *RenderNode) {
	c.RenderNode = rn
	c.SetStatus(CmdAssigned)
}

// SetReadyAndClear reverts the command to a pristine ready state: no render
// node, zero completion, empty message.
func (c *Command) SetReadyAndClear() {
	c.SetStatus(CmdReady)
	c.RenderNode = nil
	c.StartTime = time.Time{}
	c.EndTime = time.Time{}
	c.Completion = 0
	c.Message = ""
	if c.listener != nil {
		c.listener.CommandChanged(c)
	}
}

// SetReady resets a non-running command for a re-run.
func (c *Command) SetReady() error {
	if IsRunningStatus(c.Status) {
		return fmt.Errorf("cannot reset running command %d", c.ID)
	}
	c.SetReadyAndClear()
	return nil
}

// framesFromDescription derives the frame count from the trailing
// "_<start>_<end>" of a command description.
func framesFromDescription(description string) int {
	parts := strings.Split(description, "_")
	if len(parts) < 2 {
		return 0
	}
	end, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	start, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0
	}
	return end - start + 1
}

// computeAvgTimeByFrame sets the per-frame average once the command is done.
// The owning task node aggregates it on its next propagation pass.
func (c *Command) computeAvgTimeByFrame() {
	if c.NbFrames == 0 || c.StartTime.IsZero() || c.EndTime.IsZero() {
		return
	}
	total := c.EndTime.Sub(c.StartTime)
	c.AvgTimeByFrame = float64(total.Milliseconds()) / float64(c.NbFrames)
}
