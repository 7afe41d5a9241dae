package transport

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mosaicfx/farmd/pkg/model"
)

// commandBody is the wire form a render node expects for one command.
type commandBody struct {
	ID                   int               `json:"id"`
	Runner               string            `json:"runner"`
	Arguments            map[string]any    `json:"arguments"`
	ValidationExpression string            `json:"validationExpression"`
	TaskName             string            `json:"taskName"`
	RelativePathToLogDir string            `json:"relativePathToLogDir"`
	Environment          map[string]string `json:"environment"`
}

// BuildPayload freezes one command into its wire body: arguments merged over
// the task ancestry, the environment enriched with the submission user and
// the resources actually reserved on the render node.
func BuildPayload(cmd *model.Command, rn *model.RenderNode) (CommandPayload, error) {
	task := cmd.Task

	environment := task.MergedEnvironment()
	environment["PULI_USER"] = task.User
	environment["PULI_ALLOCATED_MEMORY"] = strconv.Itoa(rn.UsedRAM[cmd.ID])
	environment["PULI_ALLOCATED_CORES"] = strconv.Itoa(rn.UsedCores[cmd.ID])

	body, err := json.Marshal(commandBody{
		ID:                   cmd.ID,
		Runner:               task.Runner,
		Arguments:            task.MergedArguments(cmd),
		ValidationExpression: task.ValidationExpression,
		TaskName:             task.Name,
		RelativePathToLogDir: fmt.Sprintf("%d", task.ID),
		Environment:          environment,
	})
	if err != nil {
		return CommandPayload{}, fmt.Errorf("failed to serialize command %d: %w", cmd.ID, err)
	}
	return CommandPayload{CommandID: cmd.ID, Body: body}, nil
}

// BuildBatch freezes a full assignment for one render node.
func BuildBatch(rn *model.RenderNode, commands []*model.Command) (Batch, error) {
	batch := Batch{
		RenderNodeName: rn.Name,
		RenderNodeID:   rn.ID,
		Host:           rn.Host,
		Port:           rn.Port,
		InformID:       !rn.IDInformed,
	}
	for _, cmd := range commands {
		payload, err := BuildPayload(cmd, rn)
		if err != nil {
			return Batch{}, err
		}
		batch.Commands = append(batch.Commands, payload)
	}
	return batch, nil
}
