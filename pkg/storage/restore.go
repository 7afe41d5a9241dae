package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/mosaicfx/farmd/pkg/tree"
	bolt "go.etcd.io/bbolt"
)

// Restore rebuilds the dispatch tree from the live buckets: pools first,
// then render nodes, nodes with their tasks and commands, and finally pool
// shares. Id allocators are bumped past everything read back.
func (s *BoltStore) Restore(dt *tree.DispatchTree) error {
	var poolRecs []poolRecord
	var rnRecs []renderNodeRecord
	var nodeRecs []nodeRecord
	var shareRecs []poolShareRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := readAll(tx, bucketPools, &poolRecs); err != nil {
			return err
		}
		if err := readAll(tx, bucketRenderNodes, &rnRecs); err != nil {
			return err
		}
		if err := readAll(tx, bucketNodes, &nodeRecs); err != nil {
			return err
		}
		return readAll(tx, bucketPoolShares, &shareRecs)
	})
	if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}

	// an inventory backend may already have populated pools and render
	// nodes; what exists in the tree wins over the stored copy
	for _, rec := range poolRecs {
		if _, exists := dt.Pools[rec.Name]; exists {
			continue
		}
		pool := &model.Pool{ID: rec.ID, Name: rec.Name}
		dt.Pools[pool.Name] = pool
	}

	for _, rec := range rnRecs {
		if _, exists := dt.RenderNodes[rec.Name]; exists {
			continue
		}
		rn := model.NewRenderNode(rec.ID, rec.Name, rec.Host, rec.Port, rec.CoresNumber, rec.Speed, rec.RAMSize, rec.Caracteristics)
		rn.Quarantined = rec.Quarantined
		for _, poolName := range rec.Pools {
			pool, ok := dt.Pools[poolName]
			if !ok {
				return fmt.Errorf("render node %s references unknown pool %q", rec.Name, poolName)
			}
			pool.AddRenderNode(rn)
		}
		dt.RenderNodes[rn.Name] = rn
	}

	if err := s.restoreNodes(dt, nodeRecs); err != nil {
		return err
	}

	for _, rec := range shareRecs {
		pool, ok := dt.Pools[rec.PoolName]
		if !ok {
			return fmt.Errorf("pool share %d references unknown pool %q", rec.ID, rec.PoolName)
		}
		node, ok := dt.Nodes[rec.NodeID]
		if !ok {
			return fmt.Errorf("pool share %d references unknown node %d", rec.ID, rec.NodeID)
		}
		ps := model.NewPoolShare(rec.ID, pool, node, rec.MaxRN)
		ps.UserDefinedMaxRN = rec.UserDefinedMaxRN
		dt.PoolShares[ps.ID] = ps
	}

	dt.BumpIDs()
	return nil
}

func (s *BoltStore) restoreNodes(dt *tree.DispatchTree, recs []nodeRecord) error {
	// creation order is id order; parents always precede children
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	byID := make(map[int]*nodeRecord, len(recs))
	for i := range recs {
		byID[recs[i].ID] = &recs[i]
	}

	for i := range recs {
		rec := &recs[i]
		if _, exists := dt.Nodes[rec.ID]; exists {
			continue // the root and /graphs are built with the tree
		}
		parent, ok := dt.Nodes[rec.ParentID]
		if !ok {
			return fmt.Errorf("node %d references unknown parent %d", rec.ID, rec.ParentID)
		}

		var node *model.Node
		if model.NodeKind(rec.Kind) == model.NodeKindTask {
			if rec.Task == nil {
				return fmt.Errorf("task node %d has no task record", rec.ID)
			}
			task := restoreTask(dt, rec.Task)
			node = model.NewTaskNode(rec.ID, rec.Name, parent, rec.User, rec.DispatchKey, task)
			task.Node = node
			for _, cmd := range task.Commands {
				cmd.SetListener(dt)
				dt.Commands[cmd.ID] = cmd
			}
		} else {
			node = model.NewFolderNode(rec.ID, rec.Name, parent, rec.User, rec.DispatchKey, nil)
			if rec.Task != nil {
				group := restoreTask(dt, rec.Task)
				node.Task = group
				group.Node = node
			}
		}

		node.Status = model.NodeStatus(rec.Status)
		node.Completion = rec.Completion
		node.Paused = rec.Paused
		node.CreationTime = rec.CreationTime
		for k, v := range rec.Tags {
			node.Tags[k] = v
		}
		dt.Nodes[node.ID] = node
	}

	// dependencies resolve once every node exists
	for i := range recs {
		rec := &recs[i]
		if len(rec.Dependencies) == 0 {
			continue
		}
		node := dt.Nodes[rec.ID]
		for _, depRec := range rec.Dependencies {
			depNode, ok := dt.Nodes[depRec.NodeID]
			if !ok {
				return fmt.Errorf("node %d depends on unknown node %d", rec.ID, depRec.NodeID)
			}
			statuses := make([]model.NodeStatus, 0, len(depRec.AcceptableStatuses))
			for _, raw := range depRec.AcceptableStatuses {
				statuses = append(statuses, model.NodeStatus(raw))
			}
			node.Dependencies = append(node.Dependencies, &model.Dependency{
				Node:               depNode,
				AcceptableStatuses: statuses,
			})
		}
	}
	return nil
}

func restoreTask(dt *tree.DispatchTree, rec *taskRecord) *model.Task {
	task := &model.Task{
		ID:                   rec.ID,
		Name:                 rec.Name,
		Runner:               rec.Runner,
		User:                 rec.User,
		Arguments:            rec.Arguments,
		Environment:          rec.Environment,
		Requirements:         rec.Requirements,
		MinCores:             rec.MinCores,
		MaxCores:             rec.MaxCores,
		RAMUse:               rec.RAMUse,
		License:              rec.License,
		ValidationExpression: rec.ValidationExpression,
	}
	if rec.ParentID != 0 {
		task.Parent = dt.Tasks[rec.ParentID]
	}
	for _, cmdRec := range rec.Commands {
		cmd := model.NewCommand(cmdRec.ID, cmdRec.Description, task, cmdRec.Arguments)
		cmd.Completion = cmdRec.Completion
		cmd.Message = cmdRec.Message
		cmd.Stats = cmdRec.Stats
		cmd.RetryCount = cmdRec.RetryCount
		cmd.RetryRNList = cmdRec.RetryRNList
		cmd.CreationTime = cmdRec.CreationTime
		cmd.StartTime = cmdRec.StartTime
		cmd.UpdateTime = cmdRec.UpdateTime
		cmd.EndTime = cmdRec.EndTime

		// commands that were assigned, running or finishing when the
		// dispatcher stopped cannot be trusted: they go back to the queue
		status := model.CommandStatus(cmdRec.Status)
		if model.IsRunningStatus(status) {
			status = model.CmdReady
			cmd.Completion = 0
		}
		cmd.Status = status
		task.Commands = append(task.Commands, cmd)
	}
	dt.Tasks[task.ID] = task
	return task
}

func readAll[T any](tx *bolt.Tx, bucket []byte, out *[]T) error {
	return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("corrupt record in %s: %w", bucket, err)
		}
		*out = append(*out, rec)
		return nil
	})
}
