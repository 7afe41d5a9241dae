package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mosaicfx/farmd/pkg/dispatcher"
	"github.com/mosaicfx/farmd/pkg/model"
)

func (s *Server) handleListRenderNodes(w http.ResponseWriter, r *http.Request) {
	value, err := s.dispatcher.Do(func() (any, error) {
		nodes := make(map[string]any)
		for name, rn := range s.dispatcher.Tree.RenderNodes {
			nodes[name] = renderNodeJSON(rn)
		}
		return map[string]any{"rendernodes": nodes}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleRegisterRenderNode(w http.ResponseWriter, r *http.Request) {
	var reg dispatcher.RenderNodeRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}
	value, err := s.dispatcher.Do(func() (any, error) {
		rn, err := s.dispatcher.RegisterRenderNode(&reg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errBadRequest, err)
		}
		return renderNodeJSON(rn), nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, value)
}

func (s *Server) handleUnregisterRenderNode(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	_, err := s.dispatcher.Do(func() (any, error) {
		return nil, s.dispatcher.UnregisterRenderNode(name)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": name})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var hb dispatcher.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}
	_, err := s.dispatcher.Do(func() (any, error) {
		return nil, s.dispatcher.HeartbeatRenderNode(name, &hb)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var body struct {
		Quarantine *bool `json:"quarantine"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}
	if body.Quarantine == nil {
		writeError(w, fmt.Errorf("%w: missing key %q", errBadRequest, "quarantine"))
		return
	}
	_, err := s.dispatcher.Do(func() (any, error) {
		return nil, s.dispatcher.SetQuarantine(name, *body.Quarantine)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quarantine": *body.Quarantine})
}

// handleCommandUpdate receives a worker's status report for one command.
// Invariant violations come back as 404 so the worker discards the command.
func (s *Server) handleCommandUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	commandID, err := strconv.Atoi(vars["id"])
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid command id", errBadRequest))
		return
	}

	var update dispatcher.CommandUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}
	update.ID = commandID
	update.RenderNodeName = vars["name"]

	_, err = s.dispatcher.Do(func() (any, error) {
		return nil, s.dispatcher.UpdateCommand(&update)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func renderNodeJSON(rn *model.RenderNode) map[string]any {
	pools := make([]string, 0, len(rn.Pools))
	for _, pool := range rn.Pools {
		pools = append(pools, pool.Name)
	}
	commands := make([]int, 0, len(rn.Commands))
	for id := range rn.Commands {
		commands = append(commands, id)
	}
	var lastAlive any
	if !rn.LastAliveTime.IsZero() {
		lastAlive = rn.LastAliveTime.Format(time.RFC3339)
	}
	return map[string]any{
		"id":            rn.ID,
		"name":          rn.Name,
		"host":          rn.Host,
		"port":          rn.Port,
		"status":        int(rn.Status),
		"coresNumber":   rn.CoresNumber,
		"freeCores":     rn.FreeCores,
		"ramSize":       rn.RAMSize,
		"freeRam":       rn.FreeRAM,
		"speed":         rn.Speed,
		"isRegistered":  rn.IsRegistered,
		"quarantined":   rn.Quarantined,
		"lastAliveTime": lastAlive,
		"pools":         pools,
		"commands":      commands,
	}
}
