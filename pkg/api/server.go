package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mosaicfx/farmd/pkg/config"
	"github.com/mosaicfx/farmd/pkg/dispatcher"
	"github.com/mosaicfx/farmd/pkg/log"
	"github.com/mosaicfx/farmd/pkg/metrics"
	"github.com/mosaicfx/farmd/pkg/model"
	"github.com/mosaicfx/farmd/pkg/tree"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server exposes the dispatcher over HTTP: the client surface (graphs,
// queries, edits, pool shares) and the worker surface (registration,
// heartbeats, command updates). Handlers never touch dispatcher state
// directly; every operation goes through the dispatcher work queue.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	httpServer *http.Server
	limiter    *rate.Limiter
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewServer builds the HTTP server over the dispatcher.
func NewServer(cfg *config.Config, d *dispatcher.Dispatcher) *Server {
	s := &Server{
		dispatcher: d,
		limiter:    rate.NewLimiter(rate.Limit(cfg.IngressRateRPS), cfg.IngressBurst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithComponent("api"),
	}

	router := mux.NewRouter()

	// client surface
	router.HandleFunc("/graphs/", s.handleSubmitGraph).Methods(http.MethodPost)
	router.HandleFunc("/query", s.handleQuery).Methods(http.MethodGet)
	router.HandleFunc("/edit", s.handleEdit).Methods(http.MethodPut)
	router.HandleFunc("/pause", s.handlePause).Methods(http.MethodPut)
	router.HandleFunc("/resume", s.handleResume).Methods(http.MethodPut)
	router.HandleFunc("/poolshares/", s.handleListPoolShares).Methods(http.MethodGet)
	router.HandleFunc("/poolshares/", s.handleCreatePoolShare).Methods(http.MethodPost)
	router.HandleFunc("/poolshares/{id}/", s.handleGetPoolShare).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}/dispatchKey/", s.handleSetDispatchKey).Methods(http.MethodPut)
	router.HandleFunc("/nodes/{id}/maxRN/", s.handleSetMaxRN).Methods(http.MethodPut)
	router.HandleFunc("/nodes/{id}/", s.handleArchiveNode).Methods(http.MethodDelete)
	router.HandleFunc("/pools/", s.handleListPools).Methods(http.MethodGet)
	router.HandleFunc("/pools/", s.handleCreatePool).Methods(http.MethodPost)
	router.HandleFunc("/licenses/", s.handleListLicenses).Methods(http.MethodGet)

	// worker surface
	router.HandleFunc("/rendernodes/", s.handleListRenderNodes).Methods(http.MethodGet)
	router.HandleFunc("/rendernodes/", s.handleRegisterRenderNode).Methods(http.MethodPost)
	router.HandleFunc("/rendernodes/{name}/", s.handleUnregisterRenderNode).Methods(http.MethodDelete)
	router.HandleFunc("/rendernodes/{name}/sysinfos", s.handleHeartbeat).Methods(http.MethodPut)
	router.HandleFunc("/rendernodes/{name}/quarantine", s.handleQuarantine).Methods(http.MethodPut)
	router.HandleFunc("/rendernodes/{name}/commands/{id}/", s.handleCommandUpdate).Methods(http.MethodPut)

	// operational surface
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	router.Use(s.rateLimit, s.observe)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleSubmitGraph(w http.ResponseWriter, r *http.Request) {
	var spec tree.GraphSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}

	value, err := s.dispatcher.Do(func() (any, error) {
		nodes, err := s.dispatcher.ApplyGraph(&spec)
		if err != nil {
			return nil, err
		}
		ids := make([]int, 0, len(nodes))
		for _, node := range nodes {
			ids = append(ids, node.ID)
		}
		return map[string]any{"id": nodes[0].ID, "nodes": ids}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, value)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	args := r.URL.Query()
	attrs := args["attr"]
	if len(attrs) == 0 {
		attrs = tree.DefaultQueryFields
	}
	for _, attr := range attrs {
		if !tree.ValidQueryAttribute(attr) {
			writeError(w, fmt.Errorf("%w: invalid attribute %q", errNotFoundClass, attr))
			return
		}
	}

	start := time.Now()
	value, err := s.dispatcher.Do(func() (any, error) {
		jobs := s.dispatcher.Tree.Graphs().Children
		filtered, err := tree.FilterNodes(jobs, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errBadRequest, err)
		}
		tasks := make([]map[string]any, 0, len(filtered))
		for _, node := range filtered {
			tasks = append(tasks, tree.NodeFields(node, attrs))
		}
		return map[string]any{
			"summary": map[string]any{
				"count":             len(filtered),
				"totalInDispatcher": len(jobs),
				"requestTime":       time.Since(start).Seconds(),
				"requestDate":       time.Now().Format(time.RFC1123),
			},
			"tasks": tasks,
		}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

// handleEdit applies a bulk status change to every job matching the
// constraints.
func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	args := r.URL.Query()
	rawStatus := args.Get("update_status")
	if rawStatus == "" {
		writeError(w, fmt.Errorf("%w: new status could not be found", errBadRequest))
		return
	}
	statusInt, err := strconv.Atoi(rawStatus)
	if err != nil || !model.ValidNodeStatus(statusInt) {
		writeError(w, fmt.Errorf("%w: invalid status given: %s", errBadRequest, rawStatus))
		return
	}
	status := model.NodeStatus(statusInt)

	s.bulkEdit(w, args, func(node *model.Node) (bool, error) {
		return s.dispatcher.SetNodeStatus(node, status)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.bulkEdit(w, r.URL.Query(), func(node *model.Node) (bool, error) {
		return s.dispatcher.SetPaused(node, true), nil
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.bulkEdit(w, r.URL.Query(), func(node *model.Node) (bool, error) {
		return s.dispatcher.SetPaused(node, false), nil
	})
}

func (s *Server) bulkEdit(w http.ResponseWriter, args map[string][]string, edit func(*model.Node) (bool, error)) {
	start := time.Now()
	value, err := s.dispatcher.Do(func() (any, error) {
		jobs := s.dispatcher.Tree.Graphs().Children
		filtered, err := tree.FilterNodes(jobs, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errBadRequest, err)
		}
		var edited []int
		for _, node := range filtered {
			changed, err := edit(node)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", errBadRequest, err)
			}
			if changed {
				edited = append(edited, node.ID)
			}
		}
		return map[string]any{
			"summary": map[string]any{
				"editedCount":       len(edited),
				"filteredCount":     len(filtered),
				"totalInDispatcher": len(jobs),
				"requestTime":       time.Since(start).Seconds(),
				"requestDate":       time.Now().Format(time.RFC1123),
			},
			"editedJobs": edited,
		}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleListPoolShares(w http.ResponseWriter, r *http.Request) {
	value, err := s.dispatcher.Do(func() (any, error) {
		shares := make(map[string]any)
		for id, ps := range s.dispatcher.Tree.PoolShares {
			shares[strconv.Itoa(id)] = poolShareJSON(ps)
		}
		return map[string]any{"poolshares": shares}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleCreatePoolShare(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PoolName string `json:"poolName"`
		NodeID   *int   `json:"nodeId"`
		MaxRN    *int   `json:"maxRN"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}
	if body.PoolName == "" || body.NodeID == nil || body.MaxRN == nil {
		writeError(w, fmt.Errorf("%w: poolName, nodeId and maxRN are required", errBadRequest))
		return
	}

	value, err := s.dispatcher.Do(func() (any, error) {
		ps, err := s.dispatcher.CreatePoolShare(body.PoolName, *body.NodeID, *body.MaxRN)
		if err != nil {
			return nil, err
		}
		return poolShareJSON(ps), nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/poolshares/%d/", int(value.(map[string]any)["id"].(int))))
	writeJSON(w, http.StatusCreated, value)
}

func (s *Server) handleGetPoolShare(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid pool share id", errBadRequest))
		return
	}
	value, err := s.dispatcher.Do(func() (any, error) {
		ps, ok := s.dispatcher.Tree.PoolShares[id]
		if !ok {
			return nil, fmt.Errorf("%w: no such poolshare", errNotFoundClass)
		}
		return map[string]any{"poolshare": poolShareJSON(ps)}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleSetDispatchKey(w http.ResponseWriter, r *http.Request) {
	s.nodeIntUpdate(w, r, "dispatchKey", s.dispatcher.SetDispatchKey)
}

func (s *Server) handleSetMaxRN(w http.ResponseWriter, r *http.Request) {
	s.nodeIntUpdate(w, r, "maxRN", s.dispatcher.SetMaxRN)
}

func (s *Server) nodeIntUpdate(w http.ResponseWriter, r *http.Request, field string, apply func(nodeID, value int) error) {
	nodeID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid node id", errBadRequest))
		return
	}
	var body map[string]int
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}
	value, ok := body[field]
	if !ok {
		writeError(w, fmt.Errorf("%w: missing key %q", errBadRequest, field))
		return
	}

	_, err = s.dispatcher.Do(func() (any, error) {
		return nil, apply(nodeID, value)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{field: value})
}

func (s *Server) handleArchiveNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid node id", errBadRequest))
		return
	}
	_, err = s.dispatcher.Do(func() (any, error) {
		return nil, s.dispatcher.ArchiveJob(nodeID)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archived": nodeID})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	value, err := s.dispatcher.Do(func() (any, error) {
		pools := make(map[string]any)
		for name, pool := range s.dispatcher.Tree.Pools {
			renderNodes := make([]string, 0, len(pool.RenderNodes))
			for _, rn := range pool.RenderNodes {
				renderNodes = append(renderNodes, rn.Name)
			}
			pools[name] = map[string]any{"id": pool.ID, "name": pool.Name, "renderNodes": renderNodes}
		}
		return map[string]any{"pools": pools}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %s", errBadRequest, err))
		return
	}
	value, err := s.dispatcher.Do(func() (any, error) {
		pool, err := s.dispatcher.CreatePool(body.Name)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": pool.ID, "name": pool.Name}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, value)
}

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	value, err := s.dispatcher.Do(func() (any, error) {
		licenses := make([]map[string]any, 0)
		for _, lic := range s.dispatcher.Licenses.List() {
			licenses = append(licenses, map[string]any{
				"name":    lic.Name,
				"maximum": lic.Maximum,
				"used":    lic.Used,
				"holders": lic.CurrentUsingRenderNodes,
			})
		}
		return map[string]any{"licenses": licenses}, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func poolShareJSON(ps *model.PoolShare) map[string]any {
	return map[string]any{
		"id":               ps.ID,
		"poolName":         ps.Pool.Name,
		"nodeId":           ps.Node.ID,
		"maxRN":            ps.MaxRN,
		"allocatedRN":      ps.AllocatedRN,
		"userDefinedMaxRN": ps.UserDefinedMaxRN,
	}
}
