package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mosaicfx/farmd/pkg/log"
	"github.com/rs/zerolog"
)

// CommandPayload is one pre-serialized command body. Sender goroutines never
// touch model state: everything they need is frozen in here by the
// dispatcher before submission.
type CommandPayload struct {
	CommandID int
	Body      []byte
}

// Batch is the set of commands assigned to one render node this tick.
type Batch struct {
	RenderNodeName string
	RenderNodeID   int
	Host           string
	Port           int
	InformID       bool // send the rnId header on the first contact
	Commands       []CommandPayload
}

// Failure identifies one command whose delivery terminally failed.
type Failure struct {
	RenderNodeName string
	CommandID      int
}

// Sender delivers assignment batches to render nodes from a fixed-width
// worker pool. Failures are buffered and handed back to the dispatcher at
// the start of the next tick.
type Sender struct {
	client     *http.Client
	jobs       chan Batch
	failures   chan Failure
	maxRetry   int
	retryDelay time.Duration
	workers    int
	stopCh     chan struct{}
	logger     zerolog.Logger
}

// NewSender creates a sender with the given pool width and per-request retry
// policy.
func NewSender(workers, maxRetry int, retryDelay time.Duration) *Sender {
	if workers <= 0 {
		workers = 16
	}
	return &Sender{
		client:     &http.Client{Timeout: 30 * time.Second},
		jobs:       make(chan Batch, 4*workers),
		failures:   make(chan Failure, 1024),
		maxRetry:   maxRetry,
		retryDelay: retryDelay,
		workers:    workers,
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("transport"),
	}
}

// Start spawns the worker pool.
func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		go s.run()
	}
}

// Stop terminates the worker pool. In-flight requests finish on their own.
func (s *Sender) Stop() {
	close(s.stopCh)
}

// Submit hands one batch to the pool. When the pool is saturated the whole
// batch is reported failed instead of blocking the dispatcher.
func (s *Sender) Submit(batch Batch) {
	select {
	case s.jobs <- batch:
	default:
		s.logger.Warn().Str("render_node", batch.RenderNodeName).Msg("Sender pool saturated, batch dropped")
		for _, cmd := range batch.Commands {
			s.reportFailure(Failure{RenderNodeName: batch.RenderNodeName, CommandID: cmd.CommandID})
		}
	}
}

// DrainFailures returns every delivery failure reported since the last call,
// without blocking.
func (s *Sender) DrainFailures() []Failure {
	var failures []Failure
	for {
		select {
		case f := <-s.failures:
			failures = append(failures, f)
		default:
			return failures
		}
	}
}

func (s *Sender) run() {
	for {
		select {
		case batch := <-s.jobs:
			s.sendBatch(batch)
		case <-s.stopCh:
			return
		}
	}
}

// sendBatch posts each command of the batch to the render node, expecting
// 202 Accepted. Terminal failures are queued for the dispatcher.
func (s *Sender) sendBatch(batch Batch) {
	url := fmt.Sprintf("http://%s:%d/commands/", batch.Host, batch.Port)
	for i, cmd := range batch.Commands {
		headers := http.Header{}
		headers.Set("Content-Type", "application/json")
		if batch.InformID && i == 0 {
			headers.Set("rnId", strconv.Itoa(batch.RenderNodeID))
		}

		if err := s.request(http.MethodPost, url, cmd.Body, headers, http.StatusAccepted, s.maxRetry); err != nil {
			s.logger.Error().
				Err(err).
				Int("command_id", cmd.CommandID).
				Str("render_node", batch.RenderNodeName).
				Msg("Assignment delivery failed")
			s.reportFailure(Failure{RenderNodeName: batch.RenderNodeName, CommandID: cmd.CommandID})
			continue
		}
		s.logger.Info().
			Int("command_id", cmd.CommandID).
			Str("render_node", batch.RenderNodeName).
			Msg("Assignment delivered")
	}
}

// CancelCommand fires a best-effort DELETE for a canceled command, with at
// most one retry.
func (s *Sender) CancelCommand(host string, port, commandID int) error {
	url := fmt.Sprintf("http://%s:%d/commands/%d/", host, port, commandID)
	return s.request(http.MethodDelete, url, nil, http.Header{}, http.StatusOK, 2)
}

// ForceDone asks the render node to report a running command as done.
func (s *Sender) ForceDone(host string, port, commandID int) error {
	url := fmt.Sprintf("http://%s:%d/commands/%d/done", host, port, commandID)
	return s.request(http.MethodPost, url, nil, http.Header{}, http.StatusOK, 2)
}

// request performs one HTTP exchange with the render node retry policy:
// up to attempts tries with a fixed delay between them.
func (s *Sender) request(method, url string, body []byte, headers http.Header, expect, attempts int) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.retryDelay):
			case <-s.stopCh:
				return lastErr
			}
		}

		req, err := http.NewRequest(method, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == expect {
			return nil
		}
		lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return lastErr
}

func (s *Sender) reportFailure(f Failure) {
	select {
	case s.failures <- f:
	default:
		s.logger.Error().Int("command_id", f.CommandID).Msg("Failure buffer full, failure dropped")
	}
}
