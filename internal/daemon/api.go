// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tombee/stepflow/internal/daemon/httputil"
	"github.com/tombee/stepflow/internal/log"
	"github.com/tombee/stepflow/internal/scheduler"
	"github.com/tombee/stepflow/internal/store"
	"github.com/tombee/stepflow/pkg/errors"
)

const (
	maxRequestBody = 1 << 20

	// streamPollInterval paces the streaming read path.
	streamPollInterval = 250 * time.Millisecond
)

// API serves the execution control surface.
type API struct {
	store     store.Store
	scheduler scheduler.Scheduler
	logger    *slog.Logger
	now       func() time.Time

	draining atomic.Bool
}

// NewAPI creates the API over the given store and scheduler.
func NewAPI(s store.Store, sched scheduler.Scheduler, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:     s,
		scheduler: sched,
		logger:    log.WithComponent(logger, "api"),
		now:       time.Now,
	}
}

// StartDraining makes workflow.start refuse new executions.
func (a *API) StartDraining() {
	a.draining.Store(true)
}

// Routes registers the API on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/workflows/{workflowID}/executions", a.handleStart)
	mux.HandleFunc("GET /v1/workflows", a.handleListWorkflows)
	mux.HandleFunc("GET /v1/executions", a.handleList)
	mux.HandleFunc("GET /v1/executions/{executionID}", a.handleGet)
	mux.HandleFunc("POST /v1/executions/{executionID}/cancel", a.handleCancel)
	mux.HandleFunc("POST /v1/executions/{executionID}/resume", a.handleResume)
	mux.HandleFunc("POST /v1/executions/{executionID}/signals/{signalName}", a.handleSendSignal)
	mux.HandleFunc("GET /v1/executions/{executionID}/stream", a.handleStream)
}

type startRequest struct {
	Input          any            `json:"input,omitempty"`
	TimeoutMs      int64          `json:"timeoutMs,omitempty"`
	StartAtEpochMs int64          `json:"startAtEpochMs,omitempty"`
	MaxRetries     int            `json:"maxRetries,omitempty"`
	RuntimeContext map[string]any `json:"runtimeContext,omitempty"`
	CreatedBy      string         `json:"createdBy,omitempty"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	if a.draining.Load() {
		httputil.WriteError(w, http.StatusServiceUnavailable, "daemon is draining")
		return
	}
	workflowID := r.PathValue("workflowID")

	var req startRequest
	if err := decodeBody(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Reject unknown workflows up front rather than failing the first
	// delivery.
	if _, err := a.store.GetWorkflow(r.Context(), workflowID); err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}

	exec, err := a.store.CreateExecution(r.Context(), store.CreateExecutionRequest{
		WorkflowID:     workflowID,
		Input:          req.Input,
		TimeoutMs:      req.TimeoutMs,
		StartAtEpochMs: req.StartAtEpochMs,
		MaxRetries:     req.MaxRetries,
		RuntimeContext: req.RuntimeContext,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}

	// Deferred starts ride the wake-up sweep; immediate ones kick it now.
	wakeAt := exec.StartAtEpochMs
	if wakeAt < a.now().UnixMilli() {
		wakeAt = a.now().UnixMilli()
	}
	if err := a.scheduler.ScheduleAt(r.Context(), exec.ID, wakeAt, 0); err != nil {
		a.logger.Error("failed to schedule initial delivery",
			slog.String(log.ExecutionIDKey, exec.ID), log.Error(err))
	}

	a.logger.Info("execution started",
		slog.String(log.ExecutionIDKey, exec.ID),
		slog.String(log.WorkflowKey, workflowID))
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"executionId": exec.ID,
		"status":      exec.Status,
	})
}

func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := a.store.ListWorkflows(r.Context())
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := a.store.GetExecution(r.Context(), r.PathValue("executionID"))
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}

	steps, err := a.store.GetStepResults(r.Context(), exec.ID)
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflowId"),
		Status:     store.Status(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	execs, err := a.store.ListExecutions(r.Context(), filter)
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("executionID")

	exec, err := a.store.CancelExecution(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}
	if exec == nil {
		// Not cancellable; report the current status unchanged.
		exec, err = a.store.GetExecution(r.Context(), id)
		if err != nil {
			httputil.WriteErrorFor(w, err)
			return
		}
	} else {
		a.logger.Info("execution cancelled", slog.String(log.ExecutionIDKey, id))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": exec.Status})
}

type resumeRequest struct {
	Requeue *bool `json:"requeue,omitempty"`
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("executionID")

	var req resumeRequest
	if err := decodeBody(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	requeue := req.Requeue == nil || *req.Requeue

	exec, err := a.store.ResumeExecution(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}
	if exec == nil {
		exec, err = a.store.GetExecution(r.Context(), id)
		if err != nil {
			httputil.WriteErrorFor(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": exec.Status})
		return
	}

	if requeue {
		if err := a.scheduler.ScheduleAfter(r.Context(), id, 0, 0); err != nil {
			a.logger.Error("failed to schedule resumed execution",
				slog.String(log.ExecutionIDKey, id), log.Error(err))
		}
	}
	a.logger.Info("execution resumed",
		slog.String(log.ExecutionIDKey, id),
		slog.Bool("requeue", requeue))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": exec.Status})
}

type signalRequest struct {
	Payload any `json:"payload,omitempty"`
}

func (a *API) handleSendSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("executionID")
	name := r.PathValue("signalName")

	var req signalRequest
	if err := decodeBody(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	exec, err := a.store.GetExecution(r.Context(), id)
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}
	if exec.Status.Terminal() {
		httputil.WriteError(w, http.StatusConflict, "execution is terminal")
		return
	}

	sig, err := a.store.SendSignal(r.Context(), id, name, req.Payload)
	if err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}

	// The waiter re-enters immediately rather than at its timeout.
	if err := a.scheduler.ScheduleAfter(r.Context(), id, 0, 0); err != nil {
		a.logger.Error("failed to schedule signal re-entry",
			slog.String(log.ExecutionIDKey, id), log.Error(err))
	}

	a.logger.Info("signal sent",
		slog.String(log.ExecutionIDKey, id),
		slog.String("signal", name))
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{"signalId": sig.ID})
}

// streamEvent is one frame of the incremental read path, emitted as a JSON
// line.
type streamEvent struct {
	Status    store.Status         `json:"status"`
	StepCount int                  `json:"stepCount"`
	Output    any                  `json:"output,omitempty"`
	Error     string               `json:"error,omitempty"`
	Chunks    []*store.StreamChunk `json:"chunks,omitempty"`
	Waiting   bool                 `json:"waiting,omitempty"`
}

// handleStream emits execution progress as newline-delimited JSON. The
// stream closes on terminal status or when the execution is parked waiting
// for a signal (unlocked with no pending wake-up).
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("executionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if _, err := a.store.GetExecution(r.Context(), id); err != nil {
		httputil.WriteErrorFor(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	lastSeen := make(map[string]int)
	var lastUpdated time.Time
	lastSteps := -1

	for {
		exec, err := a.store.GetExecution(r.Context(), id)
		if err != nil {
			return
		}
		steps, err := a.store.GetStepResults(r.Context(), id)
		if err != nil {
			return
		}
		chunks, err := a.store.GetStreamChunks(r.Context(), id, lastSeen)
		if err != nil {
			return
		}
		for _, c := range chunks {
			if c.Index > lastSeen[c.Step] {
				lastSeen[c.Step] = c.Index
			}
		}

		// Unlocked pending with no scheduled wake-up means the execution
		// is parked on a signal; the stream has nothing more to say.
		waiting := false
		if exec.Status == store.StatusRunning && !exec.Locked(a.now()) {
			wake, err := a.store.GetWakeup(r.Context(), exec.ID)
			if err != nil {
				return
			}
			waiting = wake == nil
		}

		changed := len(chunks) > 0 ||
			len(steps) != lastSteps ||
			exec.UpdatedAt.After(lastUpdated) ||
			exec.Status.Terminal() || waiting
		if changed {
			event := streamEvent{
				Status:    exec.Status,
				StepCount: len(steps),
				Chunks:    chunks,
				Waiting:   waiting,
			}
			if exec.Status.Terminal() {
				event.Output = exec.Output
				event.Error = exec.Error
			}
			if err := enc.Encode(event); err != nil {
				return
			}
			flusher.Flush()
			lastUpdated = exec.UpdatedAt
			lastSteps = len(steps)
		}

		if exec.Status.Terminal() || waiting {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(streamPollInterval):
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return &errors.ValidationError{Field: "body", Message: "invalid JSON"}
	}
	return nil
}
