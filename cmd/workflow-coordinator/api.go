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

package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KirillBaranov/kb-labs-workflow/internal/coordinator"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/snapshot"
	"github.com/KirillBaranov/kb-labs-workflow/pkg/errors"
)

type api struct {
	coord  *coordinator.Coordinator
	snaps  *snapshot.Manager
	logger *slog.Logger
}

func newAPI(coord *coordinator.Coordinator, snaps *snapshot.Manager, logger *slog.Logger) *api {
	return &api{coord: coord, snaps: snaps, logger: logger}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", a.createRun)
	mux.HandleFunc("GET /runs/{id}", a.getRun)
	mux.HandleFunc("POST /runs/{id}/cancel", a.cancelRun)
	mux.HandleFunc("POST /runs/{id}/snapshot", a.createSnapshot)
	mux.HandleFunc("POST /runs/{id}/replay", a.replayRun)
	return mux
}

type createRunRequest struct {
	Spec             *coordinator.WorkflowSpec `json:"spec"`
	IdempotencyKey   string                    `json:"idempotencyKey,omitempty"`
	ConcurrencyGroup string                    `json:"concurrencyGroup,omitempty"`
	Env              map[string]string         `json:"env,omitempty"`
	Actor            string                    `json:"actor,omitempty"`
	Payload          map[string]any            `json:"payload,omitempty"`
}

func (a *api) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Spec == nil {
		writeError(w, http.StatusBadRequest, "spec is required", "INVALID_REQUEST")
		return
	}

	run, err := a.coord.EnsureRun(r.Context(), coordinator.CreateRunInput{
		Spec:             req.Spec,
		Trigger:          model.Trigger{Kind: model.TriggerManual, Actor: req.Actor, Payload: req.Payload},
		IdempotencyKey:   req.IdempotencyKey,
		ConcurrencyGroup: req.ConcurrencyGroup,
		Env:              req.Env,
	})
	if err != nil {
		a.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.coord.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "RUN_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.CancelRun(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "CANCEL_FAILED")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) createSnapshot(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := a.coord.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "RUN_NOT_FOUND")
		return
	}
	var req struct {
		StepOutputs map[string]map[string]any `json:"stepOutputs,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
			return
		}
	}
	snap, err := a.snaps.Create(r.Context(), run, req.StepOutputs, run.Env)
	if err != nil {
		a.logger.Error("createSnapshot failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error(), "SNAPSHOT_FAILED")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

type replayRequest struct {
	FromStepID  string                    `json:"fromStepId,omitempty"`
	StepOutputs map[string]map[string]any `json:"stepOutputs,omitempty"`
	Env         map[string]string         `json:"env,omitempty"`
}

func (a *api) replayRun(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
			return
		}
	}
	run, err := a.snaps.Replay(r.Context(), r.PathValue("id"), snapshot.ReplayOptions{
		FromStepID:  req.FromStepID,
		StepOutputs: req.StepOutputs,
		Env:         req.Env,
	})
	if err != nil {
		a.logger.Error("replayRun failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error(), "REPLAY_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) writeCoordinatorError(w http.ResponseWriter, err error) {
	var concurrencyBusy *errors.ConcurrencyBusyError
	var idempotencyConflict *errors.IdempotencyConflictError
	switch {
	case errors.As(err, &concurrencyBusy):
		writeError(w, http.StatusConflict, err.Error(), "CONCURRENCY_BUSY")
	case errors.As(err, &idempotencyConflict):
		writeError(w, http.StatusConflict, err.Error(), "IDEMPOTENCY_CONFLICT")
	default:
		a.logger.Error("createRun failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Message: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
