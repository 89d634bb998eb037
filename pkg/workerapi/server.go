/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package workerapi ingests heartbeats from the on-VM agents. Agents
// authenticate with the shared operator token; reported runtime facts feed
// the routing index's freshness predicate and the monitoring views.
package workerapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/gpufleet/gpufleet/pkg/state"
)

type Server struct {
	instances     state.InstanceStore
	operatorToken string
	clock         clock.Clock
	logger        *zap.Logger
}

func NewServer(instances state.InstanceStore, operatorToken string, clk clock.Clock, logger *zap.Logger) *Server {
	return &Server{
		instances:     instances,
		operatorToken: operatorToken,
		clock:         clk,
		logger:        logger.Named("workerapi"),
	}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)
	r.Post("/v1/workers/{instanceID}/heartbeat", s.heartbeat)
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Heartbeat is the agent's periodic report.
type Heartbeat struct {
	Status         string          `json:"status"`
	ModelID        string          `json:"model_id"`
	QueueDepth     *int            `json:"queue_depth"`
	GPUUtilization *float64        `json:"gpu_utilization"`
	HealthPort     *int            `json:"health_port"`
	EnginePort     *int            `json:"engine_port"`
	Metadata       json.RawMessage `json:"metadata"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	var hb Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, "invalid heartbeat payload", http.StatusBadRequest)
		return
	}
	now := s.clock.Now().UTC()
	update := state.WorkerRuntimeUpdate{
		HeartbeatAt:    &now,
		QueueDepth:     hb.QueueDepth,
		GPUUtilization: hb.GPUUtilization,
		HealthPort:     hb.HealthPort,
		EnginePort:     hb.EnginePort,
		Metadata:       hb.Metadata,
	}
	if hb.Status != "" {
		update.Status = lo.ToPtr(hb.Status)
	}
	if hb.ModelID != "" {
		update.ModelID = lo.ToPtr(hb.ModelID)
	}
	if err := s.instances.UpdateWorkerRuntime(r.Context(), instanceID, update); err != nil {
		if state.IsNotFound(err) {
			http.Error(w, "unknown instance", http.StatusNotFound)
			return
		}
		s.logger.Error("persisting heartbeat failed",
			zap.String("instance_id", instanceID), zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
