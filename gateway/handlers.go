// Copyright 2025 Pulse Health
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

// Package gateway terminates bearer credentials, walks the two-stage
// authorization chain (guardian consent gate, then the remote policy
// engine), and exposes the tier-aware HTTP surface for agent tasks and
// DSR erasure jobs.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/platform/orchestrator"
	"pulse/platform/shared/identity"
	"pulse/platform/shared/logger"
)

// Gateway wires the policy client and the orchestrator behind the HTTP
// routes. One instance serves the whole process.
type Gateway struct {
	opa  *OPAClient
	orch *orchestrator.Orchestrator
	log  *logger.Logger
}

// NewGateway creates a Gateway over the given policy client and
// orchestrator.
func NewGateway(opa *OPAClient, orch *orchestrator.Orchestrator) *Gateway {
	return &Gateway{
		opa:  opa,
		orch: orch,
		log:  logger.New("gateway"),
	}
}

// Router builds the gateway's route table.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", g.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/me", g.handleMe).Methods(http.MethodGet)
	r.HandleFunc("/ai/plan", g.handleAIPlan).Methods(http.MethodPost)
	r.HandleFunc("/ai/coach", g.handleAICoach).Methods(http.MethodPost)
	r.HandleFunc("/ai/guardian/validate", g.handleGuardianValidate).Methods(http.MethodPost)
	r.HandleFunc("/dsr/erase", g.handleDSRErase).Methods(http.MethodPost)
	r.HandleFunc("/dsr/status/{job_id}", g.handleDSRStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// errorResponse is the JSON body for every error the gateway emits.
type errorResponse struct {
	Detail        string   `json:"detail"`
	StatusCode    int      `json:"status_code"`
	MissingScopes []string `json:"missing_scopes,omitempty"`
}

func sendError(w http.ResponseWriter, detail string, statusCode int) {
	sendJSON(w, statusCode, errorResponse{Detail: detail, StatusCode: statusCode})
}

func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// resolveRequest extracts and decodes the bearer credential.
func (g *Gateway) resolveRequest(r *http.Request) (*identity.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, &identity.CredentialDecodeError{Cause: errors.New("missing Authorization header")}
	}

	credential := strings.TrimPrefix(header, "Bearer ")
	if credential == header || credential == "" {
		return nil, &identity.CredentialDecodeError{Cause: errors.New("Authorization header is not a bearer credential")}
	}

	return identity.ResolvePrincipal(credential)
}

// authorize walks the gate chain for a guarded route: credential
// decode, guardian consent gate when consentGated is set, then the
// remote policy engine. Only task dispatch routes are consent gated;
// DSR routes carry the policy gate alone, so a subject can always
// request erasure of their own data. On failure the response has
// already been written and ok is false. A guardian rejection happens
// before any network call is made.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, consentGated bool) (*identity.Principal, *PolicyDecision, bool) {
	route := routeLabel(r)

	principal, err := g.resolveRequest(r)
	if err != nil {
		promRequestsTotal.WithLabelValues(route, "unauthenticated").Inc()
		g.log.Warn("", requestID(r), "Credential decode failed", map[string]interface{}{
			"route": route,
			"error": err.Error(),
		})
		sendError(w, err.Error(), http.StatusUnauthorized)
		return nil, nil, false
	}

	if consentGated {
		if err := g.orch.EnsureGuardian(principal); err != nil {
			var consentErr *orchestrator.ConsentScopeError
			if errors.As(err, &consentErr) {
				promConsentBlocked.Inc()
				promRequestsTotal.WithLabelValues(route, "consent_blocked").Inc()
				sendJSON(w, http.StatusForbidden, errorResponse{
					Detail:        consentErr.Error(),
					StatusCode:    http.StatusForbidden,
					MissingScopes: consentErr.Missing,
				})
				return nil, nil, false
			}
			promRequestsTotal.WithLabelValues(route, "error").Inc()
			sendError(w, err.Error(), http.StatusForbidden)
			return nil, nil, false
		}
	}

	input := BuildPolicyInput(r, principal)
	start := time.Now()
	decision := g.opa.Authorize(r.Context(), input.Route, input)
	promPolicyLatency.Observe(float64(time.Since(start).Milliseconds()))
	promPolicyEvaluations.Inc()

	if !decision.Allow {
		promPolicyDenied.Inc()
		promRequestsTotal.WithLabelValues(route, "denied").Inc()
		reason := decision.Reason
		if reason == "" {
			reason = "Access denied by policy"
		}
		sendError(w, reason, http.StatusForbidden)
		return nil, nil, false
	}

	return principal, &decision, true
}

// decodePayload reads a JSON object body. An empty body is an empty
// payload, not an error.
func decodePayload(r *http.Request) (map[string]interface{}, error) {
	payload := map[string]interface{}{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		return nil, err
	}
	return payload, nil
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleMe reports the caller's resolved identity. Identity only: no
// guardian or policy gate, matching the profile route's contract.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, err := g.resolveRequest(r)
	if err != nil {
		promRequestsTotal.WithLabelValues("me", "unauthenticated").Inc()
		sendError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	promRequestsTotal.WithLabelValues("me", "ok").Inc()
	sendJSON(w, http.StatusOK, principal)
}

func (g *Gateway) handleAIPlan(w http.ResponseWriter, r *http.Request) {
	principal, decision, ok := g.authorize(w, r, true)
	if !ok {
		return
	}

	payload, err := decodePayload(r)
	if err != nil {
		promRequestsTotal.WithLabelValues("ai.plan", "bad_request").Inc()
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if _, ok := payload["goal"]; !ok {
		promRequestsTotal.WithLabelValues("ai.plan", "bad_request").Inc()
		sendError(w, "goal is required", http.StatusBadRequest)
		return
	}

	g.dispatchTask(w, r, "planner", principal, decision, payload)
}

func (g *Gateway) handleAICoach(w http.ResponseWriter, r *http.Request) {
	principal, decision, ok := g.authorize(w, r, true)
	if !ok {
		return
	}

	payload, err := decodePayload(r)
	if err != nil {
		promRequestsTotal.WithLabelValues("ai.coach", "bad_request").Inc()
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	g.dispatchTask(w, r, "coach", principal, decision, payload)
}

func (g *Gateway) handleGuardianValidate(w http.ResponseWriter, r *http.Request) {
	principal, decision, ok := g.authorize(w, r, true)
	if !ok {
		return
	}

	payload, err := decodePayload(r)
	if err != nil {
		promRequestsTotal.WithLabelValues("ai.guardian.validate", "bad_request").Inc()
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	g.dispatchTask(w, r, "guardian", principal, decision, payload)
}

// dispatchTask forwards an authorized task to the named agent and
// writes the envelope response.
func (g *Gateway) dispatchTask(w http.ResponseWriter, r *http.Request, endpoint string, principal *identity.Principal, decision *PolicyDecision, payload map[string]interface{}) {
	route := routeLabel(r)

	envelope, err := g.orch.Dispatch(r.Context(), endpoint, principal, payload)
	if err != nil {
		promRequestsTotal.WithLabelValues(route, "error").Inc()
		g.log.ErrorWithCode(principal.Tenant, requestID(r), "Task dispatch failed", http.StatusBadGateway, err, map[string]interface{}{
			"endpoint": endpoint,
		})
		sendError(w, "Agent dispatch failed", http.StatusBadGateway)
		return
	}

	promRequestsTotal.WithLabelValues(route, "ok").Inc()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"result": envelope,
		"policy": decision,
	})
}

func (g *Gateway) handleDSRErase(w http.ResponseWriter, r *http.Request) {
	principal, decision, ok := g.authorize(w, r, false)
	if !ok {
		return
	}

	// The erase payload is accepted for audit parity but the job only
	// needs the subject identity.
	if _, err := decodePayload(r); err != nil {
		promRequestsTotal.WithLabelValues("dsr.erase", "bad_request").Inc()
		sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	jobID := g.orch.StartErasure(principal.UserID)

	promRequestsTotal.WithLabelValues("dsr.erase", "ok").Inc()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"policy": decision,
	})
}

func (g *Gateway) handleDSRStatus(w http.ResponseWriter, r *http.Request) {
	_, decision, ok := g.authorize(w, r, false)
	if !ok {
		return
	}

	jobID := mux.Vars(r)["job_id"]
	view := g.orch.ErasureStatus(jobID)

	promRequestsTotal.WithLabelValues("dsr.status", "ok").Inc()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": view,
		"policy": decision,
	})
}

// routeLabel normalizes a request into the dotted metric/log label. It
// prefers the matched route template so path parameters like the DSR
// job id never become label values; the policy input keeps the full
// path separately.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return dottedLabel(template)
		}
	}
	return dottedLabel(r.URL.Path)
}

// dottedLabel converts a path or route template into a dotted label,
// dropping {param} segments to keep metric cardinality bounded.
func dottedLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment == "" || strings.HasPrefix(segment, "{") {
			continue
		}
		parts = append(parts, segment)
	}
	if len(parts) == 0 {
		return "root"
	}
	return strings.Join(parts, ".")
}
