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

package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/platform/orchestrator"
)

// bearerToken builds an unsigned credential with the given claims.
func bearerToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header, err := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return "Bearer " + base64.RawURLEncoding.EncodeToString(header) +
		"." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

func coachClaims() map[string]interface{} {
	return map[string]interface{}{
		"sub":    "user-1",
		"tenant": "acme",
		"tier":   "elevate",
		"scp":    []string{"ai:coach"},
	}
}

// allowAll is an OPA stub that approves everything and counts hits.
func allowAll(hits *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		_, _ = w.Write([]byte(`{"result": {"allow": true}}`))
	}
}

// newTestGateway wires a gateway against the given OPA stub and an
// orchestrator with a fast simulated purge.
func newTestGateway(t *testing.T, config *orchestrator.Config, opaHandler http.HandlerFunc) *Gateway {
	t.Helper()
	opaSrv := httptest.NewServer(opaHandler)
	t.Cleanup(opaSrv.Close)

	orch := orchestrator.New(config, &orchestrator.SimulatedPurger{Latency: time.Millisecond})
	return NewGateway(NewOPAClient(opaSrv.URL), orch)
}

func doRequest(g *Gateway, method, path, authorization, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	g.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
	assert.Zero(t, atomic.LoadInt32(&hits), "health check is not policy gated")
}

func TestMe(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodGet, "/me", bearerToken(t, coachClaims()), "")
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "user-1", body["user_id"])
	assert.Equal(t, "acme", body["tenant"])
	assert.Equal(t, "elevate", body["tier"])
	assert.Zero(t, atomic.LoadInt32(&hits), "identity route is not policy gated")
}

func TestMe_DefaultsForEmptyClaims(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodGet, "/me", bearerToken(t, map[string]interface{}{}), "")
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "anon", body["user_id"])
	assert.Equal(t, "unknown", body["tenant"])
	assert.Equal(t, "core", body["tier"])
}

func TestGuardedRoute_MissingAuthorization(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodPost, "/ai/plan", "", `{"goal": "run"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestGuardedRoute_MalformedCredential(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	for _, authorization := range []string{
		"Bearer not-a-credential",
		"Bearer ",
		"Basic dXNlcjpwYXNz",
	} {
		w := doRequest(g, http.MethodPost, "/ai/plan", authorization, `{"goal": "run"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "authorization %q", authorization)
	}
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestGuardedRoute_ConsentBlockedBeforePolicyCall(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	claims := coachClaims()
	claims["scp"] = []string{"profile:read"}
	w := doRequest(g, http.MethodPost, "/ai/plan", bearerToken(t, claims), `{"goal": "run"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body["detail"], "missing consent scopes")
	assert.Equal(t, []interface{}{"ai:coach"}, body["missing_scopes"])

	// The consent gate is local: the policy engine was never consulted.
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestGuardedRoute_GuardianDisabled(t *testing.T) {
	var hits int32
	config := orchestrator.DefaultConfig()
	config.GuardianFirst = false
	g := newTestGateway(t, config, allowAll(&hits))

	claims := coachClaims()
	claims["scp"] = []string{}
	w := doRequest(g, http.MethodPost, "/ai/plan", bearerToken(t, claims), `{"goal": "run"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestGuardedRoute_PolicyDenied(t *testing.T) {
	g := newTestGateway(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": {"allow": false, "reason": "tier elevate cannot erase"}}`))
	})

	w := doRequest(g, http.MethodPost, "/dsr/erase", bearerToken(t, coachClaims()), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "tier elevate cannot erase", decodeBody(t, w)["detail"])
}

func TestGuardedRoute_PolicyDeniedDefaultReason(t *testing.T) {
	g := newTestGateway(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": {"allow": false}}`))
	})

	w := doRequest(g, http.MethodPost, "/ai/coach", bearerToken(t, coachClaims()), "{}")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Access denied by policy", decodeBody(t, w)["detail"])
}

func TestGuardedRoute_PolicyEngineDown(t *testing.T) {
	opaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	opaSrv.Close()

	orch := orchestrator.New(nil, &orchestrator.SimulatedPurger{Latency: time.Millisecond})
	g := NewGateway(NewOPAClient(opaSrv.URL), orch)

	w := doRequest(g, http.MethodPost, "/ai/plan", bearerToken(t, coachClaims()), `{"goal": "run"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "OPA unreachable", decodeBody(t, w)["detail"])
}

func TestAIPlan(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodPost, "/ai/plan", bearerToken(t, coachClaims()), `{"goal": "run a 5k"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "planner", result["endpoint"])

	echo, ok := result["echo"].(map[string]interface{})
	require.True(t, ok)
	input, ok := echo["input"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run a 5k", input["goal"])

	policy, ok := body["policy"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, policy["allow"])
}

func TestAIPlan_MissingGoal(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodPost, "/ai/plan", bearerToken(t, coachClaims()), `{"notes": "no goal"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "goal is required", decodeBody(t, w)["detail"])
}

func TestAIPlan_InvalidBody(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodPost, "/ai/plan", bearerToken(t, coachClaims()), `[1, 2, 3]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAICoach_EmptyBody(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodPost, "/ai/coach", bearerToken(t, coachClaims()), "")
	assert.Equal(t, http.StatusOK, w.Code)

	result := decodeBody(t, w)["result"].(map[string]interface{})
	assert.Equal(t, "coach", result["endpoint"])
}

func TestGuardianValidate(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodPost, "/ai/guardian/validate", bearerToken(t, coachClaims()), `{"plan": "intervals"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	result := decodeBody(t, w)["result"].(map[string]interface{})
	assert.Equal(t, "guardian", result["endpoint"])
}

func TestDispatch_RemoteAgentFailureIsBadGateway(t *testing.T) {
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "crew runtime exploded", http.StatusInternalServerError)
	}))
	defer agentSrv.Close()

	var hits int32
	config := orchestrator.DefaultConfig()
	config.Agents = []orchestrator.AgentDef{{Name: "planner", Endpoint: agentSrv.URL}}
	g := newTestGateway(t, config, allowAll(&hits))

	w := doRequest(g, http.MethodPost, "/ai/plan", bearerToken(t, coachClaims()), `{"goal": "run"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "Agent dispatch failed", decodeBody(t, w)["detail"])
}

func TestDSRLifecycle(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))
	token := bearerToken(t, coachClaims())

	w := doRequest(g, http.MethodPost, "/dsr/erase", token, "")
	require.Equal(t, http.StatusOK, w.Code)

	jobID, ok := decodeBody(t, w)["job_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, jobID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		w = doRequest(g, http.MethodGet, "/dsr/status/"+jobID, token, "")
		require.Equal(t, http.StatusOK, w.Code)

		status := decodeBody(t, w)["status"].(map[string]interface{})
		assert.Equal(t, jobID, status["job_id"])
		if status["status"] == "completed" {
			steps := status["steps"].(map[string]interface{})
			assert.Equal(t, true, steps["cache_purged"])
			assert.Equal(t, true, steps["audit_appended"])
			assert.NotEmpty(t, status["finished_at"])
			break
		}
		require.Equal(t, "pending", status["status"])
		require.True(t, time.Now().Before(deadline), "job %s never completed", jobID)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDSRErase_NoConsentScopeRequired(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	// Erasure of one's own data must not demand the coaching consent
	// scope; only the policy engine gates the DSR routes.
	claims := coachClaims()
	claims["scp"] = []string{"dsr:erase"}
	token := bearerToken(t, claims)

	w := doRequest(g, http.MethodPost, "/dsr/erase", token, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["job_id"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	w = doRequest(g, http.MethodGet, "/dsr/status/no-such-job", token, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDSRStatus_UnknownJob(t *testing.T) {
	var hits int32
	g := newTestGateway(t, nil, allowAll(&hits))

	w := doRequest(g, http.MethodGet, "/dsr/status/no-such-job", bearerToken(t, coachClaims()), "")
	assert.Equal(t, http.StatusOK, w.Code)

	status := decodeBody(t, w)["status"].(map[string]interface{})
	assert.Equal(t, "unknown", status["status"])
	assert.Equal(t, "no-such-job", status["job_id"])
}

func TestRouteLabel(t *testing.T) {
	for path, want := range map[string]string{
		"/ai/plan":              "ai.plan",
		"/ai/guardian/validate": "ai.guardian.validate",
		"/":                     "root",
	} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		assert.Equal(t, want, routeLabel(r))
	}
}

func TestRouteLabel_CollapsesPathParameters(t *testing.T) {
	// Distinct job ids must all map to the same label, or every job
	// would mint a fresh metric series.
	var labels []string
	router := mux.NewRouter()
	router.HandleFunc("/dsr/status/{job_id}", func(w http.ResponseWriter, r *http.Request) {
		labels = append(labels, routeLabel(r))
	})

	for _, jobID := range []string{"11111111", "22222222", "33333333"} {
		req := httptest.NewRequest(http.MethodGet, "/dsr/status/"+jobID, nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, []string{"dsr.status", "dsr.status", "dsr.status"}, labels)
}

func TestMatchedRouteLabel(t *testing.T) {
	var hits int32
	router := newTestGateway(t, nil, allowAll(&hits)).Router()

	for path, want := range map[string]string{
		"/dsr/status/5f2c9f44-857e-4b9b-b9ac-2c8c0f6f9f3e": "dsr.status",
		"/dsr/status/another-id":                           "dsr.status",
		"/healthz":                                         "healthz",
		"/not/in/the/route/table":                          "not.in.the.route.table",
	} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		assert.Equal(t, want, matchedRouteLabel(router, r), "path %s", path)
	}
}
