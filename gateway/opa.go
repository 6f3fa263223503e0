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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pulse/platform/shared/identity"
	"pulse/platform/shared/logger"
)

const (
	// defaultDecisionPath is OPA's data API path for the pulse policy
	// package's allow document.
	defaultDecisionPath = "v1/data/pulse/allow"

	// opaTimeout bounds the single decision attempt. There is no retry:
	// exceeding it is unreachability and unreachability is denial.
	opaTimeout = 5 * time.Second
)

// PolicyDecision is the typed result of one authorization attempt.
// Decisions are never cached; every guarded operation re-evaluates.
type PolicyDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// PolicyUser is the principal subset the policy engine evaluates.
type PolicyUser struct {
	Tier   string   `json:"tier"`
	Scopes []string `json:"scopes"`
}

// PolicyInput is the envelope posted to the policy engine for each
// guarded request.
type PolicyInput struct {
	Route         string     `json:"route"`
	Method        string     `json:"method"`
	Tenant        string     `json:"tenant"`
	User          PolicyUser `json:"user"`
	ConsentScopes []string   `json:"consent_scopes"`
}

// BuildPolicyInput assembles the policy input for a request: the route
// is the URL path with separators normalized to dots ("root" when
// empty), the method is lower-cased, and the principal's scopes are
// duplicated as consent_scopes for the consent rules.
func BuildPolicyInput(r *http.Request, principal *identity.Principal) PolicyInput {
	route := strings.ReplaceAll(strings.Trim(r.URL.Path, "/"), "/", ".")
	if route == "" {
		route = "root"
	}

	return PolicyInput{
		Route:  route,
		Method: strings.ToLower(r.Method),
		Tenant: principal.Tenant,
		User: PolicyUser{
			Tier:   principal.Tier,
			Scopes: principal.Scopes,
		},
		ConsentScopes: principal.Scopes,
	}
}

// OPAClient queries the external policy engine over its REST data API.
//
// The client is fail-closed: a guarded operation must never proceed
// when the decision service cannot be reached, so every transport
// error, non-success status, or malformed body collapses into a denial
// at the Authorize boundary. The underlying cause is logged and counted
// but deliberately not surfaced to callers.
type OPAClient struct {
	baseURL      string
	decisionPath string
	httpClient   *http.Client
	timeout      time.Duration
	log          *logger.Logger
}

// NewOPAClient creates a policy client for the engine at baseURL.
func NewOPAClient(baseURL string) *OPAClient {
	return &OPAClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		decisionPath: defaultDecisionPath,
		httpClient:   &http.Client{},
		timeout:      opaTimeout,
		log:          logger.New("gateway"),
	}
}

// decisionRequest is the engine's input wrapper.
type decisionRequest struct {
	Input PolicyInput `json:"input"`
}

// decisionResponse is the engine's result wrapper. A missing result
// document means the policy did not produce one; that is a denial, not
// an engine failure.
type decisionResponse struct {
	Result *PolicyDecision `json:"result"`
}

// Authorize evaluates the policy for one request. It never returns an
// error: when the engine cannot be consulted the decision is a denial
// with the fixed "OPA unreachable" reason.
func (c *OPAClient) Authorize(ctx context.Context, route string, input PolicyInput) PolicyDecision {
	decision, err := c.evaluate(ctx, input)
	if err != nil {
		promOPAUnreachable.Inc()
		c.log.ErrorWithCode(input.Tenant, "", "OPA evaluation failed", 0, err, map[string]interface{}{
			"route": route,
		})
		return PolicyDecision{Allow: false, Reason: "OPA unreachable"}
	}
	return decision
}

// evaluate performs the single bounded decision query and surfaces the
// transport cause to its caller; only Authorize collapses causes into
// the fail-closed denial.
func (c *OPAClient) evaluate(ctx context.Context, input PolicyInput) (PolicyDecision, error) {
	body, err := json.Marshal(decisionRequest{Input: input})
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("failed to marshal policy input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+c.decisionPath, bytes.NewReader(body))
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("failed to build policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PolicyDecision{}, fmt.Errorf("policy query failed: %w", err)
	}
	defer func() {
		// Drain whatever the decoder left so the engine connection
		// stays reusable.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PolicyDecision{}, fmt.Errorf("policy engine returned status %d", resp.StatusCode)
	}

	var decoded decisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return PolicyDecision{}, fmt.Errorf("malformed policy response: %w", err)
	}

	if decoded.Result == nil {
		// Well-formed response without a result document: deny.
		return PolicyDecision{Allow: false}, nil
	}
	return *decoded.Result, nil
}
