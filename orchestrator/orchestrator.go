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

// Package orchestrator routes gated tasks to named downstream agents
// and manages the lifecycle of asynchronous data-subject erasure (DSR)
// jobs. The gateway resolves identity and consults the policy engine;
// this package owns everything that happens after both gates pass.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"pulse/platform/shared/identity"
	"pulse/platform/shared/logger"
)

// agentDispatchTimeout bounds a single forward to a remote agent runtime.
const agentDispatchTimeout = 30 * time.Second

// TaskPayload is the task envelope forwarded to a downstream agent. The
// Input map stays an open blob: its shape belongs to the agent, not to
// this package.
type TaskPayload struct {
	Endpoint string                 `json:"endpoint"`
	User     *identity.Principal    `json:"user"`
	Input    map[string]interface{} `json:"input"`
}

// Envelope is the normalized response returned for a dispatched task.
type Envelope struct {
	Endpoint  string                 `json:"endpoint"`
	Echo      TaskPayload            `json:"echo"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Orchestrator is the owned state container for task dispatch and DSR
// job tracking. It is created once at process startup and passed by
// handle to the gateway; there is no package-level singleton.
type Orchestrator struct {
	config     *Config
	purger     Purger
	httpClient *http.Client
	log        *logger.Logger

	// jobTimeout bounds a single job's background purge work.
	jobTimeout time.Duration

	mu   sync.RWMutex
	jobs map[string]*ErasureJob
	wg   sync.WaitGroup
}

// New creates an Orchestrator. A nil purger selects the simulated
// purge pipeline used in local development.
func New(config *Config, purger Purger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if purger == nil {
		purger = &SimulatedPurger{}
	}

	return &Orchestrator{
		config:     config,
		purger:     purger,
		httpClient: &http.Client{Timeout: agentDispatchTimeout},
		log:        logger.New("orchestrator"),
		jobTimeout: 5 * time.Minute,
		jobs:       make(map[string]*ErasureJob),
	}
}

// Config returns the orchestrator's read-only configuration.
func (o *Orchestrator) Config() *Config {
	return o.config
}

// Dispatch forwards a task to the named downstream agent and returns
// the normalized response envelope. Callers must have passed the
// guardian gate and the policy engine before dispatching; this method
// performs no authorization of its own. Concurrent dispatches never
// block each other.
func (o *Orchestrator) Dispatch(ctx context.Context, endpoint string, principal *identity.Principal, payload map[string]interface{}) (*Envelope, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	task := TaskPayload{Endpoint: endpoint, User: principal, Input: payload}

	var result map[string]interface{}
	if agent, ok := o.config.Agent(endpoint); ok && agent.Endpoint != "" {
		forwarded, err := o.forwardToAgent(ctx, agent, task)
		if err != nil {
			promDispatchTotal.WithLabelValues(endpoint, "error").Inc()
			return nil, fmt.Errorf("agent %s dispatch failed: %w", endpoint, err)
		}
		result = forwarded
	} else {
		// No runtime wired for this agent: acknowledge locally.
		result = map[string]interface{}{"status": "accepted", "agent": endpoint}
	}

	promDispatchTotal.WithLabelValues(endpoint, "ok").Inc()
	o.log.Info(principal.Tenant, "", "Dispatched task", map[string]interface{}{
		"endpoint": endpoint,
		"user_id":  principal.UserID,
	})

	return &Envelope{
		Endpoint:  endpoint,
		Echo:      task,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}, nil
}

// forwardToAgent posts the task payload to a remote agent runtime and
// decodes its opaque result.
func (o *Orchestrator) forwardToAgent(ctx context.Context, agent AgentDef, task TaskPayload) (map[string]interface{}, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent runtime unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent runtime returned status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	return result, nil
}

// Shutdown waits for in-flight DSR job completions, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
