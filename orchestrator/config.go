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

package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the orchestrator's process-wide configuration. It is loaded
// once at startup and read-only for the process lifetime.
type Config struct {
	// GuardianFirst runs the local consent-scope gate before any remote
	// policy call. When false the guardian gate is skipped entirely.
	GuardianFirst bool `yaml:"guardian_first"`

	// RequireConsentScopes lists the consent scopes the guardian gate
	// demands, in the order violations are reported.
	RequireConsentScopes []string `yaml:"require_consent_scopes"`

	// Agents names the downstream agents tasks can be dispatched to.
	// An agent without an endpoint is acknowledged locally, for
	// environments where the crew runtime is not wired up.
	Agents []AgentDef `yaml:"agents"`
}

// AgentDef describes a named downstream agent execution context.
type AgentDef struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// DefaultConfig returns the configuration used when no config file is
// provided: guardian gate on, coaching consent required, no remote
// agent endpoints.
func DefaultConfig() *Config {
	return &Config{
		GuardianFirst:        true,
		RequireConsentScopes: []string{"ai:coach"},
		Agents: []AgentDef{
			{Name: "planner"},
			{Name: "coach"},
			{Name: "guardian"},
		},
	}
}

// LoadConfig reads a YAML orchestrator configuration from path.
// Fields absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read orchestrator config %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse orchestrator config %s: %w", path, err)
	}

	return config, nil
}

// Agent looks up a downstream agent definition by name.
func (c *Config) Agent(name string) (AgentDef, bool) {
	for _, agent := range c.Agents {
		if agent.Name == name {
			return agent, true
		}
	}
	return AgentDef{}, false
}
