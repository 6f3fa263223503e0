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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.True(t, config.GuardianFirst)
	assert.Equal(t, []string{"ai:coach"}, config.RequireConsentScopes)

	for _, name := range []string{"planner", "coach", "guardian"} {
		agent, ok := config.Agent(name)
		assert.True(t, ok, "expected default agent %s", name)
		assert.Empty(t, agent.Endpoint, "default agents have no remote endpoint")
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
guardian_first: true
require_consent_scopes:
  - ai:coach
  - ai:telemed
agents:
  - name: planner
    endpoint: http://crew:8090/run/planner
  - name: coach
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, config.GuardianFirst)
	assert.Equal(t, []string{"ai:coach", "ai:telemed"}, config.RequireConsentScopes)

	planner, ok := config.Agent("planner")
	require.True(t, ok)
	assert.Equal(t, "http://crew:8090/run/planner", planner.Endpoint)

	coach, ok := config.Agent("coach")
	require.True(t, ok)
	assert.Empty(t, coach.Endpoint)

	_, ok = config.Agent("guardian")
	assert.False(t, ok, "agent list in the file replaces the defaults")
}

func TestLoadConfig_GuardianDisabled(t *testing.T) {
	config, err := LoadConfig(writeConfigFile(t, "guardian_first: false\n"))
	require.NoError(t, err)

	assert.False(t, config.GuardianFirst)
	// Untouched fields keep their defaults.
	assert.Equal(t, []string{"ai:coach"}, config.RequireConsentScopes)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfigFile(t, "guardian_first: [not a bool\n"))
	assert.Error(t, err)
}

func TestConfig_AgentUnknown(t *testing.T) {
	_, ok := DefaultConfig().Agent("unlisted")
	assert.False(t, ok)
}
