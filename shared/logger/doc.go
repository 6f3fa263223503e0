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

/*
Package logger provides structured JSON logging for Pulse services.

Each log entry is written to stdout as a single JSON line carrying a
timestamp, severity, component name, instance identity, the tenant and
request being served, and any component-specific fields:

	{"timestamp":"2025-06-02T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123","container":"gateway-xyz",
	 "tenant":"acme","request_id":"req-456",
	 "message":"policy evaluated","fields":{"route":"ai.plan"}}

Create one logger per component:

	log := logger.New("orchestrator")
	log.Info("acme", "req-456", "DSR job started", map[string]interface{}{
	    "job_id": jobID,
	})

The minimum emitted level is controlled by the LOG_LEVEL environment
variable (DEBUG, INFO, WARN, ERROR; default INFO). INSTANCE_ID and the
container hostname are attached automatically for log aggregation.

Logger instances are safe for concurrent use.
*/
package logger
