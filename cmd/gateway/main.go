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

// Package main is the entry point for the Pulse gateway service.
//
// The gateway terminates bearer credentials, enforces the guardian
// consent gate and remote OPA policies, bridges approved tasks to the
// crew agent runtime, and orchestrates asynchronous DSR erasure jobs.
//
// Usage:
//
//	./gateway
//
// Environment variables:
//
//	PORT                 - HTTP server port (default: 8080)
//	OPA_URL              - policy engine base URL
//	ORCHESTRATOR_CONFIG  - YAML orchestrator config path
//	REDIS_URL            - DSR cache purge target
//	DATABASE_URL         - feature store / audit purge target
//	OFFLINE_STORE_BUCKET - S3 bucket for offline store tombstones
//	VECTOR_INDEX_URL     - embedding index base URL
package main

import (
	"pulse/platform/gateway"
)

func main() {
	gateway.Run()
}
