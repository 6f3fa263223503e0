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
	"strings"

	"pulse/platform/shared/identity"
)

// ConsentScopeError reports the consent scopes the guardian gate
// requires that the principal does not carry, in configured order. It
// is an authorization failure distinct from a policy denial and is
// never retried: the same credential will keep failing until reissued
// with the missing scopes.
type ConsentScopeError struct {
	Missing []string
}

func (e *ConsentScopeError) Error() string {
	return fmt.Sprintf("missing consent scopes: %s", strings.Join(e.Missing, ","))
}

// EnsureGuardian runs the local consent-scope gate. It is a no-op when
// GuardianFirst is disabled. The check is purely local (no I/O) and is
// evaluated strictly before any remote policy call, so a request with
// structurally absent consent is rejected without a network round-trip.
func (o *Orchestrator) EnsureGuardian(principal *identity.Principal) error {
	if !o.config.GuardianFirst {
		return nil
	}

	held := make(map[string]bool, len(principal.Scopes))
	for _, scope := range principal.Scopes {
		held[scope] = true
	}

	var missing []string
	for _, required := range o.config.RequireConsentScopes {
		if !held[required] {
			missing = append(missing, required)
		}
	}

	if len(missing) > 0 {
		o.log.Warn(principal.Tenant, "", "Guardian pre-check failed", map[string]interface{}{
			"user_id":        principal.UserID,
			"missing_scopes": missing,
		})
		return &ConsentScopeError{Missing: missing}
	}

	o.log.Debug(principal.Tenant, "", "Guardian pre-check passed", map[string]interface{}{
		"user_id": principal.UserID,
	})
	return nil
}
