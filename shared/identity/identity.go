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

// Package identity resolves bearer credentials into the principal shared
// by the gateway and orchestrator services.
//
// Credentials are decoded WITHOUT signature, expiry, or issuer checks:
// the upstream gateway/IdP boundary is trusted to have verified token
// authenticity before one reaches this process. Nothing in this package
// is a security control.
package identity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Subscription tiers known to the platform. The set is extensible:
// unrecognized tier claims pass through untouched and are left to the
// policy engine to interpret.
const (
	TierCore      = "core"
	TierElevate   = "elevate"
	TierTranscend = "transcend"
)

// Defaults applied when a credential omits a claim.
const (
	DefaultUserID = "anon"
	DefaultTenant = "unknown"
)

// Principal is the authenticated caller's resolved identity and
// attributes. It is constructed once per inbound request, carried on
// the request path, and treated as immutable afterwards. Principals
// are never persisted.
type Principal struct {
	UserID string   `json:"user_id"`
	Tenant string   `json:"tenant"`
	Tier   string   `json:"tier"`
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the principal carries the named consent scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// CredentialDecodeError indicates a bearer credential that could not be
// decoded into claims. It surfaces as an authentication failure at the
// HTTP boundary and is never retried.
type CredentialDecodeError struct {
	Cause error
}

func (e *CredentialDecodeError) Error() string {
	return fmt.Sprintf("invalid bearer credential: %v", e.Cause)
}

func (e *CredentialDecodeError) Unwrap() error { return e.Cause }

// ResolvePrincipal decodes a bearer credential into a Principal.
//
// The credential must carry at least two dot-separated segments with a
// base64url-encoded JSON claims object at index 1 (the JWT payload
// position). Claims sub, tenant, tier and scp populate the principal;
// any missing claim falls back to anon / unknown / core / no scopes.
func ResolvePrincipal(credential string) (*Principal, error) {
	segments := strings.Split(credential, ".")
	if len(segments) < 2 {
		return nil, &CredentialDecodeError{
			Cause: fmt.Errorf("expected at least 2 dot-separated segments, got %d", len(segments)),
		}
	}

	raw, err := jwt.NewParser().DecodeSegment(segments[1])
	if err != nil {
		return nil, &CredentialDecodeError{Cause: fmt.Errorf("claims segment is not base64url: %w", err)}
	}

	claims := jwt.MapClaims{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, &CredentialDecodeError{Cause: fmt.Errorf("claims segment is not JSON: %w", err)}
	}

	return fromClaims(claims), nil
}

// fromClaims maps decoded claims onto a Principal, substituting the
// documented defaults for anything missing.
func fromClaims(claims jwt.MapClaims) *Principal {
	p := &Principal{
		UserID: DefaultUserID,
		Tenant: DefaultTenant,
		Tier:   TierCore,
		Scopes: []string{},
	}

	if sub := claimString(claims, "sub"); sub != "" {
		p.UserID = sub
	}
	if tenant := claimString(claims, "tenant"); tenant != "" {
		p.Tenant = tenant
	}
	if tier := claimString(claims, "tier"); tier != "" {
		p.Tier = tier
	}
	p.Scopes = claimScopes(claims, "scp")

	return p
}

func claimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// claimScopes accepts both a JSON array of scope strings and a single
// comma-separated string, the two shapes upstream token issuers emit.
func claimScopes(claims jwt.MapClaims, key string) []string {
	switch val := claims[key].(type) {
	case []interface{}:
		scopes := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				scopes = append(scopes, s)
			}
		}
		return scopes
	case string:
		if val == "" {
			return []string{}
		}
		return strings.Split(val, ",")
	default:
		return []string{}
	}
}
