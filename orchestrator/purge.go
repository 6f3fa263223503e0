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
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
)

// Purger executes the downstream erasure work for one DSR job.
type Purger interface {
	Execute(ctx context.Context, jobID, userID string) (*PurgeResult, error)
}

// PurgeResult records the per-step outcome of a purge run. On failure
// the flags show how far the run got before stopping.
type PurgeResult struct {
	CachePurged          bool `json:"cache_purged"`
	FeatureOnlinePurged  bool `json:"feature_online_purged"`
	FeatureOfflineMarked bool `json:"feature_offline_marked"`
	VectorIndexDeleted   bool `json:"vector_index_deleted"`
	AuditAppended        bool `json:"audit_appended"`
}

// SimulatedPurger stands in for the real purge targets in local
// development: it reports every step as done after a fixed latency.
type SimulatedPurger struct {
	// Latency before completion; 50ms when zero.
	Latency time.Duration
}

// Execute waits out the simulated latency and reports success.
func (p *SimulatedPurger) Execute(ctx context.Context, jobID, userID string) (*PurgeResult, error) {
	latency := p.Latency
	if latency == 0 {
		latency = 50 * time.Millisecond
	}

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return &PurgeResult{}, ctx.Err()
	}

	return &PurgeResult{
		CachePurged:          true,
		FeatureOnlinePurged:  true,
		FeatureOfflineMarked: true,
		VectorIndexDeleted:   true,
		AuditAppended:        true,
	}, nil
}

// ObjectPutter is the slice of the S3 API the pipeline needs for
// offline-store tombstones.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// PurgePipeline runs the real erasure steps against the production
// purge targets, in order: session/profile cache, online feature store,
// offline feature store tombstone, vector index, audit trail. A nil or
// empty target is treated as not provisioned for this deployment and
// its step succeeds trivially. The first failing step stops the run.
type PurgePipeline struct {
	// Cache is the Redis client holding per-user session and profile
	// keys (user:<id>:*).
	Cache *redis.Client

	// DB is the Postgres connection backing the online feature store
	// and the DSR audit trail.
	DB *sql.DB

	// OfflineStore receives tombstone markers for the parquet-based
	// offline feature store; a compaction job applies them later.
	OfflineStore  ObjectPutter
	OfflineBucket string

	// VectorIndexURL is the base URL of the embedding index service.
	VectorIndexURL string

	HTTPClient *http.Client
}

// Execute runs every purge step for the job, stopping at the first
// failure. The returned PurgeResult is valid in both outcomes.
func (p *PurgePipeline) Execute(ctx context.Context, jobID, userID string) (*PurgeResult, error) {
	result := &PurgeResult{}

	if err := p.purgeCache(ctx, userID); err != nil {
		return result, fmt.Errorf("cache purge: %w", err)
	}
	result.CachePurged = true

	if err := p.purgeFeatureOnline(ctx, userID); err != nil {
		return result, fmt.Errorf("online feature store purge: %w", err)
	}
	result.FeatureOnlinePurged = true

	if err := p.markFeatureOffline(ctx, jobID, userID); err != nil {
		return result, fmt.Errorf("offline feature store tombstone: %w", err)
	}
	result.FeatureOfflineMarked = true

	if err := p.deleteVectorObjects(ctx, userID); err != nil {
		return result, fmt.Errorf("vector index delete: %w", err)
	}
	result.VectorIndexDeleted = true

	if err := p.appendAudit(ctx, jobID, userID); err != nil {
		return result, fmt.Errorf("audit append: %w", err)
	}
	result.AuditAppended = true

	return result, nil
}

// purgeCache scans and deletes every user:<id>:* key.
func (p *PurgePipeline) purgeCache(ctx context.Context, userID string) error {
	if p.Cache == nil {
		return nil
	}

	pattern := fmt.Sprintf("user:%s:*", userID)
	var cursor uint64
	for {
		keys, next, err := p.Cache.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := p.Cache.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("del %d keys: %w", len(keys), err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (p *PurgePipeline) purgeFeatureOnline(ctx context.Context, userID string) error {
	if p.DB == nil {
		return nil
	}

	_, err := p.DB.ExecContext(ctx,
		`DELETE FROM feature_online_store WHERE user_id = $1`, userID)
	return err
}

// markFeatureOffline records a tombstone row and, when an offline store
// bucket is provisioned, writes a tombstone object the offline
// compaction job consumes. Offline parquet partitions are immutable, so
// deletion is deferred rather than in-place.
func (p *PurgePipeline) markFeatureOffline(ctx context.Context, jobID, userID string) error {
	markedAt := time.Now().UTC()

	if p.DB != nil {
		_, err := p.DB.ExecContext(ctx,
			`INSERT INTO feature_offline_tombstones (job_id, user_id, marked_at) VALUES ($1, $2, $3)`,
			jobID, userID, markedAt)
		if err != nil {
			return err
		}
	}

	if p.OfflineStore == nil || p.OfflineBucket == "" {
		return nil
	}

	marker, err := json.Marshal(map[string]string{
		"job_id":    jobID,
		"user_id":   userID,
		"marked_at": markedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tombstone marker: %w", err)
	}

	_, err = p.OfflineStore.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.OfflineBucket),
		Key:         aws.String(fmt.Sprintf("tombstones/%s.json", userID)),
		Body:        bytes.NewReader(marker),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write tombstone object: %w", err)
	}
	return nil
}

// deleteVectorObjects removes the user's embeddings from the vector
// index via its REST API.
func (p *PurgePipeline) deleteVectorObjects(ctx context.Context, userID string) error {
	if p.VectorIndexURL == "" {
		return nil
	}

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := fmt.Sprintf("%s/v1/objects?user_id=%s", p.VectorIndexURL, url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build vector index request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("vector index unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 404 means the user had no embeddings; that is a successful purge.
	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("vector index returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *PurgePipeline) appendAudit(ctx context.Context, jobID, userID string) error {
	if p.DB == nil {
		return nil
	}

	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO dsr_audit_log (job_id, user_id, action, created_at) VALUES ($1, $2, $3, $4)`,
		jobID, userID, "erasure", time.Now().UTC())
	return err
}
