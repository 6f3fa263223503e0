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
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/cors"

	"pulse/platform/orchestrator"
	"pulse/platform/shared/logger"
)

// Pulse Gateway - identity termination, policy enforcement and DSR
// orchestration. This service sits between clients and the crew agent
// runtime.

// Run starts the gateway service and blocks until shutdown.
//
// Environment variables:
//
//	PORT                 - HTTP listen port (default: 8080)
//	OPA_URL              - policy engine base URL (default: http://localhost:8181)
//	ORCHESTRATOR_CONFIG  - YAML orchestrator config path (optional)
//	REDIS_URL            - cache purge target (optional)
//	DATABASE_URL         - feature store / audit purge target (optional)
//	OFFLINE_STORE_BUCKET - S3 bucket for offline tombstones (optional)
//	VECTOR_INDEX_URL     - embedding index base URL (optional)
//
// When no purge target is configured the orchestrator falls back to the
// simulated purge pipeline.
func Run() {
	log := logger.New("gateway")

	config := orchestrator.DefaultConfig()
	if path := os.Getenv("ORCHESTRATOR_CONFIG"); path != "" {
		loaded, err := orchestrator.LoadConfig(path)
		if err != nil {
			log.ErrorWithCode("", "", "Failed to load orchestrator config", 0, err, nil)
			os.Exit(1)
		}
		config = loaded
	}

	orch := orchestrator.New(config, buildPurger(log))
	gw := NewGateway(NewOPAClient(getEnv("OPA_URL", "http://localhost:8181")), orch)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}).Handler(gw.withRequestLogging(gw.Router()))

	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("", "", "Gateway listening", map[string]interface{}{"port": port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorWithCode("", "", "Gateway server failed", 0, err, nil)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("", "", "Shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.ErrorWithCode("", "", "HTTP shutdown failed", 0, err, nil)
	}
	// Let in-flight erasure jobs finish before the registry disappears.
	if err := orch.Shutdown(ctx); err != nil {
		log.ErrorWithCode("", "", "Orchestrator shutdown timed out", 0, err, nil)
	}
}

// buildPurger assembles the purge pipeline from whichever targets the
// environment provisions; with none it returns the simulated purger.
func buildPurger(log *logger.Logger) orchestrator.Purger {
	pipeline := &orchestrator.PurgePipeline{
		VectorIndexURL: os.Getenv("VECTOR_INDEX_URL"),
		HTTPClient:     &http.Client{Timeout: 10 * time.Second},
	}
	configured := pipeline.VectorIndexURL != ""

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.ErrorWithCode("", "", "Invalid REDIS_URL", 0, err, nil)
			os.Exit(1)
		}
		pipeline.Cache = redis.NewClient(opts)
		configured = true
	}

	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			log.ErrorWithCode("", "", "Invalid DATABASE_URL", 0, err, nil)
			os.Exit(1)
		}
		pipeline.DB = db
		configured = true
	}

	if bucket := os.Getenv("OFFLINE_STORE_BUCKET"); bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.ErrorWithCode("", "", "Failed to load AWS config", 0, err, nil)
			os.Exit(1)
		}
		pipeline.OfflineStore = s3.NewFromConfig(awsCfg)
		pipeline.OfflineBucket = bucket
		configured = true
	}

	if !configured {
		log.Warn("", "", "No purge targets configured, using simulated DSR pipeline", nil)
		return &orchestrator.SimulatedPurger{}
	}
	return pipeline
}

// requestIDKey carries the per-request correlation id in the context.
type requestIDKey struct{}

// requestID returns the correlation id the logging middleware attached.
func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// withRequestLogging attaches a correlation id to every request and
// logs method, path, and duration on completion. The metric label is
// resolved through the router's route table: mux.CurrentRoute has
// nothing to report outside a mux handler, and the raw path would leak
// job ids into the label set.
func (g *Gateway) withRequestLogging(router *mux.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = "req-" + uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		router.ServeHTTP(recorder, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))

		route := matchedRouteLabel(router, r)
		durationMS := float64(time.Since(start).Microseconds()) / 1000.0
		promRequestDuration.WithLabelValues(route).Observe(durationMS)
		g.log.InfoWithDuration("", id, "Request completed", durationMS, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": recorder.status,
		})
	})
}

// matchedRouteLabel resolves the metric label for a request by matching
// it against the route table, collapsing path parameters.
func matchedRouteLabel(router *mux.Router, r *http.Request) string {
	var match mux.RouteMatch
	if router.Match(r, &match) && match.Route != nil {
		if template, err := match.Route.GetPathTemplate(); err == nil {
			return dottedLabel(template)
		}
	}
	return dottedLabel(r.URL.Path)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
