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

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// levelRank orders severities for minimum-level filtering
var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// Logger emits structured JSON log entries for a single Pulse component
type Logger struct {
	Component  string
	InstanceID string
	Container  string
	MinLevel   LogLevel
}

// LogEntry is the wire shape of a single log line
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	Tenant     string                 `json:"tenant,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the named component. The minimum emitted
// level comes from LOG_LEVEL (default INFO); instance identity comes
// from INSTANCE_ID and the container hostname.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	minLevel := INFO
	if lvl := LogLevel(os.Getenv("LOG_LEVEL")); lvl != "" {
		if _, ok := levelRank[lvl]; ok {
			minLevel = lvl
		}
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		MinLevel:   minLevel,
	}
}

// Log writes a single entry at the given level. Entries below the
// logger's minimum level are dropped.
func (l *Logger) Log(level LogLevel, tenant, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.MinLevel] {
		return
	}

	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		Tenant:     tenant,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Debug logs a debug message
func (l *Logger) Debug(tenant, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, tenant, requestID, message, fields)
}

// Info logs an informational message
func (l *Logger) Info(tenant, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, tenant, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(tenant, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, tenant, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(tenant, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, tenant, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field
func (l *Logger) InfoWithDuration(tenant, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(tenant, requestID, message, fields)
}

// ErrorWithCode logs an error with an HTTP status code and cause
func (l *Logger) ErrorWithCode(tenant, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(tenant, requestID, message, fields)
}
