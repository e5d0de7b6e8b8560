// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package models defines the JSON shapes shared by the HTTP API:
// the response envelope and the read-side DTOs for pipeline and
// queue statistics. Types here are plain data with no behavior so
// any package can depend on them without cycles.
package models
