// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/llmscope/internal/config"
	"github.com/tomtom215/llmscope/internal/eventprocessor"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(config.DatabaseConfig{
		Path:      ":memory:",
		MaxMemory: "1GB",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return db
}

func testEvent(id string) *eventprocessor.UsageEvent {
	return &eventprocessor.UsageEvent{
		SchemaVersion:    eventprocessor.SchemaVersion,
		ID:               id,
		Timestamp:        time.Date(2026, 3, 1, 14, 10, 0, 0, time.UTC),
		Model:            "gpt-4",
		Provider:         eventprocessor.ProviderOpenAI,
		TenantID:         "acme",
		ProjectID:        "chatbot",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		LatencyMs:        1200,
		CostUSD:          0.006,
	}
}

func TestInsertAndRecentEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	events := make([]*eventprocessor.UsageEvent, 3)
	for i := range events {
		e := testEvent(fmt.Sprintf("evt-%d", i))
		e.Timestamp = e.Timestamp.Add(time.Duration(i) * time.Minute)
		events[i] = e
	}
	events[2].Status = eventprocessor.StatusError
	events[2].ErrorMessage = "upstream 500"
	events[2].HasError = true

	inserted, duplicates, err := db.InsertUsageEventsBatch(ctx, events)
	if err != nil {
		t.Fatalf("InsertUsageEventsBatch failed: %v", err)
	}
	if len(inserted) != 3 || duplicates != 0 {
		t.Errorf("inserted = %d, duplicates = %d, want 3/0", len(inserted), duplicates)
	}

	recent, err := db.RecentEvents(ctx, RecentEventsFilter{Limit: 10})
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d events, want 3", len(recent))
	}

	// Newest first
	if recent[0].ID != "evt-2" {
		t.Errorf("first event = %s, want evt-2", recent[0].ID)
	}
	if !recent[0].HasError || recent[0].ErrorMessage != "upstream 500" {
		t.Errorf("error fields lost: %+v", recent[0])
	}

	got := recent[2]
	want := testEvent("evt-0")
	if got.Model != want.Model || got.TenantID != want.TenantID ||
		got.TotalTokens != want.TotalTokens || got.CostUSD != want.CostUSD {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
}

func TestInsertSkipsDuplicates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	events := []*eventprocessor.UsageEvent{testEvent("evt-1"), testEvent("evt-2")}
	if _, _, err := db.InsertUsageEventsBatch(ctx, events); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	// Redelivered batch with one new event
	redelivered := []*eventprocessor.UsageEvent{testEvent("evt-1"), testEvent("evt-2"), testEvent("evt-3")}
	inserted, duplicates, err := db.InsertUsageEventsBatch(ctx, redelivered)
	if err != nil {
		t.Fatalf("redelivered insert failed: %v", err)
	}
	if len(inserted) != 1 || duplicates != 2 {
		t.Errorf("inserted = %d, duplicates = %d, want 1/2", len(inserted), duplicates)
	}
	// Only the genuinely new row comes back; downstream rollups count it once
	if inserted[0].ID != "evt-3" {
		t.Errorf("inserted[0] = %s, want evt-3", inserted[0].ID)
	}

	count, err := db.CountUsageEvents(ctx)
	if err != nil {
		t.Fatalf("CountUsageEvents failed: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestIngestionTimeSurvivesRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stamped := testEvent("evt-1")
	stamped.IngestedAt = time.Date(2026, 3, 1, 14, 10, 30, 0, time.UTC)
	unstamped := testEvent("evt-2")

	if _, _, err := db.InsertUsageEventsBatch(ctx, []*eventprocessor.UsageEvent{stamped, unstamped}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	recent, err := db.RecentEvents(ctx, RecentEventsFilter{Limit: 10})
	if err != nil {
		t.Fatalf("RecentEvents failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d events, want 2", len(recent))
	}

	byID := map[string]*eventprocessor.UsageEvent{}
	for _, e := range recent {
		byID[e.ID] = e
	}
	if got := byID["evt-1"].IngestedAt; !got.Equal(stamped.IngestedAt) {
		t.Errorf("ingested_at = %v, want %v", got, stamped.IngestedAt)
	}
	// An event that skipped the intake API gets stamped at insert
	if byID["evt-2"].IngestedAt.IsZero() {
		t.Error("ingested_at should be defaulted for an unstamped event")
	}
}

func TestInsertEmptyBatch(t *testing.T) {
	db := setupTestDB(t)

	inserted, duplicates, err := db.InsertUsageEventsBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty batch should succeed: %v", err)
	}
	if len(inserted) != 0 || duplicates != 0 {
		t.Errorf("inserted = %d, duplicates = %d, want 0/0", len(inserted), duplicates)
	}
}

func TestEventStoreWrapsErrorsAsRetryable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.InsertUsageEvents(ctx, []*eventprocessor.UsageEvent{testEvent("evt-1")}); err != nil {
		t.Fatalf("InsertUsageEvents failed: %v", err)
	}

	// Closed database must surface as a retryable storage error so the
	// pipeline redelivers instead of dead-lettering
	if err := db.conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := db.InsertUsageEvents(ctx, []*eventprocessor.UsageEvent{testEvent("evt-2")})
	if err == nil {
		t.Fatal("insert on closed database should fail")
	}
	if !eventprocessor.IsStorageError(err) {
		t.Errorf("error should classify as storage error, got %v", err)
	}
}

func TestRecentEventsFilters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := testEvent("evt-a")
	b := testEvent("evt-b")
	b.Timestamp = b.Timestamp.Add(time.Minute)
	b.TenantID = "globex"
	b.Model = "claude-3-opus"
	b.Provider = eventprocessor.ProviderAnthropic
	c := testEvent("evt-c")
	c.Timestamp = c.Timestamp.Add(-48 * time.Hour)

	if _, _, err := db.InsertUsageEventsBatch(ctx, []*eventprocessor.UsageEvent{a, b, c}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	tests := []struct {
		name    string
		filter  RecentEventsFilter
		wantIDs []string
	}{
		{"by tenant", RecentEventsFilter{TenantID: "globex"}, []string{"evt-b"}},
		{"by model", RecentEventsFilter{Model: "gpt-4"}, []string{"evt-a", "evt-c"}},
		{"by provider", RecentEventsFilter{Provider: "anthropic"}, []string{"evt-b"}},
		{"since", RecentEventsFilter{Since: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}, []string{"evt-b", "evt-a"}},
		{"limit", RecentEventsFilter{Limit: 1}, []string{"evt-b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.RecentEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("RecentEvents failed: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].ID != want {
					t.Errorf("event[%d] = %s, want %s", i, got[i].ID, want)
				}
			}
		})
	}
}

func TestPing(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestFileDatabasePersists(t *testing.T) {
	path := t.TempDir() + "/llmscope.db"
	cfg := config.DatabaseConfig{Path: path, MaxMemory: "1GB"}

	db, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, _, err := db.InsertUsageEventsBatch(context.Background(), []*eventprocessor.UsageEvent{testEvent("evt-1")}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.CountUsageEvents(context.Background())
	if err != nil {
		t.Fatalf("CountUsageEvents failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d after reopen, want 1", count)
	}
}
