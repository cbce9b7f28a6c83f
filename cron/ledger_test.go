package cron

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_AppendAndList(t *testing.T) {
	db := createTestDB(t)
	ledger := NewLedger(db, 20)

	runAt := time.Now().UnixMilli()
	require.NoError(t, ledger.Append(&RunEntry{
		JobID:   "job-1",
		Action:  ActionStarted,
		RunAtMs: &runAt,
	}))

	duration := int64(850)
	require.NoError(t, ledger.Append(&RunEntry{
		JobID:      "job-1",
		Action:     ActionFinished,
		Status:     StatusOK,
		Summary:    "sent briefing",
		OutputText: "3 items delivered",
		RunAtMs:    &runAt,
		DurationMs: &duration,
	}))

	entries, err := ledger.List("job-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Most recent first
	assert.Equal(t, ActionFinished, entries[0].Action)
	assert.Equal(t, StatusOK, entries[0].Status)
	assert.Equal(t, "sent briefing", entries[0].Summary)
	assert.Equal(t, "3 items delivered", entries[0].OutputText)
	require.NotNil(t, entries[0].DurationMs)
	assert.Equal(t, int64(850), *entries[0].DurationMs)
	assert.Equal(t, ActionStarted, entries[1].Action)
}

func TestLedger_FIFOEviction(t *testing.T) {
	db := createTestDB(t)
	ledger := NewLedger(db, 20)

	// 25 appends against a cap of 20
	for i := 0; i < 25; i++ {
		require.NoError(t, ledger.Append(&RunEntry{
			JobID:   "job-evict",
			Action:  ActionFinished,
			Status:  StatusOK,
			Summary: fmt.Sprintf("run %d", i),
		}))
	}

	entries, err := ledger.List("job-evict", 100)
	require.NoError(t, err)
	require.Len(t, entries, 20)

	// The 5 oldest are gone; ordering is most-recent-first
	assert.Equal(t, "run 24", entries[0].Summary)
	assert.Equal(t, "run 5", entries[19].Summary)
}

func TestLedger_EvictionIsPerJob(t *testing.T) {
	db := createTestDB(t)
	ledger := NewLedger(db, 5)

	for i := 0; i < 8; i++ {
		require.NoError(t, ledger.Append(&RunEntry{JobID: "job-a", Action: ActionFinished, Status: StatusOK}))
	}
	require.NoError(t, ledger.Append(&RunEntry{JobID: "job-b", Action: ActionStarted}))

	a, err := ledger.List("job-a", 100)
	require.NoError(t, err)
	assert.Len(t, a, 5)

	b, err := ledger.List("job-b", 100)
	require.NoError(t, err)
	assert.Len(t, b, 1)
}

func TestLedger_ListLimit(t *testing.T) {
	db := createTestDB(t)
	ledger := NewLedger(db, 20)

	for i := 0; i < 10; i++ {
		require.NoError(t, ledger.Append(&RunEntry{JobID: "job-limit", Action: ActionFinished, Status: StatusOK}))
	}

	entries, err := ledger.List("job-limit", 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Zero limit falls back to the ledger cap
	entries, err = ledger.List("job-limit", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestLedger_DefaultLimit(t *testing.T) {
	db := createTestDB(t)
	ledger := NewLedger(db, 0)
	assert.Equal(t, DefaultHistoryLimit, ledger.limit)
}
