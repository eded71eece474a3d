// ABOUTME: Tests for roster round-trip fidelity and message log rollover.
// ABOUTME: Uses t.TempDir session directories throughout.

package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonhq/baton/internal/agent"
	"github.com/batonhq/baton/internal/protocol"
)

func TestRosterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	roster, err := NewRoster(dir)
	require.NoError(t, err)
	ctx := context.Background()

	want := []agent.Record{
		{ID: "a1", Name: "Frontend Expert", Type: "frontend-specialist", Status: agent.StatusIdle,
			Capabilities: []string{"ui", "css"}, StartTime: time.Now().UTC().Truncate(time.Second), TasksCompleted: 3},
		{ID: "a2", Name: "Backend Expert", Type: "backend-specialist", Status: agent.StatusWorking,
			StartTime: time.Now().UTC().Truncate(time.Second)},
		{ID: "a3", Name: "Tester", Type: "test-engineer", Status: agent.StatusError,
			StartTime: time.Now().UTC().Truncate(time.Second)},
	}
	require.NoError(t, roster.SaveRoster(ctx, want))

	got, err := roster.LoadRoster(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Type, got[i].Type)
		assert.Equal(t, want[i].Status, got[i].Status)
		assert.Equal(t, want[i].Capabilities, got[i].Capabilities)
		assert.Equal(t, want[i].TasksCompleted, got[i].TasksCompleted)
	}
}

func TestRosterMissingFileLoadsEmpty(t *testing.T) {
	roster, err := NewRoster(t.TempDir())
	require.NoError(t, err)

	got, err := roster.LoadRoster(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRosterCorruptFileErrors(t *testing.T) {
	dir := t.TempDir()
	roster, err := NewRoster(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.json"), []byte("{not json"), 0o644))

	_, err = roster.LoadRoster(context.Background())
	assert.Error(t, err)
}

func TestRosterSaveReplacesPrevious(t *testing.T) {
	roster, err := NewRoster(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, roster.SaveRoster(ctx, []agent.Record{{ID: "a1"}, {ID: "a2"}}))
	require.NoError(t, roster.SaveRoster(ctx, []agent.Record{{ID: "a2"}}))

	got, err := roster.LoadRoster(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].ID)
}

func TestMessageLogAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	log, err := NewMessageLog(dir, LogOptions{}, nil)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		env := protocol.MustEnvelope(protocol.Heartbeat, protocol.HeartbeatPayload{AgentID: fmt.Sprintf("a%d", i)})
		ids = append(ids, env.ID)
		log.Append(env)
	}

	got := log.Messages()
	require.Len(t, got, 5)
	for i, env := range got {
		assert.Equal(t, ids[i], env.ID)
	}

	// A fresh log over the same directory replays the same history.
	reopened, err := NewMessageLog(dir, LogOptions{}, nil)
	require.NoError(t, err)
	replayed := reopened.Messages()
	require.Len(t, replayed, 5)
	assert.Equal(t, ids[0], replayed[0].ID)
	assert.Equal(t, ids[4], replayed[4].ID)
}

func TestMessageLogRollsSegments(t *testing.T) {
	dir := t.TempDir()
	// Tiny cap so every couple of envelopes rolls a segment.
	log, err := NewMessageLog(dir, LogOptions{MaxSegmentBytes: 300}, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		log.Append(protocol.MustEnvelope(protocol.Heartbeat, nil))
	}

	assert.Greater(t, log.SegmentCount(), 1)
	assert.Len(t, log.Messages(), 10)
}

func TestMessageLogHistoryLimitDropsOldest(t *testing.T) {
	log, err := NewMessageLog(t.TempDir(), LogOptions{HistoryLimit: 3}, nil)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		env := protocol.MustEnvelope(protocol.Heartbeat, nil)
		ids = append(ids, env.ID)
		log.Append(env)
	}

	got := log.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[4], got[2].ID)
}
