package journal

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/engine"
	"github.com/roach88/flbridge/internal/testutil"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func envelope(id, op string, attempt int) command.RequestEnvelope {
	cmd := command.New(command.ChannelLive, op, command.NewArgs("track", 1, "volume", 0.8)).WithRequestID(id)
	return command.RequestEnvelope{
		Command:   cmd,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Attempt:   attempt,
	}
}

func TestOpen_AppliesPragmasAndVersion(t *testing.T) {
	j := openTestJournal(t)

	var mode string
	require.NoError(t, j.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var version int
	require.NoError(t, j.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.RequestStarted(1, envelope("a", "mixer.setTrackVolume", 1)))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	rec, err := j.Get(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateInFlight, rec.State)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestRequestLifecycle(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RequestStarted(1, envelope("a", "mixer.setTrackVolume", 1)))
	require.NoError(t, j.RequestFinished(2, "a", engine.OutcomeOK, 2, ""))

	rec, err := j.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, string(engine.OutcomeOK), rec.State)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, command.ChannelLive, rec.Channel)
	assert.Equal(t, "mixer.setTrackVolume", rec.Op)
	assert.JSONEq(t, `{"track":1,"volume":0.8}`, rec.Args)
	assert.Empty(t, rec.Error)
	assert.False(t, rec.FinishedAt.IsZero())

	missing, err := j.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRequestFinished_RecordsError(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.RequestStarted(1, envelope("a", "channels.selectChannel", 1)))
	require.NoError(t, j.RequestFinished(2, "a", engine.OutcomeDomain, 1, "channel index out of range"))

	rec, err := j.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, string(engine.OutcomeDomain), rec.State)
	assert.Equal(t, "channel index out of range", rec.Error)
}

func TestRecoverOrphans(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RequestStarted(1, envelope("done", "transport.start", 1)))
	require.NoError(t, j.RequestFinished(2, "done", engine.OutcomeOK, 1, ""))
	require.NoError(t, j.RequestStarted(3, envelope("stuck", "transport.stop", 1)))

	orphans, err := j.RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "stuck", orphans[0].RequestID)
	assert.Equal(t, StateOrphaned, orphans[0].State)

	rec, err := j.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, StateOrphaned, rec.State)

	again, err := j.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDiscards(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.ResponseDiscarded(5, command.ChannelBatch, "old", "late"))
	require.NoError(t, j.ResponseDiscarded(6, command.ChannelLive, "", "malformed"))

	ds, err := j.Discards(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, int64(6), ds[0].Seq)
	assert.Equal(t, "malformed", ds[0].Reason)
	assert.Equal(t, command.ChannelBatch, ds[1].Channel)
	assert.Equal(t, "old", ds[1].RequestID)
}

func TestRecentAndLastSeq(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	seq, err := j.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	require.NoError(t, j.RequestStarted(1, envelope("a", "transport.start", 1)))
	require.NoError(t, j.RequestStarted(2, envelope("b", "transport.stop", 1)))
	require.NoError(t, j.RequestFinished(3, "a", engine.OutcomeOK, 1, ""))
	require.NoError(t, j.ResponseDiscarded(4, command.ChannelLive, "x", "unmatched"))

	recs, err := j.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].RequestID)

	seq, err = j.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)
}

func TestPrune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	clock := testutil.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	j.now = clock.Now

	require.NoError(t, j.RequestStarted(1, envelope("old-done", "transport.start", 1)))
	require.NoError(t, j.RequestFinished(2, "old-done", engine.OutcomeOK, 1, ""))
	require.NoError(t, j.RequestStarted(3, envelope("old-flight", "transport.stop", 1)))
	require.NoError(t, j.ResponseDiscarded(4, command.ChannelLive, "x", "unmatched"))
	clock.Advance(365 * 24 * time.Hour)
	require.NoError(t, j.RequestStarted(5, envelope("fresh", "transport.start", 1)))
	require.NoError(t, j.RequestFinished(6, "fresh", engine.OutcomeOK, 1, ""))

	n, err := j.Prune(ctx, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rec, err := j.Get(ctx, "old-flight")
	require.NoError(t, err)
	assert.NotNil(t, rec, "in-flight rows survive pruning")
	rec, err = j.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestJournal_AsEngineRecorder(t *testing.T) {
	var _ engine.Recorder = (*Journal)(nil)
}
