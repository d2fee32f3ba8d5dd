package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := New("upload_1_abc", 7*24*time.Hour)
	st.CurrentStep = StepTranscription
	st.TotalAudioChunks = 5
	st.CompletedAudioChunks[0] = struct{}{}
	st.CompletedAudioChunks[1] = struct{}{}
	st.TranscriptionSegments = []TranscriptionSegment{{Start: 0, Duration: 1.2, Text: "hello", Confidence: 0.9}}

	require.NoError(t, s.Save(ctx, st, SaveOptions{}))

	got, err := s.Load(ctx, "upload_1_abc")
	require.NoError(t, err)
	assert.Equal(t, StepTranscription, got.CurrentStep)
	assert.Len(t, got.CompletedAudioChunkIndices(), 2)
	require.Len(t, got.TranscriptionSegments, 1)
	assert.Equal(t, "hello", got.TranscriptionSegments[0].Text)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "upload_nope")
	require.True(t, werr.Is(err, werr.NotFound), "expected NotFound, got %v", err)
}

func TestSaveIncrementVersionRejectsStaleWrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := New("upload_2", time.Hour)
	require.NoError(t, s.Save(ctx, st, SaveOptions{IncrementVersion: true}))
	firstVersion := st.Version

	// A second writer loads an independent (stale) copy of the same row.
	stale, err := s.Load(ctx, "upload_2")
	require.NoError(t, err)
	stale.Version = firstVersion - 1 // simulate a stale in-memory copy

	assert.Error(t, s.Save(ctx, stale, SaveOptions{IncrementVersion: true}), "expected a version conflict error for a stale CAS write")
}

func TestSaveIncrementRetryBumpsRetryCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := New("upload_3", time.Hour)
	require.NoError(t, s.Save(ctx, st, SaveOptions{IncrementRetry: true}))
	assert.Equal(t, 1, st.RetryCount)

	require.NoError(t, s.Save(ctx, st, SaveOptions{IncrementRetry: true}))
	assert.Equal(t, 2, st.RetryCount)
}

func TestDeleteRemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := New("upload_4", time.Hour)
	require.NoError(t, s.Save(ctx, st, SaveOptions{}))
	require.NoError(t, s.Delete(ctx, "upload_4"))

	_, err := s.Load(ctx, "upload_4")
	assert.True(t, werr.Is(err, werr.NotFound), "expected NotFound after delete, got %v", err)
}

func TestSweepRemovesExpiredRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	expired := New("upload_expired", -time.Hour) // already expired
	require.NoError(t, s.Save(ctx, expired, SaveOptions{}))
	fresh := New("upload_fresh", time.Hour)
	require.NoError(t, s.Save(ctx, fresh, SaveOptions{}))

	n, err := s.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Load(ctx, "upload_fresh")
	assert.NoError(t, err, "expected fresh row to survive sweep")
}

func TestExpiredReportsTTLPassed(t *testing.T) {
	st := New("u", -time.Minute)
	assert.True(t, st.Expired(time.Now()), "expected Expired to report true for a past ExpiresAt")
}
