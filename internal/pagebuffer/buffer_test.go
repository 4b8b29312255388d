package pagebuffer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thereferee/harvester/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSaveMarkSaved_RemovesFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	buf, err := New(dir, testLogger())
	require.NoError(t, err)

	page := model.BufferedPage{JobID: "job1", PageNum: 3, Papers: []model.ScrapedPaper{{Title: "x"}}}
	require.NoError(t, buf.SavePage(page))

	_, err = os.Stat(buf.inProgressPath("job1", 3))
	require.NoError(t, err)

	require.NoError(t, buf.MarkSaved("job1", 3))

	_, err = os.Stat(buf.inProgressPath("job1", 3))
	assert.True(t, os.IsNotExist(err))
}

func TestMarkFailed_MovesToRetryableThenPermanent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	buf, err := New(dir, testLogger())
	require.NoError(t, err)

	page := model.BufferedPage{JobID: "job2", PageNum: 1, Papers: []model.ScrapedPaper{{Title: "x"}}}
	require.NoError(t, buf.SavePage(page))

	for i := 0; i < MaxRetries; i++ {
		require.NoError(t, buf.MarkFailed("job2", 1, "db down"))
	}

	_, err = os.Stat(buf.failedPath("job2", 1))
	require.NoError(t, err)

	require.NoError(t, buf.MarkFailed("job2", 1, "db still down"))

	_, err = os.Stat(buf.permanentPath("job2", 1))
	require.NoError(t, err, "page should move to permanent_failed once retries exceed MaxRetries")
}

func TestMarkFailed_NoBufferedPage(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	buf, err := New(dir, testLogger())
	require.NoError(t, err)

	err = buf.MarkFailed("missing", 9, "boom")
	require.ErrorIs(t, err, ErrPageNotFound)
}

func TestPendingPages_SkipsOverRetryCap(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	buf, err := New(dir, testLogger())
	require.NoError(t, err)

	page := model.BufferedPage{JobID: "job3", PageNum: 2, Papers: []model.ScrapedPaper{{Title: "x"}}}
	require.NoError(t, buf.SavePage(page))
	require.NoError(t, buf.MarkFailed("job3", 2, "timeout"))

	over := model.BufferedPage{JobID: "job3b", PageNum: 1, Papers: []model.ScrapedPaper{{Title: "y"}}}
	require.NoError(t, buf.SavePage(over))

	for i := 0; i < MaxRetries; i++ {
		require.NoError(t, buf.MarkFailed("job3b", 1, "timeout"))
	}

	pending, err := buf.PendingPages(MaxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job3", pending[0].JobID)

	_, err = os.Stat(buf.permanentPath("job3b", 1))
	require.NoError(t, err, "page at the retry cap should be moved to permanent_failed, not returned")
}

type fakeWriter struct {
	fail map[string]bool
}

func (f *fakeWriter) WritePage(_ context.Context, page model.BufferedPage) error {
	if f.fail[page.JobID] {
		return errors.New("simulated write failure")
	}

	return nil
}

func TestDrainOnce_MarksSavedOnSuccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir := t.TempDir()
	buf, err := New(dir, testLogger())
	require.NoError(t, err)

	page := model.BufferedPage{JobID: "job4", PageNum: 1, Papers: []model.ScrapedPaper{{Title: "x"}}}
	require.NoError(t, buf.SavePage(page))
	require.NoError(t, buf.MarkFailed("job4", 1, "timeout"))

	buf.drainOnce(context.Background(), &fakeWriter{})

	_, err = os.Stat(buf.failedPath("job4", 1))
	assert.True(t, os.IsNotExist(err))
}
