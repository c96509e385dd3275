package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAndRetrieveLatestEvent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, LogRunEvent(ctx, db, "run1", EventRunStart, "/in", "", "started", nil))
	dur := 1500 * time.Millisecond
	require.NoError(t, LogRunEvent(ctx, db, "run1", EventRunDone, "", "/out", "completed", &dur))

	event, ts, message, found, err := GetLatestRunEvent(ctx, db, "run1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, EventRunDone, event)
	assert.Equal(t, "completed", message)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestGetLatestRunEventNotFound(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()

	_, _, _, found, err := GetLatestRunEvent(context.Background(), db, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunCompleted(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, LogRunEvent(ctx, db, "run1", EventRunStart, "", "", "", nil))
	done, err := RunCompleted(ctx, db, "run1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, LogRunEvent(ctx, db, "run1", EventRunDone, "", "", "", nil))
	done, err = RunCompleted(ctx, db, "run1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestListRecentRuns(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, LogRunEvent(ctx, db, "old", EventRunStart, "", "", "", nil))
	require.NoError(t, LogRunEvent(ctx, db, "old", EventRunAborted, "", "", "boom", nil))
	require.NoError(t, LogRunEvent(ctx, db, "new", EventRunStart, "", "", "", nil))

	summaries, err := ListRecentRuns(ctx, db, 10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "new", summaries[0].RunID)
	assert.Equal(t, EventRunStart, summaries[0].LastEvent)
	assert.Equal(t, "old", summaries[1].RunID)
	assert.Equal(t, EventRunAborted, summaries[1].LastEvent)
	assert.Equal(t, "boom", summaries[1].LastDetail)
	assert.Equal(t, 2, summaries[1].Events)
}
