package trend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elonfeng/debaterank/internal/store"
	"github.com/elonfeng/debaterank/pkg/dbrouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeActivityStore struct {
	events []store.Event
	votes  int
	err    error
	limit  int
	modes  []dbrouter.Mode
}

func (f *fakeActivityStore) RecentActivity(ctx context.Context, limit int) ([]store.Event, error) {
	if st, ok := dbrouter.FromContext(ctx); ok {
		f.modes = append(f.modes, st.Mode())
	}
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func (f *fakeActivityStore) CountVotes(ctx context.Context) (int, error) {
	return f.votes, nil
}

func newTestTracker(t *testing.T, fs *fakeActivityStore) (*ActivityTracker, *observer.ObservedLogs) {
	t.Helper()
	router, err := dbrouter.New(dbrouter.Config{Primary: "primary", Replicas: []string{"replica-a"}})
	require.NoError(t, err)
	core, logs := observer.New(zapcore.InfoLevel)
	return NewActivityTracker(fs, router, zap.New(core), nil), logs
}

func TestActivityRefresh(t *testing.T) {
	fs := &fakeActivityStore{
		events: []store.Event{{Kind: "vote", SubmissionID: "a", At: now}},
		votes:  42,
	}
	tr, _ := newTestTracker(t, fs)

	_, ok := tr.Snapshot()
	assert.False(t, ok)

	require.NoError(t, tr.Refresh(context.Background(), now))

	snap, ok := tr.Snapshot()
	require.True(t, ok)
	assert.Equal(t, fs.events, snap.Events)
	assert.Equal(t, 42, snap.TotalVotes)
	assert.True(t, now.Equal(snap.UpdatedAt))
	assert.Equal(t, DefaultActivityLimit, fs.limit)
	assert.Equal(t, []dbrouter.Mode{dbrouter.ReadOnly}, fs.modes)
}

func TestActivityRefreshFailureKeepsSnapshotAndLogsOnce(t *testing.T) {
	fs := &fakeActivityStore{votes: 1}
	tr, logs := newTestTracker(t, fs)

	require.NoError(t, tr.Refresh(context.Background(), now))

	fs.err = errors.New("replica down")
	for i := 0; i < 3; i++ {
		assert.Error(t, tr.Refresh(context.Background(), now.Add(time.Duration(i+1)*10*time.Second)))
	}
	assert.Equal(t, 1, logs.FilterMessage("refresh recent activity").Len())

	snap, ok := tr.Snapshot()
	require.True(t, ok)
	assert.True(t, now.Equal(snap.UpdatedAt))

	// Recovery re-arms the error log.
	fs.err = nil
	require.NoError(t, tr.Refresh(context.Background(), now.Add(time.Minute)))
	fs.err = errors.New("replica down again")
	assert.Error(t, tr.Refresh(context.Background(), now.Add(2*time.Minute)))
	assert.Equal(t, 2, logs.FilterMessage("refresh recent activity").Len())
}
