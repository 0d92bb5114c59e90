// ABOUTME: Unit tests for the audit log append and filtered listing
// ABOUTME: Runs against an in-memory SQLite database

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAndList(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Entry{
		Action:   ActionPairingApproved,
		DeviceID: "d1",
		Detail:   map[string]any{"role": "operator"},
	}))

	entries, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionPairingApproved, entries[0].Action)
	assert.Equal(t, "d1", entries[0].DeviceID)
	assert.Equal(t, "operator", entries[0].Detail["role"])
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestList_Filters(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, l.Append(ctx, Entry{Action: ActionConnectAccepted, DeviceID: "d1", Timestamp: base}))
	require.NoError(t, l.Append(ctx, Entry{Action: ActionConnectRejected, DeviceID: "d2", Timestamp: base.Add(time.Minute)}))
	require.NoError(t, l.Append(ctx, Entry{Action: ActionConnectAccepted, DeviceID: "d2", Timestamp: base.Add(2 * time.Minute)}))

	byAction, err := l.List(ctx, Filter{Action: ActionConnectAccepted})
	require.NoError(t, err)
	assert.Len(t, byAction, 2)

	byDevice, err := l.List(ctx, Filter{DeviceID: "d2"})
	require.NoError(t, err)
	assert.Len(t, byDevice, 2)

	since, err := l.List(ctx, Filter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 1)

	limited, err := l.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ActionConnectAccepted, limited[0].Action, "newest entry first")
}

func TestList_EmptyReturnsSlice(t *testing.T) {
	l := newTestLog(t)
	entries, err := l.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestRecord_DoesNotFail(t *testing.T) {
	l := newTestLog(t)
	l.Record(context.Background(), ActionConnectRejected, "d1", map[string]any{"reason": "token_mismatch"})

	entries, err := l.List(context.Background(), Filter{Action: ActionConnectRejected})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
