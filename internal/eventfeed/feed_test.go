package eventfeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/specialistvlad/buildgridgo/internal/event"
	"github.com/specialistvlad/buildgridgo/internal/run"
	"github.com/specialistvlad/buildgridgo/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []event.Event
	err    error
}

func (s *recordingSink) Submit(ev event.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func TestDecode_VcsCommitFromObject(t *testing.T) {
	// --- Arrange ---
	payload := map[string]any{
		"delivery_id":   "d-1",
		"vcs_root_id":   "Main",
		"branch":        "feature/x",
		"changed_paths": []any{"src/a.go", "docs/b.md"},
	}

	// --- Act ---
	ev, err := Decode(EventVcsCommit, payload)

	// --- Assert ---
	require.NoError(t, err)
	commit, ok := ev.(event.VcsCommit)
	require.True(t, ok)
	assert.Equal(t, "d-1", commit.DeliveryID())
	assert.Equal(t, "Main", commit.VcsRootID)
	assert.Equal(t, "feature/x", commit.Branch)
	assert.Equal(t, []string{"src/a.go", "docs/b.md"}, commit.ChangedPaths)
}

func TestDecode_RawTextAndGeneratedDeliveryID(t *testing.T) {
	ev, err := Decode(EventScheduleTick, `{"time":"2026-10-19T03:00:00Z"}`)
	require.NoError(t, err)

	tick := ev.(event.ScheduleTick)
	assert.Equal(t, time.Date(2026, 10, 19, 3, 0, 0, 0, time.UTC), tick.Time.UTC())
	assert.NotEmpty(t, tick.DeliveryID())
}

func TestDecode_AgentState(t *testing.T) {
	ev, err := Decode(EventAgentState, []byte(`{"agent_id":"linux-1","capabilities":{"os":"linux"},"enabled":true}`))
	require.NoError(t, err)

	state := ev.(event.AgentStateChanged)
	assert.Equal(t, "linux-1", state.AgentID)
	assert.Equal(t, map[string]string{"os": "linux"}, state.Capabilities)
	assert.True(t, state.Enabled)
	assert.False(t, state.Removed)
}

func TestDecode_Errors(t *testing.T) {
	testCases := []struct {
		name      string
		event     string
		payload   any
		errSubstr string
	}{
		{"unknown event", "deploy_now", map[string]any{}, `unknown event "deploy_now"`},
		{"null payload", EventVcsCommit, nil, "payload is null"},
		{"malformed json", EventVcsCommit, `{"branch":`, "failed to decode vcs_commit"},
		{"commit without branch", EventVcsCommit, map[string]any{"vcs_root_id": "Main"}, "branch is required"},
		{"tick without time", EventScheduleTick, map[string]any{}, "time is required"},
		{"agent without id", EventAgentState, map[string]any{"enabled": true}, "agent_id is required"},
		{"wrong field type", EventAgentState, map[string]any{"agent_id": 7}, "failed to decode agent_state"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.event, tc.payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSubstr)
		})
	}
}

func TestDispatch_SubmitsDecodedEvent(t *testing.T) {
	// --- Arrange ---
	ctx, logs := testutil.NewTestContext(t)
	sink := &recordingSink{}

	// --- Act ---
	err := dispatch(ctx, sink, EventVcsCommit, map[string]any{"branch": "main"}, "ack")

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, event.KindVcsCommit, sink.events[0].Kind())
	assert.Contains(t, logs.String(), "Event submitted.")
}

func TestDispatch_Errors(t *testing.T) {
	ctx, _ := testutil.NewTestContext(t)

	err := dispatch(ctx, &recordingSink{}, EventVcsCommit)
	assert.EqualError(t, err, "event has no payload")

	full := &recordingSink{err: errors.New("event queue is full")}
	err = dispatch(ctx, full, EventScheduleTick, map[string]any{"time": "2026-10-19T03:00:00Z"})
	assert.EqualError(t, err, "failed to submit schedule_tick: event queue is full")
}

func TestToPayload_UsesWireNames(t *testing.T) {
	payload, err := toPayload(event.BuildFinished{
		Meta:        event.Meta{ID: "d-9"},
		BuildTypeID: "Deploy",
		Branch:      "main",
		RunID:       42,
		Outcome:     run.Failed,
	})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"delivery_id":   "d-9",
		"build_type_id": "Deploy",
		"branch":        "main",
		"run_id":        float64(42),
		"outcome":       "Failed",
	}, payload)
}

func TestConnect_RejectsRelativeURL(t *testing.T) {
	ctx, _ := testutil.NewTestContext(t)

	_, err := Connect(ctx, Options{URL: "/socket.io/"}, &recordingSink{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be absolute")
}

func TestConnect_FailsWhenBusIsUnreachable(t *testing.T) {
	ctx, _ := testutil.NewTestContext(t)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := Connect(ctx, Options{URL: "http://127.0.0.1:1/socket.io/", ConnectTimeout: 500 * time.Millisecond}, &recordingSink{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket.io connection")
}
