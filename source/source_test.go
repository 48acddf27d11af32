package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateflow/gateflow/types"
)

func TestNormalize(t *testing.T) {
	adapter := NewAdapter()

	tests := []struct {
		name     string
		raw      string
		wantKind types.EventKind
		wantSubj string
	}{
		{
			name:     "canonical marker",
			raw:      `{"kind":"pr_opened","subject":"pr-42"}`,
			wantKind: types.EventPROpened,
			wantSubj: "pr-42",
		},
		{
			name:     "host alias in event field",
			raw:      `{"event":"pull_request.synchronize","pr_id":"pr-7"}`,
			wantKind: types.EventPRUpdated,
			wantSubj: "pr-7",
		},
		{
			name:     "host alias in action field",
			raw:      `{"action":"analysis.completed","subject":"pr-9"}`,
			wantKind: types.EventIssuesReported,
			wantSubj: "pr-9",
		},
		{
			name:     "approval",
			raw:      `{"kind":"pr_approved","subject":"pr-3","payload":{"approver":"lead"}}`,
			wantKind: types.EventPRApproved,
			wantSubj: "pr-3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := adapter.Normalize([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, ev.Kind)
			assert.Equal(t, tt.wantSubj, ev.Subject)
			assert.NotEmpty(t, ev.ID)
			assert.NotZero(t, ev.ReceivedAt)
		})
	}
}

func TestNormalizeUnrecognized(t *testing.T) {
	adapter := NewAdapter()

	for _, raw := range []string{
		`{"kind":"tag_pushed","subject":"v1.2.3"}`,
		`{"subject":"pr-1"}`,
		`not json at all`,
	} {
		_, err := adapter.Normalize([]byte(raw))
		assert.ErrorIs(t, err, ErrUnrecognizedEventKind, "payload %q", raw)
	}
}

func TestNormalizeDistinctIDs(t *testing.T) {
	adapter := NewAdapter()

	a, err := adapter.Normalize([]byte(`{"kind":"pr_opened","subject":"pr-1"}`))
	require.NoError(t, err)
	b, err := adapter.Normalize([]byte(`{"kind":"pr_opened","subject":"pr-1"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestManualInvoke(t *testing.T) {
	ev := ManualInvoke("code-simplification", "repo-main")

	assert.Equal(t, types.EventManualInvoke, ev.Kind)
	assert.Equal(t, "repo-main", ev.Subject)
	assert.Equal(t, "code-simplification", ev.Payload["workflow"])
	assert.NotEmpty(t, ev.ID)
}
