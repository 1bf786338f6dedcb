package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	legal := map[Status][]Status{
		StatusPending:    {StatusProcessing, StatusFailed, StatusTimeout},
		StatusProcessing: {StatusCompleted, StatusFailed, StatusTimeout},
		StatusCompleted:  {},
		StatusFailed:     {},
		StatusTimeout:    {},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, allowed := range legal[from] {
				if allowed == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusTimeout.IsTerminal())

	assert.Panics(t, func() { Status("cancelled").IsTerminal() })
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, status)

	_, err = ParseStatus("PROCESSING")
	assert.Error(t, err)
}

func TestJob_Clone(t *testing.T) {
	job := Job{
		ID:       "job-1",
		Status:   StatusCompleted,
		Result:   &Result{Content: "pong"},
		Metadata: map[string]string{"k": "v"},
	}

	clone := job.Clone()
	clone.Result.Content = "changed"
	clone.Metadata["k"] = "changed"

	assert.Equal(t, "pong", job.Result.Content)
	assert.Equal(t, "v", job.Metadata["k"])
}
