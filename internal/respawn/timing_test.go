package respawn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimingHistoryWindowBound(t *testing.T) {
	t.Parallel()

	history := NewTimingHistory(3)
	for i := 1; i <= 5; i++ {
		history.Push(time.Duration(i) * time.Second)
	}
	require.Equal(t, 3, history.Len())
	// 3s, 4s, 5s remain.
	assert.Equal(t, 4*time.Second, history.MovingAverage())
}

func TestTimingHistoryIgnoresNonPositive(t *testing.T) {
	t.Parallel()

	history := NewTimingHistory(5)
	history.Push(0)
	history.Push(-time.Second)
	assert.Equal(t, 0, history.Len())
	assert.Equal(t, time.Duration(0), history.MovingAverage())
}

func TestConfirmDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []time.Duration
		want    time.Duration
	}{
		{
			name: "base without history",
			want: 10 * time.Second,
		},
		{
			name:    "halved moving average inside bounds",
			samples: []time.Duration{20 * time.Second, 40 * time.Second},
			want:    15 * time.Second,
		},
		{
			name:    "clamped to lower bound",
			samples: []time.Duration{time.Second},
			want:    3 * time.Second,
		},
		{
			name:    "clamped to upper bound",
			samples: []time.Duration{10 * time.Minute},
			want:    60 * time.Second,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			history := NewTimingHistory(5)
			for _, sample := range tc.samples {
				history.Push(sample)
			}
			delay := history.ConfirmDelay(10*time.Second, 3*time.Second, 60*time.Second)
			assert.Equal(t, tc.want, delay)
		})
	}
}
