package us

import (
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestSettled(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	days := []alpaca.CalendarDay{{Date: "2024-03-07"}, {Date: "2024-03-08"}, {Date: "2024-03-11"}}

	cases := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2024, 3, 11, 12, 0, 0, 0, et), "2024-03-08"},
		{time.Date(2024, 3, 11, 20, 30, 0, 0, et), "2024-03-11"},
		{time.Date(2024, 3, 9, 9, 0, 0, 0, et), "2024-03-08"},
	}
	for _, tc := range cases {
		got, err := latestSettled(days, tc.now)
		require.NoError(t, err, "now %v", tc.now)
		assert.Equal(t, tc.want, got.Format(time.DateOnly), "now %v", tc.now)
	}

	_, err = latestSettled(days[:1], time.Date(2024, 3, 7, 10, 0, 0, 0, et))
	assert.Error(t, err, "no day has settled")
}
