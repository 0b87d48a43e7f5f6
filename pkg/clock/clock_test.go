package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveCurrentAndNext(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want [2]Period
	}{
		{
			name: "day 15 is first-half boundary",
			now:  time.Date(2026, 2, 15, 12, 0, 0, 0, ArgentinaLocation),
			want: [2]Period{{202602, 1}, {202602, 2}},
		},
		{
			name: "day 16 straddles into next month's first order",
			now:  time.Date(2026, 2, 16, 0, 5, 0, 0, ArgentinaLocation),
			want: [2]Period{{202602, 2}, {202603, 1}},
		},
		{
			name: "december rolls over to next year",
			now:  time.Date(2026, 12, 20, 0, 0, 0, 0, ArgentinaLocation),
			want: [2]Period{{202612, 2}, {202701, 1}},
		},
		{
			name: "day 1 is first-half",
			now:  time.Date(2026, 3, 1, 0, 0, 0, 0, ArgentinaLocation),
			want: [2]Period{{202603, 1}, {202603, 2}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveCurrentAndNext(tc.now)
			assert.Equal(t, tc.want, got)
		})
	}
}
