package record_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/routine-engine/record"
)

func TestZRoutineRun_DateRange(t *testing.T) {
	started := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)
	run := record.ZRoutineRun{StartedAt: started, Duration: 45 * time.Minute}

	start, end := run.DateRange()

	assert.Equal(t, started, start)
	assert.Equal(t, started.Add(45*time.Minute), end)
}

func TestZRoutineRun_DateRangeWithoutDuration(t *testing.T) {
	started := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

	start, end := record.ZRoutineRun{StartedAt: started}.DateRange()

	assert.Equal(t, start, end)
}
