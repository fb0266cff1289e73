package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name string
	runs atomic.Int64
	err  error
}

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func (j *countingJob) Name() string { return j.name }

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestAddJob_ValidSchedule(t *testing.T) {
	s := New(testLogger())
	job := &countingJob{name: "test_job"}

	require.NoError(t, s.AddJob("@daily", job))

	statuses := s.Jobs()
	require.Len(t, statuses, 1)
	assert.Equal(t, "test_job", statuses[0].Name)
	assert.Equal(t, "@daily", statuses[0].Schedule)
	assert.Nil(t, statuses[0].LastRun)
	assert.Empty(t, statuses[0].LastErr)
}

func TestAddJob_InvalidSchedule(t *testing.T) {
	s := New(testLogger())
	err := s.AddJob("not a schedule", &countingJob{name: "bad"})
	assert.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestRunNow(t *testing.T) {
	s := New(testLogger())
	job := &countingJob{name: "immediate"}

	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int64(1), job.runs.Load())

	job.err = errors.New("boom")
	assert.Error(t, s.RunNow(job))
	assert.Equal(t, int64(2), job.runs.Load())
}

func TestJobs_RecordsLastRunAndError(t *testing.T) {
	s := New(testLogger())
	job := &countingJob{name: "failing", err: errors.New("disk full")}
	require.NoError(t, s.AddJob("@daily", job))

	// Drive the entry directly rather than waiting on the cron clock.
	s.runEntry(s.jobs[0])

	statuses := s.Jobs()
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].LastRun)
	assert.Equal(t, "disk full", statuses[0].LastErr)
	assert.Equal(t, int64(1), job.runs.Load())
}

func TestJobs_NextRunPopulatedWhenRunning(t *testing.T) {
	s := New(testLogger())
	require.NoError(t, s.AddJob("@daily", &countingJob{name: "scheduled"}))

	s.Start()
	defer s.Stop()

	statuses := s.Jobs()
	require.Len(t, statuses, 1)
	assert.NotNil(t, statuses[0].NextRun)
}
