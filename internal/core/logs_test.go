package core

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededScheduler() *Scheduler {
	s := NewScheduler(exitCodes(0), discardLogger(), time.UTC)
	seed := func(id, project string, status TaskStatus, logs ...string) {
		s.tasks[id] = &Task{
			ID:          id,
			ProjectName: project,
			Status:      status,
			Logs:        logs,
			CreatedAt:   time.Now().UTC(),
		}
		s.order = append(s.order, id)
	}
	seed("acme_00000001", "acme", TaskStatusCompleted,
		"command: imapsync --host1 imap.old.example",
		"sync ok for alice@old.example -> alice@new.example")
	seed("acme_00000002", "acme", TaskStatusFailed,
		"stderr: Error login on host2",
		"sync failed for bob@old.example -> bob@new.example (exit 1)")
	seed("beta_00000003", "beta", TaskStatusRunning,
		"command: imapsync --host1 imap.beta.example")
	seed("beta_00000004", "beta", TaskStatusStopped,
		"sync stopped manually")
	return s
}

func TestParseStatusFilter(t *testing.T) {
	for _, value := range []string{"", "all", "Running", " completed ", "failed", "STOPPED"} {
		_, err := ParseStatusFilter(value)
		assert.NoError(t, err, value)
	}
	_, err := ParseStatusFilter("bogus")
	assert.Error(t, err)
}

func TestFilterTasks(t *testing.T) {
	s := seededScheduler()

	all := s.FilterTasks(FilterAll)
	require.Len(t, all, 4)
	assert.Equal(t, "acme_00000001", all[0].ID)
	assert.Equal(t, "beta_00000004", all[3].ID)

	failed := s.FilterTasks(FilterFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "acme_00000002", failed[0].ID)

	running := s.FilterTasks(FilterRunning)
	require.Len(t, running, 1)
	assert.Equal(t, "beta_00000003", running[0].ID)
}

func TestSearchLogs(t *testing.T) {
	s := seededScheduler()

	matches := s.SearchLogs("ERROR")
	require.Len(t, matches, 1)
	assert.Equal(t, "acme_00000002", matches[0].TaskID)
	assert.Contains(t, matches[0].Line, "Error login")

	matches = s.SearchLogs("imapsync --host1")
	assert.Len(t, matches, 2)

	assert.Nil(t, s.SearchLogs(""))
	assert.Empty(t, s.SearchLogs("no such line"))
}

func TestExportLogs(t *testing.T) {
	s := seededScheduler()

	var buf strings.Builder
	require.NoError(t, s.ExportLogs(&buf))
	out := buf.String()

	assert.Contains(t, out, "=== Task: acme_00000001 ===")
	assert.Contains(t, out, "Project: acme\nStatus: completed\nLogs:\n")
	assert.Contains(t, out, "sync stopped manually")
	// Tasks appear in submission order.
	assert.Less(t, strings.Index(out, "acme_00000001"), strings.Index(out, "beta_00000004"))
}

func TestSummarize(t *testing.T) {
	s := seededScheduler()

	sum := s.Summarize()
	assert.Equal(t, 4, sum.Total)
	assert.Equal(t, 1, sum.Running)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Stopped)

	require.Len(t, sum.Projects, 2)
	assert.Equal(t, "acme", sum.Projects[0].Project)
	assert.Equal(t, 2, sum.Projects[0].Total)
	assert.Equal(t, 1, sum.Projects[0].Failed)
	assert.Equal(t, "beta", sum.Projects[1].Project)
	assert.Equal(t, 1, sum.Projects[1].Stopped)
}
