package core

import (
	"fmt"
	"io"
	"strings"
)

// StatusFilter narrows task listings by lifecycle state.
type StatusFilter string

const (
	FilterAll       StatusFilter = "all"
	FilterRunning   StatusFilter = "running"
	FilterCompleted StatusFilter = "completed"
	FilterFailed    StatusFilter = "failed"
	FilterStopped   StatusFilter = "stopped"
)

// ParseStatusFilter maps a user-supplied string onto a filter; empty means all.
func ParseStatusFilter(value string) (StatusFilter, error) {
	switch StatusFilter(strings.ToLower(strings.TrimSpace(value))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterRunning:
		return FilterRunning, nil
	case FilterCompleted:
		return FilterCompleted, nil
	case FilterFailed:
		return FilterFailed, nil
	case FilterStopped:
		return FilterStopped, nil
	default:
		return "", fmt.Errorf("unknown status filter %q", value)
	}
}

func (f StatusFilter) matches(status TaskStatus) bool {
	switch f {
	case FilterRunning:
		return status == TaskStatusRunning
	case FilterCompleted:
		return status == TaskStatusCompleted
	case FilterFailed:
		return status == TaskStatusFailed
	case FilterStopped:
		return status == TaskStatusStopped
	default:
		return true
	}
}

// FilterTasks returns snapshots of the tasks matching the filter, in
// submission order.
func (s *Scheduler) FilterTasks(filter StatusFilter) []TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]TaskView, 0, len(s.order))
	for _, id := range s.order {
		task := s.tasks[id]
		if filter.matches(task.Status) {
			views = append(views, task.view())
		}
	}
	return views
}

// SearchMatch is one log line matching a search term.
type SearchMatch struct {
	TaskID string `json:"task_id"`
	Line   string `json:"line"`
}

// SearchLogs scans every task's log for a case-insensitive substring and
// returns the matching lines in task order.
func (s *Scheduler) SearchLogs(term string) []SearchMatch {
	term = strings.ToLower(term)
	if term == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []SearchMatch
	for _, id := range s.order {
		for _, line := range s.tasks[id].Logs {
			if strings.Contains(strings.ToLower(line), term) {
				matches = append(matches, SearchMatch{TaskID: id, Line: line})
			}
		}
	}
	return matches
}

// ExportLogs writes a plain-text dump of every task: a header, the project
// and status, then the log lines. The snapshot is taken under the lock; the
// writes happen against a copy, so a slow writer never blocks the engine.
func (s *Scheduler) ExportLogs(w io.Writer) error {
	views := s.Tasks()
	for _, view := range views {
		if _, err := fmt.Fprintf(w, "=== Task: %s ===\n", view.ID); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "Project: %s\nStatus: %s\nLogs:\n", view.ProjectName, view.Status); err != nil {
			return err
		}
		for _, line := range view.Logs {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// ProjectSummary aggregates task counts for one project.
type ProjectSummary struct {
	Project   string `json:"project"`
	Total     int    `json:"total"`
	Running   int    `json:"running"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Stopped   int    `json:"stopped"`
}

// Summary is the dashboard aggregate: global counts plus per-project rows.
type Summary struct {
	Total     int              `json:"total"`
	Running   int              `json:"running"`
	Completed int              `json:"completed"`
	Failed    int              `json:"failed"`
	Stopped   int              `json:"stopped"`
	Projects  []ProjectSummary `json:"projects"`
}

// Summarize computes the dashboard counts from one consistent snapshot.
func (s *Scheduler) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	perProject := make(map[string]*ProjectSummary)
	var projectOrder []string
	for _, id := range s.order {
		task := s.tasks[id]
		ps, ok := perProject[task.ProjectName]
		if !ok {
			ps = &ProjectSummary{Project: task.ProjectName}
			perProject[task.ProjectName] = ps
			projectOrder = append(projectOrder, task.ProjectName)
		}
		sum.Total++
		ps.Total++
		switch task.Status {
		case TaskStatusRunning:
			sum.Running++
			ps.Running++
		case TaskStatusCompleted:
			sum.Completed++
			ps.Completed++
		case TaskStatusFailed:
			sum.Failed++
			ps.Failed++
		case TaskStatusStopped:
			sum.Stopped++
			ps.Stopped++
		}
	}
	for _, name := range projectOrder {
		sum.Projects = append(sum.Projects, *perProject[name])
	}
	return sum
}
