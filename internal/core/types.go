package core

import (
	"time"

	"imapsyncd/internal/jobspec"
)

// TaskStatus describes the lifecycle state of a sync task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether the status is a resting state. Running is the
// only non-terminal status; it is re-entered when a recurrence fires.
func (s TaskStatus) Terminal() bool {
	return s != TaskStatusRunning
}

// Account identifies one mailbox migration: a source mailbox, its target,
// and the shared password. Value type, never mutated after creation.
// Defined in jobspec so the command builder can share it without an
// import cycle.
type Account = jobspec.Account

// Project groups the accounts migrating between one pair of IMAP servers,
// together with the imapsync options applied to every run.
type Project struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	OldServer    string         `json:"old_server"`
	NewServer    string         `json:"new_server"`
	SyncInterval int            `json:"sync_interval"`
	Schedule     string         `json:"schedule,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
	Accounts     []Account      `json:"accounts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Job is the resolved unit of work handed to a Runner: one account plus
// everything needed to build the imapsync invocation. The options map is
// passed through opaquely; the command builder owns its interpretation.
type Job struct {
	ProjectName string
	OldServer   string
	NewServer   string
	Options     map[string]any
	Account     Account
}

// Task tracks one execution lineage: an ordered account sequence, its
// accumulated log lines, and the recurrence state. All mutable fields are
// owned by the Scheduler and must only be touched under its lock.
type Task struct {
	ID          string
	ProjectName string
	Accounts    []Account
	Interval    int // minutes; 0 means run once
	Status      TaskStatus
	Logs        []string
	Expanded    bool
	CreatedAt   time.Time

	jobs       []Job
	inFlight   bool
	cancelRun  func()
	timer      *time.Timer
	cycleStart int // index into Logs where the current cycle began
}

// TaskView is a consistent copy of a Task handed to display consumers.
type TaskView struct {
	ID          string     `json:"id"`
	ProjectName string     `json:"project_name"`
	Accounts    []Account  `json:"accounts"`
	Interval    int        `json:"interval"`
	Status      TaskStatus `json:"status"`
	Logs        []string   `json:"logs"`
	Expanded    bool       `json:"expanded"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (t *Task) view() TaskView {
	logs := make([]string, len(t.Logs))
	copy(logs, t.Logs)
	accounts := make([]Account, len(t.Accounts))
	copy(accounts, t.Accounts)
	return TaskView{
		ID:          t.ID,
		ProjectName: t.ProjectName,
		Accounts:    accounts,
		Interval:    t.Interval,
		Status:      t.Status,
		Logs:        logs,
		Expanded:    t.Expanded,
		CreatedAt:   t.CreatedAt,
	}
}
