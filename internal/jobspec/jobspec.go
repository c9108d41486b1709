// Package jobspec holds the job-descriptor value types shared by the core
// engine and the command builder. It exists as a leaf package so that
// internal/core and internal/imapsync can both depend on these types
// without importing each other.
package jobspec

// Account identifies one mailbox migration: a source mailbox, its target,
// and the shared password. Value type, never mutated after creation.
type Account struct {
	SourceEmail string `json:"source_email"`
	TargetEmail string `json:"target_email"`
	Password    string `json:"password"`
	Subfolder   string `json:"subfolder,omitempty"`
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
