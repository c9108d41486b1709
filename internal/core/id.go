package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewTaskID returns a task identifier of the form <project>_<8 hex chars>.
// The suffix comes from the system random source; if that fails the
// nanosecond clock is used instead.
func NewTaskID(project string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err == nil {
		return project + "_" + hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%s_%d", project, time.Now().UTC().UnixNano())
}

// NewID returns a random 128-bit identifier encoded as lowercase hex,
// used for project records.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UTC().UnixNano())
}
