package core

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell fixtures require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-imapsync")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testJob() Job {
	return Job{
		ProjectName: "acme",
		OldServer:   "imap.old.example",
		NewServer:   "imap.new.example",
		Account: Account{
			SourceEmail: "alice@old.example",
			TargetEmail: "alice@new.example",
			Password:    "hunter2",
		},
	}
}

func collectRun(t *testing.T, r *CommandRunner, ctx context.Context) ([]string, Outcome) {
	t.Helper()
	var lines []string
	out := r.Run(ctx, testJob(), func(line string) { lines = append(lines, line) })
	return lines, out
}

func TestRunStreamsStdoutInOrder(t *testing.T) {
	bin := writeScript(t, `echo one
echo two
echo three`)
	r := NewCommandRunner(bin, time.Second, discardLogger())

	lines, out := collectRun(t, r, context.Background())
	require.False(t, out.Failed())

	require.GreaterOrEqual(t, len(lines), 4)
	assert.True(t, strings.HasPrefix(lines[0], "command: "))
	assert.Contains(t, lines[0], "****")
	assert.NotContains(t, lines[0], "hunter2")
	assert.Equal(t, []string{"one", "two", "three"}, lines[1:4])
}

func TestRunTagsStderrAfterExit(t *testing.T) {
	bin := writeScript(t, `echo progress
echo "warning A" >&2
echo "warning B" >&2`)
	r := NewCommandRunner(bin, time.Second, discardLogger())

	lines, out := collectRun(t, r, context.Background())
	require.False(t, out.Failed())

	assert.Contains(t, lines, "progress")
	assert.Contains(t, lines, "stderr: warning A")
	assert.Contains(t, lines, "stderr: warning B")
	// stderr lines come only once the process has exited.
	last := lines[len(lines)-2:]
	assert.Equal(t, []string{"stderr: warning A", "stderr: warning B"}, last)
}

func TestRunReportsExitCode(t *testing.T) {
	bin := writeScript(t, `echo partial transfer
exit 3`)
	r := NewCommandRunner(bin, time.Second, discardLogger())

	lines, out := collectRun(t, r, context.Background())
	assert.True(t, out.Failed())
	assert.Equal(t, 3, out.ExitCode)
	assert.NoError(t, out.Err)
	assert.Contains(t, lines, "partial transfer")
}

func TestRunCancellationIsBounded(t *testing.T) {
	bin := writeScript(t, `echo started
exec sleep 30`)
	r := NewCommandRunner(bin, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, out := collectRun(t, r, ctx)
	elapsed := time.Since(start)

	assert.True(t, out.Failed())
	assert.Less(t, elapsed, 5*time.Second)
}

func TestRunMissingBinary(t *testing.T) {
	r := NewCommandRunner(filepath.Join(t.TempDir(), "nope"), time.Second, discardLogger())

	lines, out := collectRun(t, r, context.Background())
	assert.True(t, out.Failed())
	assert.Error(t, out.Err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "failed to start imapsync")
}
