// Package imapsync translates resolved jobs into imapsync invocations.
package imapsync

import (
	"fmt"
	"strings"

	"imapsyncd/internal/core"
)

// Flag-style options appended when truthy, in this order.
var boolOptions = []string{"ssl1", "ssl2", "tls1", "tls2", "automap", "delete2"}

// Value-style options appended as "--name value" when set, in this order.
var valueOptions = []string{"logfile", "authmech1", "authmech2", "regextrans2", "maxsize", "minsize"}

// BuildArgs assembles the imapsync argument list for one job. The first
// element is the binary path; the result is suitable for exec.Command.
func BuildArgs(bin string, job core.Job) []string {
	acc := job.Account
	target := acc.TargetEmail
	if target == "" {
		target = acc.SourceEmail
	}
	args := []string{
		bin,
		"--host1", job.OldServer,
		"--user1", acc.SourceEmail,
		"--password1", acc.Password,
		"--host2", job.NewServer,
		"--user2", target,
		"--password2", acc.Password,
	}
	for _, name := range boolOptions {
		if truthy(job.Options[name]) {
			args = append(args, "--"+name)
		}
	}
	for _, name := range valueOptions {
		if v, ok := job.Options[name]; ok {
			if s := stringify(v); s != "" {
				args = append(args, "--"+name, s)
			}
		}
	}
	if acc.Subfolder != "" {
		args = append(args, "--regextrans2", fmt.Sprintf("s/^(.*)/%s\\/$1/", acc.Subfolder))
	}
	return args
}

// Redact returns the argument list as a single string with password values
// masked, for inclusion in task logs.
func Redact(args []string) string {
	masked := make([]string, len(args))
	copy(masked, args)
	for i := 0; i < len(masked)-1; i++ {
		if masked[i] == "--password1" || masked[i] == "--password2" {
			masked[i+1] = "****"
		}
	}
	return strings.Join(masked, " ")
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "yes"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return ""
	case float64:
		// JSON numbers decode as float64; option values are byte sizes.
		return fmt.Sprintf("%d", int64(t))
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
