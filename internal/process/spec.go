package process

import (
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/plugind/internal/logger"
)

// Spec describes an out-of-process plugin executable.
type Spec struct {
	Name          string        `json:"name"`
	Command       string        `json:"command"`        // command line; run through /bin/sh when it needs a shell
	WorkDir       string        `json:"work_dir"`       // optional working dir
	Env           []string      `json:"env"`            // extra KEY=VALUE pairs
	StartDuration time.Duration `json:"start_duration"` // minimum uptime before the start counts as successful
	Log           logger.Config `json:"log"`            // stdout/stderr destinations
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary and honors an explicit
// "sh -c '...'" prefix without wrapping it in another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return trueCommand()
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 -- plugin commands come from the operator's configuration
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
