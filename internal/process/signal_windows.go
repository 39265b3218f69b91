//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// CREATE_NEW_PROCESS_GROUP keeps console signals aimed at the daemon away from plugins.
const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// Windows has no SIGTERM; both steps terminate the process.
func terminate(p *os.Process, _ int) error { return p.Kill() }

func kill(p *os.Process, _ int) error { return p.Kill() }

func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/C", script)
}

func trueCommand() *exec.Cmd {
	return exec.Command("cmd", "/C", "exit 0")
}
