//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

type processSignal int

const (
	sigTerm processSignal = iota
	sigKill
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no process groups to target here; both signals kill.
func signalGroup(cmd *exec.Cmd, _ processSignal) error {
	if cmd.Process == nil {
		return nil
	}
	err := cmd.Process.Kill()
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}
