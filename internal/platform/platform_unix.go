//go:build !windows

package platform

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExeSuffix is the executable file suffix for this OS.
func ExeSuffix() string { return "" }

// EnvInterpreter returns the interpreter path inside an environment root.
func EnvInterpreter(envRoot string) string {
	return filepath.Join(envRoot, "bin", "python")
}

// BundledRuntimeCandidates lists bundled interpreter locations in probe order.
func BundledRuntimeCandidates(root string) []string {
	return []string{
		filepath.Join(root, "resources", "python", "bin", "python3"),
		filepath.Join(root, "python", "bin", "python3"),
		filepath.Join(root, "resources", "python", "bin", "python"),
		filepath.Join(root, "python", "bin", "python"),
	}
}

// FileInUse always reports false here. A running interpreter cannot be told
// apart from a read-only one by opening it, and the provision lock already
// serializes instances.
func FileInUse(string) bool { return false }

// PrepareCommand places the child in its own process group so Terminate can
// reach grandchildren too.
func PrepareCommand(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Interrupt asks the process group to exit.
func Interrupt(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := unix.Kill(-p.Pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return p.Signal(unix.SIGTERM)
	}
	return nil
}

// Terminate forcibly kills the process group.
func Terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return p.Kill()
	}
	return nil
}

// ShimFile returns the launcher file name and content that run
// `<interpreter> -m <module> <args...>`.
func ShimFile(name, interpreter, module string) (string, string) {
	content := "#!/bin/sh\nexec \"" + interpreter + "\" -m " + module + " \"$@\"\n"
	return name, content
}

// MarkExecutable sets the executable bits on path.
func MarkExecutable(path string) error {
	return os.Chmod(path, 0o755)
}
