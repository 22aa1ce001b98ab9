//go:build windows

package platform

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/windows"
)

func ExeSuffix() string { return ".exe" }

func EnvInterpreter(envRoot string) string {
	return filepath.Join(envRoot, "Scripts", "python.exe")
}

func BundledRuntimeCandidates(root string) []string {
	return []string{
		filepath.Join(root, "resources", "python", "python.exe"),
		filepath.Join(root, "python", "python.exe"),
	}
}

// FileInUse reports whether another process holds path open. Windows denies
// an append-open on an executable image that is running.
func FileInUse(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return errors.Is(err, os.ErrPermission)
	}
	_ = f.Close()
	return false
}

// PrepareCommand suppresses the console window for the child.
func PrepareCommand(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NO_WINDOW
	cmd.SysProcAttr.HideWindow = true
}

// Interrupt has no graceful equivalent for a windowless child; it kills.
func Interrupt(p *os.Process) error {
	return Terminate(p)
}

func Terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func ShimFile(name, interpreter, module string) (string, string) {
	content := "@echo off\r\n\"" + interpreter + "\" -m " + module + " %*\r\n"
	return name + ".cmd", content
}

func MarkExecutable(string) error { return nil }
