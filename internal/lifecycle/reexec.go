package lifecycle

import (
	"fmt"
	"os"
	"syscall"
)

// Reexec replaces the running process image with a fresh copy of itself,
// keeping the same arguments and environment. It only returns on failure.
func Reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", exe, err)
	}
	return nil
}
