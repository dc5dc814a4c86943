// Package pidfile writes, reads, and removes the PID file named in
// spec.md §6: "a single decimal process identifier, terminated by
// newline", used by the `stop`/`reload` subcommands to locate a running
// process when no --url/--config is given.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Write records pid's own PID to path.
func Write(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// Read returns the PID recorded at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pidfile: reading %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s does not contain a valid PID: %w", path, err)
	}
	return pid, nil
}

// Remove deletes path, ignoring a not-exist error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: removing %s: %w", path, err)
	}
	return nil
}
