package wal

import (
	"os"
	"strconv"
	"strings"

	"github.com/dshills/agentrt/internal/atomicfile"
)

const pidFileName = "wal.pid"

// writePIDFile atomically writes the current process's PID to dir/wal.pid.
func writePIDFile(dir string) error {
	path := dir + string(os.PathSeparator) + pidFileName
	data := []byte(strconv.Itoa(os.Getpid()))
	return atomicfile.WriteAndFsync(path, data, ".tmp", 0o644)
}

// readPIDFile returns the PID recorded in dir/wal.pid, or 0 if the file is
// absent or unparsable.
func readPIDFile(dir string) int {
	path := dir + string(os.PathSeparator) + pidFileName
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
