//go:build !unix

package eventlog

import (
	"fmt"
	"os"
)

// appendLine without advisory locking. Windows file semantics make O_APPEND
// writes of a single line effectively atomic for this use.
func appendLine(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending to log %s: %w", path, err)
	}
	return f.Sync()
}
