//go:build !unix

package storage

import (
	"fmt"
	"os"
)

// lockDir only creates the lock file; advisory file locks are unix-only here.
func lockDir(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open store lock: %w", err)
	}
	return f, nil
}
