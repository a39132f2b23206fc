package agent

import (
	"fmt"
	"os"
	"strings"
)

// SecretSource is the single-use one-time password handle. Read returns an
// empty string while the secret has not been delivered yet; Destroy makes the
// secret unreadable after it has been consumed.
type SecretSource interface {
	Read() (string, error)
	Destroy() error
}

// FileSecret reads the one-time password from a file dropped by the
// platform's boot-time metadata hook.
type FileSecret struct {
	path string
}

// NewFileSecret creates a file-backed secret source.
func NewFileSecret(path string) *FileSecret {
	return &FileSecret{path: path}
}

// Read returns the secret, or "" while the file does not exist or is still
// empty.
func (f *FileSecret) Read() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read secret file %s: %w", f.path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Destroy overwrites and removes the secret file so the one-time password
// cannot be read again. A file that is already gone is fine.
func (f *FileSecret) Destroy() error {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat secret file %s: %w", f.path, err)
	}

	if err := os.WriteFile(f.path, make([]byte, info.Size()), 0600); err != nil {
		return fmt.Errorf("failed to scrub secret file %s: %w", f.path, err)
	}
	if err := os.Remove(f.path); err != nil {
		return fmt.Errorf("failed to remove secret file %s: %w", f.path, err)
	}
	return nil
}
