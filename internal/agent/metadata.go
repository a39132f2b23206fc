package agent

import (
	"encoding/json"
	"fmt"
	"os"

	apperrors "github.com/cloudkeep/ipabridge/internal/shared/errors"
)

// MetadataSource exposes the local instance metadata document.
type MetadataSource interface {
	Hostname() (string, error)
}

// FileMetadata reads the instance metadata JSON from the local filesystem,
// typically a copy of the config-drive document.
type FileMetadata struct {
	path string
}

// NewFileMetadata creates a file-backed metadata source.
func NewFileMetadata(path string) *FileMetadata {
	return &FileMetadata{path: path}
}

// Hostname returns the instance hostname from the metadata document. A
// document without a hostname is a fatal agent error.
func (f *FileMetadata) Hostname() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to read metadata file %s: %w", f.path, err)
	}

	var doc struct {
		Hostname string `json:"hostname"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("failed to parse metadata file %s: %w", f.path, err)
	}

	if doc.Hostname == "" {
		return "", apperrors.NewAgentError(apperrors.ErrCodeMissingHost,
			"instance metadata has no hostname", false, nil)
	}
	return doc.Hostname, nil
}
