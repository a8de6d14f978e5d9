package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultFilename is used when a peer-supplied name sanitizes to nothing.
const DefaultFilename = "received.bin"

// MaxFilenameLength bounds saved file names. The value (255) matches
// typical filesystem limits.
const MaxFilenameLength = 255

// SanitizeFilename reduces a peer-supplied file name to something safe to
// create inside the output directory. Directory components and traversal
// sequences are stripped, unsafe characters replaced, empty or all-dot
// names fall back to DefaultFilename, and overlong names are truncated
// with the extension preserved where possible.
func SanitizeFilename(name string) string {
	// Peers may send either separator regardless of their platform.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name = b.String()

	if strings.Trim(name, ".") == "" {
		return DefaultFilename
	}

	if len(name) > MaxFilenameLength {
		ext := filepath.Ext(name)
		if len(ext) >= MaxFilenameLength {
			ext = ""
		}
		name = name[:MaxFilenameLength-len(ext)] + ext
	}
	return name
}

// DiskSaver writes completed transfers into a fixed output directory.
// It implements the receiver's save capability.
type DiskSaver struct {
	dir    string
	logger *logrus.Logger
}

// NewDiskSaver creates the output directory if needed and returns a saver.
func NewDiskSaver(dir string, logger *logrus.Logger) (*DiskSaver, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &DiskSaver{dir: dir, logger: logger}, nil
}

// Save writes data under the sanitized form of filename.
func (s *DiskSaver) Save(filename string, data []byte) error {
	safe := SanitizeFilename(filename)
	path := filepath.Join(s.dir, safe)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	s.logger.WithFields(logrus.Fields{
		"function":  "Save",
		"file_name": filename,
		"path":      path,
		"bytes":     len(data),
	}).Info("File saved")
	return nil
}
