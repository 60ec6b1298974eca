// Package artifact handles ingress files: temporary storage, validation
// against the security policy, and content hashing.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/veriscan/backend/internal/core"
)

// hashChunkSize bounds memory while hashing large files.
const hashChunkSize = 64 * 1024

// FileArtifact is one file under analysis. The file is owned by the
// dispatcher and unlinked when the request terminates.
type FileArtifact struct {
	ID        string
	Path      string
	Class     core.MimeClass
	SizeBytes int64
}

// New stages the reader's content into dir as a temporary file and returns
// the artifact. Size is enforced by the caller's validation, not here.
func New(dir string, class core.MimeClass, r io.Reader) (*FileArtifact, error) {
	id := uuid.New().String()
	path := filepath.Join(dir, "artifact-"+id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	size, err := io.Copy(f, r)
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if closeErr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close artifact: %w", closeErr)
	}

	return &FileArtifact{
		ID:        id,
		Path:      path,
		Class:     class,
		SizeBytes: size,
	}, nil
}

// FromPath wraps an existing file without copying it. Used by tests and by
// callers that already staged the upload.
func FromPath(path string, class core.MimeClass) (*FileArtifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return &FileArtifact{
		ID:        uuid.New().String(),
		Path:      path,
		Class:     class,
		SizeBytes: info.Size(),
	}, nil
}

// ContentHash computes the SHA-256 digest of the file in 64 KB chunks.
// Identical bytes always produce the identical hash.
func (a *FileArtifact) ContentHash() (string, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read for hashing: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Unlink removes the staged file. Safe to call more than once.
func (a *FileArtifact) Unlink() {
	if a.Path == "" {
		return
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		slog.Warn("[Artifact] Failed to unlink", "path", a.Path, "error", err)
	}
}

// Policy is the ingress validation policy.
type Policy struct {
	MaxBytes       int64
	AllowedClasses []core.MimeClass
}

// Validate checks the artifact against the policy. A file at exactly
// MaxBytes is accepted; one byte over is rejected.
func (p Policy) Validate(a *FileArtifact) error {
	if a.SizeBytes > p.MaxBytes {
		return fmt.Errorf("file size %d exceeds limit %d", a.SizeBytes, p.MaxBytes)
	}
	for _, c := range p.AllowedClasses {
		if a.Class == c {
			return nil
		}
	}
	return fmt.Errorf("mime class %q is not allowed", a.Class)
}

// HashPrefix returns the first 16 hex characters of a content hash, the
// form embedded in verdicts.
func HashPrefix(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16]
}
