package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscan/backend/internal/core"
)

func TestNewStagesContent(t *testing.T) {
	content := []byte("hello artifact")
	art, err := New(t.TempDir(), core.ClassImage, bytes.NewReader(content))
	require.NoError(t, err)
	defer art.Unlink()

	assert.NotEmpty(t, art.ID)
	assert.Equal(t, int64(len(content)), art.SizeBytes)

	staged, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, content, staged)
}

func TestContentHashIsDeterministic(t *testing.T) {
	content := bytes.Repeat([]byte("abc123"), 50000) // spans several hash chunks
	a1, err := New(t.TempDir(), core.ClassImage, bytes.NewReader(content))
	require.NoError(t, err)
	defer a1.Unlink()
	a2, err := New(t.TempDir(), core.ClassImage, bytes.NewReader(content))
	require.NoError(t, err)
	defer a2.Unlink()

	h1, err := a1.ContentHash()
	require.NoError(t, err)
	h2, err := a2.ContentHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), h1)
}

func TestUnlinkIsIdempotent(t *testing.T) {
	art, err := New(t.TempDir(), core.ClassPDF, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	art.Unlink()
	_, statErr := os.Stat(art.Path)
	assert.True(t, os.IsNotExist(statErr))

	// Second unlink must not panic or log-spam an error path failure.
	art.Unlink()
}

func TestFromPath(t *testing.T) {
	path := t.TempDir() + "/f"
	require.NoError(t, os.WriteFile(path, []byte("1234567890"), 0o644))

	art, err := FromPath(path, core.ClassVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(10), art.SizeBytes)
	assert.Equal(t, core.ClassVideo, art.Class)

	_, err = FromPath("/nonexistent", core.ClassVideo)
	assert.Error(t, err)
}

func TestPolicyValidate(t *testing.T) {
	policy := Policy{MaxBytes: 100, AllowedClasses: []core.MimeClass{core.ClassImage, core.ClassPDF}}

	atLimit := &FileArtifact{Class: core.ClassImage, SizeBytes: 100}
	assert.NoError(t, policy.Validate(atLimit), "file exactly at the limit is accepted")

	oneOver := &FileArtifact{Class: core.ClassImage, SizeBytes: 101}
	assert.Error(t, policy.Validate(oneOver))

	wrongClass := &FileArtifact{Class: core.ClassVideo, SizeBytes: 10}
	assert.Error(t, policy.Validate(wrongClass))
}

func TestHashPrefix(t *testing.T) {
	assert.Equal(t, "0123456789abcdef", HashPrefix("0123456789abcdef0123456789abcdef"))
	assert.Equal(t, "short", HashPrefix("short"))
}
