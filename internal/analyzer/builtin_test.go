package analyzer

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscan/backend/internal/core"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func randomBytes(n int) []byte {
	r := rand.New(rand.NewSource(42))
	data := make([]byte, n)
	r.Read(data)
	return data
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	assert.Equal(t, 3, reg.Count())
	assert.Empty(t, reg.LoadErrors())

	assert.Len(t, reg.For(core.ClassImage), 1)
	assert.Len(t, reg.For(core.ClassPDF), 1)
	assert.Len(t, reg.For(core.ClassVideo), 1)
}

func TestByteEntropy(t *testing.T) {
	assert.Equal(t, 0.0, byteEntropy(nil))
	assert.Equal(t, 0.0, byteEntropy(bytes.Repeat([]byte{0xAA}, 1024)))
	// Uniform random bytes sit near 8 bits/byte.
	assert.Greater(t, byteEntropy(randomBytes(64*1024)), 7.5)
}

func TestImageStructureKnownHighEntropy(t *testing.T) {
	data := append([]byte{0xFF, 0xD8, 0xFF}, randomBytes(32*1024)...)
	a := &imageStructure{}

	res, err := a.Analyze(context.Background(), Input{FilePath: writeTemp(t, data)})
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	assert.Equal(t, 0.9, *res.Score)
	assert.Equal(t, core.ConfidenceHigh, res.Confidence)
}

func TestImageStructureUnknownMagic(t *testing.T) {
	a := &imageStructure{}
	res, err := a.Analyze(context.Background(), Input{FilePath: writeTemp(t, []byte("definitely not an image"))})
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	assert.Equal(t, 0.2, *res.Score)
	assert.Equal(t, core.ConfidenceLow, res.Confidence)
}

func TestPDFStructure(t *testing.T) {
	a := &pdfStructure{}

	res, err := a.Analyze(context.Background(), Input{
		FilePath: writeTemp(t, []byte("%PDF-1.7\n1 0 obj\n<< >>\nendobj\n")),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.85, *res.Score)
	assert.Equal(t, core.ConfidenceHigh, res.Confidence)

	// Embedded script drags the score down.
	res, err = a.Analyze(context.Background(), Input{
		FilePath: writeTemp(t, []byte("%PDF-1.7\n1 0 obj\n/JavaScript (alert)\nendobj\n")),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.4, *res.Score)

	// Missing header is near-certainly not a PDF.
	res, err = a.Analyze(context.Background(), Input{FilePath: writeTemp(t, []byte("plain text"))})
	require.NoError(t, err)
	assert.Equal(t, 0.15, *res.Score)
	assert.Equal(t, core.ConfidenceHigh, res.Confidence)
}

func TestVideoContainer(t *testing.T) {
	a := &videoContainer{}

	mp4 := append([]byte{0, 0, 0, 0x18}, []byte("ftyp")...)
	mp4 = append(mp4, bytes.Repeat([]byte{0x00}, 64)...)
	res, err := a.Analyze(context.Background(), Input{FilePath: writeTemp(t, mp4)})
	require.NoError(t, err)
	assert.Equal(t, 0.7, *res.Score)
	assert.Equal(t, core.ConfidenceMedium, res.Confidence)

	res, err = a.Analyze(context.Background(), Input{FilePath: writeTemp(t, []byte("not a video"))})
	require.NoError(t, err)
	assert.Equal(t, 0.25, *res.Score)
	assert.Equal(t, core.ConfidenceLow, res.Confidence)
}

func TestBuiltinMissingFile(t *testing.T) {
	a := &imageStructure{}
	_, err := a.Analyze(context.Background(), Input{FilePath: "/nonexistent/file"})
	assert.Error(t, err)
}
