package body_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensicxlab/exhume-body-go/body"

	_ "github.com/forensicxlab/exhume-body-go/raw"
)

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.dd")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestAutoDetectFallsBackToRaw(t *testing.T) {
	b, err := body.Open(writeImage(t, make([]byte, 2048)), body.FormatAuto)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, body.FormatRaw, b.Format())
	require.Equal(t, "raw", b.Description())
	require.Equal(t, int64(2048), b.ImageSize())
}

func TestExplicitUnknownFormat(t *testing.T) {
	_, err := body.Open(writeImage(t, make([]byte, 512)), body.Format("qcow2"))
	require.Error(t, err)

	var bodyErr *body.Error
	require.ErrorAs(t, err, &bodyErr)
	require.Equal(t, body.KindFormat, bodyErr.Kind)
}

func TestOpenAt(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeImage(t, data)

	b, err := body.OpenAt(path, body.FormatRaw, 512)
	require.NoError(t, err)
	defer b.Close()

	buf := make([]byte, 4)
	_, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, data[512:516], buf)

	_, err = body.OpenAt(path, body.FormatRaw, 4096)
	require.Error(t, err, "out-of-range opening offset is fatal")
}

func TestBodyClone(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	b, err := body.Open(writeImage(t, data), body.FormatRaw)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Seek(100, io.SeekStart)
	require.NoError(t, err)

	c, err := b.Clone()
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Seek(200, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, data[100:104], buf, "clone seeks must not move the original")
}

func TestErrorString(t *testing.T) {
	err := body.FormatErrorf("x.E01", "bad signature")
	require.Equal(t, "format: x.E01: bad signature", err.Error())
}
