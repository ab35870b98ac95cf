package raw

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensicxlab/exhume-body-go/body"
)

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.dd")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestReadSeek(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 251)
	}
	r, err := New(writeImage(t, data))
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, int64(4096), r.ImageSize())
	require.Equal(t, uint32(512), r.SectorSize())

	buf := make([]byte, 512)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, data[:512], buf)

	pos, err := r.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(1000), pos)
	n, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, data[1000:1512], buf[:n])
}

func TestSeekBounds(t *testing.T) {
	r, err := New(writeImage(t, make([]byte, 100)))
	require.NoError(t, err)
	defer r.Close()

	pos, err := r.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(100), pos)

	n, err := r.Read(make([]byte, 10))
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, err = r.Seek(101, io.SeekStart)
	var seekErr *body.InvalidSeekError
	require.ErrorAs(t, err, &seekErr)

	_, err = r.Seek(-1, io.SeekStart)
	require.ErrorAs(t, err, &seekErr)
}

func TestCloneIndependentCursor(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	r, err := New(writeImage(t, data))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Seek(512, io.SeekStart)
	require.NoError(t, err)

	c, err := r.Clone()
	require.NoError(t, err)
	defer c.Close()

	// The clone replays the cursor, then moves independently.
	buf := make([]byte, 4)
	_, err = c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, data[512:516], buf)

	_, err = c.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, data[:4], buf)

	_, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, data[512:516], buf, "original cursor must be unaffected by clone reads")
}
