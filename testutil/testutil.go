// Package testutil collects the fixtures every package's tests need to
// stand up a formatted image without repeating the boilerplate: random
// backing data sized in whole blocks, a freshly formatted filesystem, and
// a bytesextra stream over random image bytes. Grounded on testing/images.go and
// testing/blockcache.go's CreateRandomImage/CreateDefaultCache helpers,
// adapted from a block-cache-shaped fixture to an image.Image-shaped one.
package testutil

import (
	"crypto/rand"
	"io"
	"testing"
	"time"

	alanfs "github.com/jiaqingren1106/Alanfs"
	"github.com/jiaqingren1106/Alanfs/fs"
	"github.com/jiaqingren1106/Alanfs/image"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// RandomBlocks returns totalBlocks*BlockSize bytes of random data. Fails
// the test immediately if the system CSPRNG errors.
func RandomBlocks(t *testing.T, totalBlocks uint) []byte {
	t.Helper()
	data := make([]byte, totalBlocks*alanfs.BlockSize)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to fill %d blocks with random bytes", totalBlocks)
	return data
}

// NewBlankImage wraps totalBlocks worth of zeroed memory in an in-memory
// image.Image, with no filesystem structures written yet.
func NewBlankImage(t *testing.T, totalBlocks uint) *image.Image {
	t.Helper()
	return image.Wrap(make([]byte, totalBlocks*alanfs.BlockSize))
}

// Formatted builds a blank image, formats it, and opens it, returning a
// ready-to-use FileSystem along with the timestamp it was formatted with.
func Formatted(t *testing.T, totalBlocks, totalInodes uint) (*fs.FileSystem, time.Time) {
	t.Helper()
	now := time.Unix(1700000000, 0)
	img := NewBlankImage(t, totalBlocks)
	require.Nil(t, fs.Format(img, totalInodes, now))

	mounted, derr := fs.Open(img)
	require.Nil(t, derr)
	return mounted, now
}

// StreamOverRandomImage hands back totalBlocks*BlockSize random bytes
// wrapped in an io.ReadWriteSeeker, for tests exercising code that talks
// to an image through a stream rather than a byte slice (e.g. a future
// streaming image loader). Mirrors testing/images.go's
// bytesextra.NewReadWriteSeeker(imageBytes) use; the seeker shares
// backing memory with the returned slice, so writes through one are
// visible through the other.
func StreamOverRandomImage(t *testing.T, totalBlocks uint) (io.ReadWriteSeeker, []byte) {
	t.Helper()
	data := RandomBlocks(t, totalBlocks)
	return bytesextra.NewReadWriteSeeker(data), data
}
