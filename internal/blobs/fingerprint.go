package blobs

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// fingerprintPrefix is how much of a blob is hashed.
const fingerprintPrefix = 1024

// Fingerprint returns a short content fingerprint of the blob at path: the
// BLAKE3 hash of its first KiB and its size. It is meant for spotting
// duplicate or truncated blobs, not for integrity checks.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening blob: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat blob: %w", err)
	}

	h := blake3.New(16, nil)
	if _, err := io.CopyN(h, f, fingerprintPrefix); err != nil && err != io.EOF {
		return "", fmt.Errorf("reading blob: %w", err)
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
	h.Write(size[:])

	return hex.EncodeToString(h.Sum(nil)), nil
}
