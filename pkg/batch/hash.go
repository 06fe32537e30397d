package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"lessonkit/pkg/domain/errors"
)

// hashChunkSize keeps memory flat while hashing multi-gigabyte videos.
const hashChunkSize = 64 * 1024

// FileSHA256 computes the streaming SHA-256 of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.New(errors.CodeFileNotFound, "batch", "failed to open file for hashing", err)
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
			return "", errors.New(errors.CodeIoError, "batch", "failed to read file for hashing", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
