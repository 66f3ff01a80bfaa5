// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cficache // import "go.opentelemetry.io/cfiextract/cficache"

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	sha256 "github.com/minio/sha256-simd"
	"github.com/zeebo/xxh3"
)

// FileID identifies the content of an object file.
type FileID [16]byte

// hashedSize is the number of bytes hashed at the start and at the end of a
// file. Headers and trailers of object files hold section tables and build
// identifiers, which makes them distinct.
const hashedSize = 4096

// FileIDFromReader computes the FileID of the object readable from r. The
// ID is the truncated SHA-256 of the first and last 4 KiB of the file and
// its length.
func FileIDFromReader(r io.ReadSeeker) (FileID, error) {
	h := sha256.New()

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return FileID{}, fmt.Errorf("failed to seek file start: %v", err)
	}
	if _, err := io.Copy(h, io.LimitReader(r, hashedSize)); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file header: %v", err)
	}

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return FileID{}, fmt.Errorf("failed to seek end of file: %v", err)
	}
	if _, err = r.Seek(-min(size, hashedSize), io.SeekEnd); err != nil {
		return FileID{}, fmt.Errorf("failed to seek file trailer: %v", err)
	}
	if _, err = io.Copy(h, r); err != nil {
		return FileID{}, fmt.Errorf("failed to hash file trailer: %v", err)
	}

	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(size))
	_, _ = h.Write(length[:])

	var id FileID
	copy(id[:], h.Sum(nil))
	return id, nil
}

// FileIDFromBytes computes the FileID of an object held in memory.
func FileIDFromBytes(data []byte) FileID {
	// Reading from memory cannot fail.
	id, _ := FileIDFromReader(bytes.NewReader(data))
	return id
}

// FileIDFromFile computes the FileID of the file at path.
func FileIDFromFile(path string) (FileID, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileID{}, err
	}
	defer f.Close()
	return FileIDFromReader(f)
}

// ParseFileID parses the hexadecimal form returned by String.
func ParseFileID(s string) (FileID, error) {
	var id FileID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid file ID %q: %v", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid file ID %q: %d bytes", s, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id FileID) String() string {
	return hex.EncodeToString(id[:])
}

// hash32 is the key hash for in-memory LRUs.
func (id FileID) hash32() uint32 {
	return uint32(xxh3.Hash(id[:]))
}
