// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cficache // import "go.opentelemetry.io/cfiextract/cficache"

import (
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/cfiextract/internal/log"
)

// elementExtension is the file extension of stored containers.
const elementExtension = ".zst"

// errElementTooLarge indicates that the element is larger than the max store size.
var errElementTooLarge = errors.New("element too large for cache")

// storeDirSuffix returns the subdirectory of the base directory holding
// containers of the latest version.
func storeDirSuffix() string {
	return filepath.Join("cficache", strconv.FormatUint(uint64(LatestVersion), 10))
}

// entryInfo holds the size and lru list entry for a stored element.
type entryInfo struct {
	size     uint64
	lruEntry *list.Element
}

// Store persists containers as zstd compressed files named after the
// FileID of their object.
//
// Elements are evicted in least recently used order once the stored size
// exceeds maxSize. The order survives restarts because it is rebuilt from
// the file access times, which Get refreshes.
type Store struct {
	hitCounter  atomic.Uint64
	missCounter atomic.Uint64

	dir     string
	maxSize uint64

	// mu guards entries and lru.
	mu      sync.Mutex
	entries map[string]entryInfo
	lru     *list.List

	// loaded keeps recently used containers decoded.
	loaded *lru.SyncedLRU[FileID, *Container]

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// elementData is the file system state of one element found on open.
type elementData struct {
	atime time.Time
	name  string
	size  uint64
}

// OpenStore opens the store below baseDir, creating its directory when
// needed. Elements of older container versions are deleted. memEntries
// bounds the number of decoded containers kept in memory.
func OpenStore(baseDir string, maxSize uint64, memEntries uint32) (*Store, error) {
	dir := filepath.Join(baseDir, storeDirSuffix())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory (%s): %v", dir, err)
	}
	if err := unix.Access(dir, unix.R_OK|unix.W_OK); err != nil {
		return nil, fmt.Errorf("cache directory (%s) exists but we can't read or write it",
			dir)
	}
	if err := deleteObsoleteVersions(filepath.Dir(dir)); err != nil {
		return nil, err
	}

	elements, err := scanElements(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get preexisting cache elements: %v", err)
	}

	loaded, err := lru.NewSynced[FileID, *Container](max(memEntries, 1), FileID.hash32)
	if err != nil {
		return nil, err
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]entryInfo, len(elements)),
		lru:     list.New(),
		loaded:  loaded,
		encoder: encoder,
		decoder: decoder,
	}
	// elements is sorted from oldest to newest access.
	for _, e := range elements {
		s.entries[e.name] = entryInfo{size: e.size, lruEntry: s.lru.PushFront(e.name)}
	}
	return s, nil
}

// scanElements lists the stored elements ordered by access time.
func scanElements(dir string) ([]elementData, error) {
	var elements []elementData
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), elementExtension) {
			return nil
		}
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			// Keep walking, the element is simply not tracked.
			log.Debugf("Did not get file info from '%s': %v", path, err)
			return nil
		}
		elements = append(elements, elementData{
			name:  d.Name(),
			size:  uint64(st.Size),
			atime: time.Unix(st.Atim.Unix()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(elements, func(a, b elementData) int {
		return a.atime.Compare(b.atime)
	})
	return elements, nil
}

// deleteObsoleteVersions removes the directories of older container versions.
func deleteObsoleteVersions(versionsDir string) error {
	for v := range LatestVersion {
		oldDir := filepath.Join(versionsDir, strconv.FormatUint(uint64(v), 10))
		if _, err := os.Stat(oldDir); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		log.Infof("Removing obsolete CFI cache %s", oldDir)
		if err := os.RemoveAll(oldDir); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the compression state.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

func elementName(id FileID) string {
	return id.String() + elementExtension
}

func (s *Store) elementPath(name string) string {
	return filepath.Join(s.dir, name)
}

// Size returns the total size of all stored elements.
func (s *Store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var size uint64
	for _, entry := range s.entries {
		size += entry.size
	}
	return size
}

// Has reports whether a container for id is stored.
func (s *Store) Has(id FileID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[elementName(id)]
	return ok
}

// Get returns the container stored for id. The second result is false if
// there is none. Unreadable elements are removed and reported as missing.
func (s *Store) Get(id FileID) (*Container, bool) {
	name := elementName(id)
	s.mu.Lock()
	entry, ok := s.entries[name]
	if ok {
		s.lru.MoveToFront(entry.lruEntry)
	}
	s.mu.Unlock()
	if !ok {
		s.missCounter.Add(1)
		return nil, false
	}

	if c, ok := s.loaded.Get(id); ok {
		s.hitCounter.Add(1)
		s.touch(name)
		return c, true
	}

	c, err := s.load(name)
	if err != nil {
		log.Warnf("Dropping unreadable cache element %s: %v", name, err)
		s.remove(name)
		s.missCounter.Add(1)
		return nil, false
	}
	s.loaded.Add(id, c)
	s.hitCounter.Add(1)
	s.touch(name)
	return c, true
}

func (s *Store) load(name string) (*Container, error) {
	compressed, err := os.ReadFile(s.elementPath(name))
	if err != nil {
		return nil, err
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %v", err)
	}
	c, err := FromBytes(raw)
	if err != nil {
		return nil, err
	}
	if !c.IsLatest() {
		return nil, fmt.Errorf("container version %d is outdated", c.Version())
	}
	return c, nil
}

// touch refreshes the access time of an element so that the LRU order
// can be restored on the next open.
func (s *Store) touch(name string) {
	now := unix.NsecToTimespec(time.Now().UnixNano())
	if err := unix.UtimesNano(s.elementPath(name), []unix.Timespec{now, now}); err != nil {
		// The data is still usable, only the LRU order after a restart suffers.
		log.Errorf("Failed to update access time for '%s': %v", name, err)
	}
}

// remove forgets an element and deletes its file.
func (s *Store) remove(name string) {
	s.mu.Lock()
	if entry, ok := s.entries[name]; ok {
		s.lru.Remove(entry.lruEntry)
		delete(s.entries, name)
	}
	s.mu.Unlock()
	if err := os.Remove(s.elementPath(name)); err != nil && !os.IsNotExist(err) {
		log.Errorf("Failed to delete '%s': %v", name, err)
	}
}

// Put stores c for id, replacing a previous element.
func (s *Store) Put(id FileID, c *Container) error {
	name := elementName(id)
	compressed := s.encoder.EncodeAll(c.Raw(), nil)
	size := uint64(len(compressed))
	if size > s.maxSize {
		return fmt.Errorf("too large CFI data for %v (%d bytes): %w",
			id, size, errElementTooLarge)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache element %s: %v", name, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.lru.Remove(old.lruEntry)
		delete(s.entries, name)
	}
	var current uint64
	for _, entry := range s.entries {
		current += entry.size
	}
	if s.maxSize < current+size {
		if err = s.evictEntries(current + size - s.maxSize); err != nil {
			return err
		}
	}
	if err = os.Rename(tmp.Name(), s.elementPath(name)); err != nil {
		return fmt.Errorf("failed to store cache element %s: %v", name, err)
	}
	s.entries[name] = entryInfo{size: size, lruEntry: s.lru.PushFront(name)}
	s.loaded.Add(id, c)
	return nil
}

// GetOrCreate returns the stored container for id, or stores the one
// returned by create. Failing to store it is logged, not returned.
func (s *Store) GetOrCreate(id FileID, create func() (*Container, error)) (*Container, error) {
	if c, ok := s.Get(id); ok {
		return c, nil
	}
	c, err := create()
	if err != nil {
		return nil, err
	}
	if err = s.Put(id, c); err != nil {
		log.Warnf("Failed to cache CFI of %v: %v", id, err)
	}
	return c, nil
}

// GetAndResetHitMissCounters retrieves the current hit and miss counters and
// resets them to 0.
func (s *Store) GetAndResetHitMissCounters() (hit, miss uint64) {
	return s.hitCounter.Swap(0), s.missCounter.Swap(0)
}

// evictEntries deletes the least recently used elements until at least
// toBeDeletedBytes are freed. The caller holds mu.
func (s *Store) evictEntries(toBeDeletedBytes uint64) error {
	var deleted uint64
	for deleted < toBeDeletedBytes {
		oldest := s.lru.Back()
		if oldest == nil {
			return fmt.Errorf("cache is now empty - %d bytes were requested to be deleted, "+
				"but there were only %d bytes in the cache", toBeDeletedBytes, deleted)
		}
		name := oldest.Value.(string)
		if err := os.Remove(s.elementPath(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %v", s.elementPath(name), err)
		}
		if id, err := ParseFileID(strings.TrimSuffix(name, elementExtension)); err == nil {
			s.loaded.Remove(id)
		}
		s.lru.Remove(oldest)
		deleted += s.entries[name].size
		delete(s.entries, name)
	}
	return nil
}
