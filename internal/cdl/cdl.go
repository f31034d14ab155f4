// Package cdl implements the Code/Data log store, the durable per-byte
// analysis result of a run. The per-byte flag layout is the Mesen CDL
// format provided by retrogolib's codedatalog package.
package cdl

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/retroenv/retrogolib/arch/system/nes/codedatalog"
)

// fileLog holds the flags of one Code/Data log file, keyed by the byte
// position inside the file.
type fileLog struct {
	flags map[uint64]codedatalog.PrgFlag
	dirty map[uint64]struct{}
}

// Store holds the Code/Data logs of all backing files of a run. Marking
// is idempotent and safe for concurrent use, racing traversal workers set
// the same flags.
type Store struct {
	mu    sync.Mutex
	files map[string]*fileLog
}

// NewStore creates an empty Code/Data log store.
func NewStore() *Store {
	return &Store{
		files: map[string]*fileLog{},
	}
}

func (s *Store) file(path string) *fileLog {
	log, ok := s.files[path]
	if !ok {
		log = &fileLog{
			flags: map[uint64]codedatalog.PrgFlag{},
			dirty: map[uint64]struct{}{},
		}
		s.files[path] = log
	}
	return log
}

// Mark sets the given flag on a file byte. It reports whether the flag was
// newly set; marking an already-marked byte is a no-op.
func (s *Store) Mark(path string, offset uint64, flag codedatalog.PrgFlag) bool {
	if path == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.file(path)
	current := log.flags[offset]
	if current&flag == flag {
		return false
	}
	log.flags[offset] = current | flag
	log.dirty[offset] = struct{}{}
	return true
}

// Get returns the flags of a file byte.
func (s *Store) Get(path string, offset uint64) codedatalog.PrgFlag {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.files[path]
	if !ok {
		return 0
	}
	return log.flags[offset]
}

// IsCode returns whether a file byte is marked as code.
func (s *Store) IsCode(path string, offset uint64) bool {
	return s.Get(path, offset)&codedatalog.Code != 0
}

// Load populates the store from an existing Code/Data log file range.
// A missing file is treated as all-zero. Bytes loaded this way are not
// dirty and will not be rewritten by Flush.
func (s *Store) Load(path string, offset uint64, length uint32) error {
	if path == "" {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("opening CDL file '%s': %w", path, err)
	}
	defer func() { _ = file.Close() }()

	data := make([]byte, length)
	n, err := file.ReadAt(data, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading CDL file '%s': %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.file(path)
	for i, b := range data[:n] {
		if b == 0 {
			continue
		}
		log.flags[offset+uint64(i)] = codedatalog.PrgFlag(b)
	}
	return nil
}

// Flush writes all dirty bytes back to their Code/Data log files. Every
// byte is written independently, there is no cross-byte invariant, so an
// interrupted flush leaves the files consistent.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, log := range s.files {
		if len(log.dirty) == 0 {
			continue
		}
		if err := flushFile(path, log); err != nil {
			return err
		}
	}
	return nil
}

func flushFile(path string, log *fileLog) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening CDL file '%s' for writing: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, 1)
	for offset := range log.dirty {
		buf[0] = byte(log.flags[offset])
		if _, err := file.WriteAt(buf, int64(offset)); err != nil {
			return fmt.Errorf("writing CDL file '%s' at offset $%X: %w", path, offset, err)
		}
		delete(log.dirty, offset)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing CDL file '%s': %w", path, err)
	}
	return nil
}
