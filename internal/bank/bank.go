// Package bank manages ROM banks and their mapping into the logical
// address space.
package bank

import (
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/retroenv/retrogolib/log"

	"github.com/retrotools/disnes/internal/memory"
)

// ErrUnusableBank is returned when reading from a bank whose backing file
// could not be read.
var ErrUnusableBank = errors.New("bank has no usable backing data")

// Desc describes a single bank: a window of the address space backed by a
// byte range of a file, with a matching Code/Data log position.
type Desc struct {
	Name       string
	Start      uint16
	Len        uint32
	File       string
	FileOffset uint64
	Cdl        string
	CdlOffset  uint64
	Fixed      bool
}

// Bank is a loaded bank. A bank whose backing file is missing or truncated
// is kept in the set but degraded to unusable, its window is treated as
// non-analyzable.
type Bank struct {
	desc Desc
	id   int
	data []byte

	unusable bool
}

func (b *Bank) Name() string {
	return b.desc.Name
}

func (b *Bank) ID() int {
	return b.id
}

func (b *Bank) Start() uint16 {
	return b.desc.Start
}

func (b *Bank) Len() uint32 {
	return b.desc.Len
}

func (b *Bank) Fixed() bool {
	return b.desc.Fixed
}

// Usable returns whether the backing file content of the bank is available.
func (b *Bank) Usable() bool {
	return !b.unusable
}

// Contains returns whether the bank window covers the given address.
func (b *Bank) Contains(addr uint16) bool {
	return addr >= b.desc.Start && uint32(addr)-uint32(b.desc.Start) < b.desc.Len
}

// ReadByte returns the backing file byte at the given offset within the
// bank window.
func (b *Bank) ReadByte(localOffset uint32) (byte, error) {
	if b.unusable {
		return 0, fmt.Errorf("bank %s: %w", b.desc.Name, ErrUnusableBank)
	}
	if localOffset >= b.desc.Len {
		return 0, fmt.Errorf("bank %s: offset $%X exceeds bank length $%X",
			b.desc.Name, localOffset, b.desc.Len)
	}
	return b.data[localOffset], nil
}

// CdlAddress returns the Code/Data log file and the position inside it
// that corresponds to the given offset within the bank window.
func (b *Bank) CdlAddress(localOffset uint32) (string, uint64) {
	return b.desc.Cdl, b.desc.CdlOffset + uint64(localOffset)
}

// Snapshot is an externally supplied, immutable view of the mapper state:
// for each switchable window start address, the id of the bank currently
// mapped into it. Fixed banks are always mapped and need no entry.
// Assigning a window twice keeps the last assignment.
type Snapshot struct {
	version uint64
	active  map[uint16]int
}

// NewSnapshot creates a mapper state snapshot with the given version.
func NewSnapshot(version uint64, active map[uint16]int) Snapshot {
	copied := make(map[uint16]int, len(active))
	for window, id := range active {
		copied[window] = id
	}
	return Snapshot{version: version, active: copied}
}

func (s Snapshot) Version() uint64 {
	return s.version
}

// Set is an immutable collection of banks sharing the logical address
// space. Which non-fixed bank occupies a window is decided per Resolve
// call by the passed snapshot.
type Set struct {
	logger *log.Logger
	banks  []*Bank
	byName map[string]*Bank
}

// NewSet validates the bank declarations and loads their backing file
// content. A bank whose backing file cannot be read is degraded, not
// fatal; invalid declarations are configuration errors.
func NewSet(logger *log.Logger, descs []Desc) (*Set, error) {
	set := &Set{
		logger: logger,
		byName: make(map[string]*Bank, len(descs)),
	}

	for i, desc := range descs {
		if err := validateDesc(desc); err != nil {
			return nil, fmt.Errorf("bank %d: %w", i, err)
		}
		if _, ok := set.byName[desc.Name]; ok {
			return nil, fmt.Errorf("duplicated bank name '%s'", desc.Name)
		}

		bnk := &Bank{
			desc: desc,
			id:   i,
		}

		data, err := readFileRange(desc.File, desc.FileOffset, desc.Len)
		if err != nil {
			logger.Warn("Degrading bank to unusable",
				log.String("bank", desc.Name),
				log.Err(err))
			bnk.unusable = true
		} else {
			bnk.data = data
		}

		set.banks = append(set.banks, bnk)
		set.byName[desc.Name] = bnk
	}

	if err := checkFixedOverlaps(set.banks); err != nil {
		return nil, err
	}
	return set, nil
}

func validateDesc(desc Desc) error {
	if desc.Name == "" {
		return errors.New("bank name must not be empty")
	}
	if desc.Len == 0 {
		return fmt.Errorf("bank '%s' is empty", desc.Name)
	}
	if uint32(desc.Start)+desc.Len > memory.AddressSpaceSize {
		return fmt.Errorf("bank '%s' overflows address space (start=$%04X, len=$%X)",
			desc.Name, desc.Start, desc.Len)
	}
	if bits.OnesCount32(desc.Len) != 1 {
		return fmt.Errorf("bank '%s' window size $%X is not a power of two",
			desc.Name, desc.Len)
	}
	return nil
}

// checkFixedOverlaps rejects a fixed bank sharing any address with another
// bank. Non-fixed banks may share a window, only one of them is active
// per snapshot.
func checkFixedOverlaps(banks []*Bank) error {
	for i, lhs := range banks {
		for _, rhs := range banks[i+1:] {
			if !lhs.desc.Fixed && !rhs.desc.Fixed {
				continue
			}
			if rangesIntersect(lhs.desc, rhs.desc) {
				return fmt.Errorf("fixed bank must not intersect with another bank: '%s' and '%s'",
					lhs.desc.Name, rhs.desc.Name)
			}
		}
	}
	return nil
}

func rangesIntersect(a, b Desc) bool {
	aEnd := uint32(a.Start) + a.Len
	bEnd := uint32(b.Start) + b.Len
	return uint32(a.Start) < bEnd && uint32(b.Start) < aEnd
}

// Banks returns all banks of the set.
func (s *Set) Banks() []*Bank {
	return s.banks
}

// BankByName returns the bank with the given name.
func (s *Set) BankByName(name string) (*Bank, bool) {
	bnk, ok := s.byName[name]
	return bnk, ok
}

// Resolve returns the bank occupying the given address and the byte offset
// within it. Fixed banks are always mapped, non-fixed banks only when the
// snapshot names them active. Returns false if no bank covers the address.
func (s *Set) Resolve(addr uint16, snapshot Snapshot) (*Bank, uint32, bool) {
	for _, bnk := range s.banks {
		if bnk.desc.Fixed && bnk.Contains(addr) {
			return bnk, uint32(addr) - uint32(bnk.desc.Start), true
		}
	}

	for _, id := range snapshot.active {
		if id < 0 || id >= len(s.banks) {
			continue
		}
		bnk := s.banks[id]
		if !bnk.desc.Fixed && bnk.Contains(addr) {
			return bnk, uint32(addr) - uint32(bnk.desc.Start), true
		}
	}

	return nil, 0, false
}

// ReadByte resolves the address and reads the backing byte of the active
// bank.
func (s *Set) ReadByte(addr uint16, snapshot Snapshot) (byte, error) {
	bnk, localOffset, ok := s.Resolve(addr, snapshot)
	if !ok {
		return 0, fmt.Errorf("no bank mapped at address $%04X", addr)
	}
	return bnk.ReadByte(localOffset)
}

// readFileRange reads exactly length bytes at the given offset.
func readFileRange(path string, offset uint64, length uint32) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file '%s': %w", path, err)
	}
	defer func() { _ = file.Close() }()

	data := make([]byte, length)
	if _, err := file.ReadAt(data, int64(offset)); err != nil {
		return nil, fmt.Errorf("reading $%X bytes at offset $%X from '%s': %w",
			length, offset, path, err)
	}
	return data, nil
}
