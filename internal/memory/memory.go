// Package memory models the 64K logical address space and its per-byte
// access permissions.
package memory

import (
	"fmt"
)

// AddressSpaceSize is the number of addressable bytes of the 6502.
const AddressSpaceSize = 0x10000

// Permission describes the allowed access kinds for a single address.
type Permission uint8

const (
	Readable Permission = 1 << iota
	Writable
	Executable
)

// NewPermission combines the given access flags into a permission value.
func NewPermission(readable, writable, executable bool) Permission {
	var p Permission
	if readable {
		p |= Readable
	}
	if writable {
		p |= Writable
	}
	if executable {
		p |= Executable
	}
	return p
}

func (p Permission) Readable() bool {
	return p&Readable != 0
}

func (p Permission) Writable() bool {
	return p&Writable != 0
}

func (p Permission) Executable() bool {
	return p&Executable != 0
}

// Region declares the permissions for a byte range of the address space.
// Regions are applied in declaration order, a later region overrides
// earlier ones on overlapping bytes.
type Region struct {
	Start      uint16
	Len        uint32
	Readable   bool
	Writable   bool
	Executable bool
}

// AddressSpace is an immutable per-byte permission table. Addresses not
// covered by any region carry no permissions at all. The table is safe to
// share between concurrent readers once built.
type AddressSpace struct {
	permissions [AddressSpaceSize]Permission
}

// BuildAddressSpace folds the ordered region declarations into a flat
// lookup table. A region that does not fit into the address space is a
// configuration error.
func BuildAddressSpace(regions []Region) (*AddressSpace, error) {
	space := &AddressSpace{}

	for i, region := range regions {
		if region.Len == 0 {
			return nil, fmt.Errorf("region %d: empty region (start=$%04X)", i, region.Start)
		}
		end := uint32(region.Start) + region.Len
		if end > AddressSpaceSize {
			return nil, fmt.Errorf("region %d overflows address space (start=$%04X, len=$%X)",
				i, region.Start, region.Len)
		}

		permission := NewPermission(region.Readable, region.Writable, region.Executable)
		for addr := uint32(region.Start); addr < end; addr++ {
			space.permissions[addr] = permission
		}
	}

	return space, nil
}

// Permissions returns the access permissions of the given address.
func (a *AddressSpace) Permissions(addr uint16) Permission {
	return a.permissions[addr]
}
