// Package keytree implements the Key Tree (spec §4.3): deriving a frame's
// 32-byte decryption key from a subscription's sparse cover of a virtual
// binary tree whose leaves are timestamps.
package keytree

import (
	"crypto/md5"

	satdecerrors "github.com/soltara/satdec/internal/errors"
	"github.com/soltara/satdec/internal/satdec/wire"
)

const (
	branchLeft  = 1
	branchRight = 2
	pathDepth   = 64
)

// path builds the 64-byte branch path from the root to the leaf numbered
// timestamp + 2^64, path[0] being the first branch below the root. The leaf
// number is a 65-bit value (an implicit high bit, always 1, plus the 64
// bits of timestamp); repeatedly extracting the low bit and shifting right
// walks timestamp's bits from the LSB up, with the high bit feeding into
// bit 63 on the first shift and vanishing thereafter.
func path(timestamp uint64) [pathDepth]byte {
	var p [pathDepth]byte
	hiBit := uint64(1)
	low := timestamp
	for i := pathDepth - 1; i >= 0; i-- {
		p[i] = byte(low&1) + 1
		low = (low >> 1) | (hiBit << 63)
		hiBit = 0
	}
	return p
}

// DeriveKey finds the covering ancestor of timestamp's leaf in passwords and
// derives the 32-byte extended frame key. It fails with a KeyTreeError if no
// ancestor in the password table covers the timestamp.
func DeriveKey(timestamp uint64, passwords wire.ChannelPasswords) ([32]byte, error) {
	p := path(timestamp)

	node := uint64(1)
	var found *wire.ChannelPassword
	depth := 0
	for depth <= pathDepth {
		for i := range passwords {
			c := &passwords[i]
			if c.Empty() {
				break
			}
			if c.NodeNumber() == node {
				found = c
				break
			}
		}
		if found != nil || depth == pathDepth {
			break
		}
		node = node*2 + uint64(p[depth]-1)
		depth++
	}

	if found == nil {
		return [32]byte{}, satdecerrors.NewKeyTreeError("derive_key", errNoCoveringAncestor{})
	}

	leafKey := found.Password
	for _, branch := range p[depth:] {
		var tag byte
		switch branch {
		case branchLeft:
			tag = 'L'
		case branchRight:
			tag = 'R'
		default:
			return [32]byte{}, satdecerrors.NewKeyTreeError("derive_key", errBadBranch{branch: branch})
		}
		var in [17]byte
		copy(in[:16], leafKey[:])
		in[16] = tag
		leafKey = md5.Sum(in[:])
	}

	var extended [32]byte
	copy(extended[:16], leafKey[:])
	tail := md5.Sum(leafKey[:])
	copy(extended[16:], tail[:])
	return extended, nil
}

type errNoCoveringAncestor struct{}

func (errNoCoveringAncestor) Error() string { return "keytree: no covering ancestor password" }

type errBadBranch struct{ branch byte }

func (e errBadBranch) Error() string { return "keytree: invalid branch value" }
