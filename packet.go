package frag

import (
	"github.com/pkg/errors"
)

/*
	Whole packet:
	{
		prefix(1B)   : bit 0 clear
		payload(nB)
	}

	Fragment packet:
	{
		prefix(1B)   : bit 0 set
		group(2B)    : group id, wraps at 65535
		part(2B)     : part index, < total
		total(2B)    : number of parts in the group
		payload(nB)  : length implied by the packet length
	}

	All integers are little endian.
*/

const (
	prefixFragment = 1 << 0

	PacketHeaderBytes   = 1
	FragmentHeaderBytes = 7
)

var (
	ErrPacketTooSmall     = errors.New("packet too small")
	ErrNotFragment        = errors.New("prefix byte does not indicate a fragment")
	ErrTooManyFragments   = errors.New("total parts outside of range of max fragments")
	ErrInvalidFragment    = errors.New("part index outside of range of total parts")
	ErrFragmentTooLarge   = errors.New("fragment payload larger than fragment size")
	ErrFragmentSizeUneven = errors.New("non-final fragment is not a full fragment")
)

// IsFragment reports whether the prefix byte marks packetData as a fragment.
func IsFragment(packetData []byte) bool {
	return len(packetData) > 0 && packetData[0]&prefixFragment != 0
}

// WriteFragmentHeader writes the fragment header to the front of packetData
// and returns the number of bytes written.
func WriteFragmentHeader(packetData []byte, groupID, part, total uint16) int {
	p := newBufferFromRef(packetData)
	p.writeUint8(prefixFragment)
	p.writeUint16(groupID)
	p.writeUint16(part)
	p.writeUint16(total)
	return p.pos
}

// ReadFragmentHeader decodes and validates a fragment header. Fragments other
// than the last must carry exactly fragmentSize payload bytes.
func ReadFragmentHeader(packetData []byte, maxFragments, fragmentSize int) (groupID, part, total uint16, err error) {
	if len(packetData) < FragmentHeaderBytes {
		return 0, 0, 0, errors.Wrapf(ErrPacketTooSmall, "%d bytes, fragment header is %d", len(packetData), FragmentHeaderBytes)
	}

	p := newBufferFromRef(packetData)
	prefixByte, _ := p.getUint8()
	if prefixByte != prefixFragment {
		return 0, 0, 0, errors.Wrapf(ErrNotFragment, "prefix %#x", prefixByte)
	}

	groupID, _ = p.getUint16()
	part, _ = p.getUint16()
	total, _ = p.getUint16()

	if err := validateFragment(part, total, maxFragments); err != nil {
		return 0, 0, 0, errors.WithMessagef(err, "group %d", groupID)
	}

	fragmentBytes := len(p.remaining())
	if fragmentBytes > fragmentSize {
		return 0, 0, 0, errors.Wrapf(ErrFragmentTooLarge, "fragment bytes %d > fragment size %d", fragmentBytes, fragmentSize)
	}
	if part != total-1 && fragmentBytes != fragmentSize {
		return 0, 0, 0, errors.Wrapf(ErrFragmentSizeUneven, "fragment %d is %d bytes, expected %d", part, fragmentBytes, fragmentSize)
	}
	return groupID, part, total, nil
}

func validateFragment(part, total uint16, maxFragments int) error {
	if total == 0 || int(total) > maxFragments {
		return errors.Wrapf(ErrTooManyFragments, "total %d, max %d", total, maxFragments)
	}
	if part >= total {
		return errors.Wrapf(ErrInvalidFragment, "part %d, total %d", part, total)
	}
	return nil
}

// WritePacketHeader writes the whole-packet prefix and returns the number of bytes written.
func WritePacketHeader(packetData []byte) int {
	p := newBufferFromRef(packetData)
	p.writeUint8(0)
	return p.pos
}

// ReadPacketHeader returns the payload of a whole packet.
func ReadPacketHeader(packetData []byte) ([]byte, error) {
	if len(packetData) < PacketHeaderBytes {
		return nil, errors.Wrap(ErrPacketTooSmall, "empty packet")
	}
	if IsFragment(packetData) {
		return nil, errors.Errorf("prefix byte %#x does not indicate a regular packet", packetData[0])
	}
	return packetData[PacketHeaderBytes:], nil
}
