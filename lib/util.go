package lib

import (
	"encoding/binary"
	"fmt"
	"math"
)

// CalculateChecksum computes the 16-bit one's complement sum used by
// the IPv4 header and the UDP/TCP pseudo-header checksums.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		word := binary.BigEndian.Uint16(buffer[i : i+2])
		cksum += uint32(word)
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8 // Shift last byte to 16 bits
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += (cksum >> 16)

	// Return one's complement of the final sum
	return ^uint16(cksum)
}

const pseudoHeaderLength = 12

// assemblePseudoHeader writes the 12-byte IPv4 pseudo-header used for
// the UDP/TCP checksum into buffer.
func assemblePseudoHeader(buffer []byte, src, dst IPAddr, protocol uint8, length uint16) error {
	if len(buffer) != pseudoHeaderLength {
		return fmt.Errorf("pseudo header buffer length(%d) is not %d: %w", len(buffer), pseudoHeaderLength, ErrInvalidArgument)
	}
	binary.BigEndian.PutUint32(buffer[0:4], uint32(src))
	binary.BigEndian.PutUint32(buffer[4:8], uint32(dst))
	buffer[8] = 0
	buffer[9] = protocol
	binary.BigEndian.PutUint16(buffer[10:12], length)
	return nil
}

func seqAdd(seq, inc uint32) uint32 {
	return uint32(uint64(seq) + uint64(inc)) // implicit modulo operation included
}

// SEQ compare function with SEQ wraparound in mind
func seqGreater(seq1, seq2 uint32) bool {
	if seq1 == seq2 {
		return false
	}
	// Calculate direct difference
	var diff, wrapdiff, distance int64
	diff = int64(seq1) - int64(seq2)
	if diff < 0 {
		diff = -diff
	}
	wrapdiff = int64(math.MaxUint32 + 1 - diff)

	// Choose the shorter distance
	if diff < wrapdiff {
		distance = diff
	} else {
		distance = wrapdiff
	}

	// Check if the first sequence number is "greater"
	return (distance+int64(seq2))%(math.MaxUint32+1) == int64(seq1)
}

func seqGreaterOrEqual(seq1, seq2 uint32) bool {
	return seqGreater(seq1, seq2) || (seq1 == seq2)
}

func seqLess(seq1, seq2 uint32) bool {
	return !seqGreaterOrEqual(seq1, seq2)
}

func seqLessOrEqual(seq1, seq2 uint32) bool {
	return !seqGreater(seq1, seq2)
}
