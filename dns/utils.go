package dns

import (
	"encoding/binary"
	"fmt"
)

// skipName returns the offset just past the encoded name starting at offset.
// A compression pointer terminates the name.
func skipName(msg []byte, offset int) (int, error) {
	for {
		if offset >= len(msg) {
			return offset, fmt.Errorf("name runs past end of message")
		}
		length := int(msg[offset])
		switch {
		case length == 0:
			return offset + 1, nil
		case length&0xC0 == 0xC0:
			if offset+2 > len(msg) {
				return offset, fmt.Errorf("compression pointer incomplete")
			}
			return offset + 2, nil
		case length&0xC0 != 0:
			return offset, fmt.Errorf("unsupported label type 0x%02x", length&0xC0)
		}
		offset += 1 + length
	}
}

// questionsEnd walks count questions after the header. It returns the offset
// where the last complete question ends and how many questions were
// complete, also when a later question fails to parse.
func questionsEnd(msg []byte, count int) (int, int, error) {
	offset := headerSize
	for i := 0; i < count; i++ {
		next, err := skipName(msg, offset)
		if err != nil {
			return offset, i, fmt.Errorf("question %d: %w", i, err)
		}
		if next+4 > len(msg) {
			return offset, i, fmt.Errorf("question %d: type and class truncated", i)
		}
		offset = next + 4
	}
	return offset, count, nil
}

func queryID(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[headerIDOffset : headerIDOffset+2])
}
