package frame

import "github.com/snksoft/crc"

// Status classifies the front of an unreliable byte stream.
type Status int

const (
	// Partial means the buffer holds no complete frame yet; keep the bytes.
	Partial Status = iota
	// Full means a complete frame starts at offset zero.
	Full
	// Error means the buffer cannot start a valid frame and must be discarded.
	Error
)

func (s Status) String() string {
	switch s {
	case Partial:
		return "partial"
	case Full:
		return "full"
	case Error:
		return "error"
	}
	return "unknown"
}

// Result describes one recognizer pass over a buffer.
// For Full, FrameLen bytes are to be erased from the buffer, with the
// telegram payload at [PayloadOffset, PayloadOffset+PayloadLen).
type Result struct {
	Status        Status
	FrameLen      int
	PayloadLen    int
	PayloadOffset int
}

// Framing selects the recognizer dialect for a byte source.
type Framing int

const (
	// FramingWMBus is the wM-Bus radio dialect (L-field first, CRCs stripped by the dongle).
	FramingWMBus Framing = iota
	// FramingMBus is the wired M-Bus dialect (single-char, short, long frames).
	FramingMBus
)

// EN 13757 CRC-16 as used for wM-Bus payload blocks.
var en13757 = crc.NewTable(&crc.Parameters{
	Width:      16,
	Polynomial: 0x3D65,
	Init:       0x0000,
	ReflectIn:  false,
	ReflectOut: false,
	FinalXor:   0xFFFF,
})

// CRC16EN13757 computes the EN 13757 payload CRC over data.
func CRC16EN13757(data []byte) uint16 {
	return uint16(en13757.CalculateCRC(data))
}

// Check runs the recognizer for the given framing dialect. Pure and
// restartable: it never blocks, never mutates buf and never allocates.
func Check(f Framing, buf []byte) Result {
	if f == FramingMBus {
		return CheckMBus(buf)
	}
	return CheckWMBus(buf)
}
