package frame

import (
	"bytes"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
)

// largeBufferReclaimThreshold is the capacity above which the RX accumulation
// buffer is discarded and reallocated once empty, so bursts of noise do not
// permanently retain large backing arrays.
const largeBufferReclaimThreshold = 16 * 1024

// Decoder accumulates bytes from one source and emits complete frames.
// Not safe for concurrent use; each source feeds its decoder from a single
// goroutine (the readiness loop, or a simulator's replay goroutine).
type Decoder struct {
	Framing Framing
	Name    string // source identity, for protocol-error logs
	buf     bytes.Buffer
}

// NewDecoder creates a stream decoder for the given framing dialect.
func NewDecoder(f Framing, name string) *Decoder {
	return &Decoder{Framing: f, Name: name}
}

// Buffered returns the number of bytes held for the next pass.
func (d *Decoder) Buffered() int { return d.buf.Len() }

// Consume appends data and invokes emit for every complete frame now
// available. A frame error drops the whole accumulation, as resynchronization
// inside a radio byte stream is not possible without the next length byte.
func (d *Decoder) Consume(data []byte, emit func(raw []byte)) {
	d.buf.Write(data)
	for {
		r := Check(d.Framing, d.buf.Bytes())
		switch r.Status {
		case Partial:
			if d.buf.Len() == 0 && d.buf.Cap() > largeBufferReclaimThreshold {
				d.buf = bytes.Buffer{}
			}
			return
		case Error:
			metrics.IncMalformed()
			logging.L().Warn("protocol_error", "source", d.Name, "discarded", d.buf.Len())
			d.buf.Reset()
			return
		case Full:
			raw := make([]byte, r.FrameLen)
			copy(raw, d.buf.Bytes()[:r.FrameLen])
			d.buf.Next(r.FrameLen)
			metrics.IncFrame()
			emit(raw)
		}
	}
}
