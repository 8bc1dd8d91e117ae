package meter

import (
	"fmt"
	"strings"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/telegram"
)

// LinkMode is the radio profile a driver expects.
type LinkMode int

const (
	LinkModeC1 LinkMode = iota
	LinkModeT1
	LinkModeS1
	LinkModeN1
)

func (l LinkMode) String() string {
	switch l {
	case LinkModeC1:
		return "c1"
	case LinkModeT1:
		return "t1"
	case LinkModeS1:
		return "s1"
	case LinkModeN1:
		return "n1"
	}
	return "?"
}

// Print is one entry of a driver's print schema.
type Print struct {
	Name     string
	Quantity string
	Get      func() string
	Field    bool // appears in field-separated rows
	JSON     bool // appears in json output
}

// Driver consumes parsed records and exposes typed quantities. Drivers are
// pure transformations of records to state and perform no I/O.
type Driver interface {
	Tag() string
	// Detects reports whether the wire identity belongs to this driver.
	Detects(mfct uint16, devType, version byte) bool
	ExpectedSecurity() telegram.SecurityMode
	LinkModes() []LinkMode
	ProcessContent(t *telegram.Telegram)
	Prints() []Print
	// Status renders the driver's info codes as space-separated tokens.
	Status() string
}

// Meter is one configured meter instance: an address pattern bound to a
// driver with its key material. State is mutated only by the dispatch
// goroutine.
type Meter struct {
	Name       string // user alias
	Addresses  []string
	Key        []byte
	driver     Driver
	NumUpdates uint64
	LastUpdate time.Time
}

// Driver exposes the meter's driver for schema rendering.
func (m *Meter) Driver() Driver { return m.driver }

// MatchesAddress reports whether any configured pattern matches the 8-nibble
// meter id; '*' wildcards a single nibble, a bare "*" matches everything.
func (m *Meter) MatchesAddress(id string) bool {
	for _, pat := range m.Addresses {
		if matchAddress(pat, id) {
			return true
		}
	}
	return false
}

func matchAddress(pattern, id string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) != len(id) {
		return false
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '*' && pattern[i] != id[i] {
			return false
		}
	}
	return true
}

// renderStatus turns an info-code bitfield into space-separated tokens from
// the driver's enumeration, "" when no bits are set and any unknown bits as
// a hex remainder.
func renderStatus(codes uint64, tokens map[uint64]string) string {
	if codes == 0 {
		return ""
	}
	var out []string
	var rest uint64
	for bit := uint(0); bit < 64; bit++ {
		b := uint64(1) << bit
		if codes&b == 0 {
			continue
		}
		if tok, ok := tokens[b]; ok {
			out = append(out, tok)
		} else {
			rest |= b
		}
	}
	if rest != 0 {
		out = append(out, fmt.Sprintf("UNKNOWN_%X", rest))
	}
	return strings.Join(out, " ")
}
