package meter

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-wmbus-server/internal/telegram"
)

// compact5 is a heat meter whose proprietary application layer (CI A2)
// carries two little-endian kWh counters at fixed payload offsets:
// previous period at 3..4 and current period at 7..8.
type compact5 struct {
	prevPeriodKWh uint64
	currPeriodKWh uint64
}

const (
	compact5CI         = 0xA2
	compact5PrevOffset = 3
	compact5CurrOffset = 7
)

func (c *compact5) Tag() string { return "compact5" }

func (c *compact5) Detects(mfct uint16, devType, version byte) bool {
	if mfct != telegram.ManufacturerFlag("TCH") || version != 0x45 {
		return false
	}
	return devType == 0x43 || devType == 0x22
}

func (c *compact5) ExpectedSecurity() telegram.SecurityMode { return telegram.SecurityNone }

func (c *compact5) LinkModes() []LinkMode { return []LinkMode{LinkModeT1} }

func (c *compact5) ProcessContent(t *telegram.Telegram) {
	if t.CI != compact5CI || len(t.Payload) < compact5CurrOffset+2 {
		return
	}
	c.prevPeriodKWh = uint64(binary.LittleEndian.Uint16(t.Payload[compact5PrevOffset:]))
	c.currPeriodKWh = uint64(binary.LittleEndian.Uint16(t.Payload[compact5CurrOffset:]))
	t.Explain(t.PayloadOffset+compact5PrevOffset, t.Payload[compact5PrevOffset:compact5PrevOffset+2], "previous period energy")
	t.Explain(t.PayloadOffset+compact5CurrOffset, t.Payload[compact5CurrOffset:compact5CurrOffset+2], "current period energy")
}

func (c *compact5) totalKWh() uint64 { return c.prevPeriodKWh + c.currPeriodKWh }

func (c *compact5) Status() string { return "" }

func (c *compact5) Prints() []Print {
	return []Print{
		{Name: "prev_period_kwh", Quantity: "Energy", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%d", c.prevPeriodKWh) }},
		{Name: "curr_period_kwh", Quantity: "Energy", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%d", c.currPeriodKWh) }},
		{Name: "total_energy_kwh", Quantity: "Energy", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%d", c.totalKWh()) }},
	}
}
