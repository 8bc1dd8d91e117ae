package meter

import (
	"fmt"

	"github.com/kstaniek/go-wmbus-server/internal/telegram"
)

// multical603 is a heat meter with flow and temperature pairs plus two
// vendor-extension energy counters.
type multical603 struct {
	totalEnergyKWh float64
	totalVolumeM3  float64
	volumeFlowM3h  float64
	t1C            float64
	t2C            float64
	infoCodes      uint64
	// Vendor extension 04 FF 07 / 04 FF 08: undocumented unit, kept as
	// raw counts.
	energyForwardCount  uint64
	energyReturnedCount uint64
}

var multical603StatusTokens = map[uint64]string{
	0x01: "VOLTAGE_INTERRUPTED",
	0x02: "LOW_BATTERY",
	0x04: "SENSOR_ERROR",
	0x08: "T1_SENSOR_FAULT",
	0x10: "T2_SENSOR_FAULT",
	0x20: "T1_T2_SWAPPED",
	0x40: "FLOW_SENSOR_FAULT",
}

func (mc *multical603) Tag() string { return "multical603" }

func (mc *multical603) Detects(mfct uint16, devType, version byte) bool {
	return mfct == telegram.ManufacturerFlag("KAM") && devType == 0x04 && version == 0x35
}

func (mc *multical603) ExpectedSecurity() telegram.SecurityMode { return telegram.SecurityTPLAESCBC }

func (mc *multical603) LinkModes() []LinkMode { return []LinkMode{LinkModeC1, LinkModeT1} }

func (mc *multical603) ProcessContent(t *telegram.Telegram) {
	recs := t.Records
	if recs == nil {
		return
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.Energy, 0, telegram.AnyTariff); ok {
		if _, v, ok := recs.ExtractDouble(key); ok {
			mc.totalEnergyKWh = v
		}
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.Volume, 0, telegram.AnyTariff); ok {
		if _, v, ok := recs.ExtractDouble(key); ok {
			mc.totalVolumeM3 = v
		}
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.VolumeFlow, 0, telegram.AnyTariff); ok {
		if _, v, ok := recs.ExtractDouble(key); ok {
			mc.volumeFlowM3h = v
		}
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.FlowTemperature, 0, telegram.AnyTariff); ok {
		if _, v, ok := recs.ExtractDouble(key); ok {
			mc.t1C = v
		}
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.ReturnTemperature, 0, telegram.AnyTariff); ok {
		if _, v, ok := recs.ExtractDouble(key); ok {
			mc.t2C = v
		}
	}
	if _, v, ok := recs.ExtractUint("04ff22"); ok {
		mc.infoCodes = v
	}
	if _, v, ok := recs.ExtractUint("04ff07"); ok {
		mc.energyForwardCount = v
	}
	if _, v, ok := recs.ExtractUint("04ff08"); ok {
		mc.energyReturnedCount = v
	}
}

func (mc *multical603) Status() string {
	return renderStatus(mc.infoCodes, multical603StatusTokens)
}

func (mc *multical603) Prints() []Print {
	return []Print{
		{Name: "total_energy_kwh", Quantity: "Energy", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.3f", mc.totalEnergyKWh) }},
		{Name: "total_volume_m3", Quantity: "Volume", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.3f", mc.totalVolumeM3) }},
		{Name: "volume_flow_m3h", Quantity: "Flow", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.3f", mc.volumeFlowM3h) }},
		{Name: "t1_c", Quantity: "Temperature", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.2f", mc.t1C) }},
		{Name: "t2_c", Quantity: "Temperature", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.2f", mc.t2C) }},
		{Name: "energy_forward_count", Quantity: "Counter", JSON: true,
			Get: func() string { return fmt.Sprintf("%d", mc.energyForwardCount) }},
		{Name: "energy_returned_count", Quantity: "Counter", JSON: true,
			Get: func() string { return fmt.Sprintf("%d", mc.energyReturnedCount) }},
		{Name: "status", Quantity: "Text", Field: true, JSON: true, Get: mc.Status},
	}
}
