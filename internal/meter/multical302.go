package meter

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/telegram"
)

// multical302 is a compact heat meter reporting total and period-target
// energy, volume and current power.
type multical302 struct {
	totalEnergyKWh  float64
	targetEnergyKWh float64
	totalVolumeM3   float64
	targetDate      time.Time
	hasTargetDate   bool
	currentPowerKW  float64
	infoCodes       uint64
}

var multical302StatusTokens = map[uint64]string{
	0x01: "VOLTAGE_INTERRUPTED",
	0x02: "LOW_BATTERY",
	0x08: "T1_SENSOR_FAULT",
	0x10: "T2_SENSOR_FAULT",
	0x40: "FLOW_SENSOR_FAULT",
}

func (mc *multical302) Tag() string { return "multical302" }

func (mc *multical302) Detects(mfct uint16, devType, version byte) bool {
	return mfct == telegram.ManufacturerFlag("KAM") && devType == 0x04 && version == 0x30
}

func (mc *multical302) ExpectedSecurity() telegram.SecurityMode { return telegram.SecurityTPLAESCBC }

func (mc *multical302) LinkModes() []LinkMode { return []LinkMode{LinkModeC1} }

func (mc *multical302) ProcessContent(t *telegram.Telegram) {
	recs := t.Records
	if recs == nil {
		return
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.Energy, 0, telegram.AnyTariff); ok {
		if off, v, ok := recs.ExtractDouble(key); ok {
			mc.totalEnergyKWh = v
			t.Explain(off, nil, "total energy")
		}
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.Energy, 1, telegram.AnyTariff); ok {
		if off, v, ok := recs.ExtractDouble(key); ok {
			mc.targetEnergyKWh = v
			t.Explain(off, nil, "target energy")
		}
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.Volume, 0, telegram.AnyTariff); ok {
		if _, v, ok := recs.ExtractDouble(key); ok {
			mc.totalVolumeM3 = v
		}
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.Date, 1, telegram.AnyTariff); ok {
		if _, ts, ok := recs.ExtractDate(key); ok {
			mc.targetDate = ts
			mc.hasTargetDate = true
		}
	}
	if key, ok := recs.FindKey(telegram.Instantaneous, telegram.Power, 0, telegram.AnyTariff); ok {
		if _, v, ok := recs.ExtractDouble(key); ok {
			mc.currentPowerKW = v
		}
	}
	if _, v, ok := recs.ExtractUint("01ff21"); ok {
		mc.infoCodes = v
	}
}

func (mc *multical302) Status() string {
	return renderStatus(mc.infoCodes, multical302StatusTokens)
}

func (mc *multical302) Prints() []Print {
	return []Print{
		{Name: "total_energy_kwh", Quantity: "Energy", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.3f", mc.totalEnergyKWh) }},
		{Name: "target_energy_kwh", Quantity: "Energy", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.3f", mc.targetEnergyKWh) }},
		{Name: "total_volume_m3", Quantity: "Volume", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.3f", mc.totalVolumeM3) }},
		{Name: "target_date", Quantity: "Date", Field: true, JSON: true,
			Get: func() string {
				if !mc.hasTargetDate {
					return ""
				}
				return mc.targetDate.Format("2006-01-02 15:04")
			}},
		{Name: "current_power_kw", Quantity: "Power", Field: true, JSON: true,
			Get: func() string { return fmt.Sprintf("%.3f", mc.currentPowerKW) }},
		{Name: "status", Quantity: "Text", Field: true, JSON: true, Get: mc.Status},
	}
}
