package telegram

import (
	"encoding/binary"
	"math"
	"time"
)

// AnyStorageNr / AnyTariff are wildcard arguments for FindKey.
const (
	AnyStorageNr = -1
	AnyTariff    = -1
)

// FindKey searches the record map in telegram order for the first record
// matching the given measurement type, value information, storage number
// and tariff. UnknownMeasurement, AnyValueInformation, AnyStorageNr and
// AnyTariff act as wildcards.
func (r *Records) FindKey(mt MeasurementType, vi ValueInformation, storage, tariff int) (string, bool) {
	for _, key := range r.order {
		e := r.byKey[key].Entry
		if mt != UnknownMeasurement && e.MeasurementType != mt {
			continue
		}
		if vi != AnyValueInformation && toValueInformation(e) != vi {
			continue
		}
		if storage != AnyStorageNr && e.StorageNr != uint32(storage) {
			continue
		}
		if tariff != AnyTariff && e.Tariff != uint32(tariff) {
			continue
		}
		return key, true
	}
	return "", false
}

// ExtractUint reads the record payload as a little-endian unsigned integer.
func (r *Records) ExtractUint(key string) (offset int, value uint64, ok bool) {
	rec, found := r.byKey[key]
	if !found || len(rec.Entry.Raw) > 8 {
		return 0, 0, false
	}
	var v uint64
	for i := len(rec.Entry.Raw) - 1; i >= 0; i-- {
		v = v<<8 | uint64(rec.Entry.Raw[i])
	}
	return rec.Offset, v, true
}

// ExtractDouble reads the record payload (BCD, integer or 32-bit real) and
// scales it by the VIF decimal exponent into the quantity's base unit.
// A BCD nibble above 9 yields NaN; negative BCD is marked by a 0xF top
// nibble.
func (r *Records) ExtractDouble(key string) (offset int, value float64, ok bool) {
	rec, found := r.byKey[key]
	if !found {
		return 0, 0, false
	}
	e := rec.Entry
	var v float64
	switch e.Coding {
	case CodingBCD:
		bcd, valid := decodeBCD(e.Raw)
		if !valid {
			return rec.Offset, math.NaN(), true
		}
		v = bcd
	case CodingReal:
		if len(e.Raw) != 4 {
			return 0, 0, false
		}
		v = float64(math.Float32frombits(binary.LittleEndian.Uint32(e.Raw)))
	default:
		_, u, uok := r.ExtractUint(key)
		if !uok {
			return 0, 0, false
		}
		v = float64(u)
	}
	return rec.Offset, v * vifScale(e), true
}

// decodeBCD returns the signed decimal value of little-endian packed BCD.
func decodeBCD(raw []byte) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	negative := false
	digits := make([]byte, 0, len(raw)*2)
	for i := len(raw) - 1; i >= 0; i-- {
		hi := raw[i] >> 4
		lo := raw[i] & 0x0F
		if i == len(raw)-1 && hi == 0xF {
			negative = true
			hi = 0
		}
		if hi > 9 || lo > 9 {
			return 0, false
		}
		digits = append(digits, hi, lo)
	}
	var v float64
	for _, d := range digits {
		v = v*10 + float64(d)
	}
	if negative {
		v = -v
	}
	return v, true
}

// ExtractDate decodes type G (date) and type F (datetime) payloads.
func (r *Records) ExtractDate(key string) (offset int, ts time.Time, ok bool) {
	rec, found := r.byKey[key]
	if !found {
		return 0, time.Time{}, false
	}
	raw := rec.Entry.Raw
	switch len(raw) {
	case 2: // type G
		day := int(raw[0] & 0x1F)
		month := time.Month(raw[1] & 0x0F)
		year := 2000 + int(raw[1]&0xF0)>>1 + int(raw[0]&0xE0)>>5
		return rec.Offset, time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
	case 4: // type F
		minute := int(raw[0] & 0x3F)
		hour := int(raw[1] & 0x1F)
		day := int(raw[2] & 0x1F)
		month := time.Month(raw[3] & 0x0F)
		year := 2000 + int(raw[2]&0xE0)>>5 + int(raw[3]&0xF0)>>1
		return rec.Offset, time.Date(year, month, day, hour, minute, 0, 0, time.UTC), true
	}
	return 0, time.Time{}, false
}
