package telegram

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
)

// MeasurementType is the DIF function field.
type MeasurementType int

const (
	Instantaneous MeasurementType = iota
	Maximum
	Minimum
	AtError
	UnknownMeasurement
)

func (m MeasurementType) String() string {
	switch m {
	case Instantaneous:
		return "instantaneous"
	case Maximum:
		return "maximum"
	case Minimum:
		return "minimum"
	case AtError:
		return "at-error"
	}
	return "unknown"
}

// Coding is the data-field representation announced by the DIF.
type Coding int

const (
	CodingInt Coding = iota
	CodingBCD
	CodingReal
	CodingVariable
	CodingSelection
)

// DVEntry is one parsed application-layer record.
type DVEntry struct {
	MeasurementType MeasurementType
	Vif             int  // primary VIF byte with extension bit cleared
	VifTable        byte // 0 for the primary table, else 0xFB/0xFD/0xFF escape
	Coding          Coding
	StorageNr       uint32
	Tariff          uint32
	SubUnit         uint32
	Raw             []byte // record payload bytes as on the wire
}

// Record binds a DV-key to its entry and frame offset.
type Record struct {
	Key    string
	Offset int
	Entry  DVEntry
}

// Records is the ordered record multimap of one telegram. Keys are unique:
// a later record at the same DV-key overwrites the earlier one
// (last-writer-wins, matching deployed meter behavior).
type Records struct {
	order []string
	byKey map[string]Record
}

func newRecords() *Records {
	return &Records{byKey: map[string]Record{}}
}

// Len returns the number of distinct DV-keys.
func (r *Records) Len() int { return len(r.order) }

// Keys returns DV-keys in first-appearance order.
func (r *Records) Keys() []string { return r.order }

// Get looks up a record by its exact DV-key.
func (r *Records) Get(key string) (Record, bool) {
	rec, ok := r.byKey[key]
	return rec, ok
}

func (r *Records) add(rec Record) {
	if _, dup := r.byKey[rec.Key]; !dup {
		r.order = append(r.order, rec.Key)
	}
	// Duplicate DV-key: overwrite, keeping the original position.
	r.byKey[rec.Key] = rec
}

var ErrRecordChain = errors.New("telegram: malformed record chain")

// DIF data-field nibble values.
const (
	difNoData        = 0x0
	difReal32        = 0x5
	difSelection     = 0x8
	difVariableLen   = 0xD
	difSpecialFunc   = 0xF
	difIdleFiller    = 0x2F
	difExtensionBit  = 0x80
	vifPlainText     = 0x7C
	vifPlainTextExt  = 0xFC
	vifExtensionFB   = 0xFB
	vifExtensionFD   = 0xFD
	vifMfctSpecific  = 0xFF
	vifExtensionMask = 0x7F
)

// dataLen maps the DIF data-field nibble to payload width and coding.
// Variable-length records resolve their width from the LVAR byte.
func dataLen(df byte) (int, Coding, bool) {
	switch df {
	case 0x0:
		return 0, CodingInt, true
	case 0x1, 0x2, 0x3, 0x4, 0x6:
		return int(df), CodingInt, true
	case 0x7:
		return 8, CodingInt, true
	case difReal32:
		return 4, CodingReal, true
	case difSelection:
		return 0, CodingSelection, true
	case difVariableLen:
		return 0, CodingVariable, true
	case 0x9, 0xA, 0xB, 0xC:
		return int(df - 8), CodingBCD, true
	case 0xE:
		return 6, CodingBCD, true
	}
	return 0, CodingInt, false
}

// ParseRecords walks the application-layer record stream of the decrypted
// payload. A malformed chain stops parsing; records seen before the fault
// stay usable, the remainder of the telegram is dropped with one warning.
func (t *Telegram) ParseRecords() error {
	if t.Records != nil {
		return nil
	}
	t.Records = newRecords()
	if t.MfctSpecific || !t.Decrypted {
		return nil
	}
	p := t.Payload
	i := 0
	for i < len(p) {
		if p[i] == difIdleFiller {
			i++
			continue
		}
		start := i
		dif := p[i]
		df := dif & 0x0F
		if df == difSpecialFunc {
			// Special function DIF: the rest of the payload is
			// manufacturer data, not records.
			t.explain(t.PayloadOffset+i, p[i:], "manufacturer data")
			return nil
		}
		width, coding, ok := dataLen(df)
		if !ok {
			return t.recordFault(i, "bad data field")
		}
		mt := MeasurementType((dif >> 4) & 0x3)
		storage := uint32(dif>>6) & 1
		var tariff, subunit uint32
		keyBytes := []byte{dif}
		i++

		// DIFE chain extends storage/tariff/subunit.
		ext := dif&difExtensionBit != 0
		for j := 0; ext; j++ {
			if i >= len(p) {
				return t.recordFault(start, "dife chain past end")
			}
			dife := p[i]
			keyBytes = append(keyBytes, dife)
			storage |= uint32(dife&0x0F) << (1 + 4*j)
			tariff |= uint32(dife>>4&0x3) << (2 * j)
			subunit |= uint32(dife>>6&0x1) << j
			ext = dife&difExtensionBit != 0
			i++
		}

		if i >= len(p) {
			return t.recordFault(start, "missing vif")
		}
		vifByte := p[i]
		keyBytes = append(keyBytes, vifByte)
		i++
		var table byte
		vif := int(vifByte & vifExtensionMask)
		switch vifByte {
		case vifExtensionFB, vifExtensionFD, vifMfctSpecific:
			table = vifByte
			if vifByte != vifMfctSpecific {
				if i >= len(p) {
					return t.recordFault(start, "truncated vif extension")
				}
				ext2 := p[i]
				keyBytes = append(keyBytes, ext2)
				vif = int(ext2 & vifExtensionMask)
				i++
				vifByte = ext2
			}
		case vifPlainText, vifPlainTextExt:
			if i >= len(p) {
				return t.recordFault(start, "truncated plain-text vif")
			}
			n := int(p[i])
			if i+1+n > len(p) {
				return t.recordFault(start, "plain-text vif past end")
			}
			keyBytes = append(keyBytes, p[i:i+1+n]...)
			i += 1 + n
			vifByte = 0
		}
		// VIFE combinable chain.
		for vifByte&difExtensionBit != 0 {
			if i >= len(p) {
				return t.recordFault(start, "vife chain past end")
			}
			vife := p[i]
			keyBytes = append(keyBytes, vife)
			vifByte = vife
			i++
		}

		if coding == CodingVariable {
			if i >= len(p) {
				return t.recordFault(start, "missing lvar")
			}
			width = int(p[i])
			coding = CodingVariable
			i++
		}
		if i+width > len(p) {
			return t.recordFault(start, "payload past end")
		}
		raw := p[i : i+width]
		key := hex.EncodeToString(keyBytes)
		t.Records.add(Record{
			Key:    key,
			Offset: t.PayloadOffset + start,
			Entry: DVEntry{
				MeasurementType: mt,
				Vif:             vif,
				VifTable:        table,
				Coding:          coding,
				StorageNr:       storage,
				Tariff:          tariff,
				SubUnit:         subunit,
				Raw:             append([]byte(nil), raw...),
			},
		})
		t.explain(t.PayloadOffset+start, p[start:i+width], "")
		i += width
	}
	return nil
}

func (t *Telegram) recordFault(offset int, what string) error {
	metrics.IncParserError()
	logging.L().Warn("record_parse_error", "id", t.ID, "offset", t.PayloadOffset+offset, "what", what)
	return fmt.Errorf("%w: %s at %d", ErrRecordChain, what, t.PayloadOffset+offset)
}
