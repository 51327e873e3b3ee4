package record

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/otbridge/otbridge/pkg/models"
)

// Wire encoding of a Record as a protobuf message, built directly on
// protowire. The ingest service owns the canonical schema; the field
// numbers below pin the logical shape this bridge emits and are kept
// stable across releases.
//
//	1  event_time_ns   int64
//	2  ingest_time_ns  int64
//	3  source_name     string
//	4  endpoint        string
//	5  protocol_type   enum (1 opcua, 2 mqtt, 3 modbus)
//	6  topic_or_path   string
//	7  value_i64       int64   (oneof value)
//	8  value_f64       double  (oneof value)
//	9  value_bool      bool    (oneof value)
//	10 value_str       string  (oneof value)
//	11 value_bytes     bytes   (oneof value)
//	12 value_num       double  (optional)
//	13 value_type      string
//	14 status_code     int32
//	15 status          enum (0 good, 1 uncertain, 2 bad)
//	16 metadata        map<string,string>
//	17 vendor_format   enum (1 kepware .. 6 generic, 0 unknown)
//	18 isa95           message (1..5 strings)
//	19 thing_id        string
//	20 semantic_type   string
//	21 unit_uri        string

func protocolEnum(p models.ProtocolType) uint64 {
	switch p {
	case models.ProtocolOPCUA:
		return 1
	case models.ProtocolMQTT:
		return 2
	case models.ProtocolModbus:
		return 3
	}
	return 0
}

func protocolFromEnum(v uint64) models.ProtocolType {
	switch v {
	case 1:
		return models.ProtocolOPCUA
	case 2:
		return models.ProtocolMQTT
	case 3:
		return models.ProtocolModbus
	}
	return ""
}

func qualityEnum(q Quality) uint64 {
	switch q {
	case QualityUncertain:
		return 1
	case QualityBad:
		return 2
	}
	return 0
}

func qualityFromEnum(v uint64) Quality {
	switch v {
	case 1:
		return QualityUncertain
	case 2:
		return QualityBad
	}
	return QualityGood
}

func vendorEnum(f VendorFormat) uint64 {
	switch f {
	case VendorKepware:
		return 1
	case VendorSparkplugB:
		return 2
	case VendorHoneywell:
		return 3
	case VendorOPCUA:
		return 4
	case VendorModbus:
		return 5
	case VendorGeneric:
		return 6
	}
	return 0
}

func vendorFromEnum(v uint64) VendorFormat {
	switch v {
	case 1:
		return VendorKepware
	case 2:
		return VendorSparkplugB
	case 3:
		return VendorHoneywell
	case 4:
		return VendorOPCUA
	case 5:
		return VendorModbus
	case 6:
		return VendorGeneric
	}
	return VendorUnknown
}

func appendString(dst []byte, field protowire.Number, s string) []byte {
	if s == "" {
		return dst
	}
	dst = protowire.AppendTag(dst, field, protowire.BytesType)
	return protowire.AppendString(dst, s)
}

// AppendWire appends the protobuf encoding of r to dst.
func (r Record) AppendWire(dst []byte) []byte {
	dst = protowire.AppendTag(dst, 1, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(r.EventTimeNS))
	dst = protowire.AppendTag(dst, 2, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(r.IngestTimeNS))
	dst = appendString(dst, 3, r.SourceName)
	dst = appendString(dst, 4, r.Endpoint)
	if v := protocolEnum(r.Protocol); v != 0 {
		dst = protowire.AppendTag(dst, 5, protowire.VarintType)
		dst = protowire.AppendVarint(dst, v)
	}
	dst = appendString(dst, 6, r.TopicOrPath)

	switch r.Value.Kind {
	case ValueInt64:
		dst = protowire.AppendTag(dst, 7, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(r.Value.I64))
	case ValueFloat64:
		dst = protowire.AppendTag(dst, 8, protowire.Fixed64Type)
		dst = protowire.AppendFixed64(dst, floatBits(r.Value.F64))
	case ValueBool:
		dst = protowire.AppendTag(dst, 9, protowire.VarintType)
		if r.Value.Bool {
			dst = protowire.AppendVarint(dst, 1)
		} else {
			dst = protowire.AppendVarint(dst, 0)
		}
	case ValueString:
		dst = protowire.AppendTag(dst, 10, protowire.BytesType)
		dst = protowire.AppendString(dst, r.Value.Str)
	case ValueBytes:
		dst = protowire.AppendTag(dst, 11, protowire.BytesType)
		dst = protowire.AppendBytes(dst, r.Value.Bytes)
	}

	if r.ValueNum != nil {
		dst = protowire.AppendTag(dst, 12, protowire.Fixed64Type)
		dst = protowire.AppendFixed64(dst, floatBits(*r.ValueNum))
	}
	dst = appendString(dst, 13, r.ValueType)
	if r.StatusCode != 0 {
		dst = protowire.AppendTag(dst, 14, protowire.VarintType)
		dst = protowire.AppendVarint(dst, uint64(uint32(r.StatusCode)))
	}
	if v := qualityEnum(r.Status); v != 0 {
		dst = protowire.AppendTag(dst, 15, protowire.VarintType)
		dst = protowire.AppendVarint(dst, v)
	}

	for _, k := range sortedMetaKeys(r.Metadata) {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, r.Metadata[k])
		dst = protowire.AppendTag(dst, 16, protowire.BytesType)
		dst = protowire.AppendBytes(dst, entry)
	}

	if v := vendorEnum(r.VendorFormat); v != 0 {
		dst = protowire.AppendTag(dst, 17, protowire.VarintType)
		dst = protowire.AppendVarint(dst, v)
	}

	if r.ISA95 != (ISA95{}) {
		var h []byte
		h = appendString(h, 1, r.ISA95.Enterprise)
		h = appendString(h, 2, r.ISA95.Site)
		h = appendString(h, 3, r.ISA95.Area)
		h = appendString(h, 4, r.ISA95.Line)
		h = appendString(h, 5, r.ISA95.Equipment)
		dst = protowire.AppendTag(dst, 18, protowire.BytesType)
		dst = protowire.AppendBytes(dst, h)
	}

	dst = appendString(dst, 19, r.ThingID)
	dst = appendString(dst, 20, r.SemanticType)
	dst = appendString(dst, 21, r.UnitURI)
	return dst
}

// MarshalWire encodes r into a fresh buffer.
func (r Record) MarshalWire() []byte {
	return r.AppendWire(make([]byte, 0, r.EstimateSize()))
}

// UnmarshalWire decodes a record previously encoded with AppendWire.
// Spool recovery uses it to rebuild records from persisted frames.
func UnmarshalWire(data []byte) (Record, error) {
	var r Record
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return r, fmt.Errorf("record wire: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return r, fmt.Errorf("record wire: field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case 1:
				r.EventTimeNS = int64(v)
			case 2:
				r.IngestTimeNS = int64(v)
			case 5:
				r.Protocol = protocolFromEnum(v)
			case 7:
				r.Value = Int64Value(int64(v))
			case 9:
				r.Value = BoolValue(v != 0)
			case 14:
				r.StatusCode = int32(uint32(v))
			case 15:
				r.Status = qualityFromEnum(v)
			case 17:
				r.VendorFormat = vendorFromEnum(v)
			}
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(data)
			if m < 0 {
				return r, fmt.Errorf("record wire: field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case 8:
				r.Value = Float64Value(floatFromBits(v))
			case 12:
				num := floatFromBits(v)
				r.ValueNum = &num
			}
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return r, fmt.Errorf("record wire: field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case 3:
				r.SourceName = string(v)
			case 4:
				r.Endpoint = string(v)
			case 6:
				r.TopicOrPath = string(v)
			case 10:
				r.Value = StringValue(string(v))
			case 11:
				r.Value = BytesValue(append([]byte(nil), v...))
			case 13:
				r.ValueType = string(v)
			case 16:
				k, val, err := decodeMetaEntry(v)
				if err != nil {
					return r, err
				}
				r.SetMeta(k, val)
			case 18:
				if err := decodeISA95(v, &r.ISA95); err != nil {
					return r, err
				}
			case 19:
				r.ThingID = string(v)
			case 20:
				r.SemanticType = string(v)
			case 21:
				r.UnitURI = string(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return r, fmt.Errorf("record wire: field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return r, nil
}

func decodeMetaEntry(data []byte) (key, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return "", "", fmt.Errorf("record wire: bad metadata entry")
		}
		data = data[n:]
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return "", "", fmt.Errorf("record wire: bad metadata entry")
		}
		data = data[m:]
		switch num {
		case 1:
			key = string(v)
		case 2:
			value = string(v)
		}
	}
	return key, value, nil
}

func decodeISA95(data []byte, out *ISA95) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return fmt.Errorf("record wire: bad isa95 message")
		}
		data = data[n:]
		v, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return fmt.Errorf("record wire: bad isa95 message")
		}
		data = data[m:]
		switch num {
		case 1:
			out.Enterprise = string(v)
		case 2:
			out.Site = string(v)
		case 3:
			out.Area = string(v)
		case 4:
			out.Line = string(v)
		case 5:
			out.Equipment = string(v)
		}
	}
	return nil
}
