// Package record defines the unified ProtocolRecord that every field
// protocol is normalized into, plus its wire serialization.
//
// A record is created by a protocol client callback, passed through vendor
// classification and ISA-95 normalization, enqueued, optionally spooled,
// and finally serialized into an ingest batch. Each pipeline stage owns the
// record exclusively; stages that need to retain data (the diagnostics
// sampler) work on clones.
package record

import (
	"regexp"

	"github.com/otbridge/otbridge/pkg/models"
)

// VendorFormat tags the vendor convention detected on a record.
type VendorFormat string

const (
	VendorKepware    VendorFormat = "kepware"
	VendorSparkplugB VendorFormat = "sparkplug_b"
	VendorHoneywell  VendorFormat = "honeywell"
	VendorOPCUA      VendorFormat = "opcua"
	VendorModbus     VendorFormat = "modbus"
	VendorGeneric    VendorFormat = "generic"
	VendorUnknown    VendorFormat = "unknown"
)

// Quality is the three-level projection of a protocol-native status code.
type Quality string

const (
	QualityGood      Quality = "good"
	QualityUncertain Quality = "uncertain"
	QualityBad       Quality = "bad"
)

// QualityFromStatusCode projects a protocol-native status code onto the
// three-level quality scale using the OPC-UA severity bits.
func QualityFromStatusCode(code int32) Quality {
	u := uint32(code)
	switch {
	case u&0x80000000 != 0:
		return QualityBad
	case u&0x40000000 != 0:
		return QualityUncertain
	default:
		return QualityGood
	}
}

// ValueKind discriminates the tagged value union.
type ValueKind uint8

const (
	ValueNone ValueKind = iota
	ValueInt64
	ValueFloat64
	ValueBool
	ValueString
	ValueBytes
)

// Value is the tagged union holding a primitive sample value.
type Value struct {
	Kind  ValueKind
	I64   int64
	F64   float64
	Bool  bool
	Str   string
	Bytes []byte
}

// Int64Value wraps an int64 sample.
func Int64Value(v int64) Value { return Value{Kind: ValueInt64, I64: v} }

// Float64Value wraps a float64 sample.
func Float64Value(v float64) Value { return Value{Kind: ValueFloat64, F64: v} }

// BoolValue wraps a bool sample.
func BoolValue(v bool) Value { return Value{Kind: ValueBool, Bool: v} }

// StringValue wraps a string sample.
func StringValue(v string) Value { return Value{Kind: ValueString, Str: v} }

// BytesValue wraps a raw bytes sample.
func BytesValue(v []byte) Value { return Value{Kind: ValueBytes, Bytes: v} }

// Numeric returns the numeric projection of the value for analytics.
func (v Value) Numeric() (float64, bool) {
	switch v.Kind {
	case ValueInt64:
		return float64(v.I64), true
	case ValueFloat64:
		return v.F64, true
	case ValueBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// TypeLabel is the human label for the value's type.
func (v Value) TypeLabel() string {
	switch v.Kind {
	case ValueInt64:
		return "int64"
	case ValueFloat64:
		return "float64"
	case ValueBool:
		return "bool"
	case ValueString:
		return "string"
	case ValueBytes:
		return "bytes"
	}
	return "none"
}

// ISA95 is the manufacturing hierarchy attached to a record.
// All fields are optional; missing levels stay empty.
type ISA95 struct {
	Enterprise string `json:"enterprise,omitempty"`
	Site       string `json:"site,omitempty"`
	Area       string `json:"area,omitempty"`
	Line       string `json:"line,omitempty"`
	Equipment  string `json:"equipment,omitempty"`
}

// Record is the unified telemetry record flowing through the bridge.
type Record struct {
	EventTimeNS  int64               `json:"event_time_ns"`
	IngestTimeNS int64               `json:"ingest_time_ns"`
	SourceName   string              `json:"source_name"`
	Endpoint     string              `json:"endpoint"`
	Protocol     models.ProtocolType `json:"protocol_type"`
	TopicOrPath  string              `json:"topic_or_path"`
	Value        Value               `json:"-"`
	ValueNum     *float64            `json:"value_num,omitempty"`
	ValueType    string              `json:"value_type"`
	StatusCode   int32               `json:"status_code"`
	Status       Quality             `json:"status"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
	VendorFormat VendorFormat        `json:"vendor_format"`
	ISA95        ISA95               `json:"isa95"`
	ThingID      string              `json:"thing_id,omitempty"`
	SemanticType string              `json:"semantic_type,omitempty"`
	UnitURI      string              `json:"unit_uri,omitempty"`
}

// Clone returns a deep copy. The sampler and tests use it so retained
// records never alias pipeline-owned state.
func (r Record) Clone() Record {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.ValueNum != nil {
		num := *r.ValueNum
		out.ValueNum = &num
	}
	if r.Value.Bytes != nil {
		out.Value.Bytes = append([]byte(nil), r.Value.Bytes...)
	}
	return out
}

// SetMeta writes a metadata key, allocating the map on first use.
func (r *Record) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string, 4)
	}
	r.Metadata[key] = value
}

// Meta reads a metadata key, tolerating a nil map.
func (r *Record) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// FillProjections derives value_num, value_type, and status from the tagged
// value and status code when they have not been set by the producer.
func (r *Record) FillProjections() {
	if r.ValueType == "" {
		r.ValueType = r.Value.TypeLabel()
	}
	if r.ValueNum == nil {
		if num, ok := r.Value.Numeric(); ok {
			r.ValueNum = &num
		}
	}
	if r.Status == "" {
		r.Status = QualityFromStatusCode(r.StatusCode)
	}
	if r.EventTimeNS == 0 {
		r.EventTimeNS = r.IngestTimeNS
	}
}

// EstimateSize approximates the encoded size of the record in bytes.
// The queue and batcher use it for byte budgeting without paying for a
// full encode per decision; the real batch size is measured at encode time.
func (r Record) EstimateSize() int {
	n := 64 // fixed fields and tags
	n += len(r.SourceName) + len(r.Endpoint) + len(r.TopicOrPath) + len(r.ValueType)
	n += len(r.Value.Str) + len(r.Value.Bytes)
	n += len(r.ThingID) + len(r.SemanticType) + len(r.UnitURI)
	n += len(r.ISA95.Enterprise) + len(r.ISA95.Site) + len(r.ISA95.Area) + len(r.ISA95.Line) + len(r.ISA95.Equipment)
	for k, v := range r.Metadata {
		n += len(k) + len(v) + 4
	}
	return n
}

// secretMetaKey matches metadata keys that may carry credentials.
var secretMetaKey = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|credential)`)

// MaskSecrets returns a clone with credential-shaped metadata values
// replaced by ***. Applied before any record reaches the sampler so
// secrets never surface in diagnostics payloads.
func (r Record) MaskSecrets() Record {
	out := r.Clone()
	for k := range out.Metadata {
		if secretMetaKey.MatchString(k) {
			out.Metadata[k] = "***"
		}
	}
	return out
}
