package record_test

import (
	"testing"

	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/pkg/models"
)

func sampleRecord() record.Record {
	num := 123.4
	return record.Record{
		EventTimeNS:  1700000000000000000,
		IngestTimeNS: 1700000000000000500,
		SourceName:   "s1",
		Endpoint:     "mqtt://broker:1883",
		Protocol:     models.ProtocolMQTT,
		TopicOrPath:  "kepware/Siemens_S7_Crushing/Crusher_01/MotorPower",
		Value:        record.Float64Value(123.4),
		ValueNum:     &num,
		ValueType:    "float64",
		StatusCode:   0,
		Status:       record.QualityGood,
		Metadata:     map[string]string{"mqtt.qos": "1"},
		VendorFormat: record.VendorKepware,
		ISA95: record.ISA95{
			Area:      "Siemens_S7_Crushing",
			Line:      "Crusher_01",
			Equipment: "MotorPower",
		},
	}
}

func TestWireRoundTrip(t *testing.T) {
	want := sampleRecord()

	got, err := record.UnmarshalWire(want.MarshalWire())
	if err != nil {
		t.Fatalf("UnmarshalWire() error = %v", err)
	}

	if got.SourceName != want.SourceName || got.TopicOrPath != want.TopicOrPath {
		t.Errorf("round trip lost identity fields: got %+v", got)
	}
	if got.Protocol != models.ProtocolMQTT {
		t.Errorf("Protocol = %q, want mqtt", got.Protocol)
	}
	if got.Value.Kind != record.ValueFloat64 || got.Value.F64 != 123.4 {
		t.Errorf("Value = %+v, want float64 123.4", got.Value)
	}
	if got.ValueNum == nil || *got.ValueNum != 123.4 {
		t.Errorf("ValueNum = %v, want 123.4", got.ValueNum)
	}
	if got.VendorFormat != record.VendorKepware {
		t.Errorf("VendorFormat = %q, want kepware", got.VendorFormat)
	}
	if got.ISA95 != want.ISA95 {
		t.Errorf("ISA95 = %+v, want %+v", got.ISA95, want.ISA95)
	}
	if got.Meta("mqtt.qos") != "1" {
		t.Errorf("metadata lost in round trip: %v", got.Metadata)
	}
}

func TestWireDeterministic(t *testing.T) {
	r := sampleRecord()
	r.SetMeta("sparkplug.seq", "4")
	r.SetMeta("a.first", "x")

	a := r.MarshalWire()
	b := r.MarshalWire()
	if string(a) != string(b) {
		t.Error("MarshalWire is not deterministic for identical records")
	}
}

func TestCloneIsDeep(t *testing.T) {
	r := sampleRecord()
	c := r.Clone()
	c.Metadata["mqtt.qos"] = "2"
	*c.ValueNum = 9

	if r.Metadata["mqtt.qos"] != "1" {
		t.Error("Clone shares metadata map with original")
	}
	if *r.ValueNum != 123.4 {
		t.Error("Clone shares ValueNum pointer with original")
	}
}

func TestQualityFromStatusCode(t *testing.T) {
	tests := []struct {
		code int32
		want record.Quality
	}{
		{0, record.QualityGood},
		{int32(0x40000000), record.QualityUncertain},
		{-2147483648, record.QualityBad}, // 0x80000000
		{100, record.QualityGood},
	}
	for _, tt := range tests {
		if got := record.QualityFromStatusCode(tt.code); got != tt.want {
			t.Errorf("QualityFromStatusCode(%#x) = %q, want %q", uint32(tt.code), got, tt.want)
		}
	}
}

func TestFillProjections(t *testing.T) {
	r := record.Record{
		IngestTimeNS: 42,
		Value:        record.Int64Value(7),
	}
	r.FillProjections()

	if r.EventTimeNS != 42 {
		t.Errorf("EventTimeNS = %d, want ingest time fill 42", r.EventTimeNS)
	}
	if r.ValueType != "int64" {
		t.Errorf("ValueType = %q, want int64", r.ValueType)
	}
	if r.ValueNum == nil || *r.ValueNum != 7 {
		t.Errorf("ValueNum = %v, want 7", r.ValueNum)
	}
	if r.Status != record.QualityGood {
		t.Errorf("Status = %q, want good", r.Status)
	}
}

func TestMaskSecrets(t *testing.T) {
	r := sampleRecord()
	r.SetMeta("mqtt.password", "hunter2")
	r.SetMeta("honeywell.point", "REACTOR_TEMP")

	masked := r.MaskSecrets()
	if masked.Meta("mqtt.password") != "***" {
		t.Errorf("password metadata not masked: %q", masked.Meta("mqtt.password"))
	}
	if masked.Meta("honeywell.point") != "REACTOR_TEMP" {
		t.Error("non-secret metadata was masked")
	}
	if r.Meta("mqtt.password") != "hunter2" {
		t.Error("MaskSecrets mutated the original record")
	}
}
