package vendorfmt_test

import (
	"testing"

	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/internal/vendorfmt"
	"github.com/otbridge/otbridge/pkg/models"
)

func mqttRecord(topic string) record.Record {
	return record.Record{
		Protocol:    models.ProtocolMQTT,
		TopicOrPath: topic,
		Value:       record.Float64Value(1),
	}
}

func opcuaRecord(path string) record.Record {
	return record.Record{
		Protocol:    models.ProtocolOPCUA,
		TopicOrPath: path,
		Value:       record.Float64Value(1),
	}
}

func TestClassifySparkplug(t *testing.T) {
	tests := []struct {
		topic      string
		wantMsg    string
		wantDevice string
	}{
		{"spBv1.0/G/NBIRTH/E", "NBIRTH", ""},
		{"spBv1.0/G/DBIRTH/E/D", "DBIRTH", "D"},
		{"spBv1.0/G/DDATA/E/D", "DDATA", "D"},
		{"spBv1.0/G/NDEATH/E", "NDEATH", ""},
	}
	for _, tt := range tests {
		got := vendorfmt.Classify(mqttRecord(tt.topic))
		if got.VendorFormat != record.VendorSparkplugB {
			t.Errorf("Classify(%q).VendorFormat = %q, want sparkplug_b", tt.topic, got.VendorFormat)
		}
		if got.Meta(vendorfmt.MetaSparkplugGroup) != "G" {
			t.Errorf("Classify(%q) group = %q, want G", tt.topic, got.Meta(vendorfmt.MetaSparkplugGroup))
		}
		if got.Meta(vendorfmt.MetaSparkplugMsgType) != tt.wantMsg {
			t.Errorf("Classify(%q) message_type = %q, want %q", tt.topic, got.Meta(vendorfmt.MetaSparkplugMsgType), tt.wantMsg)
		}
		if got.Meta(vendorfmt.MetaSparkplugNode) != "E" {
			t.Errorf("Classify(%q) edge_node = %q, want E", tt.topic, got.Meta(vendorfmt.MetaSparkplugNode))
		}
		if got.Meta(vendorfmt.MetaSparkplugDevice) != tt.wantDevice {
			t.Errorf("Classify(%q) device = %q, want %q", tt.topic, got.Meta(vendorfmt.MetaSparkplugDevice), tt.wantDevice)
		}
	}
}

func TestClassifySparkplugBadMessageType(t *testing.T) {
	got := vendorfmt.Classify(mqttRecord("spBv1.0/G/NOPE/E"))
	if got.VendorFormat != record.VendorGeneric {
		t.Errorf("VendorFormat = %q, want generic", got.VendorFormat)
	}
	if got.Meta(vendorfmt.MetaDegraded) == "" {
		t.Error("expected classify.degraded reason for unknown message type")
	}
}

func TestClassifyKepwareMQTT(t *testing.T) {
	got := vendorfmt.Classify(mqttRecord("kepware/Siemens_S7_Crushing/Crusher_01/MotorPower"))
	if got.VendorFormat != record.VendorKepware {
		t.Fatalf("VendorFormat = %q, want kepware", got.VendorFormat)
	}
	if got.Meta(vendorfmt.MetaKepwareChannel) != "Siemens_S7_Crushing" ||
		got.Meta(vendorfmt.MetaKepwareDevice) != "Crusher_01" ||
		got.Meta(vendorfmt.MetaKepwareTag) != "MotorPower" {
		t.Errorf("kepware metadata = %v", got.Metadata)
	}
}

func TestClassifyKepwareOPCUA(t *testing.T) {
	r := opcuaRecord("ns=2;s=Siemens_S7_Crushing.Crusher_01.MotorPower")
	got := vendorfmt.Classify(r)
	if got.VendorFormat != record.VendorKepware {
		t.Fatalf("VendorFormat = %q, want kepware", got.VendorFormat)
	}
	if got.Meta(vendorfmt.MetaKepwareChannel) != "Siemens_S7_Crushing" {
		t.Errorf("channel = %q", got.Meta(vendorfmt.MetaKepwareChannel))
	}
}

func TestClassifyHoneywell(t *testing.T) {
	tests := []struct {
		path      string
		wantPoint string
		wantAttr  string
	}{
		{"FIM_01/REACTOR_TEMP.PV", "REACTOR_TEMP", "PV"},
		{"FIM_01/REACTOR_TEMP.SP", "REACTOR_TEMP", "SP"},
		{"FIM_02/FLOW_CTL.PVEUHI", "FLOW_CTL", "PVEUHI"},
		{"FIM_02/FLOW_CTL.PVBAD", "FLOW_CTL", "PVBAD"},
	}
	for _, tt := range tests {
		got := vendorfmt.Classify(opcuaRecord(tt.path))
		if got.VendorFormat != record.VendorHoneywell {
			t.Errorf("Classify(%q).VendorFormat = %q, want honeywell", tt.path, got.VendorFormat)
			continue
		}
		if got.Meta(vendorfmt.MetaHoneywellPoint) != tt.wantPoint {
			t.Errorf("Classify(%q) point = %q, want %q", tt.path, got.Meta(vendorfmt.MetaHoneywellPoint), tt.wantPoint)
		}
		if got.Meta(vendorfmt.MetaHoneywellAttr) != tt.wantAttr {
			t.Errorf("Classify(%q) attr = %q, want %q", tt.path, got.Meta(vendorfmt.MetaHoneywellAttr), tt.wantAttr)
		}
	}
}

func TestClassifyPlainOPCUA(t *testing.T) {
	got := vendorfmt.Classify(opcuaRecord("ns=1;s=Demo/Dynamic/Scalar/Double"))
	if got.VendorFormat != record.VendorOPCUA {
		t.Errorf("VendorFormat = %q, want opcua", got.VendorFormat)
	}
}

func TestClassifyModbus(t *testing.T) {
	r := record.Record{Protocol: models.ProtocolModbus, TopicOrPath: "40001@1"}
	got := vendorfmt.Classify(r)
	if got.VendorFormat != record.VendorModbus {
		t.Errorf("VendorFormat = %q, want modbus", got.VendorFormat)
	}
}

func TestClassifyNeverUnknownAndPure(t *testing.T) {
	inputs := []record.Record{
		mqttRecord("some/random/topic"),
		mqttRecord(""),
		opcuaRecord(""),
		{Protocol: "bogus", TopicOrPath: "x"},
	}
	for _, in := range inputs {
		first := vendorfmt.Classify(in)
		second := vendorfmt.Classify(in)

		if first.VendorFormat == record.VendorUnknown || first.VendorFormat == "" {
			t.Errorf("Classify(%q/%q) left vendor unknown", in.Protocol, in.TopicOrPath)
		}
		if first.VendorFormat != second.VendorFormat {
			t.Errorf("Classify not deterministic for %q", in.TopicOrPath)
		}
		if in.VendorFormat != "" {
			t.Error("Classify mutated its input")
		}
		// Purity: everything besides vendor_format and metadata is untouched.
		if first.TopicOrPath != in.TopicOrPath || first.Value.Kind != in.Value.Kind || first.EventTimeNS != in.EventTimeNS {
			t.Errorf("Classify changed non-vendor fields for %q", in.TopicOrPath)
		}
	}
}
