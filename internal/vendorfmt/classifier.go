// Package vendorfmt detects the vendor convention of incoming records.
//
// Classification is a pure function over protocol type, topic/path, and
// selected metadata keys. Rules are ordered first-match:
//
//  1. MQTT spBv1.0/ topics            → sparkplug_b
//  2. MQTT kepware/<ch>/<dev>/<tag>   → kepware
//  3. OPC-UA Channel.Device.Tag path  → kepware
//  4. OPC-UA Honeywell point suffixes → honeywell
//  5. remaining OPC-UA                → opcua
//  6. Modbus                          → modbus
//  7. anything else                   → generic
//
// Classification never fails; malformed input degrades to generic with the
// reason recorded under metadata["classify.degraded"].
package vendorfmt

import (
	"regexp"
	"strings"

	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/pkg/models"
)

// Metadata keys written by the classifier.
const (
	MetaSparkplugGroup   = "sparkplug.group_id"
	MetaSparkplugMsgType = "sparkplug.message_type"
	MetaSparkplugNode    = "sparkplug.edge_node_id"
	MetaSparkplugDevice  = "sparkplug.device_id"
	MetaKepwareChannel   = "kepware.channel"
	MetaKepwareDevice    = "kepware.device"
	MetaKepwareTag       = "kepware.tag"
	MetaHoneywellPoint   = "honeywell.point"
	MetaHoneywellAttr    = "honeywell.attribute"
	MetaDegraded         = "classify.degraded"

	// MetaBrowsePath is the OPC-UA browse path attached by the protocol
	// client; the classifier only reads it.
	MetaBrowsePath = "opcua.browse_path"
)

const sparkplugNamespace = "spBv1.0"

// sparkplugMessageTypes is the fixed BIRTH/DATA/DEATH lifecycle set.
var sparkplugMessageTypes = map[string]bool{
	"NBIRTH": true, "NDATA": true, "NDEATH": true,
	"DBIRTH": true, "DDATA": true, "DDEATH": true,
}

// honeywellSuffixes is the Experion composite-point attribute suffix set.
var honeywellSuffixes = []string{".PV", ".SP", ".OP", ".PVEUHI", ".PVEULO", ".PVUNITS", ".PVBAD"}

// kepwarePathSegment matches the Channel.Device.Tag node organization used
// by Kepware OPC-UA servers.
var kepwarePathSegment = regexp.MustCompile(`^[A-Za-z0-9_\- ]+\.[A-Za-z0-9_\- ]+\.[A-Za-z0-9_\- ]+$`)

// Classify assigns a concrete vendor format to the record. It returns a new
// record; the input is not modified. The result never carries
// VendorUnknown: generic is the floor.
func Classify(r record.Record) record.Record {
	out := r.Clone()

	switch r.Protocol {
	case models.ProtocolMQTT:
		if classifySparkplug(&out) {
			return out
		}
		if classifyKepwareMQTT(&out) {
			return out
		}
		out.VendorFormat = record.VendorGeneric
		return out

	case models.ProtocolOPCUA:
		if classifyKepwareOPCUA(&out) {
			return out
		}
		if classifyHoneywell(&out) {
			return out
		}
		out.VendorFormat = record.VendorOPCUA
		return out

	case models.ProtocolModbus:
		out.VendorFormat = record.VendorModbus
		return out
	}

	out.VendorFormat = record.VendorGeneric
	out.SetMeta(MetaDegraded, "unrecognized protocol_type "+string(r.Protocol))
	return out
}

// classifySparkplug handles spBv1.0/<group>/<msg_type>/<edge_node>[/<device>].
func classifySparkplug(r *record.Record) bool {
	if !strings.HasPrefix(r.TopicOrPath, sparkplugNamespace+"/") {
		return false
	}
	parts := strings.Split(r.TopicOrPath, "/")
	if len(parts) < 4 {
		r.VendorFormat = record.VendorGeneric
		r.SetMeta(MetaDegraded, "sparkplug topic has fewer than 4 segments")
		return true
	}
	msgType := parts[2]
	if !sparkplugMessageTypes[msgType] {
		r.VendorFormat = record.VendorGeneric
		r.SetMeta(MetaDegraded, "sparkplug message type "+msgType+" not in lifecycle set")
		return true
	}

	r.VendorFormat = record.VendorSparkplugB
	r.SetMeta(MetaSparkplugGroup, parts[1])
	r.SetMeta(MetaSparkplugMsgType, msgType)
	r.SetMeta(MetaSparkplugNode, parts[3])
	if len(parts) >= 5 {
		r.SetMeta(MetaSparkplugDevice, parts[4])
	}
	return true
}

// classifyKepwareMQTT handles kepware/<channel>/<device>/<tag> topics.
func classifyKepwareMQTT(r *record.Record) bool {
	parts := strings.Split(r.TopicOrPath, "/")
	if len(parts) != 4 || parts[0] != "kepware" {
		return false
	}
	if parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return false
	}
	r.VendorFormat = record.VendorKepware
	r.SetMeta(MetaKepwareChannel, parts[1])
	r.SetMeta(MetaKepwareDevice, parts[2])
	r.SetMeta(MetaKepwareTag, parts[3])
	return true
}

// classifyKepwareOPCUA looks for a Channel.Device.Tag segment in the browse
// path (or node path when no browse path was captured).
func classifyKepwareOPCUA(r *record.Record) bool {
	path := r.Meta(MetaBrowsePath)
	if path == "" {
		path = r.TopicOrPath
	}
	for _, seg := range strings.Split(path, "/") {
		seg = strings.TrimPrefix(seg, "ns=2;s=")
		if !kepwarePathSegment.MatchString(seg) {
			continue
		}
		dot := strings.SplitN(seg, ".", 3)
		r.VendorFormat = record.VendorKepware
		r.SetMeta(MetaKepwareChannel, dot[0])
		r.SetMeta(MetaKepwareDevice, dot[1])
		r.SetMeta(MetaKepwareTag, dot[2])
		return true
	}
	return false
}

// classifyHoneywell matches the Experion composite-point suffix set on the
// node identifier. The suffix becomes honeywell.attribute and the base
// point becomes honeywell.point.
func classifyHoneywell(r *record.Record) bool {
	id := r.TopicOrPath
	for _, suffix := range honeywellSuffixes {
		if !strings.HasSuffix(id, suffix) {
			continue
		}
		base := strings.TrimSuffix(id, suffix)
		// The point name is the last path segment of the base identifier.
		if i := strings.LastIndexAny(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		if base == "" {
			return false
		}
		r.VendorFormat = record.VendorHoneywell
		r.SetMeta(MetaHoneywellPoint, base)
		r.SetMeta(MetaHoneywellAttr, strings.TrimPrefix(suffix, "."))
		return true
	}
	return false
}
