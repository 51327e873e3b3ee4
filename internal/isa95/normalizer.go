// Package isa95 enriches classified records with the manufacturing
// hierarchy (enterprise → site → area → line → equipment).
//
// Hierarchy values come from, in priority order:
//  1. explicit hints on the source configuration
//  2. structural extraction from the topic/path per vendor format
//
// Missing levels stay empty. Normalization is pure; the only clock it
// touches is the pair of timestamps already on the record, which it clamps
// when the device-reported time runs ahead of ingest time by more than the
// configured skew bound.
package isa95

import (
	"strings"

	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/internal/vendorfmt"
	"github.com/otbridge/otbridge/pkg/models"
)

// DefaultClockSkewBoundNS tolerates one second of device clock drift before
// event time is clamped to ingest time.
const DefaultClockSkewBoundNS = int64(1_000_000_000)

// Normalizer fills ISA-95 hierarchy and optional semantic fields.
type Normalizer struct {
	// ClockSkewBoundNS is the maximum allowed event_time - ingest_time.
	ClockSkewBoundNS int64

	// Things resolves Thing Description annotations; nil disables
	// semantic enrichment.
	Things *Registry

	// OnClamp, when set, is invoked once per record whose event time was
	// clamped. The owner wires it to the metrics registry.
	OnClamp func()
}

// NewNormalizer creates a normalizer with the default skew bound.
func NewNormalizer(things *Registry) *Normalizer {
	return &Normalizer{ClockSkewBoundNS: DefaultClockSkewBoundNS, Things: things}
}

// Normalize returns a new record with hierarchy, clamped timestamps, and
// semantic annotations filled in. The input is not modified.
func (n *Normalizer) Normalize(r record.Record, hints models.ISA95Hints) record.Record {
	out := r.Clone()
	out.FillProjections()

	bound := n.ClockSkewBoundNS
	if bound <= 0 {
		bound = DefaultClockSkewBoundNS
	}
	if out.EventTimeNS > out.IngestTimeNS+bound {
		out.EventTimeNS = out.IngestTimeNS
		if n.OnClamp != nil {
			n.OnClamp()
		}
	}

	out.ISA95 = extract(&out)
	applyHints(&out.ISA95, hints)

	if n.Things != nil {
		if thing, ok := n.Things.Lookup(out.SourceName, out.TopicOrPath); ok {
			out.ThingID = thing.ThingID
			out.SemanticType = thing.SemanticType
			out.UnitURI = thing.UnitURI
		}
	}
	return out
}

// applyHints overlays explicit source hints over structural extraction.
func applyHints(h *record.ISA95, hints models.ISA95Hints) {
	if hints.Enterprise != "" {
		h.Enterprise = hints.Enterprise
	}
	if hints.Site != "" {
		h.Site = hints.Site
	}
	if hints.Area != "" {
		h.Area = hints.Area
	}
	if hints.Line != "" {
		h.Line = hints.Line
	}
	if hints.Equipment != "" {
		h.Equipment = hints.Equipment
	}
}

// extract derives hierarchy fields from vendor-specific structure.
func extract(r *record.Record) record.ISA95 {
	var h record.ISA95
	switch r.VendorFormat {
	case record.VendorKepware:
		h.Area = r.Meta(vendorfmt.MetaKepwareChannel)
		h.Line = r.Meta(vendorfmt.MetaKepwareDevice)
		h.Equipment = r.Meta(vendorfmt.MetaKepwareTag)

	case record.VendorSparkplugB:
		h.Area = r.Meta(vendorfmt.MetaSparkplugGroup)
		h.Line = r.Meta(vendorfmt.MetaSparkplugNode)
		// Device-scoped messages map the device to equipment; node-scoped
		// lifecycle messages fall back to the edge node itself.
		switch r.Meta(vendorfmt.MetaSparkplugMsgType) {
		case "DBIRTH", "DDATA", "DDEATH":
			if dev := r.Meta(vendorfmt.MetaSparkplugDevice); dev != "" {
				h.Equipment = dev
				break
			}
			h.Equipment = r.Meta(vendorfmt.MetaSparkplugNode)
		default:
			h.Equipment = r.Meta(vendorfmt.MetaSparkplugNode)
		}

	case record.VendorHoneywell:
		h.Line = honeywellModule(r.TopicOrPath)
		h.Equipment = r.Meta(vendorfmt.MetaHoneywellPoint)
	}
	return h
}

// honeywellModule parses the module from the path prefix segment,
// e.g. "FIM_01/REACTOR_TEMP.PV" → "FIM_01".
func honeywellModule(path string) string {
	if i := strings.IndexAny(path, "/"); i > 0 {
		return path[:i]
	}
	return ""
}
