package sampler_test

import (
	"testing"

	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/internal/sampler"
	"github.com/otbridge/otbridge/pkg/models"
)

func rec(topic string) record.Record {
	return record.Record{
		Protocol:     models.ProtocolMQTT,
		VendorFormat: record.VendorKepware,
		TopicOrPath:  topic,
		Value:        record.Float64Value(1),
	}
}

func stageSnap(t *testing.T, s *sampler.Sampler, stage string) sampler.StageSnapshot {
	t.Helper()
	for _, pair := range s.Snapshot() {
		for _, st := range pair.Stages {
			if st.Stage == stage {
				return st
			}
		}
	}
	t.Fatalf("stage %q not found in snapshot", stage)
	return sampler.StageSnapshot{}
}

func TestCaptureKeepsLastN(t *testing.T) {
	s := sampler.New(3)
	for _, topic := range []string{"a", "b", "c", "d", "e"} {
		s.Capture(sampler.StageRawProtocol, rec(topic))
	}

	st := stageSnap(t, s, "raw_protocol")
	if st.Count != 5 {
		t.Errorf("count = %d, want 5", st.Count)
	}
	if len(st.Samples) != 3 {
		t.Fatalf("len(samples) = %d, want 3", len(st.Samples))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got := st.Samples[i].Record.TopicOrPath; got != want {
			t.Errorf("samples[%d] = %q, want %q (oldest first)", i, got, want)
		}
	}
}

func TestCapturePartialRing(t *testing.T) {
	s := sampler.New(3)
	s.Capture(sampler.StageAfterNormalization, rec("only"))

	st := stageSnap(t, s, "after_normalization")
	if st.Count != 1 || len(st.Samples) != 1 {
		t.Fatalf("count=%d samples=%d, want 1/1", st.Count, len(st.Samples))
	}
}

func TestCaptureSeparatesPairs(t *testing.T) {
	s := sampler.New(3)
	s.Capture(sampler.StageRawProtocol, rec("k"))

	other := rec("s")
	other.Protocol = models.ProtocolOPCUA
	other.VendorFormat = record.VendorHoneywell
	s.Capture(sampler.StageRawProtocol, other)

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("pairs = %d, want 2", len(snap))
	}
}

func TestCaptureMasksSecrets(t *testing.T) {
	s := sampler.New(3)
	r := rec("t")
	r.SetMeta("api_key", "super-secret")
	s.Capture(sampler.StageRawProtocol, r)

	st := stageSnap(t, s, "raw_protocol")
	if got := st.Samples[0].Record.Meta("api_key"); got != "***" {
		t.Errorf("api_key = %q, want ***", got)
	}
	// Caller's copy is untouched.
	if r.Meta("api_key") != "super-secret" {
		t.Error("Capture mutated the caller's record")
	}
}

func TestCaptureDoesNotAliasMetadata(t *testing.T) {
	s := sampler.New(3)
	r := rec("t")
	r.SetMeta("k", "v1")
	s.Capture(sampler.StageZerobusBatch, r)
	r.SetMeta("k", "v2")

	st := stageSnap(t, s, "zerobus_batch")
	if got := st.Samples[0].Record.Meta("k"); got != "v1" {
		t.Errorf("sample metadata = %q, want v1 captured at call time", got)
	}
}
