package source

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/otbridge/otbridge/internal/isa95"
	"github.com/otbridge/otbridge/internal/metrics"
	"github.com/otbridge/otbridge/internal/protocol"
	"github.com/otbridge/otbridge/internal/protocol/sim"
	"github.com/otbridge/otbridge/internal/queue"
	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/internal/sampler"
	"github.com/otbridge/otbridge/pkg/models"
)

func testDeps(t *testing.T) (Deps, *queue.Queue) {
	t.Helper()
	q, err := queue.New(models.QueueConfig{MaxInMemory: 10_000})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	reg := protocol.NewRegistry()
	sim.Register(reg)
	return Deps{
		Registry:   reg,
		Normalizer: isa95.NewNormalizer(nil),
		Sampler:    sampler.New(3),
		Queue:      q,
		Metrics:    metrics.New(),
		Logger:     zerolog.Nop(),
	}, q
}

func mqttSource(name string) models.SourceConfig {
	return models.SourceConfig{
		Name:             name,
		ProtocolType:     models.ProtocolMQTT,
		Endpoint:         "tcp://broker:1883",
		Enabled:          true,
		SubscriptionMode: true,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSupervisorPipelineEndToEnd(t *testing.T) {
	deps, q := testDeps(t)
	s := New(mqttSource("s1"), models.BreakerConfig{}, deps)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, 5*time.Second, func() bool { return q.Depth() >= 5 }, "no records reached the queue")

	st := s.Status()
	if !st.Running || !st.Connected {
		t.Errorf("status running=%v connected=%v", st.Running, st.Connected)
	}
	if st.RecordsIn == 0 || st.BytesIn == 0 {
		t.Errorf("counters records_in=%d bytes_in=%d", st.RecordsIn, st.BytesIn)
	}
	if st.LastConnectedAt == nil {
		t.Error("last_connected_at not set")
	}

	// Everything in the queue went through classify + normalize.
	lease, err := q.Poll(context.Background(), 100, 0, time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Poll: %v", err)
	}
	for _, r := range lease.Records() {
		if r.VendorFormat == record.VendorUnknown || r.VendorFormat == "" {
			t.Errorf("record %q not classified", r.TopicOrPath)
		}
		if r.SourceName != "s1" {
			t.Errorf("record source = %q", r.SourceName)
		}
	}
	lease.Commit(1)

	// All four pipeline stages captured samples.
	stages := map[string]bool{}
	for _, pair := range deps.Sampler.Snapshot() {
		for _, stage := range pair.Stages {
			if stage.Count > 0 {
				stages[stage.Stage] = true
			}
		}
	}
	for _, want := range []string{"raw_protocol", "after_vendor_detection", "after_normalization"} {
		if !stages[want] {
			t.Errorf("stage %s captured no samples", want)
		}
	}
}

func TestSupervisorStopIdempotent(t *testing.T) {
	deps, _ := testDeps(t)
	s := New(mqttSource("s1"), models.BreakerConfig{}, deps)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Errorf("second Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if s.Status().Running {
		t.Error("still running after Stop")
	}
}

func TestSupervisorReconnectsOnUnreachable(t *testing.T) {
	deps, _ := testDeps(t)
	cfg := mqttSource("s1")
	cfg.Endpoint = "tcp://unreachable:1883"
	cfg.BackoffMaxMS = 50
	s := New(cfg, models.BreakerConfig{Threshold: 100, WindowMS: 60_000}, deps)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, 5*time.Second, func() bool { return s.Status().Reconnects >= 2 },
		"supervisor did not retry an unreachable endpoint")

	st := s.Status()
	if st.Connected {
		t.Error("reported connected to an unreachable endpoint")
	}
	if st.LastError == "" {
		t.Error("last_error empty after failures")
	}
}

func TestSupervisorBreakerTripsPerSource(t *testing.T) {
	deps, _ := testDeps(t)
	cfg := mqttSource("bad")
	cfg.Endpoint = "tcp://unreachable:1883"
	cfg.BackoffMaxMS = 20
	s := New(cfg, models.BreakerConfig{Threshold: 2, WindowMS: 60_000, CoolDownMS: 60_000}, deps)

	good := New(mqttSource("good"), models.BreakerConfig{Threshold: 2}, deps)

	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := good.Start(); err != nil {
		t.Fatal(err)
	}
	defer good.Stop()

	waitFor(t, 5*time.Second, func() bool { return s.Status().BreakerState == "open" },
		"breaker did not trip for the failing source")
	if good.Status().BreakerState != "closed" {
		t.Error("failing source opened its peer's breaker")
	}
}

func TestSupervisorRejectsInvalidConfig(t *testing.T) {
	deps, _ := testDeps(t)
	s := New(models.SourceConfig{Name: "x"}, models.BreakerConfig{}, deps)
	if err := s.Start(); err == nil {
		t.Fatal("Start accepted a config without protocol and endpoint")
	}
}
