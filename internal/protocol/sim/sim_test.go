package sim

import (
	"context"
	"testing"
	"time"

	"github.com/otbridge/otbridge/internal/protocol"
	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/pkg/models"
)

func simClient(t *testing.T, p models.ProtocolType, endpoint string) protocol.Client {
	t.Helper()
	c, err := New(models.SourceConfig{Name: "s1", ProtocolType: p, Endpoint: endpoint}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestRegisterCoversAllProtocols(t *testing.T) {
	reg := protocol.NewRegistry()
	Register(reg)
	for _, p := range []models.ProtocolType{models.ProtocolOPCUA, models.ProtocolMQTT, models.ProtocolModbus} {
		if _, err := reg.New(models.SourceConfig{Name: "x", ProtocolType: p}, nil); err != nil {
			t.Errorf("registry has no factory for %s: %v", p, err)
		}
	}
}

func TestConnectFailureModes(t *testing.T) {
	tests := []struct {
		endpoint string
		want     models.Kind
	}{
		{"opc.tcp://unreachable:4840", models.KindNetworkUnreachable},
		{"opc.tcp://badauth:4840", models.KindAuthFailed},
		{"opc.tcp://badtls:4840", models.KindTLSFailed},
	}
	for _, tt := range tests {
		c := simClient(t, models.ProtocolOPCUA, tt.endpoint)
		if got := models.KindOf(c.Connect(context.Background())); got != tt.want {
			t.Errorf("Connect(%q) kind = %v, want %v", tt.endpoint, got, tt.want)
		}
	}
}

func TestSubscribeRequiresConnect(t *testing.T) {
	c := simClient(t, models.ProtocolMQTT, "tcp://broker:1883")
	err := c.Subscribe(context.Background(), func(record.Record) bool { return true })
	if models.KindOf(err) != models.KindProtocolError {
		t.Fatalf("Subscribe before Connect kind = %v, want protocol_error", models.KindOf(err))
	}
}

func TestSubscribeEmitsProtocolShapedRecords(t *testing.T) {
	c := simClient(t, models.ProtocolMQTT, "tcp://broker:1883")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan record.Record, 16)
	go c.Subscribe(ctx, func(r record.Record) bool { got <- r; return true })

	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		select {
		case r := <-got:
			if r.Protocol != models.ProtocolMQTT {
				t.Errorf("record protocol = %s", r.Protocol)
			}
			if r.SourceName != "s1" {
				t.Errorf("record source = %s", r.SourceName)
			}
			seen[r.TopicOrPath] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for records")
		}
	}
	cancel()

	if len(seen) < 2 {
		t.Errorf("only %d distinct topics seen, want rotation through the address space", len(seen))
	}
	for topic := range seen {
		if topic == "" {
			t.Error("empty topic emitted")
		}
	}
}

func TestRecordStatusRotation(t *testing.T) {
	c := simClient(t, models.ProtocolOPCUA, "opc.tcp://plc:4840").(*Client)
	tags := tagSet(models.ProtocolOPCUA)

	var bad int
	for i := 0; i < 100; i++ {
		r := c.next(tags)
		switch r.Status {
		case record.QualityGood:
		case record.QualityBad:
			bad++
		default:
			t.Fatalf("record %d has status %v, want good or bad", i, r.Status)
		}
	}
	if bad != 2 {
		t.Errorf("bad-status records in 100 = %d, want 2", bad)
	}
}

func TestPollUsesInterval(t *testing.T) {
	c := simClient(t, models.ProtocolModbus, "tcp://plc:502")
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	var n int
	c.Poll(ctx, 50*time.Millisecond, func(record.Record) bool { n++; return true })

	if n < 2 || n > 8 {
		t.Errorf("poll emitted %d records in 250ms at 50ms interval", n)
	}
}
