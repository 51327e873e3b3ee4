package discovery

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/otbridge/otbridge/internal/protocol"
	"github.com/otbridge/otbridge/internal/protocol/sim"
	"github.com/otbridge/otbridge/pkg/models"
)

func testScanner(t *testing.T) *Scanner {
	t.Helper()
	reg := protocol.NewRegistry()
	sim.Register(reg)
	return New(reg, nil, zerolog.Nop())
}

// listen opens a local TCP listener standing in for a protocol server.
func listen(t *testing.T) (host string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	h, p, _ := net.SplitHostPort(l.Addr().String())
	n, _ := strconv.Atoi(p)
	return h, n
}

func TestScanFindsListener(t *testing.T) {
	s := testScanner(t)
	host, port := listen(t)

	results, err := s.Scan(context.Background(), models.DiscoveryScanRequest{
		Hosts:        []string{host},
		Ports:        []int{port},
		ProtocolType: models.ProtocolOPCUA,
		TimeoutMS:    500,
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if !r.Reachable {
		t.Errorf("listener not reachable: %s", r.Note)
	}
	if r.Endpoint != "opc.tcp://"+net.JoinHostPort(host, strconv.Itoa(port)) {
		t.Errorf("endpoint = %q", r.Endpoint)
	}

	// Reachable endpoints are remembered.
	if servers := s.Servers(); len(servers) != 1 {
		t.Errorf("Servers() = %d entries, want 1", len(servers))
	}
}

func TestScanUnreachableNotRemembered(t *testing.T) {
	s := testScanner(t)
	results, err := s.Scan(context.Background(), models.DiscoveryScanRequest{
		Hosts:     []string{"127.0.0.1"},
		Ports:     []int{1}, // nothing listens on tcp/1
		TimeoutMS: 200,
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if results[0].Reachable {
		t.Error("closed port reported reachable")
	}
	if len(s.Servers()) != 0 {
		t.Error("unreachable endpoint remembered")
	}
}

func TestScanRequiresHosts(t *testing.T) {
	s := testScanner(t)
	_, err := s.Scan(context.Background(), models.DiscoveryScanRequest{})
	if models.KindOf(err) != models.KindConfigInvalid {
		t.Fatalf("err kind = %v, want config_invalid", models.KindOf(err))
	}
}

func TestProtocolForPortDefaults(t *testing.T) {
	tests := []struct {
		port int
		want models.ProtocolType
	}{
		{4840, models.ProtocolOPCUA},
		{1883, models.ProtocolMQTT},
		{502, models.ProtocolModbus},
	}
	for _, tt := range tests {
		if got := protocolForPort("", tt.port); got != tt.want {
			t.Errorf("protocolForPort(%d) = %v, want %v", tt.port, got, tt.want)
		}
	}
}

func TestConnectionTest(t *testing.T) {
	s := testScanner(t)

	ok := s.Test(context.Background(), models.ConnectionTestRequest{
		ProtocolType: models.ProtocolMQTT,
		Endpoint:     "tcp://broker:1883",
	})
	if !ok.OK {
		t.Errorf("test against healthy sim endpoint failed: %s", ok.Error)
	}

	bad := s.Test(context.Background(), models.ConnectionTestRequest{
		ProtocolType: models.ProtocolMQTT,
		Endpoint:     "tcp://badauth:1883",
	})
	if bad.OK {
		t.Error("test against badauth endpoint succeeded")
	}
	if bad.ErrorKind != string(models.KindAuthFailed) {
		t.Errorf("error_kind = %q, want auth_failed", bad.ErrorKind)
	}
}
