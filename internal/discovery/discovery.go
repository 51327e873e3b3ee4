// Package discovery finds protocol servers on the local network and runs
// one-off connection tests for the UI's source setup flow.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/otbridge/otbridge/internal/credentials"
	"github.com/otbridge/otbridge/internal/protocol"
	"github.com/otbridge/otbridge/pkg/models"
)

// Well-known ports per protocol, used when the scan names a protocol but
// no explicit ports.
var defaultPorts = map[models.ProtocolType][]int{
	models.ProtocolOPCUA:  {4840},
	models.ProtocolMQTT:   {1883, 8883},
	models.ProtocolModbus: {502},
}

const (
	defaultScanTimeout = 2 * time.Second
	scanConcurrency    = 16
)

// Scanner probes endpoints and remembers what it found.
type Scanner struct {
	reg   *protocol.Registry
	creds *credentials.Store
	log   zerolog.Logger

	mu    sync.Mutex
	found map[string]models.DiscoveredServer // keyed by endpoint
}

// New builds a scanner backed by the protocol registry for deep tests.
func New(reg *protocol.Registry, creds *credentials.Store, log zerolog.Logger) *Scanner {
	return &Scanner{
		reg:   reg,
		creds: creds,
		log:   log.With().Str("component", "discovery").Logger(),
		found: make(map[string]models.DiscoveredServer),
	}
}

// Scan probes every host/port combination with a bounded worker pool and
// records the results. Reachable endpoints are returned and remembered.
func (s *Scanner) Scan(ctx context.Context, req models.DiscoveryScanRequest) ([]models.DiscoveredServer, error) {
	if len(req.Hosts) == 0 {
		return nil, models.NewError(models.KindConfigInvalid, "scan requires at least one host")
	}
	ports := req.Ports
	if len(ports) == 0 {
		if req.ProtocolType != "" {
			ports = defaultPorts[req.ProtocolType]
		} else {
			for _, p := range defaultPorts {
				ports = append(ports, p...)
			}
		}
	}
	if len(ports) == 0 {
		return nil, models.NewError(models.KindConfigInvalid, "no ports to scan")
	}
	timeout := defaultScanTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)

	var mu sync.Mutex
	var results []models.DiscoveredServer
	for _, host := range req.Hosts {
		for _, port := range ports {
			host, port := host, port
			g.Go(func() error {
				server := s.probe(gctx, host, port, req.ProtocolType, timeout)
				mu.Lock()
				results = append(results, server)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Endpoint < results[j].Endpoint })

	s.mu.Lock()
	for _, r := range results {
		if r.Reachable {
			s.found[r.Endpoint] = r
		}
	}
	s.mu.Unlock()

	s.log.Info().Int("probed", len(results)).Msg("discovery scan finished")
	return results, nil
}

// probe is one TCP reachability check.
func (s *Scanner) probe(ctx context.Context, host string, port int, proto models.ProtocolType, timeout time.Duration) models.DiscoveredServer {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	server := models.DiscoveredServer{
		Endpoint:     endpointFor(protocolForPort(proto, port), addr),
		ProtocolType: protocolForPort(proto, port),
		SeenAt:       time.Now().UTC(),
	}

	start := time.Now()
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	server.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		server.Note = err.Error()
		return server
	}
	conn.Close()
	server.Reachable = true
	return server
}

// protocolForPort guesses the protocol from a well-known port when the
// request left it open.
func protocolForPort(requested models.ProtocolType, port int) models.ProtocolType {
	if requested != "" {
		return requested
	}
	for proto, ports := range defaultPorts {
		for _, p := range ports {
			if p == port {
				return proto
			}
		}
	}
	return models.ProtocolOPCUA
}

// endpointFor renders the canonical endpoint URL for a protocol.
func endpointFor(proto models.ProtocolType, addr string) string {
	switch proto {
	case models.ProtocolOPCUA:
		return "opc.tcp://" + addr
	case models.ProtocolMQTT:
		if strings.HasSuffix(addr, ":8883") {
			return "ssl://" + addr
		}
		return "tcp://" + addr
	case models.ProtocolModbus:
		return "tcp://" + addr
	}
	return addr
}

// Servers lists everything past scans found, most recent first.
func (s *Scanner) Servers() []models.DiscoveredServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DiscoveredServer, 0, len(s.found))
	for _, server := range s.found {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.After(out[j].SeenAt) })
	return out
}

// Test runs a full protocol-level connection test against one endpoint.
func (s *Scanner) Test(ctx context.Context, req models.ConnectionTestRequest) models.ConnectionTestResult {
	cfg := models.SourceConfig{
		Name:           "connection-test",
		ProtocolType:   req.ProtocolType,
		Endpoint:       req.Endpoint,
		CredentialsRef: req.CredentialsRef,
	}

	start := time.Now()
	client, err := s.reg.New(cfg, s.creds)
	if err == nil {
		tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err = client.TestConnection(tctx)
	}

	result := models.ConnectionTestResult{
		OK:        err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = string(models.KindOf(err))
	}
	return result
}
