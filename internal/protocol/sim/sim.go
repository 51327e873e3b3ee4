// Package sim provides deterministic in-process protocol clients for
// development and tests. Each client synthesizes records shaped like real
// traffic for its protocol, including vendor-specific topic and browse-path
// conventions, without any network I/O.
package sim

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/otbridge/otbridge/internal/credentials"
	"github.com/otbridge/otbridge/internal/protocol"
	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/pkg/models"
)

// DefaultEmitInterval paces subscription deliveries.
const DefaultEmitInterval = 100 * time.Millisecond

// tagSet returns the synthetic address space for a protocol. Paths follow
// the conventions the classifier recognizes so the full pipeline is
// exercised end to end.
func tagSet(p models.ProtocolType) []string {
	switch p {
	case models.ProtocolOPCUA:
		return []string{
			"ns=2;s=Siemens_S7_Crushing.Crusher_01.MotorPower",
			"ns=2;s=Siemens_S7_Crushing.Crusher_01.BearingTemp",
			"FIM_01/REACTOR_TEMP.PV",
			"FIM_01/REACTOR_TEMP.SP",
			"ns=1;s=Demo/Dynamic/Scalar/Double",
		}
	case models.ProtocolMQTT:
		return []string{
			"kepware/Siemens_S7_Crushing/Crusher_01/MotorPower",
			"kepware/Siemens_S7_Crushing/Conveyor_02/BeltSpeed",
			"spBv1.0/Mill_A/DDATA/edge_node_1/press_04",
			"factory/hall2/ambient/temperature",
		}
	case models.ProtocolModbus:
		return []string{"40001@1", "40002@1", "30007@2"}
	}
	return nil
}

// Client is the simulated protocol client.
type Client struct {
	cfg          models.SourceConfig
	emitInterval time.Duration

	mu        sync.Mutex
	connected bool
	seq       uint64
	acked     uint64
}

// New builds a sim client. Endpoints containing "unreachable" refuse to
// connect, which exercises supervisor retry paths in tests.
func New(cfg models.SourceConfig, _ *credentials.Store) (protocol.Client, error) {
	return &Client{cfg: cfg, emitInterval: DefaultEmitInterval}, nil
}

// Register installs the sim factory for all three protocol variants.
func Register(r *protocol.Registry) {
	for _, p := range []models.ProtocolType{models.ProtocolOPCUA, models.ProtocolMQTT, models.ProtocolModbus} {
		r.Register(p, New)
	}
}

func (c *Client) ProtocolType() models.ProtocolType { return c.cfg.ProtocolType }

func (c *Client) Connect(ctx context.Context) error {
	if err := c.TestConnection(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// TestConnection fails for endpoint markers that name a failure mode, so
// error handling stays testable without a real device.
func (c *Client) TestConnection(context.Context) error {
	ep := c.cfg.Endpoint
	switch {
	case strings.Contains(ep, "unreachable"):
		return models.NewError(models.KindNetworkUnreachable, "simulated unreachable endpoint")
	case strings.Contains(ep, "badauth"):
		return models.NewError(models.KindAuthFailed, "simulated credential rejection")
	case strings.Contains(ep, "badtls"):
		return models.NewError(models.KindTLSFailed, "simulated certificate failure")
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, sink protocol.Sink) error {
	return c.emit(ctx, c.emitInterval, sink)
}

func (c *Client) Poll(ctx context.Context, interval time.Duration, sink protocol.Sink) error {
	if interval <= 0 {
		interval = time.Second
	}
	return c.emit(ctx, interval, sink)
}

func (c *Client) emit(ctx context.Context, interval time.Duration, sink protocol.Sink) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return models.NewError(models.KindProtocolError, "not connected")
	}
	c.mu.Unlock()

	tags := tagSet(c.cfg.ProtocolType)
	if len(tags) == 0 {
		return models.NewError(models.KindProtocolError,
			"no address space for protocol "+string(c.cfg.ProtocolType))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if sink(c.next(tags)) {
				c.mu.Lock()
				c.acked++
				c.mu.Unlock()
			}
		}
	}
}

// Subscribers reports peer subscribers for MQTT sources. Brokers do not
// expose subscriber enumeration to clients, so the list is always empty.
func (c *Client) Subscribers() ([]string, string) {
	if c.cfg.ProtocolType != models.ProtocolMQTT {
		return nil, ""
	}
	return nil, "broker does not expose subscriber enumeration"
}

// Acked reports records the sink accepted, mirroring what a real client
// would acknowledge to its broker or server.
func (c *Client) Acked() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

// next produces one record, rotating through the address space with a
// slowly varying value derived from the sequence number.
func (c *Client) next(tags []string) record.Record {
	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()

	now := time.Now().UnixNano()
	r := record.Record{
		SourceName:   c.cfg.Name,
		Protocol:     c.cfg.ProtocolType,
		TopicOrPath:  tags[seq%uint64(len(tags))],
		EventTimeNS:  now,
		IngestTimeNS: now,
		Status:       record.QualityGood,
		Value:        record.Float64Value(50 + 25*math.Sin(float64(seq)/10)),
	}
	// An occasional bad-quality reading keeps quality handling honest.
	if seq%50 == 49 {
		r.Status = record.QualityBad
	}
	return r
}
