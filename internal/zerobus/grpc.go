package zerobus

import (
	"context"
	"crypto/tls"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"
	grpcoauth "google.golang.org/grpc/credentials/oauth"

	"github.com/otbridge/otbridge/pkg/models"
)

// streamMethod is the full method name of the ingest bidi stream.
const streamMethod = "/zerobus.v1.IngestService/IngestStream"

// Stream is one open ingest stream carrying raw batch/ack frames. Recv
// must return once the context passed to Conn.Open ends, so the ack loop
// can unwind during shutdown.
type Stream interface {
	Send([]byte) error
	Recv() ([]byte, error)
	CloseSend() error
}

// Conn owns the transport under a stream.
type Conn interface {
	Open(ctx context.Context) (Stream, error)
	Close() error
}

// Dialer opens a connection to the ingest endpoint. Tests substitute an
// in-process implementation.
type Dialer func(ctx context.Context, cfg models.ZerobusConfig, ts oauth2.TokenSource) (Conn, error)

// GRPCDialer returns the production dialer: TLS transport with per-RPC
// bearer tokens from the OAuth source.
func GRPCDialer() Dialer {
	return func(_ context.Context, cfg models.ZerobusConfig, ts oauth2.TokenSource) (Conn, error) {
		cc, err := grpc.NewClient(grpcTarget(cfg.ZerobusEndpoint),
			grpc.WithTransportCredentials(grpccreds.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})),
			grpc.WithPerRPCCredentials(grpcoauth.TokenSource{TokenSource: ts}),
		)
		if err != nil {
			return nil, models.WrapError(models.KindNetworkUnreachable, "dial ingest endpoint", err)
		}
		return &grpcConn{cc: cc}, nil
	}
}

// grpcTarget strips a scheme prefix; gRPC targets are host:port.
func grpcTarget(endpoint string) string {
	if i := strings.Index(endpoint, "://"); i >= 0 {
		return endpoint[i+3:]
	}
	return endpoint
}

type grpcConn struct {
	cc *grpc.ClientConn
}

func (c *grpcConn) Open(ctx context.Context) (Stream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    "IngestStream",
		ClientStreams: true,
		ServerStreams: true,
	}
	cs, err := c.cc.NewStream(ctx, desc, streamMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return nil, err
	}
	return &grpcStream{cs: cs}, nil
}

func (c *grpcConn) Close() error { return c.cc.Close() }

type grpcStream struct {
	cs grpc.ClientStream
}

func (s *grpcStream) Send(frame []byte) error {
	msg := rawMessage(frame)
	return s.cs.SendMsg(&msg)
}

func (s *grpcStream) Recv() ([]byte, error) {
	var msg rawMessage
	if err := s.cs.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *grpcStream) CloseSend() error { return s.cs.CloseSend() }
