package compute

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth probes the compute service with the standard gRPC health
// protocol.
type GRPCHealth struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// DialHealth connects to addr. service may be empty to probe the server as a
// whole.
func DialHealth(addr, service string) (*GRPCHealth, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("compute: dial health %s: %w", addr, err)
	}
	return &GRPCHealth{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		service: service,
	}, nil
}

// Healthy reports SERVING.
func (g *GRPCHealth) Healthy(ctx context.Context) bool {
	resp, err := g.client.Check(ctx, &healthpb.HealthCheckRequest{Service: g.service})
	if err != nil {
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Close closes the underlying connection.
func (g *GRPCHealth) Close() error {
	return g.conn.Close()
}
