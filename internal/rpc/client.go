package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the gRPC connection to a profile daemon.
type Client struct {
	conn    *grpc.ClientConn
	Session *SessionClient
	Chat    *ChatClient
	health  healthpb.HealthClient
}

// Dial connects to the daemon's Unix domain socket and returns typed service clients.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{
		conn:    conn,
		Session: &SessionClient{cc: conn},
		Chat:    &ChatClient{cc: conn},
		health:  healthpb.NewHealthClient(conn),
	}, nil
}

// Ping reports whether the daemon answers its health check.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("daemon not serving: %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
