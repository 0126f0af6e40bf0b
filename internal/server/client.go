package server

import (
	"context"
	"fmt"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a running control service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control socket at path. The connection is
// established lazily on the first call.
func Dial(path string) (*Client, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid socket path: %w", err)
	}
	conn, err := grpc.NewClient("unix://"+abs,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control socket: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp := new(StatusResponse)
	if err := c.invoke(ctx, "Status", &StatusRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) StartAll(ctx context.Context) (*StartAllResponse, error) {
	resp := new(StartAllResponse)
	if err := c.invoke(ctx, "StartAll", &StartAllRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) StartWorker(ctx context.Context, worker string) error {
	return c.invoke(ctx, "StartWorker", &StartWorkerRequest{Worker: worker}, new(Ack))
}

func (c *Client) StopWorker(ctx context.Context, worker string) error {
	return c.invoke(ctx, "StopWorker", &StopWorkerRequest{Worker: worker}, new(Ack))
}

func (c *Client) SendCommand(ctx context.Context, worker, command string, args map[string]any) error {
	req := &SendCommandRequest{Worker: worker, Command: command, Args: args}
	return c.invoke(ctx, "SendCommand", req, new(Ack))
}

func (c *Client) Broadcast(ctx context.Context, command string, args map[string]any) ([]string, error) {
	resp := new(BroadcastResponse)
	if err := c.invoke(ctx, "Broadcast", &BroadcastRequest{Command: command, Args: args}, resp); err != nil {
		return nil, err
	}
	return resp.Delivered, nil
}

func (c *Client) Export(ctx context.Context) (*ExportResponse, error) {
	resp := new(ExportResponse)
	if err := c.invoke(ctx, "Export", &ExportRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Permissions(ctx context.Context, recheck bool) (*PermissionsResponse, error) {
	resp := new(PermissionsResponse)
	if err := c.invoke(ctx, "Permissions", &PermissionsRequest{Recheck: recheck}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RequestPermission(ctx context.Context, key string) (*RequestPermissionResponse, error) {
	resp := new(RequestPermissionResponse)
	if err := c.invoke(ctx, "RequestPermission", &RequestPermissionRequest{Key: key}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
