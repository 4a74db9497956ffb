// Copyright 2025 Takhin Data, Inc.

package replicationrpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/takhin-data/laser/pkg/replication"
)

// Client is the follower-side RPC client: it dials a leader's address on
// first use and reuses the connection for subsequent pulls, satisfying
// pkg/replication.Client.
type Client struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewClient() *Client {
	return &Client{conns: make(map[string]*grpc.ClientConn)}
}

func (c *Client) connFor(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("replicationrpc: dial %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Pull issues a handle_pull RPC against req.ClientAddress, the leader's
// advertised address for this partition.
func (c *Client) Pull(ctx context.Context, req replication.PullRequest) (replication.PullResponse, error) {
	conn, err := c.connFor(req.ClientAddress)
	if err != nil {
		return replication.PullResponse{}, err
	}

	var resp replication.PullResponse
	err = conn.Invoke(ctx, "/"+ServiceName+"/Pull", &req, &resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		return replication.PullResponse{}, err
	}
	return resp, nil
}

// ReplicateWdt triggers a base-snapshot transfer against the node at addr.
func (c *Client) ReplicateWdt(ctx context.Context, addr string, req ReplicateWdtRequest) (ReplicateWdtResponse, error) {
	conn, err := c.connFor(addr)
	if err != nil {
		return ReplicateWdtResponse{}, err
	}

	var resp ReplicateWdtResponse
	err = conn.Invoke(ctx, "/"+ServiceName+"/ReplicateWdt", &req, &resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		return ReplicateWdtResponse{}, err
	}
	return resp, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, addr)
	}
	return firstErr
}
