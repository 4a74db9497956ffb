// Copyright 2025 Takhin Data, Inc.

package replicationrpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takhin-data/laser/pkg/grpcapi"
	"github.com/takhin-data/laser/pkg/replication"
)

type fakePullHandler struct {
	resp replication.PullResponse
	err  error
	got  replication.PullRequest
}

func (f *fakePullHandler) HandlePull(ctx context.Context, req replication.PullRequest) (replication.PullResponse, error) {
	f.got = req
	return f.resp, f.err
}

type fakeWdtHandler struct {
	resp ReplicateWdtResponse
}

func (f *fakeWdtHandler) HandleReplicateWdt(ctx context.Context, req ReplicateWdtRequest) (ReplicateWdtResponse, error) {
	return f.resp, nil
}

func TestPullRoundTrip(t *testing.T) {
	pull := &fakePullHandler{resp: replication.PullResponse{
		BaseVersion: "v1",
		MaxSeq:      42,
		Updates: []replication.Update{
			{RawBatch: []byte("hello"), WriteMs: 123},
		},
	}}

	host, err := grpcapi.NewGRPCServer("127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(pull, &fakeWdtHandler{})
	srv.Register(host)

	go func() { _ = host.Start() }()
	defer host.Stop()

	client := NewClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := replication.PullRequest{
		DBHash:        7,
		ExpectedSeq:   10,
		ClientAddress: host.Addr().String(),
		BaseVersion:   "v1",
	}

	resp, err := client.Pull(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "v1", resp.BaseVersion)
	assert.EqualValues(t, 42, resp.MaxSeq)
	require.Len(t, resp.Updates, 1)
	assert.Equal(t, "hello", string(resp.Updates[0].RawBatch))

	assert.EqualValues(t, 7, pull.got.DBHash)
	assert.EqualValues(t, 10, pull.got.ExpectedSeq)
}

func TestReplicateWdtRoundTrip(t *testing.T) {
	host, err := grpcapi.NewGRPCServer("127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(&fakePullHandler{}, &fakeWdtHandler{resp: ReplicateWdtResponse{SendSuccess: true}})
	srv.Register(host)

	go func() { _ = host.Start() }()
	defer host.Stop()

	client := NewClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.ReplicateWdt(ctx, host.Addr().String(), ReplicateWdtRequest{
		DBHash: 1, Version: "v2", WdtUrl: "wdt://node/base",
	})
	require.NoError(t, err)
	assert.True(t, resp.SendSuccess)
}
