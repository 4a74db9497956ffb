// Copyright 2025 Takhin Data, Inc.

// Package replicationrpc wires the two replication RPCs (Pull and
// ReplicateWdt) onto grpc-go without a protoc-generated stub: messages are
// plain Go structs encoded with a JSON codec registered through
// encoding.RegisterCodec, and the service is described by a hand-built
// grpc.ServiceDesc invoked via grpc.CallContentSubtype, avoiding a protoc
// toolchain dependency for service registration.
package replicationrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
