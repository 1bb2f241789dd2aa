package rpc

import "encoding/json"

// jsonCodec is a grpc encoding.Codec that marshals the plain Go wire
// types of messages.go as JSON. This module has no .proto build step
// (protoc isn't available), so message framing goes over JSON instead
// of the generated protobuf codec a real tssd service would use;
// grpc_service.go forces it on the server with grpc.ForceServerCodec
// so no .proto-derived types are required anywhere in this package.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }
