// Package wsapi implements the single /ws endpoint: envelope parsing, and
// per-connection concurrent command dispatch.
package wsapi

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Request is the inbound envelope: {echo_id, command, data}.
type Request struct {
	EchoID  string          `json:"echo_id" bson:"echo_id"`
	Command string          `json:"command" bson:"command"`
	Data    json.RawMessage `json:"data" bson:"data"`
}

// Status is the outbound envelope's status field.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the outbound envelope: {echo_id, status, result|error, duration_ms}.
type Response struct {
	EchoID     string `json:"echo_id,omitempty" bson:"echo_id,omitempty"`
	Status     Status `json:"status" bson:"status"`
	Result     any    `json:"result,omitempty" bson:"result,omitempty"`
	Error      string `json:"error,omitempty" bson:"error,omitempty"`
	DurationMs int64  `json:"duration_ms" bson:"duration_ms"`
}

// FrameCodec marshals/unmarshals the envelope; text frames use JSON and
// binary frames use BSON.
type FrameCodec interface {
	Unmarshal(data []byte, v any) error
	Marshal(v any) ([]byte, error)
}

type jsonCodec struct{}

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }

type bsonCodec struct{}

func (bsonCodec) Unmarshal(data []byte, v any) error { return bson.Unmarshal(data, v) }
func (bsonCodec) Marshal(v any) ([]byte, error)      { return bson.Marshal(v) }

// JSONCodec and BSONCodec are the two wire codecs a connection may use,
// selected per-frame by the gorilla/websocket message type.
var (
	JSONCodec FrameCodec = jsonCodec{}
	BSONCodec FrameCodec = bsonCodec{}
)

// parseErrorResponse builds the malformed-envelope error response; echo_id
// is necessarily absent since the envelope itself failed to parse.
func parseErrorResponse(err error) Response {
	return Response{Status: StatusError, Error: fmt.Sprintf("malformed envelope: %v", err)}
}
