package eventbus

import (
	json "github.com/goccy/go-json"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// JSONCodec encodes events as UTF-8 JSON.
type JSONCodec struct{}

var _ cbus.Codec = JSONCodec{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) ContentType() string                { return "application/json" }
