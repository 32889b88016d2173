// Package codec provides value serialization for cache entries and job
// payloads with pluggable encoding.
//
// Default: MessagePack (compact binary, ~2x faster and ~30% smaller than
// JSON for typical metric payloads; cache values are opaque bytes anyway).
// JSON remains available for payloads that must stay human-readable.
//
// Design Notes:
//   - Codecs are stateless and safe for concurrent use.
//   - All encoding errors include context for debugging.
//   - Cached bytes carry no format header; a cache cluster must be configured
//     with a single codec, and switching codecs requires a flush.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes values into cache-storable bytes and back.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// JSON is a stateless JSON codec.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot marshal nil value")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return data, nil
}

func (JSON) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmarshal empty data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json unmarshal: %w", err)
	}
	return nil
}

// MsgPack is a stateless MessagePack codec.
type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }

func (MsgPack) Marshal(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot marshal nil value")
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal: %w", err)
	}
	return data, nil
}

func (MsgPack) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmarshal empty data")
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack unmarshal: %w", err)
	}
	return nil
}

// Default is the codec used by services unless configured otherwise.
func Default() Codec { return MsgPack{} }
