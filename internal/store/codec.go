// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec selects how values are encoded in the backing store.
type Codec int

const (
	// CodecJSON encodes values as JSON.
	CodecJSON Codec = iota
	// CodecMsgpack encodes values as msgpack.
	CodecMsgpack
)

// Marshal encodes v.
func (c Codec) Marshal(v any) ([]byte, error) {
	if c == CodecMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// unmarshal decodes data written with either codec, trying JSON first so
// buckets can switch codec without a migration.
func unmarshal(data []byte, v any) error {
	jsonErr := json.Unmarshal(data, v)
	if jsonErr == nil {
		return nil
	}
	if msgErr := msgpack.Unmarshal(data, v); msgErr != nil {
		return fmt.Errorf("value is neither JSON (%v) nor msgpack: %w", jsonErr, msgErr)
	}
	return nil
}
