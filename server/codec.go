// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype both ends of the connection use.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
