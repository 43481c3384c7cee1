package service

import (
	"encoding/json"
	"fmt"
)

// EncodeFrame serializes one chunk as a line-delimited SSE data frame.
func EncodeFrame(chunk interface{}) ([]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("encode stream frame: %w", err)
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data)), nil
}

// DoneFrame is the literal terminator frame ending every stream, including
// streams terminated by an in-band error frame.
var DoneFrame = []byte("data: [DONE]\n\n")
