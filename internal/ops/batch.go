package ops

import (
	"encoding/json"
	"fmt"
)

// Batch is the payload carried by queued work: a basket and the ordered
// operations to apply to it.
type Batch struct {
	BasketID   string      `json:"basket_id"`
	Operations []Operation `json:"operations"`
}

// DecodeBatch parses a work item payload.
func DecodeBatch(raw string) (Batch, error) {
	var b Batch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return b, fmt.Errorf("decode work payload: %w", err)
	}
	return b, nil
}

// EncodeBatch serializes a work item payload.
func EncodeBatch(b Batch) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode work payload: %w", err)
	}
	return string(data), nil
}
