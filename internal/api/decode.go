package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"taskrelay/internal/codec"
)

const maxBody = 1 << 20

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// decodeArgs parses a JSON array of positional arguments. Integral numbers
// become int64 and the rest float64, so every codec sees the same shapes.
func decodeArgs(raw json.RawMessage) ([]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args []any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("must be a JSON array: %w", err)
	}
	for i, a := range args {
		args[i] = codec.NormalizeNumbers(a)
	}
	return args, nil
}
