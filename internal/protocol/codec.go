package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EncodeResult serializes a Result to JSON and writes it to w.
func EncodeResult(w io.Writer, res *Result) error {
	if !res.Success && res.Category == "" {
		return fmt.Errorf("failed result has no category")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	return nil
}

// DecodeEnvelopeLenient parses a host Envelope. Unknown fields are ignored
// and a missing or unknown failure category becomes OperationError. The raw
// bytes are returned for logging when decoding fails.
func DecodeEnvelopeLenient(data []byte) (*Envelope, []byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, data, fmt.Errorf("host produced no output")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, data, fmt.Errorf("host output is not valid JSON: %w", err)
	}
	if err := checkEnvelope(&env); err != nil {
		return nil, data, err
	}
	if !env.Succeeded() && !IsHostCategory(env.Category) {
		env.Category = CategoryOperation
	}

	return &env, data, nil
}

func checkEnvelope(env *Envelope) error {
	if env.Success == nil {
		return fmt.Errorf("envelope missing required field: success")
	}
	if !*env.Success && env.Error == "" {
		return fmt.Errorf("envelope has success=false but no error message")
	}
	return nil
}
