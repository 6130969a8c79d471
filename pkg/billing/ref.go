package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Ref is a provider reference that arrives either as a bare identifier or as
// an expanded object carrying an "id" field. Decoding collapses both to ID.
type Ref struct {
	ID string
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		r.ID = ""
		return nil
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &r.ID)
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		r.ID = obj.ID
		return nil
	default:
		return fmt.Errorf("%w: reference must be string or object, got %s", ErrInvalidWebhookPayload, data)
	}
}

// MarshalJSON encodes the reference as its identifier
func (r Ref) MarshalJSON() ([]byte, error) {
	if r.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.ID)
}

// String returns the identifier
func (r Ref) String() string {
	return r.ID
}
