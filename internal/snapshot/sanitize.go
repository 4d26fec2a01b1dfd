package snapshot

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentdiff/harness/internal/apierr"
)

// binaryPlaceholderThreshold is the byte length above which a bytea
// column's hex-encoded JSON representation is replaced with a short
// placeholder instead of being embedded verbatim in a diff or assertion
// payload.
const binaryPlaceholderThreshold = 256

// sanitizeJSON unmarshals a row_to_json(...) payload and replaces any
// bytea value (Postgres emits these as "\x"-prefixed hex strings) beyond
// binaryPlaceholderThreshold with a placeholder, so large blobs never
// bloat the diff or the assertion engine's comparison payloads.
func sanitizeJSON(raw []byte) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "while decoding row json")
	}
	for k, v := range row {
		row[k] = sanitizeValue(v)
	}
	return row, nil
}

func sanitizeValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if !strings.HasPrefix(s, "\\x") || len(s) <= binaryPlaceholderThreshold {
		return v
	}
	return fmt.Sprintf("<binary:%d bytes>", (len(s)-2)/2)
}
