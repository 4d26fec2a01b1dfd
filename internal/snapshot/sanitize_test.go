package snapshot

import (
	"encoding/json"
	"testing"
)

func TestSanitizeJSONReplacesLargeBinaryValues(t *testing.T) {
	large := "\\x" + stringOfLength(binaryPlaceholderThreshold+10)
	raw, _ := json.Marshal(map[string]any{"id": 1, "payload": large, "name": "short"})

	row, err := sanitizeJSON(raw)
	if err != nil {
		t.Fatalf("sanitizeJSON: %v", err)
	}

	if row["name"] != "short" {
		t.Errorf("expected short string untouched, got %v", row["name"])
	}
	payload, ok := row["payload"].(string)
	if !ok {
		t.Fatalf("expected payload to remain a string, got %T", row["payload"])
	}
	if payload == large {
		t.Errorf("expected large binary value to be replaced with a placeholder")
	}
}

func TestSanitizeJSONLeavesSmallBinaryValuesAlone(t *testing.T) {
	small := "\\x" + stringOfLength(10)
	raw, _ := json.Marshal(map[string]any{"payload": small})

	row, err := sanitizeJSON(raw)
	if err != nil {
		t.Fatalf("sanitizeJSON: %v", err)
	}
	if row["payload"] != small {
		t.Errorf("expected small binary value untouched, got %v", row["payload"])
	}
}

func stringOfLength(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}
