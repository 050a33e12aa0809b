package domain

import (
	"encoding/json"
	"testing"
)

func TestFindingsListKeepsEveryEntryAfterReencode(t *testing.T) {
	var result AnalysisResult
	if err := json.Unmarshal([]byte(`{"summary":"s","key_findings":["LDL 190 high","HbA1c normal"]}`), &result); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded struct {
		KeyFindings []string `json:"key_findings"`
	}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("expected key_findings to stay a list, got %s: %v", encoded, err)
	}
	if len(decoded.KeyFindings) != 2 || decoded.KeyFindings[0] != "LDL 190 high" || decoded.KeyFindings[1] != "HbA1c normal" {
		t.Fatalf("expected both findings in order, got %v", decoded.KeyFindings)
	}
}

func TestFindingsObjectKeepsKeyOrder(t *testing.T) {
	var findings Findings
	if err := json.Unmarshal([]byte(`{"ldl": "190 mg/dL (high)", "hba1c": {"value": 5.4}}`), &findings); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	encoded, err := json.Marshal(findings)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(encoded) != `{"ldl":"190 mg/dL (high)","hba1c":{"value":5.4}}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}
}

func TestEmptyFindingsEncodeAsObject(t *testing.T) {
	encoded, err := json.Marshal(Findings{})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(encoded) != `{}` {
		t.Fatalf("expected empty object, got %s", encoded)
	}
}
