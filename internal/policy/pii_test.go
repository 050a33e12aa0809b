package policy

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMaskPIIJSONMasksCommonPatterns(t *testing.T) {
	payload := json.RawMessage(`{"email":"user@example.com","phone":"+1 415 555 0199","ssn":"123-45-6789","note":"DOB: 1984-03-12"}`)
	masked := MaskPIIJSON(payload)

	raw := string(masked)
	if strings.Contains(raw, "user@example.com") {
		t.Fatalf("expected email to be masked")
	}
	if strings.Contains(raw, "555 0199") {
		t.Fatalf("expected phone to be masked")
	}
	if strings.Contains(raw, "123-45-6789") {
		t.Fatalf("expected ssn to be masked")
	}
	if strings.Contains(raw, "1984-03-12") {
		t.Fatalf("expected date of birth to be masked, got %s", raw)
	}
}

func TestMaskPIIJSONDropsSecrets(t *testing.T) {
	payload := json.RawMessage(`{"email":"a@b.io","password":"hunter22","nested":{"Access_Token":"tok"}}`)
	raw := string(MaskPIIJSON(payload))

	if strings.Contains(raw, "hunter22") || strings.Contains(raw, `"tok"`) {
		t.Fatalf("expected secrets to be dropped, got %s", raw)
	}
}

func TestMaskPIIStringKeepsClinicalValues(t *testing.T) {
	input := `{"detail":"LDL 180 mg/dL above range"}`
	if got := MaskPIIString(input); got != input {
		t.Fatalf("expected clinical text untouched, got %q", got)
	}
}

func TestMaskPIIJSONFallsBackForPlainText(t *testing.T) {
	masked := MaskPIIJSON(json.RawMessage(`contact me at user@example.com`))
	if strings.Contains(string(masked), "user@example.com") {
		t.Fatalf("expected plain text email to be masked")
	}
}
