package logger

import "testing"

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	kv := sanitizeKVs([]interface{}{
		"credential", "AIzaSyA-very-secret-value-0001",
		"api_key", "sk-123",
		"scene", 3,
	})

	if kv[1] != redacted {
		t.Errorf("expected credential to be redacted, got %v", kv[1])
	}
	if kv[3] != redacted {
		t.Errorf("expected api_key to be redacted, got %v", kv[3])
	}
	if kv[5] != 3 {
		t.Errorf("expected scene to pass through, got %v", kv[5])
	}
}

func TestSanitizeKVsMasksLooseKeys(t *testing.T) {
	kv := sanitizeKVs([]interface{}{"value", "AIzaSyA-very-secret-value-0001"})
	if kv[1] != "…0001" {
		t.Errorf("expected masked value, got %v", kv[1])
	}
}

func TestSanitizeKVsOddLength(t *testing.T) {
	kv := sanitizeKVs([]interface{}{"scene", 1, "dangling"})
	if len(kv) != 3 || kv[2] != "dangling" {
		t.Errorf("unexpected output: %v", kv)
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abc"); got != redacted {
		t.Errorf("Mask(short) = %q", got)
	}
	if got := Mask("abcdefgh"); got != "…efgh" {
		t.Errorf("Mask = %q", got)
	}
}
