package fetchdedup

import "testing"

func TestFingerprint_IgnoresUnlistedFields(t *testing.T) {
	a := Request{
		Tool:     "mail.search",
		Provider: "mail",
		Args: map[string]interface{}{
			"sender":     "alice@corp.test",
			"request_id": "r-123", // per-call noise
			"trace":      "t-456",
		},
	}
	b := Request{
		Tool:     "mail.search",
		Provider: "mail",
		Args: map[string]interface{}{
			"sender":     "alice@corp.test",
			"request_id": "r-999",
		},
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Errorf("unlisted fields changed the fingerprint:\n%s\n%s", Fingerprint(a), Fingerprint(b))
	}
}

func TestFingerprint_FieldOrderIrrelevant(t *testing.T) {
	a := Request{Tool: "mail.search", Provider: "mail", Args: map[string]interface{}{
		"sender": "alice@corp.test", "limit": 5, "date_from": "2026-08-01",
	}}
	b := Request{Tool: "mail.search", Provider: "mail", Args: map[string]interface{}{
		"date_from": "2026-08-01", "limit": 5, "sender": "alice@corp.test",
	}}
	if Hash(a) != Hash(b) {
		t.Error("identical requests hash differently")
	}
}

func TestFingerprint_NilAndEmptySkipped(t *testing.T) {
	a := Request{Tool: "mail.search", Provider: "mail", Args: map[string]interface{}{
		"sender": "alice@corp.test", "subject_contains": "", "date_to": nil,
	}}
	b := Request{Tool: "mail.search", Provider: "mail", Args: map[string]interface{}{
		"sender": "alice@corp.test",
	}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("empty optional fields changed the fingerprint")
	}
}

func TestFingerprint_RelevantFieldChangesHash(t *testing.T) {
	a := Request{Tool: "mail.search", Provider: "mail", Args: map[string]interface{}{"sender": "alice@corp.test"}}
	b := Request{Tool: "mail.search", Provider: "mail", Args: map[string]interface{}{"sender": "bob@corp.test"}}
	if Hash(a) == Hash(b) {
		t.Error("different senders hashed equal")
	}
}

func TestFingerprint_ToolCaseInsensitive(t *testing.T) {
	a := Request{Tool: "Mail.Search", Provider: "Mail"}
	b := Request{Tool: "mail.search", Provider: "mail"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("tool name casing changed the fingerprint")
	}
}
