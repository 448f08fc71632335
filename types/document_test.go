package types

import (
	"encoding/json"
	"testing"
)

type pingArgs struct {
	Target string `json:"target"`
	Count  int    `json:"count"`
}

func TestDocumentRoundTrip(t *testing.T) {
	doc, err := NewDocument("PingArgs", pingArgs{Target: "host1", Count: 3})
	if err != nil {
		t.Fatalf("NewDocument() error = %v", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var back Document
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.TypeName != "PingArgs" {
		t.Errorf("TypeName = %v, want PingArgs", back.TypeName)
	}

	var args pingArgs
	if err := back.DecodeAs("PingArgs", &args); err != nil {
		t.Fatalf("DecodeAs() error = %v", err)
	}
	if args.Target != "host1" || args.Count != 3 {
		t.Errorf("decoded = %+v, want {host1 3}", args)
	}
}

func TestDocumentDecodeAs_Mismatch(t *testing.T) {
	doc := MustDocument("PingArgs", pingArgs{Target: "host1"})

	var args pingArgs
	if err := doc.DecodeAs("ListDirArgs", &args); err == nil {
		t.Error("DecodeAs() expected type mismatch error")
	}
}

func TestDocumentDecode_Empty(t *testing.T) {
	var doc Document
	var args pingArgs
	if err := doc.Decode(&args); err == nil {
		t.Error("Decode() expected error for empty document")
	}
	if !doc.IsZero() {
		t.Error("IsZero() = false for empty document")
	}
}

func TestRegisterPayload(t *testing.T) {
	ClearPayloadRegistry()
	defer ClearPayloadRegistry()

	if err := RegisterPayload("PingArgs", pingArgs{}); err != nil {
		t.Fatalf("RegisterPayload() error = %v", err)
	}

	// Duplicate registration should fail.
	if err := RegisterPayload("PingArgs", pingArgs{}); err == nil {
		t.Error("Expected error for duplicate registration")
	}

	doc := MustDocument("PingArgs", pingArgs{Target: "host2", Count: 7})
	v, err := doc.DecodeRegistered()
	if err != nil {
		t.Fatalf("DecodeRegistered() error = %v", err)
	}

	args, ok := v.(*pingArgs)
	if !ok {
		t.Fatalf("DecodeRegistered() type = %T, want *pingArgs", v)
	}
	if args.Target != "host2" || args.Count != 7 {
		t.Errorf("decoded = %+v, want {host2 7}", args)
	}
}

func TestDecodeRegistered_Unknown(t *testing.T) {
	ClearPayloadRegistry()
	defer ClearPayloadRegistry()

	doc := MustDocument("NoSuchType", pingArgs{})
	if _, err := doc.DecodeRegistered(); err == nil {
		t.Error("DecodeRegistered() expected error for unregistered type")
	}
}
