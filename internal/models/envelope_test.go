package models

import (
	"encoding/json"
	"testing"
)

func TestKnownTypes(t *testing.T) {
	for _, mt := range []MessageType{TypeRideAccepted, TypeRideTaken, TypeConnectionEstablished, TypeDriverMessage} {
		if !mt.Known() {
			t.Fatalf("expected %s to be known", mt)
		}
	}
	if MessageType("ride_acepted").Known() {
		t.Fatalf("typo must not be a known type")
	}
	if Wildcard.Known() {
		t.Fatalf("wildcard is router-only")
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	env := MustEnvelope(TypeRideDeclined, DeclinedPayload{RideID: "r1", Reason: "no drivers"})
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"ride_declined","data":{"ride_id":"r1","reason":"no drivers"}}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}

	ping := MustEnvelope(TypePing, nil)
	b, _ = json.Marshal(ping)
	if string(b) != `{"type":"ping"}` {
		t.Fatalf("ping shape: %s", b)
	}
}

func TestEnvelopeDecodeEmpty(t *testing.T) {
	var p StatusPayload
	if err := (Envelope{Type: TypeRideStatusUpdate}).Decode(&p); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestChatTypeFor(t *testing.T) {
	if ChatTypeFor(RoleDriver) != TypeDriverMessage || ChatTypeFor(RoleCustomer) != TypeCustomerMessage {
		t.Fatalf("unexpected chat type mapping")
	}
}
