package v1

import (
	"testing"
	"time"
)

func TestEnvelopeValidate_AllKnownTypes(t *testing.T) {
	types := []string{
		TypeAuthChallenge, TypeAuthResponse, TypeConnected,
		TypeMessage, TypeMessageSend, TypeDelivered, TypeRead,
		TypeSyncRequest, TypeSyncResponse, TypeError, TypePing, TypePong,
	}
	for _, typ := range types {
		env := Envelope{V: Version, Type: typ, TS: time.Now().UTC()}
		if err := env.Validate(); err != nil {
			t.Fatalf("type %q should validate, got %v", typ, err)
		}
	}
}

func TestEnvelopeValidate_Rejects(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing version", Envelope{Type: TypeMessage}},
		{"wrong version", Envelope{V: "v0", Type: TypeMessage}},
		{"missing type", Envelope{V: Version}},
		{"unknown type", Envelope{V: Version, Type: "presence"}},
		{"blank type", Envelope{V: Version, Type: "   "}},
	}
	for _, tc := range cases {
		if err := tc.env.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
