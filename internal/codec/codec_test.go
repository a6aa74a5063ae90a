package codec

import (
	"testing"
	"time"

	"github.com/totalperformancedata/gmaxrelay/internal/model"
)

func TestRawEncodesPayloadOnly(t *testing.T) {
	t.Parallel()

	got, err := Raw.Encode(model.Message{ID: "id-1", Payload: "lap,12,34.5"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(got) != "lap,12,34.5" {
		t.Fatalf("Encode = %q, want payload text", got)
	}
}

func TestMsgpackEnvelopeCarriesMetadata(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := model.Message{ID: "id-1", Payload: "héllo", Source: "10.0.0.7:5000", ReceivedAt: at, Truncated: true}

	b, err := Msgpack.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	want := Envelope{ID: "id-1", Source: "10.0.0.7:5000", ReceivedAtMs: at.UnixMilli(), Truncated: true, Payload: "héllo"}
	if env != want {
		t.Fatalf("envelope = %+v, want %+v", env, want)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Encoding{"": Raw, "RAW": Raw, "msgpack": Msgpack} {
		got, err := Parse(in)
		if err != nil || got != want {
			t.Fatalf("Parse(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := Parse("json"); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
	if _, err := Encoding("json").Encode(model.Message{}); err == nil {
		t.Fatal("expected Encode to reject unknown encoding")
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEnvelope([]byte{0xc1}); err == nil {
		t.Fatal("expected error for invalid msgpack")
	}
}
