package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Frame{
		{RequestID: 1, MessageID: 0, Type: TypeRunScript, Payload: []byte(`{"name":"t1"}`)},
		{RequestID: 0xffffffff, MessageID: 7, Type: TypePong, Payload: nil},
		{RequestID: 42, MessageID: 3, Type: TypeLog, Payload: []byte(`{}`)},
	}

	for _, want := range cases {
		encoded := Encode(want)
		got, err := NewDecoder(bytes.NewReader(encoded)).Next()
		if err != nil {
			t.Fatalf("Next() returned error: %v", err)
		}
		if got.RequestID != want.RequestID || got.MessageID != want.MessageID || got.Type != want.Type {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("payload mismatch: got %q, want %q", got.Payload, want.Payload)
		}
	}
}

func TestDecoderYieldsConcatenatedFramesInOrder(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	want := []Frame{
		{RequestID: 1, MessageID: 0, Type: TypeRunScript, Payload: []byte("a")},
		{RequestID: 2, MessageID: 0, Type: TypePing, Payload: nil},
		{RequestID: 3, MessageID: 1, Type: TypeRunResponse, Payload: []byte("bbb")},
	}
	for _, f := range want {
		stream.Write(Encode(f))
	}

	dec := NewDecoder(&stream)
	for i, wantFrame := range want {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("frame %d: Next() returned error: %v", i, err)
		}
		if got.RequestID != wantFrame.RequestID {
			t.Fatalf("frame %d: got requestID %d, want %d", i, got.RequestID, wantFrame.RequestID)
		}
	}
}

func TestZeroLengthPayloadIsLegal(t *testing.T) {
	t.Parallel()

	f := Frame{RequestID: 1, MessageID: 1, Type: TypePing}
	got, err := NewDecoder(bytes.NewReader(Encode(f))).Next()
	if err != nil {
		t.Fatalf("Next() returned error: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", got.Payload)
	}
}

func TestOversizeFrameAtCapIsAccepted(t *testing.T) {
	t.Parallel()

	// A declared length exactly at the cap must pass the size check and
	// proceed to read the body (failing later on truncated input, not on
	// ErrOversize). We avoid allocating a real 64MiB payload.
	var stream bytes.Buffer
	header := make([]byte, 4)
	putLE(header, MaxFrameSize)
	stream.Write(header)

	_, err := NewDecoder(&stream).Next()
	if errors.Is(err, ErrOversize) {
		t.Fatalf("length exactly at the cap must not be rejected as oversize: %v", err)
	}
}

func TestOversizeFrameOverCapIsRejected(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	header := make([]byte, 4)
	putLE(header, MaxFrameSize+1)
	stream.Write(header)

	_, err := NewDecoder(&stream).Next()
	if !errors.Is(err, ErrOversize) {
		t.Fatalf("expected ErrOversize, got %v", err)
	}
}

func putLE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
