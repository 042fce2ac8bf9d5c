package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMessage_KeepAliveMarshalsToFourZeroBytes(t *testing.T) {
	var keepAlive *Message

	wire, err := keepAlive.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary keep-alive error: %v", err)
	}
	if want := []byte{0, 0, 0, 0}; !bytes.Equal(wire, want) {
		t.Fatalf("keep-alive wire = %v, want %v", wire, want)
	}

	var decoded Message
	if err := decoded.UnmarshalBinary(wire); err != nil {
		t.Fatalf("UnmarshalBinary keep-alive error: %v", err)
	}
	if decoded.ID != 0 || decoded.Payload != nil {
		t.Fatalf("decoded keep-alive = %+v, want zero value", decoded)
	}
}

// A Choke decodes to the exact same ID==0, Payload==nil fields as a
// keep-alive, but its wire frame carries a length prefix of 1 (the id
// byte), not 0. ReadMessage must tell them apart by bytes consumed, not by
// inspecting the decoded Message.
func TestReadMessage_DistinguishesChokeFromKeepAlive(t *testing.T) {
	chokeWire, err := MessageChoke().MarshalBinary()
	if err != nil {
		t.Fatalf("marshal Choke: %v", err)
	}

	msg, err := ReadMessage(bytes.NewReader(chokeWire))
	if err != nil {
		t.Fatalf("ReadMessage(Choke) error: %v", err)
	}
	if msg == nil {
		t.Fatal("ReadMessage(Choke) returned nil, want a non-nil Choke message")
	}
	if msg.ID != Choke || msg.Payload != nil {
		t.Fatalf("ReadMessage(Choke) = %+v, want ID=Choke Payload=nil", msg)
	}

	keepAliveWire := []byte{0, 0, 0, 0}
	msg, err = ReadMessage(bytes.NewReader(keepAliveWire))
	if err != nil {
		t.Fatalf("ReadMessage(keep-alive) error: %v", err)
	}
	if msg != nil {
		t.Fatalf("ReadMessage(keep-alive) = %+v, want nil", msg)
	}
}

const blockLength = 16 * 1024 // a single request granule, per BEP 3

func TestMessage_StatelessConstructorsRoundTripThroughParsers(t *testing.T) {
	have := MessageHave(17)
	if idx, ok := have.ParseHave(); !ok || idx != 17 {
		t.Fatalf("ParseHave() = (%d,%v), want (17,true)", idx, ok)
	}
	if err := have.ValidatePayloadSize(); err != nil {
		t.Fatalf("ValidatePayloadSize(Have): %v", err)
	}

	req := MessageRequest(4, 32768, blockLength)
	idx, begin, length, ok := req.ParseRequest()
	if !ok || idx != 4 || begin != 32768 || length != blockLength {
		t.Fatalf("ParseRequest() = (%d,%d,%d,%v)", idx, begin, length, ok)
	}
	if err := req.ValidatePayloadSize(); err != nil {
		t.Fatalf("ValidatePayloadSize(Request): %v", err)
	}

	cancel := MessageCancel(4, 32768, blockLength)
	if cancel.ID != Cancel {
		t.Fatalf("MessageCancel id = %v, want Cancel", cancel.ID)
	}
	if !bytes.Equal(cancel.Payload, req.Payload) {
		t.Fatalf("Cancel and Request share the same <index><begin><length> payload layout: got %x, want %x", cancel.Payload, req.Payload)
	}
	if err := cancel.ValidatePayloadSize(); err != nil {
		t.Fatalf("ValidatePayloadSize(Cancel): %v", err)
	}

	block := []byte("sixteen-kib-block-of-torrent-data")
	piece := MessagePiece(11, 49152, block)
	pIdx, pBegin, pBlock, ok := piece.ParsePiece()
	if !ok || pIdx != 11 || pBegin != 49152 || !bytes.Equal(pBlock, block) {
		t.Fatalf("ParsePiece mismatch: idx=%d begin=%d block=%q ok=%v", pIdx, pBegin, pBlock, ok)
	}
	if err := piece.ValidatePayloadSize(); err != nil {
		t.Fatalf("ValidatePayloadSize(Piece): %v", err)
	}
}

func TestMessageBitfield_CopiesCallerSlice(t *testing.T) {
	bits := []byte{0xF0, 0x0F, 0xAA}
	m := MessageBitfield(bits)

	bits[0] = 0x00 // mutate after construction
	if !bytes.Equal(m.Payload, []byte{0xF0, 0x0F, 0xAA}) {
		t.Fatalf("MessageBitfield aliased caller's slice: %v", m.Payload)
	}
}

func TestMessage_ValidatePayloadSize_RejectsWrongLengths(t *testing.T) {
	cases := []Message{
		{ID: Have, Payload: []byte{1, 2, 3}},                 // want 4
		{ID: Request, Payload: make([]byte, 11)},             // want 12
		{ID: Cancel, Payload: nil},                           // want 12
		{ID: Piece, Payload: []byte{0, 1, 2, 3, 4, 5}},        // want >=8
	}
	for _, m := range cases {
		if err := m.ValidatePayloadSize(); !errors.Is(err, ErrBadPayloadSize) {
			t.Fatalf("ValidatePayloadSize(%+v) = %v, want ErrBadPayloadSize", m, err)
		}
	}
}

func TestMessage_MarshalBinary_LengthPrefixCoversIDAndPayload(t *testing.T) {
	m := MessageRequest(0, 0, blockLength)

	wire, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}
	if got, want := binary.BigEndian.Uint32(wire[0:4]), uint32(1+12); got != want {
		t.Fatalf("length prefix = %d, want %d", got, want)
	}
	if got := wire[4]; got != byte(Request) {
		t.Fatalf("id byte = %d, want %d", got, Request)
	}

	var decoded Message
	if err := decoded.UnmarshalBinary(wire); err != nil {
		t.Fatalf("UnmarshalBinary error: %v", err)
	}
	if decoded.ID != Request || !bytes.Equal(decoded.Payload, m.Payload) {
		t.Fatalf("decoded = %+v, want %+v", decoded, m)
	}
}

func TestMessage_WriteToThenReadFrom_PreservesPieceData(t *testing.T) {
	src := MessagePiece(6, 16384, []byte("the quick brown fox"))

	var buf bytes.Buffer
	if _, err := src.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo error: %v", err)
	}

	var dst Message
	if _, err := dst.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom error: %v", err)
	}
	if dst.ID != src.ID || !bytes.Equal(dst.Payload, src.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", dst, src)
	}
}

func TestMessage_ReadFrom_ReturnsErrorOnTruncatedPayload(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 5) // claims id(1)+payload(4), we only supply 3

	r := bytes.NewReader(append(hdr[:], byte(Have), 0x00, 0x00))

	var m Message
	if _, err := m.ReadFrom(r); err == nil {
		t.Fatal("expected an error for a truncated message, got nil")
	}
}
