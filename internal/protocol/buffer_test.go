package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func mustMarshal(t *testing.T, p *Packet) []byte {
	t.Helper()
	raw, err := MarshalPacket(p)
	if err != nil {
		t.Fatalf("MarshalPacket: %v", err)
	}
	return raw
}

func TestConsumeBufferDecodesConcatenatedPackets(t *testing.T) {
	packets := []*Packet{
		{Type: PacketAuthLogin, RequestID: 1, Meta: []byte(`{"user_id":"a"}`)},
		{Type: PacketMessageSend, RequestID: 2, Meta: []byte(`{"content":"hi"}`)},
		{Type: PacketFileUploadChunk, RequestID: 3, Meta: []byte(`{"offset":0}`), Bin: bytes.Repeat([]byte{1}, 4096)},
	}

	var stream []byte
	for _, p := range packets {
		stream = append(stream, mustMarshal(t, p)...)
	}

	var cb ConsumeBuffer
	cb.Append(stream)

	for i, want := range packets {
		got, err := cb.Next()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if got == nil {
			t.Fatalf("packet %d: incomplete, want full decode", i)
		}
		if got.Type != want.Type || got.RequestID != want.RequestID {
			t.Errorf("packet %d = {%v %d}, want {%v %d}", i, got.Type, got.RequestID, want.Type, want.RequestID)
		}
		if !bytes.Equal(got.Bin, want.Bin) {
			t.Errorf("packet %d: bin mismatch", i)
		}
	}

	if cb.Len() != 0 {
		t.Errorf("residual bytes = %d, want 0", cb.Len())
	}
	if p, err := cb.Next(); err != nil || p != nil {
		t.Errorf("empty buffer Next() = (%v, %v), want (nil, nil)", p, err)
	}
}

func TestConsumeBufferPartialDelivery(t *testing.T) {
	p := &Packet{Type: PacketMessageDeliver, RequestID: 0, Meta: []byte(`{"message_id":9}`), Bin: []byte("payload")}
	raw := mustMarshal(t, p)

	var cb ConsumeBuffer
	// Entrega byte a byte: nenhum decode até o pacote completo chegar.
	for i := 0; i < len(raw)-1; i++ {
		cb.Append(raw[i : i+1])
		got, err := cb.Next()
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if got != nil {
			t.Fatalf("byte %d: decoded early", i)
		}
	}

	cb.Append(raw[len(raw)-1:])
	got, err := cb.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got == nil {
		t.Fatal("expected full packet after last byte")
	}
	if got.RequestID != p.RequestID || !bytes.Equal(got.Meta, p.Meta) {
		t.Errorf("decoded = %+v, want %+v", got, p)
	}
}

func TestConsumeBufferFatalOnBadMagic(t *testing.T) {
	var cb ConsumeBuffer
	cb.Append(bytes.Repeat([]byte{0xFF}, HeaderSize))

	_, err := cb.Next()
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestConsumeBufferCompaction(t *testing.T) {
	p := &Packet{Type: PacketMessageSend, RequestID: 5, Meta: []byte(`{"content":"x"}`)}
	raw := mustMarshal(t, p)

	var cb ConsumeBuffer
	// Vários ciclos append/decode: o buffer não deve acumular prefixo morto.
	for i := 0; i < 100; i++ {
		cb.Append(raw)
		got, err := cb.Next()
		if err != nil || got == nil {
			t.Fatalf("cycle %d: (%v, %v)", i, got, err)
		}
	}

	if cb.Len() != 0 {
		t.Errorf("residual bytes = %d, want 0", cb.Len())
	}
	if len(cb.buf) != 0 {
		t.Errorf("internal buffer retained %d bytes after full drain", len(cb.buf))
	}
}
