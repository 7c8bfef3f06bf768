// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet Packet
	}{
		{
			name:   "meta only",
			packet: Packet{Type: PacketAuthLogin, RequestID: 1, Meta: []byte(`{"user_id":"alice","password":"pw"}`)},
		},
		{
			name:   "meta and binary",
			packet: Packet{Type: PacketFileUploadChunk, RequestID: 42, Meta: []byte(`{"file_id":"abc","offset":0}`), Bin: bytes.Repeat([]byte{0xAB}, 65536)},
		},
		{
			name:   "empty meta and binary",
			packet: Packet{Type: PacketUserListUpdate, RequestID: 0},
		},
		{
			name:   "flags preserved",
			packet: Packet{Type: PacketMessageDeliver, Flags: 0xDEADBEEF, RequestID: 0, Meta: []byte(`{}`)},
		},
		{
			name:   "max request id",
			packet: Packet{Type: PacketFileDone, RequestID: ^uint64(0), Meta: []byte(`{"file_id":"ff"}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WritePacket(&buf, &tt.packet); err != nil {
				t.Fatalf("WritePacket: %v", err)
			}

			got, err := ReadPacket(&buf)
			if err != nil {
				t.Fatalf("ReadPacket: %v", err)
			}

			if got.Type != tt.packet.Type {
				t.Errorf("Type = %v, want %v", got.Type, tt.packet.Type)
			}
			if got.Flags != tt.packet.Flags {
				t.Errorf("Flags = %#x, want %#x", got.Flags, tt.packet.Flags)
			}
			if got.RequestID != tt.packet.RequestID {
				t.Errorf("RequestID = %d, want %d", got.RequestID, tt.packet.RequestID)
			}
			if !bytes.Equal(got.Meta, tt.packet.Meta) {
				t.Errorf("Meta = %q, want %q", got.Meta, tt.packet.Meta)
			}
			if !bytes.Equal(got.Bin, tt.packet.Bin) {
				t.Errorf("Bin length = %d, want %d", len(got.Bin), len(tt.packet.Bin))
			}
			if buf.Len() != 0 {
				t.Errorf("residual bytes after decode: %d", buf.Len())
			}
		})
	}
}

func TestReadPacketInvalidMagic(t *testing.T) {
	raw := make([]byte, HeaderSize)
	copy(raw, []byte{'X', 'X', 'X', 'X'})

	_, err := ReadPacket(bytes.NewReader(raw))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadPacketInvalidVersion(t *testing.T) {
	raw := make([]byte, HeaderSize)
	copy(raw, Magic[:])
	binary.BigEndian.PutUint16(raw[4:6], 99)

	_, err := ReadPacket(bytes.NewReader(raw))
	if !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestReadPacketOversizeLengths(t *testing.T) {
	tests := []struct {
		name    string
		metaLen uint32
		binLen  uint32
		wantErr error
	}{
		{"meta over limit", MaxMetaLen + 1, 0, ErrMetaTooLarge},
		{"bin over limit", 0, MaxBinLen + 1, ErrBinTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := make([]byte, HeaderSize)
			copy(raw, Magic[:])
			binary.BigEndian.PutUint16(raw[4:6], ProtocolVersion)
			binary.BigEndian.PutUint16(raw[6:8], uint16(PacketMessageSend))
			binary.BigEndian.PutUint32(raw[20:24], tt.metaLen)
			binary.BigEndian.PutUint32(raw[24:28], tt.binLen)

			_, err := ReadPacket(bytes.NewReader(raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestReadPacketTruncated(t *testing.T) {
	var buf bytes.Buffer
	p := Packet{Type: PacketMessageSend, RequestID: 7, Meta: []byte(`{"content":"hi"}`)}
	if err := WritePacket(&buf, &p); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	// Corta o último byte: o reader deve falhar com unexpected EOF.
	raw := buf.Bytes()[:buf.Len()-1]
	_, err := ReadPacket(bytes.NewReader(raw))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestMarshalPacketRejectsOversize(t *testing.T) {
	p := Packet{Type: PacketFileUploadChunk, Bin: make([]byte, MaxBinLen+1)}
	if _, err := MarshalPacket(&p); !errors.Is(err, ErrBinTooLarge) {
		t.Fatalf("expected ErrBinTooLarge, got %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	type offer struct {
		FileName string `json:"file_name"`
		FileSize int64  `json:"file_size"`
	}

	meta, err := MarshalMeta(offer{FileName: "doc.pdf", FileSize: 1024})
	if err != nil {
		t.Fatalf("MarshalMeta: %v", err)
	}

	p := Packet{Type: PacketFileOffer, Meta: meta}
	var got offer
	if err := p.UnmarshalMeta(&got); err != nil {
		t.Fatalf("UnmarshalMeta: %v", err)
	}
	if got.FileName != "doc.pdf" || got.FileSize != 1024 {
		t.Errorf("meta round trip = %+v", got)
	}
}
