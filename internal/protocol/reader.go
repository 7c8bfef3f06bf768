package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// parseHeader valida e decodifica os 28 bytes do header.
func parseHeader(hdr []byte) (PacketType, uint32, uint64, int, int, error) {
	if [4]byte(hdr[0:4]) != Magic {
		return 0, 0, 0, 0, 0, ErrInvalidMagic
	}
	if binary.BigEndian.Uint16(hdr[4:6]) != ProtocolVersion {
		return 0, 0, 0, 0, 0, ErrInvalidVersion
	}
	ptype := PacketType(binary.BigEndian.Uint16(hdr[6:8]))
	flags := binary.BigEndian.Uint32(hdr[8:12])
	requestID := binary.BigEndian.Uint64(hdr[12:20])
	metaLen := int(binary.BigEndian.Uint32(hdr[20:24]))
	binLen := int(binary.BigEndian.Uint32(hdr[24:28]))
	if metaLen > MaxMetaLen {
		return 0, 0, 0, 0, 0, ErrMetaTooLarge
	}
	if binLen > MaxBinLen {
		return 0, 0, 0, 0, 0, ErrBinTooLarge
	}
	return ptype, flags, requestID, metaLen, binLen, nil
}

// ReadPacket lê um pacote completo do reader, bloqueando até o pacote
// inteiro chegar. Usado onde a conexão é consumida de forma síncrona;
// para leitura incremental, ver Decoder.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading packet header: %w", err)
	}
	ptype, flags, requestID, metaLen, binLen, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	p := &Packet{Type: ptype, Flags: flags, RequestID: requestID}
	if metaLen > 0 {
		p.Meta = make([]byte, metaLen)
		if _, err := io.ReadFull(r, p.Meta); err != nil {
			return nil, fmt.Errorf("reading packet metadata: %w", err)
		}
	}
	if binLen > 0 {
		p.Bin = make([]byte, binLen)
		if _, err := io.ReadFull(r, p.Bin); err != nil {
			return nil, fmt.Errorf("reading packet payload: %w", err)
		}
	}
	return p, nil
}
