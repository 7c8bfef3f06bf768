package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MarshalPacket serializa o pacote completo (header + meta + bin) em um
// único slice, pronto para enfileirar na fila de saída de uma conexão.
func MarshalPacket(p *Packet) ([]byte, error) {
	if len(p.Meta) > MaxMetaLen {
		return nil, ErrMetaTooLarge
	}
	if len(p.Bin) > MaxBinLen {
		return nil, ErrBinTooLarge
	}

	out := make([]byte, HeaderSize+len(p.Meta)+len(p.Bin))
	copy(out[0:4], Magic[:])
	binary.BigEndian.PutUint16(out[4:6], ProtocolVersion)
	binary.BigEndian.PutUint16(out[6:8], uint16(p.Type))
	binary.BigEndian.PutUint32(out[8:12], p.Flags)
	binary.BigEndian.PutUint64(out[12:20], p.RequestID)
	binary.BigEndian.PutUint32(out[20:24], uint32(len(p.Meta)))
	binary.BigEndian.PutUint32(out[24:28], uint32(len(p.Bin)))
	copy(out[HeaderSize:], p.Meta)
	copy(out[HeaderSize+len(p.Meta):], p.Bin)
	return out, nil
}

// WritePacket escreve o pacote completo no writer.
func WritePacket(w io.Writer, p *Packet) error {
	buf, err := MarshalPacket(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	return nil
}

// MarshalMeta codifica o objeto de metadata como JSON.
func MarshalMeta(v any) ([]byte, error) {
	meta, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return meta, nil
}

// UnmarshalMeta decodifica a metadata JSON do pacote no destino.
func (p *Packet) UnmarshalMeta(v any) error {
	if len(p.Meta) == 0 {
		return fmt.Errorf("decoding metadata: empty")
	}
	if err := json.Unmarshal(p.Meta, v); err != nil {
		return fmt.Errorf("decoding metadata: %w", err)
	}
	return nil
}
