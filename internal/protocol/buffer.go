// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

// ConsumeBuffer acumula bytes de entrada e entrega uma janela legível.
// O prefixo consumido é descartado (compactação) quando cresce além da
// metade do armazenado, limitando a memória a O(pacote pendente).
type ConsumeBuffer struct {
	buf []byte
	off int
}

// Append adiciona bytes recebidos ao final do buffer.
func (b *ConsumeBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Window retorna a janela legível (bytes ainda não consumidos).
func (b *ConsumeBuffer) Window() []byte {
	return b.buf[b.off:]
}

// Len retorna o número de bytes legíveis.
func (b *ConsumeBuffer) Len() int {
	return len(b.buf) - b.off
}

// Consume avança a janela em n bytes e compacta quando o prefixo
// consumido passa da metade do buffer.
func (b *ConsumeBuffer) Consume(n int) {
	b.off += n
	if b.off >= len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
		return
	}
	if b.off > len(b.buf)/2 {
		remaining := copy(b.buf, b.buf[b.off:])
		b.buf = b.buf[:remaining]
		b.off = 0
	}
}

// Next tenta decodificar o próximo pacote completo da janela.
//
// Retorna (nil, nil) quando ainda não há bytes suficientes — o caller
// deve aguardar mais dados. Um erro é fatal para a conexão: magic ou
// versão inválidos, ou tamanho declarado acima do limite.
func (b *ConsumeBuffer) Next() (*Packet, error) {
	window := b.Window()
	if len(window) < HeaderSize {
		return nil, nil
	}
	ptype, flags, requestID, metaLen, binLen, err := parseHeader(window[:HeaderSize])
	if err != nil {
		return nil, err
	}

	total := HeaderSize + metaLen + binLen
	if len(window) < total {
		return nil, nil
	}

	p := &Packet{Type: ptype, Flags: flags, RequestID: requestID}
	if metaLen > 0 {
		p.Meta = append([]byte(nil), window[HeaderSize:HeaderSize+metaLen]...)
	}
	if binLen > 0 {
		p.Bin = append([]byte(nil), window[HeaderSize+metaLen:total]...)
	}
	b.Consume(total)
	return p, nil
}
