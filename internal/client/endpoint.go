// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client implementa a biblioteca client do N-Talk: o endpoint
// de rede, a API de requests tipados, o estado de conversas e o
// coordenador de transferências de arquivo.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-talk/internal/config"
	"github.com/nishisan-dev/n-talk/internal/pki"
	"github.com/nishisan-dev/n-talk/internal/protocol"
)

// Endpoint gerencia a conexão com o server: uma goroutine de leitura
// decodifica pacotes para a fila de entrada (consumida via PollPacket)
// e as escritas são serializadas por mutex. Reconexão é dirigida de
// fora: o caller observa !Running(), chama Stop, ConnectTo e Start de
// novo e reemite login e transferências pendentes.
type Endpoint struct {
	cfg    *config.ClientConfig
	logger *slog.Logger

	conn   net.Conn
	writer io.Writer // conn, com throttle quando configurado
	connMu sync.Mutex

	// Mutex de write: chunks de upload e requests da UI podem
	// escrever simultaneamente.
	writeMu sync.Mutex

	running atomic.Bool
	lastErr atomic.Value // string

	inbound   []*protocol.Packet
	inboundMu sync.Mutex

	// Contador monotônico de request IDs, começando em 1.
	requestID atomic.Uint64

	wg sync.WaitGroup
}

// NewEndpoint cria um endpoint desconectado.
func NewEndpoint(cfg *config.ClientConfig, logger *slog.Logger) *Endpoint {
	e := &Endpoint{
		cfg:    cfg,
		logger: logger.With("component", "endpoint"),
	}
	e.lastErr.Store("")
	return e
}

// ConnectTo estabelece a conexão TCP (com TLS quando habilitado),
// aplica as opções de socket e prepara o writer de saída. Não inicia
// a leitura; chamar Start em seguida.
func (e *Endpoint) ConnectTo(addr string) error {
	dscp, err := ParseDSCP(e.cfg.Server.DSCP)
	if err != nil {
		return fmt.Errorf("parsing server.dscp: %w", err)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
	}
	if dscp != 0 {
		if err := ApplyDSCP(conn, dscp); err != nil {
			e.logger.Warn("failed to apply DSCP marking", "dscp", e.cfg.Server.DSCP, "error", err)
		}
	}

	if e.cfg.TLS.Enabled {
		serverName := e.cfg.TLS.ServerName
		if serverName == "" {
			host, _, splitErr := net.SplitHostPort(addr)
			if splitErr != nil {
				host = addr
			}
			serverName = host
		}
		tlsCfg, err := pki.NewClientTLSConfig(e.cfg.TLS.CACert, serverName)
		if err != nil {
			conn.Close()
			return err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	writer := io.Writer(conn)
	if limit := e.cfg.Transfer.UploadRateLimitRaw; limit > 0 {
		writer = NewThrottledWriter(context.Background(), conn, limit)
	}

	e.connMu.Lock()
	e.conn = conn
	e.writer = writer
	e.connMu.Unlock()

	e.lastErr.Store("")
	e.logger.Info("connected", "server", addr, "tls", e.cfg.TLS.Enabled)
	return nil
}

// Start inicia a goroutine de leitura. ConnectTo deve ter sucedido.
func (e *Endpoint) Start() {
	e.connMu.Lock()
	conn := e.conn
	e.connMu.Unlock()
	if conn == nil {
		e.lastErr.Store("start without connection")
		return
	}

	e.running.Store(true)
	e.wg.Add(1)
	go e.readLoop(conn)
}

// Stop encerra a conexão e aguarda a goroutine de leitura terminar.
// Fecha a conn primeiro para desbloquear o read pendente.
func (e *Endpoint) Stop() {
	e.running.Store(false)

	e.connMu.Lock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.connMu.Unlock()

	e.wg.Wait()

	e.connMu.Lock()
	e.conn = nil
	e.writer = nil
	e.connMu.Unlock()
}

// Running informa se a goroutine de leitura está ativa. false após um
// erro fatal indica que o caller deve reconectar.
func (e *Endpoint) Running() bool {
	return e.running.Load()
}

// LastError retorna a descrição do último erro fatal ("" se nenhum).
func (e *Endpoint) LastError() string {
	return e.lastErr.Load().(string)
}

// PollPacket remove e retorna o pacote mais antigo da fila de entrada,
// ou nil quando vazia. Não bloqueia.
func (e *Endpoint) PollPacket() *protocol.Packet {
	e.inboundMu.Lock()
	defer e.inboundMu.Unlock()
	if len(e.inbound) == 0 {
		return nil
	}
	p := e.inbound[0]
	e.inbound = e.inbound[1:]
	return p
}

// Send escreve um pacote na conexão. Seguro para uso concorrente.
func (e *Endpoint) Send(p *protocol.Packet) error {
	e.connMu.Lock()
	writer := e.writer
	e.connMu.Unlock()
	if writer == nil {
		return fmt.Errorf("endpoint not connected")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return protocol.WritePacket(writer, p)
}

// sendRequest aloca um request ID, codifica a metadata e envia.
func (e *Endpoint) sendRequest(typ protocol.PacketType, meta any, bin []byte) (uint64, error) {
	raw, err := protocol.MarshalMeta(meta)
	if err != nil {
		return 0, err
	}
	id := e.requestID.Add(1)
	if err := e.Send(&protocol.Packet{Type: typ, RequestID: id, Meta: raw, Bin: bin}); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Endpoint) readLoop(conn net.Conn) {
	defer e.wg.Done()
	defer e.running.Store(false)

	var buf protocol.ConsumeBuffer
	chunk := make([]byte, 64*1024)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Append(chunk[:n])
			for {
				p, perr := buf.Next()
				if perr != nil {
					e.fail(perr)
					return
				}
				if p == nil {
					break
				}
				e.pushInbound(p)
			}
		}
		if err != nil {
			// Stop fecha a conn de propósito; só é erro se ainda
			// estávamos rodando.
			if e.running.Load() {
				e.fail(err)
			}
			return
		}
	}
}

func (e *Endpoint) fail(err error) {
	e.lastErr.Store(err.Error())
	e.logger.Warn("connection lost", "error", err)

	e.connMu.Lock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.connMu.Unlock()
}

func (e *Endpoint) pushInbound(p *protocol.Packet) {
	e.inboundMu.Lock()
	e.inbound = append(e.inbound, p)
	e.inboundMu.Unlock()
}
