// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário N-Talk para comunicação
// entre client e server sobre TCP (com TLS opcional).
//
// Todo pacote no wire é: header fixo de 28 bytes, seguido de meta_len bytes
// de metadata JSON UTF-8, seguido de bin_len bytes de payload binário opaco.
package protocol

import "errors"

// Magic identifica o início de cada pacote ("OLTK" = 0x4F4C544B).
var Magic = [4]byte{'O', 'L', 'T', 'K'}

// ProtocolVersion é a versão atual do protocolo.
const ProtocolVersion uint16 = 1

// HeaderSize é o tamanho fixo do header no wire:
// magic(4) + version(2) + type(2) + flags(4) + request_id(8) + meta_len(4) + bin_len(4).
const HeaderSize = 28

// Limites de tamanho por pacote. Qualquer header que declare mais é fatal
// para a conexão (o caller fecha).
const (
	MaxMetaLen = 1 << 20  // 1 MiB de metadata JSON
	MaxBinLen  = 32 << 20 // 32 MiB de payload binário
)

// PacketType identifica a semântica de um pacote.
type PacketType uint16

// Tipos de pacote (códigos estáveis no wire).
const (
	PacketAuthRegister        PacketType = 1
	PacketAuthLogin           PacketType = 2
	PacketAuthOk              PacketType = 3
	PacketAuthError           PacketType = 4
	PacketUserListUpdate      PacketType = 5
	PacketPresenceUpdate      PacketType = 6
	PacketGroupCreate         PacketType = 7
	PacketGroupJoin           PacketType = 8
	PacketGroupLeave          PacketType = 9
	PacketGroupAdmin          PacketType = 10
	PacketMessageSend         PacketType = 11
	PacketMessageDeliver      PacketType = 12
	PacketHistoryFetch        PacketType = 13
	PacketHistoryResponse     PacketType = 14
	PacketFileOffer           PacketType = 15
	PacketFileAccept          PacketType = 16
	PacketFileUploadChunk     PacketType = 17
	PacketFileUploadDone      PacketType = 18
	PacketFileDownloadRequest PacketType = 19
	PacketFileDownloadChunk   PacketType = 20
	PacketFileDone            PacketType = 21
)

var packetTypeNames = map[PacketType]string{
	PacketAuthRegister:        "AuthRegister",
	PacketAuthLogin:           "AuthLogin",
	PacketAuthOk:              "AuthOk",
	PacketAuthError:           "AuthError",
	PacketUserListUpdate:      "UserListUpdate",
	PacketPresenceUpdate:      "PresenceUpdate",
	PacketGroupCreate:         "GroupCreate",
	PacketGroupJoin:           "GroupJoin",
	PacketGroupLeave:          "GroupLeave",
	PacketGroupAdmin:          "GroupAdmin",
	PacketMessageSend:         "MessageSend",
	PacketMessageDeliver:      "MessageDeliver",
	PacketHistoryFetch:        "HistoryFetch",
	PacketHistoryResponse:     "HistoryResponse",
	PacketFileOffer:           "FileOffer",
	PacketFileAccept:          "FileAccept",
	PacketFileUploadChunk:     "FileUploadChunk",
	PacketFileUploadDone:      "FileUploadDone",
	PacketFileDownloadRequest: "FileDownloadRequest",
	PacketFileDownloadChunk:   "FileDownloadChunk",
	PacketFileDone:            "FileDone",
}

// String retorna o nome legível do tipo (usado em logs).
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Erros do protocolo.
var (
	ErrInvalidMagic   = errors.New("protocol: invalid magic bytes")
	ErrInvalidVersion = errors.New("protocol: unsupported protocol version")
	ErrMetaTooLarge   = errors.New("protocol: metadata exceeds limit")
	ErrBinTooLarge    = errors.New("protocol: binary payload exceeds limit")
)

// Packet é a unidade de comunicação decodificada.
//
// RequestID é o token de correlação atribuído pelo client e ecoado pelo
// server na resposta. Pushes iniciados pelo server usam RequestID=0.
type Packet struct {
	Type      PacketType
	Flags     uint32
	RequestID uint64
	Meta      []byte // JSON UTF-8 (pode ser vazio)
	Bin       []byte // payload binário opaco (pode ser vazio)
}
