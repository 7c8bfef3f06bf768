// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

// Schemas de metadata JSON dos pacotes. Campos canônicos do wire;
// compartilhados entre server e client.

// Valores de conversation_type.
const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"
)

// Limites de campos impostos pelos handlers.
const (
	MaxFieldLength    = 64
	MaxContentLength  = 4096
	MaxFileNameLength = 255
	SHA256HexLength   = 64
)

// Status de respostas. Respostas de erro sempre carregam status "error"
// mais code e message; sucessos carregam "ok" (AuthOk usa flags).
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// OnlineUser é uma entrada da lista de usuários online.
type OnlineUser struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
}

// AuthRegisterMeta é o pedido de registro.
type AuthRegisterMeta struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

// AuthLoginMeta é o pedido de login.
type AuthLoginMeta struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// AuthOkMeta é a resposta de sucesso de registro ou login.
type AuthOkMeta struct {
	UserID      string       `json:"user_id,omitempty"`
	Nickname    string       `json:"nickname,omitempty"`
	Registered  bool         `json:"registered,omitempty"`
	LoggedIn    bool         `json:"logged_in"`
	OnlineUsers []OnlineUser `json:"online_users,omitempty"`
}

// ErrorMeta é a resposta de erro genérica (status "error" + código
// de máquina + texto livre).
type ErrorMeta struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusMeta é a resposta de sucesso genérica.
type StatusMeta struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// UserListUpdateMeta é o push com a lista de usuários online.
type UserListUpdateMeta struct {
	Users []OnlineUser `json:"users"`
}

// GroupCreateMeta é o pedido de criação de grupo.
type GroupCreateMeta struct {
	Name string `json:"name"`
}

// GroupCreateAckMeta é a resposta de criação de grupo.
type GroupCreateAckMeta struct {
	Status  string `json:"status"`
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
}

// GroupRefMeta referencia um grupo (join/leave).
type GroupRefMeta struct {
	GroupID string `json:"group_id"`
}

// Ações administrativas de grupo.
const (
	GroupActionRename   = "rename"
	GroupActionKick     = "kick"
	GroupActionDissolve = "dissolve"
	GroupActionPromote  = "promote"
	GroupActionDemote   = "demote"
)

// GroupAdminMeta é o pedido de ação administrativa.
type GroupAdminMeta struct {
	Action       string `json:"action"`
	GroupID      string `json:"group_id"`
	Name         string `json:"name,omitempty"`
	TargetUserID string `json:"target_user_id,omitempty"`
}

// MessageSendMeta é o pedido de envio de mensagem.
type MessageSendMeta struct {
	ConversationType string `json:"conversation_type"`
	ConversationID   string `json:"conversation_id"`
	Content          string `json:"content"`
}

// MessageSendAckMeta é a resposta de envio de mensagem.
type MessageSendAckMeta struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id"`
	CreatedAt int64  `json:"created_at"`
}

// MessageDeliverMeta é o push de entrega de mensagem.
type MessageDeliverMeta struct {
	MessageID        int64  `json:"message_id"`
	ConversationType string `json:"conversation_type"`
	ConversationID   string `json:"conversation_id"`
	SenderID         string `json:"sender_id"`
	SenderNickname   string `json:"sender_nickname"`
	Content          string `json:"content"`
	CreatedAt        int64  `json:"created_at"`
}

// HistoryFetchMeta é o pedido de página de histórico.
type HistoryFetchMeta struct {
	ConversationType string `json:"conversation_type"`
	ConversationID   string `json:"conversation_id"`
	BeforeMessageID  int64  `json:"before_message_id"`
	Limit            int    `json:"limit"`
}

// HistoryResponseMeta é a página de histórico. NextBeforeMessageID é o
// cursor para a página anterior; 0 quando não há mais mensagens.
type HistoryResponseMeta struct {
	Status              string               `json:"status"`
	ConversationType    string               `json:"conversation_type"`
	ConversationID      string               `json:"conversation_id"`
	Messages            []MessageDeliverMeta `json:"messages"`
	NextBeforeMessageID int64                `json:"next_before_message_id"`
	Count               int                  `json:"count"`
}

// FileOfferMeta é o pedido de upload. FileID não-vazio retoma um upload
// existente do mesmo uploader.
type FileOfferMeta struct {
	ConversationType string `json:"conversation_type"`
	ConversationID   string `json:"conversation_id"`
	FileName         string `json:"file_name"`
	FileSize         int64  `json:"file_size"`
	SHA256           string `json:"sha256"`
	FileID           string `json:"file_id,omitempty"`
}

// FileAcceptMeta é a resposta ao offer: offset de onde continuar e a
// granularidade de chunk do server.
type FileAcceptMeta struct {
	Status     string `json:"status"`
	FileID     string `json:"file_id"`
	NextOffset int64  `json:"next_offset"`
	ChunkSize  int64  `json:"chunk_size"`
}

// FileChunkMeta acompanha o payload binário de um FileUploadChunk.
type FileChunkMeta struct {
	FileID string `json:"file_id"`
	Offset int64  `json:"offset"`
}

// FileChunkAckMeta é a resposta a um chunk de upload. Em offset
// mismatch, ExpectedOffset carrega o offset que o server aceitaria.
// Ponteiro para distinguir "ausente" de "retome do zero".
type FileChunkAckMeta struct {
	Status         string `json:"status"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
	NextOffset     int64  `json:"next_offset,omitempty"`
	ExpectedOffset *int64 `json:"expected_offset,omitempty"`
}

// FileRefMeta referencia um arquivo (upload done).
type FileRefMeta struct {
	FileID string `json:"file_id"`
}

// FileNoticeMeta é a metadata completa de um arquivo publicado
// (resposta do finalize e push FileDone).
type FileNoticeMeta struct {
	Status           string `json:"status,omitempty"`
	FileID           string `json:"file_id"`
	UploaderID       string `json:"uploader_id"`
	UploaderNickname string `json:"uploader_nickname"`
	ConversationType string `json:"conversation_type"`
	ConversationID   string `json:"conversation_id"`
	FileName         string `json:"file_name"`
	FileSize         int64  `json:"file_size"`
	SHA256           string `json:"sha256"`
	CreatedAt        int64  `json:"created_at"`
}

// FileDownloadRequestMeta é o pedido de leitura paginada.
type FileDownloadRequestMeta struct {
	FileID string `json:"file_id"`
	Offset int64  `json:"offset"`
}

// FileDownloadChunkMeta acompanha o payload binário de um
// FileDownloadChunk. Done indica que o offset+payload alcança o fim.
type FileDownloadChunkMeta struct {
	FileID   string `json:"file_id"`
	Offset   int64  `json:"offset"`
	FileSize int64  `json:"file_size"`
	FileName string `json:"file_name"`
	SHA256   string `json:"sha256"`
	Done     bool   `json:"done"`
}
