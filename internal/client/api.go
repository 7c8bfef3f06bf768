// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import "github.com/nishisan-dev/n-talk/internal/protocol"

// Wrappers tipados para cada request do protocolo. Todos retornam o
// request ID alocado, para o caller correlacionar a resposta.

// Register envia um AuthRegister.
func (e *Endpoint) Register(userID, nickname, password string) (uint64, error) {
	return e.sendRequest(protocol.PacketAuthRegister, protocol.AuthRegisterMeta{
		UserID:   userID,
		Nickname: nickname,
		Password: password,
	}, nil)
}

// Login envia um AuthLogin.
func (e *Endpoint) Login(userID, password string) (uint64, error) {
	return e.sendRequest(protocol.PacketAuthLogin, protocol.AuthLoginMeta{
		UserID:   userID,
		Password: password,
	}, nil)
}

// CreateGroup envia um GroupCreate.
func (e *Endpoint) CreateGroup(name string) (uint64, error) {
	return e.sendRequest(protocol.PacketGroupCreate, protocol.GroupCreateMeta{Name: name}, nil)
}

// JoinGroup envia um GroupJoin.
func (e *Endpoint) JoinGroup(groupID string) (uint64, error) {
	return e.sendRequest(protocol.PacketGroupJoin, protocol.GroupRefMeta{GroupID: groupID}, nil)
}

// LeaveGroup envia um GroupLeave.
func (e *Endpoint) LeaveGroup(groupID string) (uint64, error) {
	return e.sendRequest(protocol.PacketGroupLeave, protocol.GroupRefMeta{GroupID: groupID}, nil)
}

// GroupAdmin envia uma ação administrativa (rename, kick, dissolve,
// promote, demote). name e targetUserID são usados conforme a ação.
func (e *Endpoint) GroupAdmin(action, groupID, name, targetUserID string) (uint64, error) {
	return e.sendRequest(protocol.PacketGroupAdmin, protocol.GroupAdminMeta{
		Action:       action,
		GroupID:      groupID,
		Name:         name,
		TargetUserID: targetUserID,
	}, nil)
}

// SendMessage envia um MessageSend.
func (e *Endpoint) SendMessage(conversationType, conversationID, content string) (uint64, error) {
	return e.sendRequest(protocol.PacketMessageSend, protocol.MessageSendMeta{
		ConversationType: conversationType,
		ConversationID:   conversationID,
		Content:          content,
	}, nil)
}

// FetchHistory pede uma página de histórico. beforeMessageID 0 pede a
// página mais recente.
func (e *Endpoint) FetchHistory(conversationType, conversationID string, beforeMessageID int64, limit int) (uint64, error) {
	return e.sendRequest(protocol.PacketHistoryFetch, protocol.HistoryFetchMeta{
		ConversationType: conversationType,
		ConversationID:   conversationID,
		BeforeMessageID:  beforeMessageID,
		Limit:            limit,
	}, nil)
}

// OfferFile envia um FileOffer. meta.FileID não-vazio retoma um upload.
func (e *Endpoint) OfferFile(meta protocol.FileOfferMeta) (uint64, error) {
	return e.sendRequest(protocol.PacketFileOffer, meta, nil)
}

// SendFileChunk envia um FileUploadChunk com o payload binário.
func (e *Endpoint) SendFileChunk(fileID string, offset int64, data []byte) (uint64, error) {
	return e.sendRequest(protocol.PacketFileUploadChunk, protocol.FileChunkMeta{
		FileID: fileID,
		Offset: offset,
	}, data)
}

// FileUploadDone finaliza um upload.
func (e *Endpoint) FileUploadDone(fileID string) (uint64, error) {
	return e.sendRequest(protocol.PacketFileUploadDone, protocol.FileRefMeta{FileID: fileID}, nil)
}

// RequestFileChunk pede um chunk de download a partir do offset.
func (e *Endpoint) RequestFileChunk(fileID string, offset int64) (uint64, error) {
	return e.sendRequest(protocol.PacketFileDownloadRequest, protocol.FileDownloadRequestMeta{
		FileID: fileID,
		Offset: offset,
	}, nil)
}
