// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/nishisan-dev/n-talk/internal/config"
	"github.com/nishisan-dev/n-talk/internal/protocol"
	"github.com/nishisan-dev/n-talk/internal/server/observability"
	"github.com/nishisan-dev/n-talk/internal/service"
)

// Handler atende uma conexão por goroutine: decodifica pacotes do
// stream via ConsumeBuffer, despacha por tipo e responde no mesmo
// request_id. Pushes do server saem com request_id=0.
type Handler struct {
	cfg      *config.ServerConfig
	logger   *slog.Logger
	sessions *Registry
	auth     *service.AuthService
	groups   *service.GroupService
	messages *service.MessageService
	files    *service.FileService

	// Opcional; alimenta a API HTTP de status quando web_ui está ligada.
	events *observability.EventStore

	// Métricas agregadas, lidas pelo StatsReporter.
	ActiveConns atomic.Int64
	PacketsIn   atomic.Int64
	BytesIn     atomic.Int64
	BytesOut    atomic.Int64
}

// NewHandler cria o Handler com os serviços já construídos.
func NewHandler(cfg *config.ServerConfig, logger *slog.Logger, sessions *Registry,
	auth *service.AuthService, groups *service.GroupService,
	messages *service.MessageService, files *service.FileService) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   logger.With("component", "handler"),
		sessions: sessions,
		auth:     auth,
		groups:   groups,
		messages: messages,
		files:    files,
	}
}

// SetEvents liga o event store da API de status. Deve ser chamado antes
// de servir conexões.
func (h *Handler) SetEvents(events *observability.EventStore) {
	h.events = events
}

// MetricsSnapshot lê os contadores correntes sem zerá-los.
func (h *Handler) MetricsSnapshot() observability.MetricsData {
	return observability.MetricsData{
		ActiveConns: h.ActiveConns.Load(),
		PacketsIn:   h.PacketsIn.Load(),
		BytesIn:     h.BytesIn.Load(),
		BytesOut:    h.BytesOut.Load(),
	}
}

func (h *Handler) pushEvent(eventType, userID, message string) {
	if h.events != nil {
		h.events.PushEvent("info", eventType, userID, message)
	}
}

// HandleConnection processa a conexão até EOF, erro fatal de protocolo
// ou cancelamento do contexto.
func (h *Handler) HandleConnection(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	remote := netConn.RemoteAddr().String()
	// Reserva a vaga antes de checar o limite; Load seguido de Add
	// deixaria duas conexões simultâneas passarem pela mesma vaga.
	active := h.ActiveConns.Add(1)
	defer h.ActiveConns.Add(-1)
	if max := h.cfg.Limits.MaxClients; max > 0 && active > int64(max) {
		h.logger.Warn("connection refused: max_clients reached", "remote", remote, "max_clients", max)
		return
	}

	tuneTCP(netConn)

	c := newConnection(netConn)
	h.sessions.Add(c)
	defer h.teardown(c)

	// Cancelamento do server derruba a conexão e acorda o Read.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	defer stop()

	h.logger.Debug("connection accepted", "remote", remote)

	var stream protocol.ConsumeBuffer
	buf := make([]byte, 64*1024)
	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			h.BytesIn.Add(int64(n))
			stream.Append(buf[:n])
			for {
				p, perr := stream.Next()
				if perr != nil {
					h.logger.Warn("protocol fatal, closing connection", "remote", remote, "error", perr)
					return
				}
				if p == nil {
					break
				}
				h.PacketsIn.Add(1)
				h.dispatch(c, p)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Debug("read error", "remote", remote, "error", err)
			}
			return
		}
	}
}

// teardown limpa os registries e, se a sessão estava autenticada,
// propaga a nova lista de usuários.
func (h *Handler) teardown(c *connection) {
	userID, wasLoggedIn := h.sessions.Remove(c)
	if wasLoggedIn {
		h.logger.Info("user disconnected", "user_id", userID, "remote", c.remote)
		h.pushEvent(observability.EventLogout, userID, "user disconnected")
		h.broadcastUserList()
	} else {
		h.logger.Debug("connection closed", "remote", c.remote)
	}
}

func (h *Handler) dispatch(c *connection, p *protocol.Packet) {
	switch p.Type {
	case protocol.PacketAuthRegister:
		h.handleRegister(c, p)
	case protocol.PacketAuthLogin:
		h.handleLogin(c, p)
	case protocol.PacketGroupCreate:
		h.handleGroupCreate(c, p)
	case protocol.PacketGroupJoin:
		h.handleGroupJoin(c, p)
	case protocol.PacketGroupLeave:
		h.handleGroupLeave(c, p)
	case protocol.PacketGroupAdmin:
		h.handleGroupAdmin(c, p)
	case protocol.PacketMessageSend:
		h.handleMessageSend(c, p)
	case protocol.PacketHistoryFetch:
		h.handleHistoryFetch(c, p)
	case protocol.PacketFileOffer:
		h.handleFileOffer(c, p)
	case protocol.PacketFileUploadChunk:
		h.handleFileUploadChunk(c, p)
	case protocol.PacketFileUploadDone:
		h.handleFileUploadDone(c, p)
	case protocol.PacketFileDownloadRequest:
		h.handleFileDownloadRequest(c, p)
	default:
		h.logger.Warn("unhandled packet type", "type", p.Type.String(), "remote", c.remote)
	}
}

// send serializa e escreve o pacote sob o mutex da conexão,
// preservando FIFO entre resposta de handler e pushes concorrentes.
func (h *Handler) send(c *connection, p *protocol.Packet) {
	data, err := protocol.MarshalPacket(p)
	if err != nil {
		h.logger.Error("marshal packet failed", "type", p.Type.String(), "error", err)
		return
	}
	c.writeMu.Lock()
	_, err = c.netConn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		h.logger.Debug("write failed", "remote", c.remote, "error", err)
		return
	}
	h.BytesOut.Add(int64(len(data)))
}

func (h *Handler) reply(c *connection, t protocol.PacketType, requestID uint64, meta any, bin []byte) {
	raw, err := protocol.MarshalMeta(meta)
	if err != nil {
		h.logger.Error("marshal meta failed", "type", t.String(), "error", err)
		return
	}
	h.send(c, &protocol.Packet{Type: t, RequestID: requestID, Meta: raw, Bin: bin})
}

func (h *Handler) replyError(c *connection, t protocol.PacketType, requestID uint64, code, message string) {
	h.reply(c, t, requestID, protocol.ErrorMeta{Status: protocol.StatusError, Code: code, Message: message}, nil)
}

// push envia um pacote iniciado pelo server (request_id=0).
func (h *Handler) push(c *connection, t protocol.PacketType, meta any, bin []byte) {
	h.reply(c, t, 0, meta, bin)
}

// requireLogin resolve a identidade autenticada ou responde
// NOT_LOGGED_IN no tipo de resposta indicado.
func (h *Handler) requireLogin(c *connection, t protocol.PacketType, requestID uint64) (string, string, bool) {
	userID, nickname, ok := h.sessions.User(c)
	if !ok {
		h.replyError(c, t, requestID, protocol.CodeNotLoggedIn, "login required")
		return "", "", false
	}
	return userID, nickname, true
}

func (h *Handler) handleRegister(c *connection, p *protocol.Packet) {
	var meta protocol.AuthRegisterMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("user_id", meta.UserID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeInvalidUserID, err.Error())
		return
	}
	if err := validateField("nickname", meta.Nickname, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeInvalidNickname, err.Error())
		return
	}
	if err := validateField("password", meta.Password, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeInvalidPassword, err.Error())
		return
	}
	if err := h.auth.Register(meta.UserID, meta.Nickname, meta.Password); err != nil {
		code := protocol.CodeRegisterFailed
		if errors.Is(err, service.ErrUserExists) {
			code = protocol.CodeAlreadyExists
		}
		h.replyError(c, protocol.PacketAuthError, p.RequestID, code, err.Error())
		return
	}
	h.logger.Info("user registered", "user_id", meta.UserID)
	h.pushEvent(observability.EventRegister, meta.UserID, "user registered")
	h.reply(c, protocol.PacketAuthOk, p.RequestID, protocol.AuthOkMeta{Registered: true, LoggedIn: false}, nil)
}

func (h *Handler) handleLogin(c *connection, p *protocol.Packet) {
	var meta protocol.AuthLoginMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("user_id", meta.UserID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeInvalidUserID, err.Error())
		return
	}
	if err := validateField("password", meta.Password, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeInvalidPassword, err.Error())
		return
	}

	user, err := h.auth.Login(meta.UserID, meta.Password)
	if err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeLoginFailed, "invalid credentials")
		return
	}
	if err := h.sessions.Login(c, user.UserID, user.Nickname); err != nil {
		h.replyError(c, protocol.PacketAuthError, p.RequestID, protocol.CodeLoginFailed, err.Error())
		return
	}

	h.logger.Info("login ok", "user_id", user.UserID, "remote", c.remote)
	h.pushEvent(observability.EventLogin, user.UserID, "login from "+c.remote)
	h.reply(c, protocol.PacketAuthOk, p.RequestID, protocol.AuthOkMeta{
		UserID:      user.UserID,
		Nickname:    user.Nickname,
		LoggedIn:    true,
		OnlineUsers: h.sessions.OnlineUsers(),
	}, nil)
	h.broadcastUserList()
	h.deliverOfflineMessages(c, user.UserID)
	h.deliverOfflineFiles(c, user.UserID)
}

func (h *Handler) broadcastUserList() {
	meta := protocol.UserListUpdateMeta{Users: h.sessions.OnlineUsers()}
	for _, conn := range h.sessions.LoggedInConns() {
		h.push(conn, protocol.PacketUserListUpdate, meta, nil)
	}
}

// deliverOfflineMessages empurra mensagens pendentes em páginas de
// history_page_size, marcando cada página como entregue assim que
// enfileirada para escrita.
func (h *Handler) deliverOfflineMessages(c *connection, userID string) {
	batch := h.cfg.Limits.HistoryPageSize
	if batch < 1 {
		batch = 1
	}
	for {
		pending, err := h.messages.FetchUndelivered(userID, batch)
		if err != nil {
			h.logger.Warn("fetch offline messages failed", "user_id", userID, "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}
		ids := make([]int64, 0, len(pending))
		for i := range pending {
			m := deliverMeta(&pending[i])
			// No privado o destinatário arquiva a conversa sob o remetente.
			if m.ConversationType == protocol.ConversationPrivate {
				m.ConversationID = m.SenderID
			}
			h.push(c, protocol.PacketMessageDeliver, m, nil)
			ids = append(ids, pending[i].MessageID)
		}
		if err := h.messages.MarkDelivered(userID, ids); err != nil {
			h.logger.Warn("mark offline delivered failed", "user_id", userID, "error", err)
			return
		}
	}
}

// deliverOfflineFiles empurra avisos de arquivos pendentes. Uploads em
// andamento nunca aparecem aqui (excluídos pelo serviço).
func (h *Handler) deliverOfflineFiles(c *connection, userID string) {
	batch := h.cfg.Limits.HistoryPageSize
	if batch < 1 {
		batch = 1
	}
	for {
		notices, err := h.files.FetchUndeliveredFiles(userID, batch)
		if err != nil {
			h.logger.Warn("fetch offline files failed", "user_id", userID, "error", err)
			return
		}
		if len(notices) == 0 {
			return
		}
		ids := make([]string, 0, len(notices))
		for i := range notices {
			h.push(c, protocol.PacketFileDone, noticeMeta(&notices[i], ""), nil)
			ids = append(ids, notices[i].FileID)
		}
		if err := h.files.MarkFilesDelivered(userID, ids); err != nil {
			h.logger.Warn("mark offline files delivered failed", "user_id", userID, "error", err)
			return
		}
	}
}

func (h *Handler) handleGroupCreate(c *connection, p *protocol.Packet) {
	userID, _, ok := h.requireLogin(c, protocol.PacketGroupCreate, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.GroupCreateMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketGroupCreate, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("name", meta.Name, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketGroupCreate, p.RequestID, protocol.CodeInvalidName, err.Error())
		return
	}
	info, err := h.groups.Create(userID, meta.Name)
	if err != nil {
		h.replyError(c, protocol.PacketGroupCreate, p.RequestID, protocol.CodeCreateFailed, err.Error())
		return
	}
	h.logger.Info("group created", "group_id", info.GroupID, "owner", userID)
	h.pushEvent(observability.EventGroupCreate, userID, "group "+info.GroupID+" created")
	h.reply(c, protocol.PacketGroupCreate, p.RequestID, protocol.GroupCreateAckMeta{
		Status:  protocol.StatusOK,
		GroupID: info.GroupID,
		Name:    info.Name,
	}, nil)
}

func (h *Handler) handleGroupJoin(c *connection, p *protocol.Packet) {
	userID, _, ok := h.requireLogin(c, protocol.PacketGroupJoin, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.GroupRefMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketGroupJoin, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("group_id", meta.GroupID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketGroupJoin, p.RequestID, protocol.CodeInvalidGroupID, err.Error())
		return
	}
	if err := h.groups.Join(meta.GroupID, userID); err != nil {
		h.replyError(c, protocol.PacketGroupJoin, p.RequestID, protocol.CodeJoinFailed, err.Error())
		return
	}
	h.reply(c, protocol.PacketGroupJoin, p.RequestID, protocol.StatusMeta{Status: protocol.StatusOK}, nil)
}

func (h *Handler) handleGroupLeave(c *connection, p *protocol.Packet) {
	userID, _, ok := h.requireLogin(c, protocol.PacketGroupLeave, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.GroupRefMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketGroupLeave, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("group_id", meta.GroupID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketGroupLeave, p.RequestID, protocol.CodeInvalidGroupID, err.Error())
		return
	}
	if err := h.groups.Leave(meta.GroupID, userID); err != nil {
		h.replyError(c, protocol.PacketGroupLeave, p.RequestID, protocol.CodeLeaveFailed, err.Error())
		return
	}
	h.reply(c, protocol.PacketGroupLeave, p.RequestID, protocol.StatusMeta{Status: protocol.StatusOK}, nil)
}

func (h *Handler) handleGroupAdmin(c *connection, p *protocol.Packet) {
	userID, _, ok := h.requireLogin(c, protocol.PacketGroupAdmin, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.GroupAdminMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("group_id", meta.GroupID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeInvalidGroupID, err.Error())
		return
	}

	switch meta.Action {
	case protocol.GroupActionRename:
		if err := validateField("name", meta.Name, protocol.MaxFieldLength); err != nil {
			h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeInvalidName, err.Error())
			return
		}
		if err := h.groups.Rename(meta.GroupID, userID, meta.Name); err != nil {
			h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeRenameFailed, err.Error())
			return
		}
	case protocol.GroupActionKick:
		if err := validateField("target_user_id", meta.TargetUserID, protocol.MaxFieldLength); err != nil {
			h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeInvalidTarget, err.Error())
			return
		}
		if err := h.groups.Kick(meta.GroupID, userID, meta.TargetUserID); err != nil {
			h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeKickFailed, err.Error())
			return
		}
	case protocol.GroupActionDissolve:
		if err := h.groups.Dissolve(meta.GroupID, userID); err != nil {
			h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeDissolveFailed, err.Error())
			return
		}
	case protocol.GroupActionPromote, protocol.GroupActionDemote:
		if err := validateField("target_user_id", meta.TargetUserID, protocol.MaxFieldLength); err != nil {
			h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeInvalidTarget, err.Error())
			return
		}
		promote := meta.Action == protocol.GroupActionPromote
		if err := h.groups.SetRole(meta.GroupID, userID, meta.TargetUserID, promote); err != nil {
			h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeAdminFailed, err.Error())
			return
		}
	default:
		h.replyError(c, protocol.PacketGroupAdmin, p.RequestID, protocol.CodeUnknownAction, "unsupported action")
		return
	}
	h.reply(c, protocol.PacketGroupAdmin, p.RequestID, protocol.StatusMeta{Status: protocol.StatusOK}, nil)
}

// membershipErrorCode distingue "você não pertence ao grupo" de falha
// de storage ao consultar a associação.
func membershipErrorCode(err error) string {
	if errors.Is(err, service.ErrGroupNotFound) || errors.Is(err, service.ErrNotMember) {
		return protocol.CodeNotInGroup
	}
	return protocol.CodeStoreFailed
}

// resolveRecipients materializa o fan-out de uma conversa. Para grupo,
// includeSender mantém o remetente no conjunto (caso dos arquivos).
func (h *Handler) resolveRecipients(c *connection, t protocol.PacketType, requestID uint64,
	conversationType, conversationID, senderID string, includeSender bool) ([]string, bool) {
	switch conversationType {
	case protocol.ConversationPrivate:
		exists, err := h.auth.UserExists(conversationID)
		if err != nil {
			h.replyError(c, t, requestID, protocol.CodeUserLookupFailed, err.Error())
			return nil, false
		}
		if !exists {
			h.replyError(c, t, requestID, protocol.CodeTargetNotFound, "target user not found")
			return nil, false
		}
		return []string{conversationID}, true
	case protocol.ConversationGroup:
		if _, err := h.groups.Role(conversationID, senderID); err != nil {
			h.replyError(c, t, requestID, membershipErrorCode(err), err.Error())
			return nil, false
		}
		members, err := h.groups.Members(conversationID)
		if err != nil {
			h.replyError(c, t, requestID, protocol.CodeMembersFailed, err.Error())
			return nil, false
		}
		if includeSender {
			return members, true
		}
		recipients := members[:0]
		for _, member := range members {
			if member != senderID {
				recipients = append(recipients, member)
			}
		}
		return recipients, true
	default:
		h.replyError(c, t, requestID, protocol.CodeInvalidConvType, "use private or group")
		return nil, false
	}
}

func (h *Handler) handleMessageSend(c *connection, p *protocol.Packet) {
	userID, nickname, ok := h.requireLogin(c, protocol.PacketMessageSend, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.MessageSendMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketMessageSend, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("conversation_type", meta.ConversationType, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketMessageSend, p.RequestID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if err := validateField("conversation_id", meta.ConversationID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketMessageSend, p.RequestID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if err := validateField("content", meta.Content, protocol.MaxContentLength); err != nil {
		h.replyError(c, protocol.PacketMessageSend, p.RequestID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	recipients, ok := h.resolveRecipients(c, protocol.PacketMessageSend, p.RequestID,
		meta.ConversationType, meta.ConversationID, userID, false)
	if !ok {
		return
	}
	if len(recipients) == 0 {
		h.replyError(c, protocol.PacketMessageSend, p.RequestID, protocol.CodeNoRecipients, "no recipients available")
		return
	}

	messageID, createdAt, err := h.messages.Store(service.MessageInput{
		ConversationType: meta.ConversationType,
		ConversationID:   meta.ConversationID,
		SenderID:         userID,
		SenderNickname:   nickname,
		Content:          meta.Content,
	}, recipients)
	if err != nil {
		h.replyError(c, protocol.PacketMessageSend, p.RequestID, protocol.CodeStoreFailed, err.Error())
		return
	}

	h.reply(c, protocol.PacketMessageSend, p.RequestID, protocol.MessageSendAckMeta{
		Status:    protocol.StatusOK,
		MessageID: messageID,
		CreatedAt: createdAt,
	}, nil)

	deliver := protocol.MessageDeliverMeta{
		MessageID:        messageID,
		ConversationType: meta.ConversationType,
		ConversationID:   meta.ConversationID,
		SenderID:         userID,
		SenderNickname:   nickname,
		Content:          meta.Content,
		CreatedAt:        createdAt,
	}
	// No privado o destinatário arquiva a conversa sob o remetente.
	if meta.ConversationType == protocol.ConversationPrivate {
		deliver.ConversationID = userID
	}
	for _, recipient := range recipients {
		conn, online := h.sessions.Lookup(recipient)
		if !online {
			continue
		}
		h.push(conn, protocol.PacketMessageDeliver, deliver, nil)
		if err := h.messages.MarkDelivered(recipient, []int64{messageID}); err != nil {
			h.logger.Warn("mark delivered failed", "user_id", recipient, "message_id", messageID, "error", err)
		}
	}
}

func (h *Handler) handleHistoryFetch(c *connection, p *protocol.Packet) {
	userID, _, ok := h.requireLogin(c, protocol.PacketHistoryResponse, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.HistoryFetchMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketHistoryResponse, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("conversation_id", meta.ConversationID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketHistoryResponse, p.RequestID, protocol.CodeInvalidRequest, err.Error())
		return
	}

	switch meta.ConversationType {
	case protocol.ConversationPrivate:
		if meta.ConversationID != userID {
			exists, err := h.auth.UserExists(meta.ConversationID)
			if err != nil {
				h.replyError(c, protocol.PacketHistoryResponse, p.RequestID, protocol.CodeUserLookupFailed, err.Error())
				return
			}
			if !exists {
				h.replyError(c, protocol.PacketHistoryResponse, p.RequestID, protocol.CodeTargetNotFound, "target user not found")
				return
			}
		}
	case protocol.ConversationGroup:
		if _, err := h.groups.Role(meta.ConversationID, userID); err != nil {
			h.replyError(c, protocol.PacketHistoryResponse, p.RequestID, membershipErrorCode(err), err.Error())
			return
		}
	default:
		h.replyError(c, protocol.PacketHistoryResponse, p.RequestID, protocol.CodeInvalidConvType, "use private or group")
		return
	}

	limit := meta.Limit
	pageSize := h.cfg.Limits.HistoryPageSize
	if limit < 1 || limit > pageSize {
		limit = pageSize
	}
	page, nextBefore, err := h.messages.History(meta.ConversationType, meta.ConversationID, meta.BeforeMessageID, limit)
	if err != nil {
		h.replyError(c, protocol.PacketHistoryResponse, p.RequestID, protocol.CodeHistoryFailed, err.Error())
		return
	}

	items := make([]protocol.MessageDeliverMeta, 0, len(page))
	for i := range page {
		items = append(items, deliverMeta(&page[i]))
	}
	h.reply(c, protocol.PacketHistoryResponse, p.RequestID, protocol.HistoryResponseMeta{
		Status:              protocol.StatusOK,
		ConversationType:    meta.ConversationType,
		ConversationID:      meta.ConversationID,
		Messages:            items,
		NextBeforeMessageID: nextBefore,
		Count:               len(items),
	}, nil)
}

func (h *Handler) handleFileOffer(c *connection, p *protocol.Packet) {
	userID, nickname, ok := h.requireLogin(c, protocol.PacketFileAccept, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.FileOfferMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketFileAccept, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("conversation_type", meta.ConversationType, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketFileAccept, p.RequestID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if err := validateField("conversation_id", meta.ConversationID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketFileAccept, p.RequestID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if err := validateField("file_name", meta.FileName, protocol.MaxFileNameLength); err != nil {
		h.replyError(c, protocol.PacketFileAccept, p.RequestID, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if err := validateSHA256(meta.SHA256); err != nil {
		h.replyError(c, protocol.PacketFileAccept, p.RequestID, protocol.CodeInvalidSHA256, err.Error())
		return
	}
	if meta.FileSize <= 0 {
		h.replyError(c, protocol.PacketFileAccept, p.RequestID, protocol.CodeInvalidSize, "file_size must be positive")
		return
	}

	// O uploader fica no conjunto de targets de grupo: ele também pode
	// baixar o arquivo publicado de outro dispositivo.
	recipients, ok := h.resolveRecipients(c, protocol.PacketFileAccept, p.RequestID,
		meta.ConversationType, meta.ConversationID, userID, true)
	if !ok {
		return
	}

	var fileID string
	var nextOffset int64
	if meta.FileID != "" {
		offset, err := h.files.ResumeUpload(meta.FileID, userID)
		if err != nil {
			h.replyError(c, protocol.PacketFileAccept, p.RequestID, protocol.CodeResumeFailed, err.Error())
			return
		}
		fileID, nextOffset = meta.FileID, offset
	} else {
		id, err := h.files.CreateUpload(service.FileOffer{
			UploaderID:       userID,
			UploaderNickname: nickname,
			ConversationType: meta.ConversationType,
			ConversationID:   meta.ConversationID,
			FileName:         meta.FileName,
			FileSize:         meta.FileSize,
			SHA256:           meta.SHA256,
		}, recipients)
		if err != nil {
			h.replyError(c, protocol.PacketFileAccept, p.RequestID, protocol.CodeOfferFailed, err.Error())
			return
		}
		fileID = id
	}

	h.logger.Info("upload accepted", "file_id", fileID, "uploader", userID, "next_offset", nextOffset)
	h.reply(c, protocol.PacketFileAccept, p.RequestID, protocol.FileAcceptMeta{
		Status:     protocol.StatusOK,
		FileID:     fileID,
		NextOffset: nextOffset,
		ChunkSize:  h.files.ChunkSize(),
	}, nil)
}

func (h *Handler) handleFileUploadChunk(c *connection, p *protocol.Packet) {
	userID, _, ok := h.requireLogin(c, protocol.PacketFileUploadChunk, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.FileChunkMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketFileUploadChunk, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("file_id", meta.FileID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketFileUploadChunk, p.RequestID, protocol.CodeInvalidFileID, err.Error())
		return
	}
	if len(p.Bin) == 0 {
		h.replyError(c, protocol.PacketFileUploadChunk, p.RequestID, protocol.CodeEmptyChunk, "chunk is empty")
		return
	}
	if int64(len(p.Bin)) > h.files.ChunkSize() {
		h.replyError(c, protocol.PacketFileUploadChunk, p.RequestID, protocol.CodeChunkTooLarge, "chunk too large")
		return
	}

	uploadedSize, err := h.files.AppendChunk(meta.FileID, userID, meta.Offset, p.Bin)
	if err != nil {
		var mismatch *service.OffsetMismatchError
		if errors.As(err, &mismatch) {
			h.reply(c, protocol.PacketFileUploadChunk, p.RequestID, protocol.FileChunkAckMeta{
				Status:         protocol.StatusError,
				Code:           protocol.CodeUploadFailed,
				Message:        err.Error(),
				ExpectedOffset: &mismatch.Expected,
			}, nil)
			return
		}
		h.replyError(c, protocol.PacketFileUploadChunk, p.RequestID, protocol.CodeUploadFailed, err.Error())
		return
	}
	h.reply(c, protocol.PacketFileUploadChunk, p.RequestID, protocol.FileChunkAckMeta{
		Status:     protocol.StatusOK,
		NextOffset: uploadedSize,
	}, nil)
}

func (h *Handler) handleFileUploadDone(c *connection, p *protocol.Packet) {
	userID, _, ok := h.requireLogin(c, protocol.PacketFileDone, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.FileRefMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketFileDone, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("file_id", meta.FileID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketFileDone, p.RequestID, protocol.CodeInvalidFileID, err.Error())
		return
	}

	notice, err := h.files.FinalizeUpload(meta.FileID, userID)
	if err != nil {
		h.replyError(c, protocol.PacketFileDone, p.RequestID, protocol.CodeFinalizeFailed, err.Error())
		return
	}

	h.logger.Info("file published", "file_id", notice.FileID, "uploader", userID, "size", notice.FileSize)
	h.pushEvent(observability.EventFilePublished, userID, "file "+notice.FileID+" published")
	h.reply(c, protocol.PacketFileDone, p.RequestID, noticeMeta(notice, protocol.StatusOK), nil)

	// Fan-out do aviso. O uploader conta como entregue pela própria
	// resposta acima; os demais targets online recebem o push.
	targets, err := h.files.Targets(notice.FileID)
	if err != nil {
		h.logger.Warn("list file targets failed", "file_id", notice.FileID, "error", err)
		return
	}
	pushMeta := noticeMeta(notice, "")
	var delivered []string
	for _, target := range targets {
		if target == userID {
			delivered = append(delivered, target)
			continue
		}
		conn, online := h.sessions.Lookup(target)
		if !online {
			continue
		}
		h.push(conn, protocol.PacketFileDone, pushMeta, nil)
		delivered = append(delivered, target)
	}
	for _, target := range delivered {
		if err := h.files.MarkFilesDelivered(target, []string{notice.FileID}); err != nil {
			h.logger.Warn("mark file delivered failed", "user_id", target, "file_id", notice.FileID, "error", err)
		}
	}
}

func (h *Handler) handleFileDownloadRequest(c *connection, p *protocol.Packet) {
	userID, _, ok := h.requireLogin(c, protocol.PacketFileDownloadChunk, p.RequestID)
	if !ok {
		return
	}
	var meta protocol.FileDownloadRequestMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		h.replyError(c, protocol.PacketFileDownloadChunk, p.RequestID, protocol.CodeInvalidJSON, err.Error())
		return
	}
	if err := validateField("file_id", meta.FileID, protocol.MaxFieldLength); err != nil {
		h.replyError(c, protocol.PacketFileDownloadChunk, p.RequestID, protocol.CodeInvalidFileID, err.Error())
		return
	}

	chunk, err := h.files.ReadChunk(meta.FileID, userID, meta.Offset)
	if err != nil {
		h.replyError(c, protocol.PacketFileDownloadChunk, p.RequestID, protocol.CodeDownloadFailed, err.Error())
		return
	}
	h.reply(c, protocol.PacketFileDownloadChunk, p.RequestID, protocol.FileDownloadChunkMeta{
		FileID:   chunk.FileID,
		Offset:   chunk.Offset,
		FileSize: chunk.FileSize,
		FileName: chunk.FileName,
		SHA256:   chunk.SHA256,
		Done:     chunk.Done,
	}, chunk.Data)
}

func deliverMeta(m *service.StoredMessage) protocol.MessageDeliverMeta {
	return protocol.MessageDeliverMeta{
		MessageID:        m.MessageID,
		ConversationType: m.ConversationType,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		SenderNickname:   m.SenderNickname,
		Content:          m.Content,
		CreatedAt:        m.CreatedAt,
	}
}

func noticeMeta(n *service.FileNotice, status string) protocol.FileNoticeMeta {
	return protocol.FileNoticeMeta{
		Status:           status,
		FileID:           n.FileID,
		UploaderID:       n.UploaderID,
		UploaderNickname: n.UploaderNickname,
		ConversationType: n.ConversationType,
		ConversationID:   n.ConversationID,
		FileName:         n.FileName,
		FileSize:         n.FileSize,
		SHA256:           n.SHA256,
		CreatedAt:        n.CreatedAt,
	}
}

// tuneTCP aplica NODELAY e keepalive quando a conexão (ou a conexão
// por baixo do TLS) é TCP.
func tuneTCP(conn net.Conn) {
	type netConner interface{ NetConn() net.Conn }
	if tlsConn, ok := conn.(netConner); ok {
		conn = tlsConn.NetConn()
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}
}
