// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"sync"

	"github.com/nishisan-dev/n-talk/internal/protocol"
)

// Conversation acumula as mensagens conhecidas de uma conversa em ordem
// cronológica. NextBefore é o cursor para a próxima página de histórico
// mais antiga (0 = não há mais, ou nunca paginado).
type Conversation struct {
	Type       string
	ID         string
	Messages   []protocol.MessageDeliverMeta
	NextBefore int64
}

// State mantém a visão local do client: usuários online, mensagens por
// conversa e avisos de arquivo recebidos. Alimentado pelos pacotes que
// o caller drena do endpoint.
type State struct {
	mu            sync.Mutex
	onlineUsers   []protocol.OnlineUser
	conversations map[string]*Conversation
	fileNotices   []protocol.FileNoticeMeta
}

func NewState() *State {
	return &State{conversations: make(map[string]*Conversation)}
}

func conversationKey(convType, convID string) string {
	return convType + "/" + convID
}

// Apply incorpora um pacote do server ao estado. Retorna true quando o
// pacote foi absorvido (pushes e HistoryResponse); acks de request e
// pacotes de transferência passam direto (false).
func (s *State) Apply(p *protocol.Packet) bool {
	switch p.Type {
	case protocol.PacketUserListUpdate:
		var meta protocol.UserListUpdateMeta
		if err := p.UnmarshalMeta(&meta); err != nil {
			return false
		}
		s.mu.Lock()
		s.onlineUsers = meta.Users
		s.mu.Unlock()
		return true

	case protocol.PacketMessageDeliver:
		var meta protocol.MessageDeliverMeta
		if err := p.UnmarshalMeta(&meta); err != nil {
			return false
		}
		s.appendMessage(meta)
		return true

	case protocol.PacketHistoryResponse:
		var meta protocol.HistoryResponseMeta
		if err := p.UnmarshalMeta(&meta); err != nil {
			return false
		}
		if meta.Status != protocol.StatusOK {
			return false
		}
		s.mergeHistory(meta)
		return true

	case protocol.PacketFileDone:
		// Só pushes; a resposta do próprio finalize pertence ao
		// coordenador de transferência.
		if p.RequestID != 0 {
			return false
		}
		var meta protocol.FileNoticeMeta
		if err := p.UnmarshalMeta(&meta); err != nil {
			return false
		}
		s.mu.Lock()
		s.fileNotices = append(s.fileNotices, meta)
		s.mu.Unlock()
		return true
	}
	return false
}

func (s *State) appendMessage(m protocol.MessageDeliverMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversation(m.ConversationType, m.ConversationID)
	conv.Messages = append(conv.Messages, m)
}

// mergeHistory insere uma página de histórico na conversa. Páginas vêm
// em ordem ascendente e são sempre mais antigas que o que o client já
// tem; mensagens com ID igual ou maior que a mais antiga conhecida são
// descartadas (idempotência em re-fetch).
func (s *State) mergeHistory(page protocol.HistoryResponseMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversation(page.ConversationType, page.ConversationID)

	oldest := int64(0)
	if len(conv.Messages) > 0 {
		oldest = conv.Messages[0].MessageID
	}

	var older []protocol.MessageDeliverMeta
	for _, m := range page.Messages {
		if oldest == 0 || m.MessageID < oldest {
			older = append(older, m)
		}
	}
	if len(older) > 0 {
		conv.Messages = append(older, conv.Messages...)
	}
	conv.NextBefore = page.NextBeforeMessageID
}

// conversation retorna (criando se preciso) a conversa. Caller segura o lock.
func (s *State) conversation(convType, convID string) *Conversation {
	key := conversationKey(convType, convID)
	conv, ok := s.conversations[key]
	if !ok {
		conv = &Conversation{Type: convType, ID: convID}
		s.conversations[key] = conv
	}
	return conv
}

// OnlineUsers retorna uma cópia da última lista de usuários online.
func (s *State) OnlineUsers() []protocol.OnlineUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.OnlineUser, len(s.onlineUsers))
	copy(out, s.onlineUsers)
	return out
}

// Messages retorna uma cópia das mensagens da conversa e o cursor de
// paginação para a página anterior.
func (s *State) Messages(convType, convID string) ([]protocol.MessageDeliverMeta, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationKey(convType, convID)]
	if !ok {
		return nil, 0
	}
	out := make([]protocol.MessageDeliverMeta, len(conv.Messages))
	copy(out, conv.Messages)
	return out, conv.NextBefore
}

// FileNotices retorna uma cópia dos avisos de arquivo recebidos.
func (s *State) FileNotices() []protocol.FileNoticeMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.FileNoticeMeta, len(s.fileNotices))
	copy(out, s.fileNotices)
	return out
}
