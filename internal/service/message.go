// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package service

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/nishisan-dev/n-talk/internal/store"
)

// ErrNoRecipients é retornado quando o fan-out não tem destinatários.
var ErrNoRecipients = errors.New("message: no recipients")

// MessageInput é a entrada para armazenar uma mensagem.
type MessageInput struct {
	ConversationType string
	ConversationID   string
	SenderID         string
	SenderNickname   string
	Content          string
}

// StoredMessage é uma mensagem persistida, usada em entregas e histórico.
type StoredMessage struct {
	MessageID        int64  `json:"message_id"`
	ConversationType string `json:"conversation_type"`
	ConversationID   string `json:"conversation_id"`
	SenderID         string `json:"sender_id"`
	SenderNickname   string `json:"sender_nickname"`
	Content          string `json:"content"`
	CreatedAt        int64  `json:"created_at"`
}

// MessageService gerencia o armazenamento e a entrega de mensagens.
type MessageService struct {
	store *store.Store
}

// NewMessageService cria um MessageService sobre o store fornecido.
func NewMessageService(st *store.Store) *MessageService {
	return &MessageService{store: st}
}

// Store insere a mensagem e um MessageTarget por destinatário em uma
// única transação. Retorna o message_id atribuído e o created_at.
func (s *MessageService) Store(input MessageInput, recipients []string) (int64, int64, error) {
	if len(recipients) == 0 {
		return 0, 0, ErrNoRecipients
	}

	now := time.Now().Unix()
	msg := store.Message{
		ConversationType: input.ConversationType,
		ConversationID:   input.ConversationID,
		SenderID:         input.SenderID,
		SenderNickname:   input.SenderNickname,
		Content:          input.Content,
		CreatedAt:        now,
	}

	err := s.store.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		for _, userID := range recipients {
			target := store.MessageTarget{MessageID: msg.MessageID, UserID: userID}
			if err := tx.Create(&target).Error; err != nil {
				return fmt.Errorf("inserting target for %s: %w", userID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return msg.MessageID, now, nil
}

// FetchUndelivered retorna até limit mensagens pendentes para o usuário,
// em ordem ascendente de message_id.
func (s *MessageService) FetchUndelivered(userID string, limit int) ([]StoredMessage, error) {
	var out []StoredMessage
	err := s.store.DB().Model(&store.Message{}).
		Select("messages.*").
		Joins("JOIN message_targets ON message_targets.message_id = messages.message_id").
		Where("message_targets.user_id = ? AND message_targets.delivered_at IS NULL", userID).
		Order("messages.message_id ASC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("fetching undelivered: %w", err)
	}
	return out, nil
}

// MarkDelivered marca os targets do usuário como entregues. Chamado de
// forma otimista no enfileiramento da escrita: "entregue" significa que
// um push foi iniciado pelo menos uma vez, não que o peer confirmou.
func (s *MessageService) MarkDelivered(userID string, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	err := s.store.DB().Model(&store.MessageTarget{}).
		Where("user_id = ? AND message_id IN ?", userID, messageIDs).
		Update("delivered_at", now).Error
	if err != nil {
		return fmt.Errorf("marking delivered: %w", err)
	}
	return nil
}

// History retorna uma página de mensagens da conversa com
// message_id < beforeID (0 = mais recentes), em ordem ascendente.
// O segundo retorno é o cursor next_before_message_id: o menor id da
// página, ou 0 quando a página veio curta (não há mais mensagens).
func (s *MessageService) History(conversationType, conversationID string, beforeID int64, limit int) ([]StoredMessage, int64, error) {
	q := s.store.DB().Model(&store.Message{}).
		Where("conversation_type = ? AND conversation_id = ?", conversationType, conversationID)
	if beforeID > 0 {
		q = q.Where("message_id < ?", beforeID)
	}

	var page []StoredMessage
	if err := q.Order("message_id DESC").Limit(limit).Scan(&page).Error; err != nil {
		return nil, 0, fmt.Errorf("fetching history: %w", err)
	}

	// Inverte para ordem ascendente de exibição.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	var nextBefore int64
	if len(page) == limit {
		nextBefore = page[0].MessageID
	}
	return page, nextBefore, nil
}
