// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package service implementa os serviços de domínio do N-Talk (auth,
// grupos, mensagens e arquivos) sobre a camada de persistência.
// Os handlers do server traduzem os erros tipados daqui para os códigos
// de erro do protocolo.
package service

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nishisan-dev/n-talk/internal/store"
)

// bcryptCost é o custo usado para hash de senhas.
const bcryptCost = 10

// Erros do serviço de autenticação.
var (
	ErrUserExists       = errors.New("auth: user already exists")
	ErrUserNotFound     = errors.New("auth: user not found")
	ErrPasswordMismatch = errors.New("auth: password mismatch")
)

// AuthUser é o resultado de um login bem-sucedido. Nunca carrega o hash.
type AuthUser struct {
	UserID   string
	Nickname string
}

// AuthService gerencia registro e verificação de credenciais.
type AuthService struct {
	store *store.Store
}

// NewAuthService cria um AuthService sobre o store fornecido.
func NewAuthService(st *store.Store) *AuthService {
	return &AuthService{store: st}
}

// Register cria um novo usuário com a senha hasheada.
func (s *AuthService) Register(userID, nickname, password string) error {
	if userID == "" || nickname == "" || password == "" {
		return fmt.Errorf("auth: user_id, nickname, password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	user := store.User{
		UserID:       userID,
		Nickname:     nickname,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().Unix(),
	}
	if err := store.ConvertError(s.store.DB().Create(&user).Error); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrUserExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// Login verifica as credenciais e retorna a identidade do usuário.
func (s *AuthService) Login(userID, password string) (*AuthUser, error) {
	var user store.User
	err := store.ConvertError(s.store.DB().First(&user, "user_id = ?", userID).Error)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrPasswordMismatch
	}

	return &AuthUser{UserID: user.UserID, Nickname: user.Nickname}, nil
}

// Lookup retorna a identidade de um usuário registrado, sem verificar senha.
// Usado pelos handlers para validar destinatários de conversas privadas.
func (s *AuthService) Lookup(userID string) (*AuthUser, error) {
	var user store.User
	err := store.ConvertError(s.store.DB().First(&user, "user_id = ?", userID).Error)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	return &AuthUser{UserID: user.UserID, Nickname: user.Nickname}, nil
}

// UserExists verifica se o user_id já está registrado. Falha de backend
// é sinalizada separadamente do resultado booleano.
func (s *AuthService) UserExists(userID string) (bool, error) {
	var count int64
	if err := s.store.DB().Model(&store.User{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("checking user: %w", err)
	}
	return count > 0, nil
}
