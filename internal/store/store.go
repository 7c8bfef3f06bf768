// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store implementa a camada de persistência do N-Talk sobre
// SQLite (driver puro-Go glebarez) via GORM. O schema é criado de forma
// idempotente no Open; mutações multi-linha rodam em transação.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Erros de domínio da camada de persistência.
var (
	ErrNotFound  = errors.New("store: record not found")
	ErrDuplicate = errors.New("store: record already exists")
)

// Store encapsula o handle do banco. Um único Store é criado pelo
// composition root do server e emprestado aos services.
type Store struct {
	db *gorm.DB
}

// Open abre (ou cria) o banco SQLite no path e executa a migração do
// schema. WAL e busy_timeout são aplicados via pragmas na DSN.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&User{},
		&Group{},
		&GroupMember{},
		&Message{},
		&MessageTarget{},
		&File{},
		&FileUpload{},
		&FileTarget{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close fecha a conexão com o banco.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}
	return sqlDB.Close()
}

// DB expõe o handle GORM para os services.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction executa fn dentro de uma transação com rollback automático
// em caso de erro.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// ConvertError traduz erros do GORM para os erros de domínio do store.
func ConvertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

// isUniqueConstraintError detecta violação de UNIQUE/PK no SQLite.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
