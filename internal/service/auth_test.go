// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package service

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/n-talk/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ntalk.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegisterAndLogin(t *testing.T) {
	auth := NewAuthService(openTestStore(t))

	if err := auth.Register("alice", "Alice", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	user, err := auth.Login("alice", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.UserID != "alice" || user.Nickname != "Alice" {
		t.Errorf("Login = %+v", user)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	auth := NewAuthService(openTestStore(t))

	if err := auth.Register("alice", "Alice", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := auth.Register("alice", "Other", "pw2"); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestRegisterRejectsEmptyFields(t *testing.T) {
	auth := NewAuthService(openTestStore(t))

	tests := []struct{ userID, nickname, password string }{
		{"", "Alice", "pw"},
		{"alice", "", "pw"},
		{"alice", "Alice", ""},
	}
	for _, tt := range tests {
		if err := auth.Register(tt.userID, tt.nickname, tt.password); err == nil {
			t.Errorf("Register(%q,%q,%q): expected error", tt.userID, tt.nickname, tt.password)
		}
	}
}

func TestLoginWrongPassword(t *testing.T) {
	auth := NewAuthService(openTestStore(t))

	if err := auth.Register("alice", "Alice", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := auth.Login("alice", "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	auth := NewAuthService(openTestStore(t))

	if _, err := auth.Login("ghost", "pw"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUserExists(t *testing.T) {
	auth := NewAuthService(openTestStore(t))

	ok, err := auth.UserExists("alice")
	if err != nil || ok {
		t.Fatalf("UserExists before register = (%v, %v)", ok, err)
	}

	if err := auth.Register("alice", "Alice", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ok, err = auth.UserExists("alice")
	if err != nil || !ok {
		t.Fatalf("UserExists after register = (%v, %v)", ok, err)
	}
}

func TestLookup(t *testing.T) {
	auth := NewAuthService(openTestStore(t))

	if err := auth.Register("bob", "Bob", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	user, err := auth.Lookup("bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if user.Nickname != "Bob" {
		t.Errorf("Nickname = %q", user.Nickname)
	}

	if _, err := auth.Lookup("ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
