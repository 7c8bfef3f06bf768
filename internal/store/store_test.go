package store

import (
	"errors"
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "ntalk.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenMigratesSchema(t *testing.T) {
	st := openTestStore(t)

	tables := []string{
		"users", "groups", "group_members", "messages",
		"message_targets", "files", "file_uploads", "file_targets",
	}
	for _, table := range tables {
		if !st.DB().Migrator().HasTable(table) {
			t.Errorf("missing table %q", table)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ntalk.db")

	st1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	st1.Close()

	// Reabrir o mesmo arquivo re-executa a migração sem erro.
	st2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	st2.Close()
}

func TestConvertErrorDuplicate(t *testing.T) {
	st := openTestStore(t)

	user := User{UserID: "alice", Nickname: "Alice", PasswordHash: "x", CreatedAt: 1}
	if err := st.DB().Create(&user).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := User{UserID: "alice", Nickname: "Other", PasswordHash: "y", CreatedAt: 2}
	err := ConvertError(st.DB().Create(&dup).Error)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestConvertErrorNotFound(t *testing.T) {
	st := openTestStore(t)

	var user User
	err := ConvertError(st.DB().First(&user, "user_id = ?", "ghost").Error)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	st := openTestStore(t)

	sentinel := errors.New("boom")
	err := st.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Group{GroupID: "g1", Name: "G", OwnerID: "alice", CreatedAt: 1}).Error; err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	var count int64
	st.DB().Model(&Group{}).Count(&count)
	if count != 0 {
		t.Errorf("group row survived rollback: count = %d", count)
	}
}

func TestMessageAutoIncrementMonotonic(t *testing.T) {
	st := openTestStore(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		m := Message{
			ConversationType: "private",
			ConversationID:   "bob",
			SenderID:         "alice",
			SenderNickname:   "Alice",
			Content:          "hi",
			CreatedAt:        int64(i),
		}
		if err := st.DB().Create(&m).Error; err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ids = append(ids, m.MessageID)
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("message ids not increasing: %v", ids)
		}
	}
}
