package service

import (
	"errors"
	"testing"
)

func TestStoreMessageRequiresRecipients(t *testing.T) {
	messages := NewMessageService(openTestStore(t))

	_, _, err := messages.Store(MessageInput{
		ConversationType: "private",
		ConversationID:   "bob",
		SenderID:         "alice",
		SenderNickname:   "Alice",
		Content:          "hi",
	}, nil)
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestUndeliveredLifecycle(t *testing.T) {
	messages := NewMessageService(openTestStore(t))

	id, createdAt, err := messages.Store(MessageInput{
		ConversationType: "private",
		ConversationID:   "bob",
		SenderID:         "alice",
		SenderNickname:   "Alice",
		Content:          "hi",
	}, []string{"bob"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id <= 0 || createdAt <= 0 {
		t.Fatalf("Store = (%d, %d)", id, createdAt)
	}

	pending, err := messages.FetchUndelivered("bob", 100)
	if err != nil {
		t.Fatalf("FetchUndelivered: %v", err)
	}
	if len(pending) != 1 || pending[0].MessageID != id || pending[0].Content != "hi" {
		t.Fatalf("pending = %+v", pending)
	}

	// O sender não tem target: nada pendente para alice.
	senderPending, _ := messages.FetchUndelivered("alice", 100)
	if len(senderPending) != 0 {
		t.Errorf("sender pending = %+v", senderPending)
	}

	if err := messages.MarkDelivered("bob", []int64{id}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	// Entregue exatamente uma vez: some do fetch seguinte.
	pending, _ = messages.FetchUndelivered("bob", 100)
	if len(pending) != 0 {
		t.Errorf("pending after delivery = %+v", pending)
	}
}

func TestFetchUndeliveredOrderAndLimit(t *testing.T) {
	messages := NewMessageService(openTestStore(t))

	var ids []int64
	for i := 0; i < 5; i++ {
		id, _, err := messages.Store(MessageInput{
			ConversationType: "private",
			ConversationID:   "bob",
			SenderID:         "alice",
			SenderNickname:   "Alice",
			Content:          "m",
		}, []string{"bob"})
		if err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	page, err := messages.FetchUndelivered("bob", 3)
	if err != nil {
		t.Fatalf("FetchUndelivered: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page size = %d", len(page))
	}
	for i := range page {
		if page[i].MessageID != ids[i] {
			t.Errorf("page[%d] = %d, want %d (ascending order)", i, page[i].MessageID, ids[i])
		}
	}
}

func TestMarkDeliveredEmptyIsNoOp(t *testing.T) {
	messages := NewMessageService(openTestStore(t))
	if err := messages.MarkDelivered("bob", nil); err != nil {
		t.Fatalf("MarkDelivered(nil): %v", err)
	}
}

func TestHistoryPaging(t *testing.T) {
	messages := NewMessageService(openTestStore(t))

	var ids []int64
	for i := 0; i < 5; i++ {
		id, _, err := messages.Store(MessageInput{
			ConversationType: "group",
			ConversationID:   "g1",
			SenderID:         "alice",
			SenderNickname:   "Alice",
			Content:          "m",
		}, []string{"bob"})
		if err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	// Página mais recente: dois últimos, ascendente.
	page, next, err := messages.History("group", "g1", 0, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page) != 2 || page[0].MessageID != ids[3] || page[1].MessageID != ids[4] {
		t.Fatalf("page = %+v", page)
	}
	if next != ids[3] {
		t.Errorf("next cursor = %d, want %d", next, ids[3])
	}

	// Página anterior a partir do cursor.
	page, next, err = messages.History("group", "g1", next, 2)
	if err != nil {
		t.Fatalf("History page 2: %v", err)
	}
	if len(page) != 2 || page[0].MessageID != ids[1] || page[1].MessageID != ids[2] {
		t.Fatalf("page 2 = %+v", page)
	}

	// Última página vem curta: cursor zera.
	page, next, err = messages.History("group", "g1", next, 2)
	if err != nil {
		t.Fatalf("History page 3: %v", err)
	}
	if len(page) != 1 || page[0].MessageID != ids[0] {
		t.Fatalf("page 3 = %+v", page)
	}
	if next != 0 {
		t.Errorf("final cursor = %d, want 0", next)
	}
}

func TestHistoryEmptyConversation(t *testing.T) {
	messages := NewMessageService(openTestStore(t))

	page, next, err := messages.History("private", "nobody", 0, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page) != 0 || next != 0 {
		t.Errorf("History = (%v, %d)", page, next)
	}
}
