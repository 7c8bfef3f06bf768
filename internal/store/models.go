// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

// User é a identidade registrada. Imutável após o registro.
type User struct {
	UserID       string `gorm:"primaryKey;column:user_id"`
	Nickname     string `gorm:"not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    int64  `gorm:"not null"` // epoch seconds
}

func (User) TableName() string { return "users" }

// Group é um grupo de conversa com dono.
type Group struct {
	GroupID   string `gorm:"primaryKey;column:group_id"`
	Name      string `gorm:"not null"`
	OwnerID   string `gorm:"not null;column:owner_id"`
	CreatedAt int64  `gorm:"not null"`
}

func (Group) TableName() string { return "groups" }

// Papéis de membro de grupo. Exatamente uma linha role=owner por grupo.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// GroupMember liga um usuário a um grupo com papel.
type GroupMember struct {
	GroupID  string `gorm:"primaryKey;column:group_id"`
	UserID   string `gorm:"primaryKey;column:user_id;index:idx_group_members_user"`
	Role     string `gorm:"not null"`
	JoinedAt int64  `gorm:"not null"`
}

func (GroupMember) TableName() string { return "group_members" }

// Message é uma mensagem armazenada. Imutável após o insert.
type Message struct {
	MessageID        int64  `gorm:"primaryKey;autoIncrement;column:message_id"`
	ConversationType string `gorm:"not null;index:idx_messages_conversation,priority:1"`
	ConversationID   string `gorm:"not null;column:conversation_id;index:idx_messages_conversation,priority:2"`
	SenderID         string `gorm:"not null;column:sender_id"`
	SenderNickname   string `gorm:"not null"`
	Content          string `gorm:"not null"`
	CreatedAt        int64  `gorm:"not null"`
}

func (Message) TableName() string { return "messages" }

// MessageTarget é o registro de entrega por destinatário.
// DeliveredAt nulo significa replay pendente no próximo login.
type MessageTarget struct {
	MessageID   int64  `gorm:"primaryKey;column:message_id"`
	UserID      string `gorm:"primaryKey;column:user_id;index:idx_targets_user,priority:1"`
	DeliveredAt *int64 `gorm:"index:idx_targets_user,priority:2"`
}

func (MessageTarget) TableName() string { return "message_targets" }

// File é um arquivo publicado (visível para download só após o finalize).
type File struct {
	FileID           string `gorm:"primaryKey;column:file_id"`
	UploaderID       string `gorm:"not null;column:uploader_id"`
	UploaderNickname string `gorm:"not null"`
	ConversationType string `gorm:"not null;index:idx_files_conversation,priority:1"`
	ConversationID   string `gorm:"not null;column:conversation_id;index:idx_files_conversation,priority:2"`
	FileName         string `gorm:"not null"`
	FileSize         int64  `gorm:"not null"`
	SHA256           string `gorm:"not null;column:sha256"`
	StoragePath      string `gorm:"not null"`
	CreatedAt        int64  `gorm:"not null"`
}

func (File) TableName() string { return "files" }

// FileUpload é a linha transiente de um upload em andamento.
// A presença desta linha é o lock de exclusão: o arquivo NÃO é
// baixável enquanto ela existir. Removida no finalize.
type FileUpload struct {
	FileID       string `gorm:"primaryKey;column:file_id"`
	UploaderID   string `gorm:"not null;column:uploader_id"`
	TempPath     string `gorm:"not null"`
	UploadedSize int64  `gorm:"not null"`
	Status       string `gorm:"not null"`
	UpdatedAt    int64  `gorm:"not null"`
}

func (FileUpload) TableName() string { return "file_uploads" }

// StatusUploading é o único status de FileUpload em uso.
const StatusUploading = "uploading"

// FileTarget concede permissão de download e governa o fan-out offline
// do FileDone.
type FileTarget struct {
	FileID      string `gorm:"primaryKey;column:file_id"`
	UserID      string `gorm:"primaryKey;column:user_id;index:idx_file_targets_user,priority:1"`
	DeliveredAt *int64 `gorm:"index:idx_file_targets_user,priority:2"`
}

func (FileTarget) TableName() string { return "file_targets" }
