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

// Erros do serviço de grupos. O handler traduz cada um para o código
// de erro correspondente no protocolo.
var (
	ErrGroupNotFound  = errors.New("group: not found")
	ErrNotMember      = errors.New("group: user not in group")
	ErrAlreadyMember  = errors.New("group: user already in group")
	ErrNotAuthorized  = errors.New("group: not authorized")
	ErrOwnerLeave     = errors.New("group: owner cannot leave")
	ErrTargetIsOwner  = errors.New("group: cannot act on the owner")
	ErrAdminKickAdmin = errors.New("group: admin cannot kick another admin")
)

// GroupInfo identifica um grupo criado.
type GroupInfo struct {
	GroupID string
	Name    string
}

// GroupService gerencia grupos, membros e papéis.
type GroupService struct {
	store *store.Store
}

// NewGroupService cria um GroupService sobre o store fornecido.
func NewGroupService(st *store.Store) *GroupService {
	return &GroupService{store: st}
}

// Create cria um grupo novo com o criador como owner.
func (s *GroupService) Create(ownerID, name string) (*GroupInfo, error) {
	groupID, err := newID()
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	err = s.store.Transaction(func(tx *gorm.DB) error {
		group := store.Group{GroupID: groupID, Name: name, OwnerID: ownerID, CreatedAt: now}
		if err := tx.Create(&group).Error; err != nil {
			return fmt.Errorf("inserting group: %w", err)
		}
		member := store.GroupMember{GroupID: groupID, UserID: ownerID, Role: store.RoleOwner, JoinedAt: now}
		if err := tx.Create(&member).Error; err != nil {
			return fmt.Errorf("inserting owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &GroupInfo{GroupID: groupID, Name: name}, nil
}

// Join adiciona o usuário como member.
func (s *GroupService) Join(groupID, userID string) error {
	if _, err := s.group(groupID); err != nil {
		return err
	}

	member := store.GroupMember{GroupID: groupID, UserID: userID, Role: store.RoleMember, JoinedAt: time.Now().Unix()}
	if err := store.ConvertError(s.store.DB().Create(&member).Error); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("inserting membership: %w", err)
	}
	return nil
}

// Leave remove o usuário do grupo. O owner não pode sair; o caminho
// para o owner é o dissolve.
func (s *GroupService) Leave(groupID, userID string) error {
	role, err := s.Role(groupID, userID)
	if err != nil {
		return err
	}
	if role == store.RoleOwner {
		return ErrOwnerLeave
	}

	if err := s.store.DB().Delete(&store.GroupMember{}, "group_id = ? AND user_id = ?", groupID, userID).Error; err != nil {
		return fmt.Errorf("deleting membership: %w", err)
	}
	return nil
}

// Rename altera o nome do grupo. Permitido para owner ou admin.
func (s *GroupService) Rename(groupID, actorID, name string) error {
	role, err := s.Role(groupID, actorID)
	if err != nil {
		return err
	}
	if role != store.RoleOwner && role != store.RoleAdmin {
		return ErrNotAuthorized
	}

	res := s.store.DB().Model(&store.Group{}).Where("group_id = ?", groupID).Update("name", name)
	if res.Error != nil {
		return fmt.Errorf("renaming group: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrGroupNotFound
	}
	return nil
}

// Kick remove um membro. Owner pode remover qualquer um exceto a si;
// admin pode remover apenas members.
func (s *GroupService) Kick(groupID, actorID, targetID string) error {
	actorRole, err := s.Role(groupID, actorID)
	if err != nil {
		return err
	}
	targetRole, err := s.Role(groupID, targetID)
	if err != nil {
		return err
	}

	if targetRole == store.RoleOwner {
		return ErrTargetIsOwner
	}
	switch actorRole {
	case store.RoleOwner:
		// pode remover admins e members
	case store.RoleAdmin:
		if targetRole == store.RoleAdmin {
			return ErrAdminKickAdmin
		}
	default:
		return ErrNotAuthorized
	}

	if err := s.store.DB().Delete(&store.GroupMember{}, "group_id = ? AND user_id = ?", groupID, targetID).Error; err != nil {
		return fmt.Errorf("deleting membership: %w", err)
	}
	return nil
}

// Dissolve remove transacionalmente o grupo, os membros, as mensagens da
// conversa do grupo e os registros de entrega dessas mensagens.
// Permitido apenas para o owner.
func (s *GroupService) Dissolve(groupID, actorID string) error {
	role, err := s.Role(groupID, actorID)
	if err != nil {
		return err
	}
	if role != store.RoleOwner {
		return ErrNotAuthorized
	}

	return s.store.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&store.GroupMember{}, "group_id = ?", groupID).Error; err != nil {
			return fmt.Errorf("deleting members: %w", err)
		}
		// Targets das mensagens do grupo, depois as mensagens em si.
		sub := tx.Model(&store.Message{}).Select("message_id").
			Where("conversation_type = ? AND conversation_id = ?", "group", groupID)
		if err := tx.Delete(&store.MessageTarget{}, "message_id IN (?)", sub).Error; err != nil {
			return fmt.Errorf("deleting message targets: %w", err)
		}
		if err := tx.Delete(&store.Message{}, "conversation_type = ? AND conversation_id = ?", "group", groupID).Error; err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		if err := tx.Delete(&store.Group{}, "group_id = ?", groupID).Error; err != nil {
			return fmt.Errorf("deleting group: %w", err)
		}
		return nil
	})
}

// SetRole promove um member a admin ou rebaixa um admin a member.
// Permitido apenas para o owner; o owner não pode ser alvo.
func (s *GroupService) SetRole(groupID, actorID, targetID string, promote bool) error {
	actorRole, err := s.Role(groupID, actorID)
	if err != nil {
		return err
	}
	if actorRole != store.RoleOwner {
		return ErrNotAuthorized
	}

	targetRole, err := s.Role(groupID, targetID)
	if err != nil {
		return err
	}
	if targetRole == store.RoleOwner {
		return ErrTargetIsOwner
	}

	newRole := store.RoleMember
	if promote {
		newRole = store.RoleAdmin
	}
	if err := s.store.DB().Model(&store.GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, targetID).
		Update("role", newRole).Error; err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	return nil
}

// Role retorna o papel do usuário no grupo. ErrNotMember é distinguido
// de falha de backend para que o handler responda NOT_IN_GROUP.
func (s *GroupService) Role(groupID, userID string) (string, error) {
	if _, err := s.group(groupID); err != nil {
		return "", err
	}

	var member store.GroupMember
	err := store.ConvertError(s.store.DB().First(&member, "group_id = ? AND user_id = ?", groupID, userID).Error)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotMember
		}
		return "", fmt.Errorf("loading membership: %w", err)
	}
	return member.Role, nil
}

// Members retorna os user_ids de todos os membros do grupo.
func (s *GroupService) Members(groupID string) ([]string, error) {
	if _, err := s.group(groupID); err != nil {
		return nil, err
	}

	var ids []string
	if err := s.store.DB().Model(&store.GroupMember{}).
		Where("group_id = ?", groupID).
		Order("user_id").
		Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	return ids, nil
}

func (s *GroupService) group(groupID string) (*store.Group, error) {
	var group store.Group
	err := store.ConvertError(s.store.DB().First(&group, "group_id = ?", groupID).Error)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("loading group: %w", err)
	}
	return &group, nil
}
