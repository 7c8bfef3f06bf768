// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/nishisan-dev/n-talk/internal/protocol"
)

// ErrUserOnline indica que o user_id já tem uma sessão autenticada.
var ErrUserOnline = errors.New("user already online")

// connection representa uma conexão aceita. Writes passam pelo mutex
// para preservar a ordem FIFO por conexão quando handlers e pushes
// escrevem concorrentemente.
type connection struct {
	netConn net.Conn
	remote  string

	writeMu sync.Mutex
}

func newConnection(netConn net.Conn) *connection {
	return &connection{
		netConn: netConn,
		remote:  netConn.RemoteAddr().String(),
	}
}

// session é o estado de autenticação de uma conexão.
type session struct {
	conn     *connection
	userID   string
	nickname string
	loggedIn bool
}

// Registry mantém as duas tabelas de sessão: por conexão e por usuário
// autenticado. A invariante é no máximo uma sessão autenticada por
// user_id a qualquer instante.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*connection]*session
	users    map[string]*session
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger.With("component", "sessions"),
		sessions: make(map[*connection]*session),
		users:    make(map[string]*session),
	}
}

// Add registra uma conexão recém-aceita (estado Accepted).
func (r *Registry) Add(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[c] = &session{conn: c}
}

// Login promove a conexão para o estado autenticado. Falha com
// ErrUserOnline se o user_id já está logado em outra conexão; a sessão
// existente permanece intacta.
func (r *Registry) Login(c *connection, userID, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, online := r.users[userID]; online {
		return ErrUserOnline
	}
	sess, ok := r.sessions[c]
	if !ok {
		return errors.New("connection not registered")
	}
	if sess.loggedIn {
		// Re-login na mesma conexão: solta o user_id anterior.
		delete(r.users, sess.userID)
	}
	sess.userID = userID
	sess.nickname = nickname
	sess.loggedIn = true
	r.users[userID] = sess

	r.logger.Debug("session upgraded", "user_id", userID, "remote", c.remote)
	return nil
}

// Remove descarta a conexão das duas tabelas. Retorna o user_id e se a
// sessão estava autenticada, para o caller decidir o broadcast.
func (r *Registry) Remove(c *connection) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[c]
	if !ok {
		return "", false
	}
	delete(r.sessions, c)
	if sess.loggedIn {
		delete(r.users, sess.userID)
		return sess.userID, true
	}
	return "", false
}

// User retorna a identidade autenticada da conexão, se houver.
func (r *Registry) User(c *connection) (userID, nickname string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, found := r.sessions[c]
	if !found || !sess.loggedIn {
		return "", "", false
	}
	return sess.userID, sess.nickname, true
}

// Lookup retorna a conexão autenticada de um user_id.
func (r *Registry) Lookup(userID string) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	return sess.conn, true
}

// OnlineUsers retorna um snapshot ordenado dos usuários autenticados.
func (r *Registry) OnlineUsers() []protocol.OnlineUser {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]protocol.OnlineUser, 0, len(r.users))
	for _, sess := range r.users {
		users = append(users, protocol.OnlineUser{UserID: sess.userID, Nickname: sess.nickname})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// LoggedInConns retorna um snapshot das conexões autenticadas (alvo de
// broadcasts).
func (r *Registry) LoggedInConns() []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*connection, 0, len(r.users))
	for _, sess := range r.users {
		conns = append(conns, sess.conn)
	}
	return conns
}

// Count retorna o total de conexões registradas (autenticadas ou não).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
