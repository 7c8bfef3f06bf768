// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-talk/internal/client"
	"github.com/nishisan-dev/n-talk/internal/config"
	"github.com/nishisan-dev/n-talk/internal/logging"
	"github.com/nishisan-dev/n-talk/internal/protocol"
)

// reconnectThrottle é a pausa mínima entre tentativas de reconexão.
const reconnectThrottle = 2 * time.Second

func main() {
	configPath := flag.String("config", "/etc/ntalk/client.yaml", "path to client config file")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	app := newApp(cfg, logger)
	if err := app.connect(); err != nil {
		logger.Error("initial connection failed", "error", err)
		os.Exit(1)
	}

	app.start()
	app.repl()
	app.stop()
}

// app amarra endpoint, estado e coordenador e dirige a reconexão.
type app struct {
	cfg    *config.ClientConfig
	logger *slog.Logger

	ep    *client.Endpoint
	state *client.State
	coord *client.Coordinator

	mu       sync.Mutex
	userID   string
	password string
	loggedIn bool

	quit chan struct{}
	wg   sync.WaitGroup
}

func newApp(cfg *config.ClientConfig, logger *slog.Logger) *app {
	ep := client.NewEndpoint(cfg, logger)
	return &app{
		cfg:    cfg,
		logger: logger,
		ep:     ep,
		state:  client.NewState(),
		coord:  client.NewCoordinator(ep, cfg.DataDir, logger),
		quit:   make(chan struct{}),
	}
}

func (a *app) connect() error {
	if err := a.ep.ConnectTo(a.cfg.Server.Address); err != nil {
		return err
	}
	a.ep.Start()
	return nil
}

// start sobe o pump de pacotes e o watchdog de reconexão.
func (a *app) start() {
	a.wg.Add(2)
	go a.pump()
	go a.watchdog()
}

func (a *app) stop() {
	close(a.quit)
	a.ep.Stop()
	a.wg.Wait()
}

// pump drena a fila de entrada: transferências vão para o coordenador,
// pushes para o estado e o resto é impresso como resposta.
func (a *app) pump() {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			return
		default:
		}

		p := a.ep.PollPacket()
		if p == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if a.coord.HandlePacket(p) {
			continue
		}
		if a.state.Apply(p) {
			a.printPush(p)
			continue
		}
		a.printReply(p)
	}
}

// watchdog observa a morte do endpoint e reconecta: stop, connect,
// start, re-login e retomada das transferências pendentes.
func (a *app) watchdog() {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			return
		case <-time.After(reconnectThrottle):
		}

		if a.ep.Running() {
			continue
		}

		a.mu.Lock()
		userID, password, loggedIn := a.userID, a.password, a.loggedIn
		a.mu.Unlock()
		if !loggedIn {
			continue
		}

		a.logger.Warn("connection lost, reconnecting", "last_error", a.ep.LastError())
		a.ep.Stop()
		if err := a.ep.ConnectTo(a.cfg.Server.Address); err != nil {
			a.logger.Warn("reconnect failed", "error", err)
			continue
		}
		a.ep.Start()
		if _, err := a.ep.Login(userID, password); err != nil {
			a.logger.Warn("relogin failed", "error", err)
			continue
		}
		a.coord.ResumeTransfers()
	}
}

func (a *app) printPush(p *protocol.Packet) {
	switch p.Type {
	case protocol.PacketMessageDeliver:
		var m protocol.MessageDeliverMeta
		if p.UnmarshalMeta(&m) == nil {
			fmt.Printf("[%s/%s] %s: %s\n", m.ConversationType, m.ConversationID, m.SenderNickname, m.Content)
		}
	case protocol.PacketFileDone:
		var n protocol.FileNoticeMeta
		if p.UnmarshalMeta(&n) == nil {
			fmt.Printf("[file] %s enviou %s (%d bytes, id %s)\n", n.UploaderNickname, n.FileName, n.FileSize, n.FileID)
		}
	case protocol.PacketUserListUpdate:
		users := a.state.OnlineUsers()
		names := make([]string, len(users))
		for i, u := range users {
			names[i] = u.UserID
		}
		fmt.Printf("[online] %s\n", strings.Join(names, ", "))
	}
}

func (a *app) printReply(p *protocol.Packet) {
	switch p.Type {
	case protocol.PacketAuthOk:
		var m protocol.AuthOkMeta
		if p.UnmarshalMeta(&m) == nil && m.LoggedIn {
			a.mu.Lock()
			a.loggedIn = true
			a.mu.Unlock()
			fmt.Printf("logged in as %s (%s)\n", m.UserID, m.Nickname)
			return
		}
		fmt.Println("registered")
	case protocol.PacketAuthError:
		var m protocol.ErrorMeta
		if p.UnmarshalMeta(&m) == nil {
			fmt.Printf("auth error: %s (%s)\n", m.Message, m.Code)
		}
	case protocol.PacketHistoryResponse:
		// Já incorporado ao estado quando ok; aqui só erros chegam.
		var m protocol.ErrorMeta
		if p.UnmarshalMeta(&m) == nil && m.Status == protocol.StatusError {
			fmt.Printf("history error: %s (%s)\n", m.Message, m.Code)
		}
	default:
		fmt.Printf("%s: %s\n", p.Type, string(p.Meta))
	}
}

// repl lê comandos do stdin até EOF ou quit.
func (a *app) repl() {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("ntalk-client ready; type 'help'")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		args := strings.Fields(line)
		if args[0] == "quit" || args[0] == "exit" {
			return
		}
		if err := a.dispatch(args, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (a *app) dispatch(args []string, line string) error {
	switch args[0] {
	case "help":
		printHelp()
		return nil

	case "register":
		if len(args) != 4 {
			return fmt.Errorf("usage: register <user_id> <nickname> <password>")
		}
		_, err := a.ep.Register(args[1], args[2], args[3])
		return err

	case "login":
		if len(args) != 3 {
			return fmt.Errorf("usage: login <user_id> <password>")
		}
		a.mu.Lock()
		a.userID, a.password = args[1], args[2]
		a.mu.Unlock()
		_, err := a.ep.Login(args[1], args[2])
		return err

	case "msg":
		if len(args) < 4 {
			return fmt.Errorf("usage: msg <private|group> <id> <text>")
		}
		content := strings.SplitN(line, args[2], 2)[1]
		_, err := a.ep.SendMessage(args[1], args[2], strings.TrimSpace(content))
		return err

	case "history":
		if len(args) != 3 {
			return fmt.Errorf("usage: history <private|group> <id>")
		}
		_, before := a.state.Messages(args[1], args[2])
		_, err := a.ep.FetchHistory(args[1], args[2], before, a.cfg.History.PageSize)
		return err

	case "group":
		return a.dispatchGroup(args[1:])

	case "send":
		if len(args) != 4 {
			return fmt.Errorf("usage: send <private|group> <id> <path>")
		}
		_, err := a.coord.BeginUpload(args[3], args[1], args[2])
		return err

	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <file_id>")
		}
		for _, notice := range a.state.FileNotices() {
			if notice.FileID == args[1] {
				_, err := a.coord.BeginDownload(notice)
				return err
			}
		}
		return fmt.Errorf("unknown file_id %s", args[1])

	case "users":
		for _, u := range a.state.OnlineUsers() {
			fmt.Printf("  %s (%s)\n", u.UserID, u.Nickname)
		}
		return nil

	case "notices":
		for _, n := range a.state.FileNotices() {
			fmt.Printf("  %s  %s  %d bytes  de %s\n", n.FileID, n.FileName, n.FileSize, n.UploaderID)
		}
		return nil

	case "transfers":
		for _, u := range a.coord.Uploads() {
			fmt.Printf("  up   %-30s %d/%d done=%v failed=%v %s\n", u.FileName, u.NextOffset, u.FileSize, u.Done, u.Failed, u.Error)
		}
		for _, d := range a.coord.Downloads() {
			fmt.Printf("  down %-30s %d/%d done=%v failed=%v %s\n", d.FileName, d.NextOffset, d.FileSize, d.Done, d.Failed, d.Error)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q; type 'help'", args[0])
}

func (a *app) dispatchGroup(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: group <create|join|leave|admin> ...")
	}
	switch args[0] {
	case "create":
		if len(args) != 2 {
			return fmt.Errorf("usage: group create <name>")
		}
		_, err := a.ep.CreateGroup(args[1])
		return err
	case "join":
		if len(args) != 2 {
			return fmt.Errorf("usage: group join <group_id>")
		}
		_, err := a.ep.JoinGroup(args[1])
		return err
	case "leave":
		if len(args) != 2 {
			return fmt.Errorf("usage: group leave <group_id>")
		}
		_, err := a.ep.LeaveGroup(args[1])
		return err
	case "admin":
		if len(args) < 3 {
			return fmt.Errorf("usage: group admin <action> <group_id> [name|target_user_id]")
		}
		extra := ""
		if len(args) > 3 {
			extra = args[3]
		}
		name, target := "", ""
		if args[1] == protocol.GroupActionRename {
			name = extra
		} else {
			target = extra
		}
		_, err := a.ep.GroupAdmin(args[1], args[2], name, target)
		return err
	}
	return fmt.Errorf("unknown group subcommand %q", args[0])
}

func printHelp() {
	fmt.Println(`commands:
  register <user_id> <nickname> <password>
  login <user_id> <password>
  msg <private|group> <id> <text>
  history <private|group> <id>
  group create <name> | join <id> | leave <id> | admin <action> <id> [arg]
  send <private|group> <id> <path>   upload a file
  get <file_id>                      download a received file
  users | notices | transfers
  quit`)
}
