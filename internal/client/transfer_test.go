package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/n-talk/internal/config"
	"github.com/nishisan-dev/n-talk/internal/protocol"
	"github.com/nishisan-dev/n-talk/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startChatServer sobe um server real em porta efêmera.
func startChatServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.ServerConfig{
		Storage:  config.StorageInfo{DataDir: dir, DBPath: filepath.Join(dir, "ntalk.db")},
		Limits:   config.LimitsInfo{MaxClients: 16, HistoryPageSize: 20, FileChunkRaw: 64 * 1024},
		Snapshot: config.SnapshotConfig{UploadTTL: "72h"},
		Stats:    config.StatsConfig{Interval: "0"},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.RunWithListener(ctx, ln, cfg, testLogger()) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func newTestEndpoint(t *testing.T, addr string) *Endpoint {
	t.Helper()
	cfg := &config.ClientConfig{
		Server:  config.ServerAddr{Address: addr},
		DataDir: t.TempDir(),
	}
	ep := NewEndpoint(cfg, testLogger())
	if err := ep.ConnectTo(addr); err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	ep.Start()
	t.Cleanup(ep.Stop)
	return ep
}

// awaitReply drena a fila de entrada até a resposta com o id dado,
// encaminhando o resto para coordenador e estado.
func awaitReply(t *testing.T, ep *Endpoint, coord *Coordinator, state *State, id uint64) *protocol.Packet {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		p := ep.PollPacket()
		if p == nil {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if p.RequestID == id {
			return p
		}
		if coord != nil && coord.HandlePacket(p) {
			continue
		}
		if state != nil {
			state.Apply(p)
		}
	}
	t.Fatalf("reply %d not received", id)
	return nil
}

// pumpUntil drena pacotes até cond ficar verdadeira.
func pumpUntil(t *testing.T, ep *Endpoint, coord *Coordinator, state *State, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		p := ep.PollPacket()
		if p == nil {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if coord != nil && coord.HandlePacket(p) {
			continue
		}
		if state != nil {
			state.Apply(p)
		}
	}
	t.Fatal("condition not reached before timeout")
}

func mustRegister(t *testing.T, ep *Endpoint, userID, nickname, password string) {
	t.Helper()
	id, err := ep.Register(userID, nickname, password)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p := awaitReply(t, ep, nil, nil, id); p.Type != protocol.PacketAuthOk {
		t.Fatalf("register %s: got %s meta=%s", userID, p.Type, p.Meta)
	}
}

func mustLogin(t *testing.T, ep *Endpoint, coord *Coordinator, state *State, userID, password string) {
	t.Helper()
	id, err := ep.Login(userID, password)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if p := awaitReply(t, ep, coord, state, id); p.Type != protocol.PacketAuthOk {
		t.Fatalf("login %s: got %s meta=%s", userID, p.Type, p.Meta)
	}
}

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := make([]byte, size)
	if _, err := rand.Read(content); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, content
}

func uploadDone(coord *Coordinator) func() bool {
	return func() bool {
		for _, task := range coord.Uploads() {
			if task.Done {
				return true
			}
			if task.Failed {
				return true
			}
		}
		return false
	}
}

func TestUploadAndDownloadRoundTrip(t *testing.T) {
	addr := startChatServer(t)

	alice := newTestEndpoint(t, addr)
	mustRegister(t, alice, "alice", "Alice", "pw")
	mustRegister(t, alice, "bob", "Bob", "pw")
	mustLogin(t, alice, nil, nil, "alice", "pw")

	path, content := writeTempFile(t, 150_000)
	coord := NewCoordinator(alice, t.TempDir(), testLogger())
	if _, err := coord.BeginUpload(path, "private", "bob"); err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}

	pumpUntil(t, alice, coord, nil, uploadDone(coord))
	uploads := coord.Uploads()
	if len(uploads) != 1 || !uploads[0].Done || uploads[0].Failed {
		t.Fatalf("upload state = %+v", uploads)
	}

	// Bob loga, recebe o notice offline e baixa o arquivo.
	bob := newTestEndpoint(t, addr)
	bobState := NewState()
	bobDir := t.TempDir()
	bobCoord := NewCoordinator(bob, bobDir, testLogger())

	mustLogin(t, bob, bobCoord, bobState, "bob", "pw")
	pumpUntil(t, bob, bobCoord, bobState, func() bool { return len(bobState.FileNotices()) == 1 })

	notice := bobState.FileNotices()[0]
	if notice.UploaderID != "alice" || notice.FileSize != int64(len(content)) {
		t.Fatalf("notice = %+v", notice)
	}

	if _, err := bobCoord.BeginDownload(notice); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	pumpUntil(t, bob, bobCoord, bobState, func() bool {
		tasks := bobCoord.Downloads()
		return len(tasks) == 1 && (tasks[0].Done || tasks[0].Failed)
	})

	task := bobCoord.Downloads()[0]
	if !task.Done || task.Failed {
		t.Fatalf("download state = %+v", task)
	}
	got, err := os.ReadFile(task.FinalPath)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded content differs from source")
	}
	if _, err := os.Stat(task.TempPath); !os.IsNotExist(err) {
		t.Errorf(".part should be renamed away, stat err = %v", err)
	}
}

func TestDownloadAdoptsExistingPartial(t *testing.T) {
	addr := startChatServer(t)

	alice := newTestEndpoint(t, addr)
	mustRegister(t, alice, "alice", "Alice", "pw")
	mustRegister(t, alice, "bob", "Bob", "pw")
	mustLogin(t, alice, nil, nil, "alice", "pw")

	path, content := writeTempFile(t, 100_000)
	coord := NewCoordinator(alice, t.TempDir(), testLogger())
	if _, err := coord.BeginUpload(path, "private", "bob"); err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	pumpUntil(t, alice, coord, nil, uploadDone(coord))

	bob := newTestEndpoint(t, addr)
	bobState := NewState()
	bobDir := t.TempDir()
	bobCoord := NewCoordinator(bob, bobDir, testLogger())
	mustLogin(t, bob, bobCoord, bobState, "bob", "pw")
	pumpUntil(t, bob, bobCoord, bobState, func() bool { return len(bobState.FileNotices()) == 1 })

	notice := bobState.FileNotices()[0]

	// Simula um download interrompido: .part com o prefixo correto.
	dir := filepath.Join(bobDir, "downloads", notice.ConversationType, notice.ConversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	partial := filepath.Join(dir, notice.FileID+"_"+sanitizeName(notice.FileName)+".part")
	if err := os.WriteFile(partial, content[:30_000], 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := bobCoord.BeginDownload(notice); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	if tasks := bobCoord.Downloads(); tasks[0].NextOffset != 30_000 {
		t.Fatalf("NextOffset = %d, want 30000", tasks[0].NextOffset)
	}

	pumpUntil(t, bob, bobCoord, bobState, func() bool {
		tasks := bobCoord.Downloads()
		return len(tasks) == 1 && (tasks[0].Done || tasks[0].Failed)
	})

	task := bobCoord.Downloads()[0]
	if !task.Done || task.Failed {
		t.Fatalf("download state = %+v", task)
	}
	got, err := os.ReadFile(task.FinalPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("resumed download content differs from source")
	}
}

func TestResumeTransfersAfterReconnect(t *testing.T) {
	addr := startChatServer(t)

	alice := newTestEndpoint(t, addr)
	mustRegister(t, alice, "alice", "Alice", "pw")
	mustRegister(t, alice, "bob", "Bob", "pw")
	mustLogin(t, alice, nil, nil, "alice", "pw")

	path, content := writeTempFile(t, 100_000)
	coord := NewCoordinator(alice, t.TempDir(), testLogger())
	if _, err := coord.BeginUpload(path, "private", "bob"); err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}

	// Conexão cai antes de qualquer resposta ser processada.
	alice.Stop()
	if err := alice.ConnectTo(addr); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	alice.Start()

	// O server pode ainda não ter percebido a desconexão; relogin com
	// retry até a sessão antiga ser liberada.
	deadline := time.Now().Add(5 * time.Second)
	for {
		id, err := alice.Login("alice", "pw")
		if err != nil {
			t.Fatalf("Login: %v", err)
		}
		p := awaitReply(t, alice, nil, nil, id)
		if p.Type == protocol.PacketAuthOk {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relogin kept failing: %s", p.Meta)
		}
		time.Sleep(50 * time.Millisecond)
	}

	coord.ResumeTransfers()
	pumpUntil(t, alice, coord, nil, uploadDone(coord))

	uploads := coord.Uploads()
	if len(uploads) != 1 || !uploads[0].Done || uploads[0].Failed {
		t.Fatalf("upload after resume = %+v", uploads)
	}
	if uploads[0].FileSize != int64(len(content)) {
		t.Errorf("FileSize = %d", uploads[0].FileSize)
	}
}

func chunkAckPacket(t *testing.T, requestID uint64, meta protocol.FileChunkAckMeta) *protocol.Packet {
	t.Helper()
	raw, err := protocol.MarshalMeta(meta)
	if err != nil {
		t.Fatalf("marshal ack meta: %v", err)
	}
	return &protocol.Packet{Type: protocol.PacketFileUploadChunk, RequestID: requestID, Meta: raw}
}

// Falha de upload sem expected_offset não pode rebobinar o progresso
// local: só o mismatch real carrega o offset de retomada.
func TestChunkAckFailureWithoutExpectedOffsetKeepsProgress(t *testing.T) {
	coord := NewCoordinator(nil, t.TempDir(), testLogger())
	task := &UploadTask{FileID: "f1", FileName: "x.bin", FileSize: 200_000, NextOffset: 64 * 1024}
	coord.uploads[task.FileID] = task
	coord.chunkAcks[7] = task

	consumed := coord.HandlePacket(chunkAckPacket(t, 7, protocol.FileChunkAckMeta{
		Status: protocol.StatusError, Code: protocol.CodeUploadFailed, Message: "disk full",
	}))
	if !consumed {
		t.Fatal("ack not consumed")
	}
	if task.NextOffset != 64*1024 {
		t.Errorf("NextOffset = %d, want %d", task.NextOffset, 64*1024)
	}
	if !task.Failed || task.Error != "disk full" {
		t.Errorf("task = %+v", task)
	}
}

func TestChunkAckMismatchAdoptsExpectedOffset(t *testing.T) {
	coord := NewCoordinator(nil, t.TempDir(), testLogger())
	task := &UploadTask{FileID: "f1", FileName: "x.bin", FileSize: 200_000, NextOffset: 128 * 1024}
	coord.uploads[task.FileID] = task
	coord.chunkAcks[9] = task

	expected := int64(32 * 1024)
	consumed := coord.HandlePacket(chunkAckPacket(t, 9, protocol.FileChunkAckMeta{
		Status: protocol.StatusError, Code: protocol.CodeUploadFailed,
		Message: "offset mismatch", ExpectedOffset: &expected,
	}))
	if !consumed {
		t.Fatal("ack not consumed")
	}
	if task.NextOffset != expected {
		t.Errorf("NextOffset = %d, want %d", task.NextOffset, expected)
	}
	if !task.Failed {
		t.Error("task should be marked failed until the retry")
	}
}
