// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nishisan-dev/n-talk/internal/protocol"
)

// UploadTask é o estado de um upload em andamento.
type UploadTask struct {
	Path             string
	ConversationType string
	ConversationID   string
	FileName         string
	FileID           string // vazio até o FileAccept
	SHA256           string
	FileSize         int64
	NextOffset       int64
	ChunkSize        int64
	Done             bool
	Failed           bool
	Error            string

	src *os.File
}

// DownloadTask é o estado de um download em andamento.
type DownloadTask struct {
	FileID           string
	FileName         string
	SHA256           string
	ConversationType string
	ConversationID   string
	FileSize         int64
	NextOffset       int64
	TempPath         string
	FinalPath        string
	Done             bool
	Failed           bool
	Error            string
}

// Coordinator é a máquina de estados de transferências do client.
// Uploads: offer pendente por request_id → promovido a uploads[file_id]
// no FileAccept → loop de chunks → FileUploadDone → FileDone. Downloads:
// requests estritamente sequenciais por offset, escrita no .part,
// verificação de SHA-256 e rename atômico no fim.
type Coordinator struct {
	ep      *Endpoint
	dataDir string
	logger  *slog.Logger

	mu            sync.Mutex
	pendingOffers map[uint64]*UploadTask
	uploads       map[string]*UploadTask
	chunkAcks     map[uint64]*UploadTask
	doneAcks      map[uint64]*UploadTask
	downloads     map[string]*DownloadTask
	downloadReqs  map[uint64]*DownloadTask
}

func NewCoordinator(ep *Endpoint, dataDir string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		ep:            ep,
		dataDir:       dataDir,
		logger:        logger.With("component", "transfer"),
		pendingOffers: make(map[uint64]*UploadTask),
		uploads:       make(map[string]*UploadTask),
		chunkAcks:     make(map[uint64]*UploadTask),
		doneAcks:      make(map[uint64]*UploadTask),
		downloads:     make(map[string]*DownloadTask),
		downloadReqs:  make(map[uint64]*DownloadTask),
	}
}

// BeginUpload calcula o hash do arquivo, envia o FileOffer e parqueia a
// task até o FileAccept. O arquivo precisa ser regular e não-vazio.
func (c *Coordinator) BeginUpload(path, conversationType, conversationID string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stating upload source: %w", err)
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return 0, fmt.Errorf("upload source %s must be a non-empty regular file", path)
	}

	sum, err := hashFile(path)
	if err != nil {
		return 0, err
	}

	task := &UploadTask{
		Path:             path,
		ConversationType: conversationType,
		ConversationID:   conversationID,
		FileName:         filepath.Base(path),
		SHA256:           sum,
		FileSize:         info.Size(),
	}

	id, err := c.ep.OfferFile(protocol.FileOfferMeta{
		ConversationType: conversationType,
		ConversationID:   conversationID,
		FileName:         task.FileName,
		FileSize:         task.FileSize,
		SHA256:           task.SHA256,
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.pendingOffers[id] = task
	c.mu.Unlock()

	c.logger.Info("upload offered", "file", task.FileName, "bytes", task.FileSize)
	return id, nil
}

// BeginDownload prepara o destino local e pede o primeiro chunk. Um
// .part parcial existente é adotado como ponto de retomada.
func (c *Coordinator) BeginDownload(notice protocol.FileNoticeMeta) (uint64, error) {
	dir := filepath.Join(c.dataDir, "downloads", notice.ConversationType, notice.ConversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating download directory: %w", err)
	}

	base := notice.FileID + "_" + sanitizeName(notice.FileName)
	task := &DownloadTask{
		FileID:           notice.FileID,
		FileName:         notice.FileName,
		SHA256:           notice.SHA256,
		ConversationType: notice.ConversationType,
		ConversationID:   notice.ConversationID,
		FileSize:         notice.FileSize,
		TempPath:         filepath.Join(dir, base+".part"),
		FinalPath:        filepath.Join(dir, base),
	}

	if info, err := os.Stat(task.TempPath); err == nil && info.Size() > 0 && info.Size() < task.FileSize {
		task.NextOffset = info.Size()
		c.logger.Info("adopting partial download", "file_id", task.FileID, "offset", task.NextOffset)
	} else if err == nil {
		os.Truncate(task.TempPath, 0)
	}

	c.mu.Lock()
	c.downloads[task.FileID] = task
	c.mu.Unlock()

	return c.requestChunk(task)
}

// HandlePacket processa um pacote do server quando ele pertence a uma
// transferência deste coordenador. Retorna true quando consumiu o
// pacote; false deixa o pacote para o caller (acks de outras requests,
// pushes de notice).
func (c *Coordinator) HandlePacket(p *protocol.Packet) bool {
	switch p.Type {
	case protocol.PacketFileAccept:
		return c.onFileAccept(p)
	case protocol.PacketFileUploadChunk:
		return c.onChunkAck(p)
	case protocol.PacketFileDone:
		return c.onFileDone(p)
	case protocol.PacketFileDownloadChunk:
		return c.onDownloadChunk(p)
	}
	return false
}

func (c *Coordinator) onFileAccept(p *protocol.Packet) bool {
	c.mu.Lock()
	task, ok := c.pendingOffers[p.RequestID]
	if ok {
		delete(c.pendingOffers, p.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	var errMeta protocol.ErrorMeta
	if err := p.UnmarshalMeta(&errMeta); err == nil && errMeta.Status == protocol.StatusError {
		c.failUpload(task, errMeta.Message)
		return true
	}

	var meta protocol.FileAcceptMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		c.failUpload(task, err.Error())
		return true
	}

	c.mu.Lock()
	task.FileID = meta.FileID
	task.NextOffset = meta.NextOffset
	task.ChunkSize = meta.ChunkSize
	task.Failed = false
	task.Error = ""
	c.uploads[meta.FileID] = task
	c.mu.Unlock()

	c.sendNextChunk(task)
	return true
}

func (c *Coordinator) onChunkAck(p *protocol.Packet) bool {
	c.mu.Lock()
	task, ok := c.chunkAcks[p.RequestID]
	if ok {
		delete(c.chunkAcks, p.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	var meta protocol.FileChunkAckMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		c.failUpload(task, err.Error())
		return true
	}

	if meta.Status != protocol.StatusOK {
		// Em offset mismatch o server informa o offset que aceitaria;
		// adotar faz a retomada (pós-reconexão) continuar do lugar certo.
		// Falha sem expected_offset não mexe no progresso local.
		if meta.Code == protocol.CodeUploadFailed && meta.ExpectedOffset != nil {
			c.mu.Lock()
			task.NextOffset = *meta.ExpectedOffset
			c.mu.Unlock()
		}
		c.failUpload(task, meta.Message)
		return true
	}

	c.mu.Lock()
	task.NextOffset = meta.NextOffset
	finished := task.NextOffset >= task.FileSize
	c.mu.Unlock()

	if finished {
		id, err := c.ep.FileUploadDone(task.FileID)
		if err != nil {
			c.failUpload(task, err.Error())
			return true
		}
		c.mu.Lock()
		c.doneAcks[id] = task
		c.mu.Unlock()
		return true
	}

	c.sendNextChunk(task)
	return true
}

func (c *Coordinator) onFileDone(p *protocol.Packet) bool {
	if p.RequestID == 0 {
		// Push de notice de outro uploader; fica para o State.
		return false
	}

	c.mu.Lock()
	task, ok := c.doneAcks[p.RequestID]
	if ok {
		delete(c.doneAcks, p.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	var errMeta protocol.ErrorMeta
	if err := p.UnmarshalMeta(&errMeta); err == nil && errMeta.Status == protocol.StatusError {
		c.failUpload(task, errMeta.Message)
		return true
	}

	c.mu.Lock()
	task.Done = true
	if task.src != nil {
		task.src.Close()
		task.src = nil
	}
	c.mu.Unlock()

	c.logger.Info("upload complete", "file_id", task.FileID, "file", task.FileName)
	return true
}

func (c *Coordinator) onDownloadChunk(p *protocol.Packet) bool {
	c.mu.Lock()
	task, ok := c.downloadReqs[p.RequestID]
	if ok {
		delete(c.downloadReqs, p.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	var errMeta protocol.ErrorMeta
	if err := p.UnmarshalMeta(&errMeta); err == nil && errMeta.Status == protocol.StatusError {
		c.failDownload(task, errMeta.Message)
		return true
	}

	var meta protocol.FileDownloadChunkMeta
	if err := p.UnmarshalMeta(&meta); err != nil {
		c.failDownload(task, err.Error())
		return true
	}

	c.mu.Lock()
	expected := task.NextOffset
	c.mu.Unlock()

	if meta.Offset != expected {
		// O server ecoa o offset pedido; divergência é quebra de protocolo.
		c.failDownload(task, fmt.Sprintf("download offset mismatch: got %d, want %d", meta.Offset, expected))
		return true
	}
	if len(p.Bin) == 0 && !meta.Done {
		c.failDownload(task, "empty download chunk")
		return true
	}

	if err := writeAt(task.TempPath, meta.Offset, p.Bin); err != nil {
		c.failDownload(task, err.Error())
		return true
	}

	c.mu.Lock()
	task.NextOffset += int64(len(p.Bin))
	finished := meta.Done || task.NextOffset >= task.FileSize
	c.mu.Unlock()

	if finished {
		c.finishDownload(task)
		return true
	}

	if _, err := c.requestChunk(task); err != nil {
		c.failDownload(task, err.Error())
	}
	return true
}

// finishDownload verifica o hash do .part e faz o rename atômico para o
// nome final. Em mismatch o .part fica no lugar para diagnóstico.
func (c *Coordinator) finishDownload(task *DownloadTask) {
	sum, err := hashFile(task.TempPath)
	if err != nil {
		c.failDownload(task, err.Error())
		return
	}
	if sum != task.SHA256 {
		c.failDownload(task, fmt.Sprintf("sha256 mismatch: got %s, want %s", sum, task.SHA256))
		return
	}
	if err := os.Rename(task.TempPath, task.FinalPath); err != nil {
		c.failDownload(task, err.Error())
		return
	}

	c.mu.Lock()
	task.Done = true
	c.mu.Unlock()

	c.logger.Info("download complete", "file_id", task.FileID, "path", task.FinalPath)
}

// ResumeTransfers reemite o que ficou pendente após uma reconexão: a
// tabela de correlação de downloads é descartada incondicionalmente,
// offers pendentes e uploads inacabados são reoferecidos (com file_id,
// para o server responder com o uploaded_size atual) e downloads
// inacabados são re-pedidos no offset corrente.
func (c *Coordinator) ResumeTransfers() {
	c.mu.Lock()
	c.downloadReqs = make(map[uint64]*DownloadTask)
	c.chunkAcks = make(map[uint64]*UploadTask)
	c.doneAcks = make(map[uint64]*UploadTask)

	offers := make([]*UploadTask, 0, len(c.pendingOffers)+len(c.uploads))
	for _, task := range c.pendingOffers {
		offers = append(offers, task)
	}
	c.pendingOffers = make(map[uint64]*UploadTask)
	for _, task := range c.uploads {
		if !task.Done {
			if task.src != nil {
				task.src.Close()
				task.src = nil
			}
			offers = append(offers, task)
		}
	}

	var resumes []*DownloadTask
	for _, task := range c.downloads {
		if !task.Done {
			resumes = append(resumes, task)
		}
	}
	c.mu.Unlock()

	for _, task := range offers {
		id, err := c.ep.OfferFile(protocol.FileOfferMeta{
			ConversationType: task.ConversationType,
			ConversationID:   task.ConversationID,
			FileName:         task.FileName,
			FileSize:         task.FileSize,
			SHA256:           task.SHA256,
			FileID:           task.FileID,
		})
		if err != nil {
			c.failUpload(task, err.Error())
			continue
		}
		c.mu.Lock()
		task.Failed = false
		task.Error = ""
		c.pendingOffers[id] = task
		c.mu.Unlock()
	}

	for _, task := range resumes {
		c.mu.Lock()
		task.Failed = false
		task.Error = ""
		c.mu.Unlock()
		if _, err := c.requestChunk(task); err != nil {
			c.failDownload(task, err.Error())
		}
	}

	if len(offers) > 0 || len(resumes) > 0 {
		c.logger.Info("transfers resumed", "uploads", len(offers), "downloads", len(resumes))
	}
}

// Uploads retorna um snapshot das tasks de upload conhecidas.
func (c *Coordinator) Uploads() []UploadTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]UploadTask, 0, len(c.uploads)+len(c.pendingOffers))
	for _, task := range c.pendingOffers {
		out = append(out, *task)
	}
	for _, task := range c.uploads {
		out = append(out, *task)
	}
	return out
}

// Downloads retorna um snapshot das tasks de download conhecidas.
func (c *Coordinator) Downloads() []DownloadTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DownloadTask, 0, len(c.downloads))
	for _, task := range c.downloads {
		out = append(out, *task)
	}
	return out
}

// sendNextChunk lê o próximo pedaço da origem e o envia, registrando o
// request para correlacionar o ack.
func (c *Coordinator) sendNextChunk(task *UploadTask) {
	c.mu.Lock()
	if task.src == nil {
		src, err := os.Open(task.Path)
		if err != nil {
			c.mu.Unlock()
			c.failUpload(task, err.Error())
			return
		}
		task.src = src
	}
	src := task.src
	offset := task.NextOffset
	size := task.ChunkSize
	if remaining := task.FileSize - offset; remaining < size {
		size = remaining
	}
	c.mu.Unlock()

	buf := make([]byte, size)
	if _, err := src.ReadAt(buf, offset); err != nil && err != io.EOF {
		c.failUpload(task, err.Error())
		return
	}

	id, err := c.ep.SendFileChunk(task.FileID, offset, buf)
	if err != nil {
		c.failUpload(task, err.Error())
		return
	}

	c.mu.Lock()
	c.chunkAcks[id] = task
	c.mu.Unlock()
}

func (c *Coordinator) requestChunk(task *DownloadTask) (uint64, error) {
	c.mu.Lock()
	offset := task.NextOffset
	c.mu.Unlock()

	id, err := c.ep.RequestFileChunk(task.FileID, offset)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.downloadReqs[id] = task
	c.mu.Unlock()
	return id, nil
}

func (c *Coordinator) failUpload(task *UploadTask, msg string) {
	c.mu.Lock()
	task.Failed = true
	task.Error = msg
	if task.src != nil {
		task.src.Close()
		task.src = nil
	}
	c.mu.Unlock()
	c.logger.Warn("upload failed", "file", task.FileName, "file_id", task.FileID, "error", msg)
}

func (c *Coordinator) failDownload(task *DownloadTask, msg string) {
	c.mu.Lock()
	task.Failed = true
	task.Error = msg
	c.mu.Unlock()
	c.logger.Warn("download failed", "file_id", task.FileID, "error", msg)
}

// writeAt grava data no arquivo em offset: truncate+write quando
// offset==0, in-place nos demais.
func writeAt(path string, offset int64, data []byte) error {
	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening download temp: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("writing download temp: %w", err)
	}
	return nil
}

// hashFile calcula o SHA-256 do conteúdo, em hex minúsculo.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sanitizeName normaliza o nome vindo do server para uso em paths
// locais: todo byte fora de [A-Za-z0-9._-] vira '_'; vazio vira "file".
func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == '.' || c == '_' || c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "file"
	}
	return string(out)
}
