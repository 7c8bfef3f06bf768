// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package service

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/nishisan-dev/n-talk/internal/logging"
	"github.com/nishisan-dev/n-talk/internal/store"
)

// Erros do serviço de arquivos.
var (
	ErrUploadNotFound   = errors.New("file: upload not found")
	ErrNotUploader      = errors.New("file: uploader mismatch")
	ErrSizeExceeded     = errors.New("file: chunk exceeds declared size")
	ErrSizeMismatch     = errors.New("file: uploaded size does not match declared size")
	ErrChecksumMismatch = errors.New("file: sha256 mismatch")
	ErrFileNotFound     = errors.New("file: not found")
	ErrNoPermission     = errors.New("file: no download permission")
	ErrStillUploading   = errors.New("file: still uploading")
	ErrOutOfRange       = errors.New("file: offset out of range")
)

// OffsetMismatchError sinaliza append fora de ordem. Expected é o offset
// que o server aceitaria, ecoado na resposta para o client buscar.
type OffsetMismatchError struct {
	Expected int64
}

func (e *OffsetMismatchError) Error() string {
	return fmt.Sprintf("file: offset mismatch, expected %d", e.Expected)
}

// FileOffer é a entrada para criar um upload.
type FileOffer struct {
	UploaderID       string
	UploaderNickname string
	ConversationType string
	ConversationID   string
	FileName         string
	FileSize         int64
	SHA256           string
}

// FileNotice é a metadata de um arquivo publicado, enviada no FileDone
// e nas entregas offline.
type FileNotice struct {
	FileID           string `json:"file_id"`
	UploaderID       string `json:"uploader_id"`
	UploaderNickname string `json:"uploader_nickname"`
	ConversationType string `json:"conversation_type"`
	ConversationID   string `json:"conversation_id"`
	FileName         string `json:"file_name"`
	FileSize         int64  `json:"file_size"`
	SHA256           string `json:"sha256"`
	CreatedAt        int64  `json:"created_at"`
}

// FileChunk é o resultado de um ReadChunk.
type FileChunk struct {
	FileID   string
	Offset   int64
	FileSize int64
	FileName string
	SHA256   string
	Data     []byte
	Done     bool
}

// FileService gerencia o ciclo de vida de uploads: offer, append com
// disciplina de offset, finalize com verificação de integridade e
// publicação atômica, e leitura paginada para download.
type FileService struct {
	store     *store.Store
	dataDir   string
	chunkSize int64
	logger    *slog.Logger

	// Loggers de auditoria por upload em andamento.
	mu       sync.Mutex
	auditors map[string]*auditEntry
}

type auditEntry struct {
	logger *slog.Logger
	closer io.Closer
}

// NewFileService cria o FileService e garante os diretórios de storage
// (files/, tmp/ e transfer-logs/ sob dataDir).
func NewFileService(st *store.Store, dataDir string, chunkSize int64, logger *slog.Logger) (*FileService, error) {
	for _, dir := range []string{filesDir(dataDir), tmpDir(dataDir), transferLogDir(dataDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}
	return &FileService{
		store:     st,
		dataDir:   dataDir,
		chunkSize: chunkSize,
		logger:    logger,
		auditors:  make(map[string]*auditEntry),
	}, nil
}

func filesDir(dataDir string) string       { return filepath.Join(dataDir, "files") }
func tmpDir(dataDir string) string         { return filepath.Join(dataDir, "tmp") }
func transferLogDir(dataDir string) string { return filepath.Join(dataDir, "transfer-logs") }

// ChunkSize retorna a granularidade de transferência anunciada nos accepts.
func (s *FileService) ChunkSize() int64 {
	return s.chunkSize
}

// CreateUpload insere File + FileUpload + um FileTarget por destinatário
// único, em uma única transação. Retorna o file_id atribuído.
func (s *FileService) CreateUpload(offer FileOffer, recipients []string) (string, error) {
	fileID, err := newID()
	if err != nil {
		return "", err
	}

	now := time.Now().Unix()
	sanitized := SanitizeFileName(offer.FileName)
	storagePath := filepath.Join(filesDir(s.dataDir), fileID+"_"+sanitized)
	tempPath := filepath.Join(tmpDir(s.dataDir), fileID+".part")

	err = s.store.Transaction(func(tx *gorm.DB) error {
		file := store.File{
			FileID:           fileID,
			UploaderID:       offer.UploaderID,
			UploaderNickname: offer.UploaderNickname,
			ConversationType: offer.ConversationType,
			ConversationID:   offer.ConversationID,
			FileName:         offer.FileName,
			FileSize:         offer.FileSize,
			SHA256:           offer.SHA256,
			StoragePath:      storagePath,
			CreatedAt:        now,
		}
		if err := tx.Create(&file).Error; err != nil {
			return fmt.Errorf("inserting file: %w", err)
		}

		upload := store.FileUpload{
			FileID:       fileID,
			UploaderID:   offer.UploaderID,
			TempPath:     tempPath,
			UploadedSize: 0,
			Status:       store.StatusUploading,
			UpdatedAt:    now,
		}
		if err := tx.Create(&upload).Error; err != nil {
			return fmt.Errorf("inserting upload: %w", err)
		}

		seen := make(map[string]bool, len(recipients))
		for _, userID := range recipients {
			if seen[userID] {
				continue
			}
			seen[userID] = true
			target := store.FileTarget{FileID: fileID, UserID: userID}
			if err := tx.Create(&target).Error; err != nil {
				return fmt.Errorf("inserting target for %s: %w", userID, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.openAuditor(fileID, offer.UploaderID)
	return fileID, nil
}

// ResumeUpload retorna o uploaded_size corrente de um upload em
// andamento. O arquivo temporário é a fonte de verdade dos bytes
// presentes: se a linha divergir do tamanho real (crash entre write e
// update), o registro é re-sincronizado antes de responder.
func (s *FileService) ResumeUpload(fileID, uploaderID string) (int64, error) {
	upload, err := s.upload(fileID)
	if err != nil {
		return 0, err
	}
	if upload.UploaderID != uploaderID {
		return 0, ErrNotUploader
	}

	actual := int64(0)
	if info, err := os.Stat(upload.TempPath); err == nil {
		actual = info.Size()
	}
	if actual != upload.UploadedSize {
		if err := s.store.DB().Model(&store.FileUpload{}).
			Where("file_id = ?", fileID).
			Updates(map[string]any{"uploaded_size": actual, "updated_at": time.Now().Unix()}).Error; err != nil {
			return 0, fmt.Errorf("resyncing upload: %w", err)
		}
		upload.UploadedSize = actual
	}

	s.openAuditor(fileID, uploaderID)
	return upload.UploadedSize, nil
}

// AppendChunk grava data no arquivo temporário no offset e avança
// uploaded_size. O offset deve ser exatamente o uploaded_size corrente;
// caso contrário retorna OffsetMismatchError com o offset esperado.
func (s *FileService) AppendChunk(fileID, uploaderID string, offset int64, data []byte) (int64, error) {
	upload, err := s.upload(fileID)
	if err != nil {
		return 0, err
	}
	if upload.UploaderID != uploaderID {
		return 0, ErrNotUploader
	}
	if offset != upload.UploadedSize {
		return 0, &OffsetMismatchError{Expected: upload.UploadedSize}
	}

	file, err := s.file(fileID)
	if err != nil {
		return 0, err
	}
	if offset+int64(len(data)) > file.FileSize {
		return 0, ErrSizeExceeded
	}

	if err := writeAt(upload.TempPath, offset, data); err != nil {
		return 0, fmt.Errorf("writing chunk: %w", err)
	}

	newSize := offset + int64(len(data))
	if err := s.store.DB().Model(&store.FileUpload{}).
		Where("file_id = ?", fileID).
		Updates(map[string]any{"uploaded_size": newSize, "updated_at": time.Now().Unix()}).Error; err != nil {
		return 0, fmt.Errorf("updating upload: %w", err)
	}

	s.audit(fileID).Debug("chunk accepted", "file_id", fileID, "offset", offset, "size", len(data))
	return newSize, nil
}

// writeAt grava data no offset. Offset zero trunca o arquivo (início ou
// reinício de upload); offsets seguintes escrevem in-place.
func writeAt(path string, offset int64, data []byte) error {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return err
	}
	return nil
}

// FinalizeUpload verifica tamanho e SHA-256 do temporário e publica o
// arquivo com um rename atômico, removendo a linha FileUpload. O rename
// é o ponto de linearização da publicação. Em falha de verificação o
// temporário é preservado para diagnóstico e a linha FileUpload é
// mantida, então o arquivo segue não-baixável.
func (s *FileService) FinalizeUpload(fileID, uploaderID string) (*FileNotice, error) {
	upload, err := s.upload(fileID)
	if err != nil {
		return nil, err
	}
	if upload.UploaderID != uploaderID {
		return nil, ErrNotUploader
	}

	file, err := s.file(fileID)
	if err != nil {
		return nil, err
	}
	if upload.UploadedSize != file.FileSize {
		return nil, ErrSizeMismatch
	}

	sum, err := hashFile(upload.TempPath)
	if err != nil {
		return nil, fmt.Errorf("hashing temp file: %w", err)
	}
	if sum != file.SHA256 {
		s.audit(fileID).Warn("finalize rejected", "file_id", fileID, "declared", file.SHA256, "actual", sum)
		return nil, ErrChecksumMismatch
	}

	if err := os.Rename(upload.TempPath, file.StoragePath); err != nil {
		return nil, fmt.Errorf("publishing file: %w", err)
	}
	if err := s.store.DB().Delete(&store.FileUpload{}, "file_id = ?", fileID).Error; err != nil {
		return nil, fmt.Errorf("deleting upload row: %w", err)
	}

	s.audit(fileID).Info("upload finalized", "file_id", fileID, "size", file.FileSize)
	s.closeAuditor(fileID, uploaderID, true)

	return noticeFromFile(file), nil
}

// ReadChunk lê até chunkSize bytes do arquivo publicado a partir do
// offset. Exige FileTarget para o requisitante e finalize concluído.
func (s *FileService) ReadChunk(fileID, userID string, offset int64) (*FileChunk, error) {
	var target store.FileTarget
	err := store.ConvertError(s.store.DB().First(&target, "file_id = ? AND user_id = ?", fileID, userID).Error)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoPermission
		}
		return nil, fmt.Errorf("loading target: %w", err)
	}

	var uploadCount int64
	if err := s.store.DB().Model(&store.FileUpload{}).Where("file_id = ?", fileID).Count(&uploadCount).Error; err != nil {
		return nil, fmt.Errorf("checking upload state: %w", err)
	}
	if uploadCount > 0 {
		return nil, ErrStillUploading
	}

	file, err := s.file(fileID)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= file.FileSize {
		return nil, ErrOutOfRange
	}

	f, err := os.Open(file.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("opening stored file: %w", err)
	}
	defer f.Close()

	size := s.chunkSize
	if remaining := file.FileSize - offset; remaining < size {
		size = remaining
	}
	data := make([]byte, size)
	n, err := f.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading stored file: %w", err)
	}
	data = data[:n]

	return &FileChunk{
		FileID:   fileID,
		Offset:   offset,
		FileSize: file.FileSize,
		FileName: file.FileName,
		SHA256:   file.SHA256,
		Data:     data,
		Done:     offset+int64(n) >= file.FileSize,
	}, nil
}

// FetchUndeliveredFiles retorna os avisos de arquivo pendentes para o
// usuário, excluindo uploads ainda em andamento (a linha FileUpload é o
// lock de visibilidade).
func (s *FileService) FetchUndeliveredFiles(userID string, limit int) ([]FileNotice, error) {
	var files []store.File
	err := s.store.DB().Model(&store.File{}).
		Joins("JOIN file_targets ON file_targets.file_id = files.file_id").
		Where("file_targets.user_id = ? AND file_targets.delivered_at IS NULL", userID).
		Where("files.file_id NOT IN (?)", s.store.DB().Model(&store.FileUpload{}).Select("file_id")).
		Order("files.created_at ASC").
		Limit(limit).
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("fetching undelivered files: %w", err)
	}

	out := make([]FileNotice, 0, len(files))
	for i := range files {
		out = append(out, *noticeFromFile(&files[i]))
	}
	return out, nil
}

// MarkFilesDelivered marca os FileTargets do usuário como entregues.
// Mesma semântica otimista de MessageService.MarkDelivered.
func (s *FileService) MarkFilesDelivered(userID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	err := s.store.DB().Model(&store.FileTarget{}).
		Where("user_id = ? AND file_id IN ?", userID, fileIDs).
		Update("delivered_at", now).Error
	if err != nil {
		return fmt.Errorf("marking files delivered: %w", err)
	}
	return nil
}

// Targets retorna os user_ids com permissão de download do arquivo.
func (s *FileService) Targets(fileID string) ([]string, error) {
	var ids []string
	err := s.store.DB().Model(&store.FileTarget{}).
		Where("file_id = ?", fileID).
		Order("user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	return ids, nil
}

// Notice retorna a metadata de um arquivo pelo id.
func (s *FileService) Notice(fileID string) (*FileNotice, error) {
	file, err := s.file(fileID)
	if err != nil {
		return nil, err
	}
	return noticeFromFile(file), nil
}

// SweepStaleUploads remove uploads parados há mais de ttl: temp file,
// linha FileUpload, linha File e FileTargets. O arquivo nunca foi
// publicado, então nada visível desaparece. Retorna quantos uploads
// foram varridos.
func (s *FileService) SweepStaleUploads(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).Unix()

	var stale []store.FileUpload
	if err := s.store.DB().Where("updated_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("listing stale uploads: %w", err)
	}

	swept := 0
	for i := range stale {
		upload := &stale[i]
		err := s.store.Transaction(func(tx *gorm.DB) error {
			if err := tx.Delete(&store.FileUpload{}, "file_id = ?", upload.FileID).Error; err != nil {
				return err
			}
			if err := tx.Delete(&store.FileTarget{}, "file_id = ?", upload.FileID).Error; err != nil {
				return err
			}
			return tx.Delete(&store.File{}, "file_id = ?", upload.FileID).Error
		})
		if err != nil {
			s.logger.Warn("failed to sweep stale upload", "file_id", upload.FileID, "error", err)
			continue
		}
		os.Remove(upload.TempPath)
		s.closeAuditor(upload.FileID, upload.UploaderID, false)
		swept++
	}
	return swept, nil
}

func (s *FileService) upload(fileID string) (*store.FileUpload, error) {
	var upload store.FileUpload
	err := store.ConvertError(s.store.DB().First(&upload, "file_id = ?", fileID).Error)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("loading upload: %w", err)
	}
	return &upload, nil
}

func (s *FileService) file(fileID string) (*store.File, error) {
	var file store.File
	err := store.ConvertError(s.store.DB().First(&file, "file_id = ?", fileID).Error)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("loading file: %w", err)
	}
	return &file, nil
}

// openAuditor abre o logger de auditoria do upload, se ainda não existir.
func (s *FileService) openAuditor(fileID, uploaderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auditors[fileID]; ok {
		return
	}
	logger, closer, _, err := logging.NewTransferLogger(s.logger, transferLogDir(s.dataDir), uploaderID, fileID)
	if err != nil {
		s.logger.Warn("could not open transfer audit log", "file_id", fileID, "error", err)
		return
	}
	s.auditors[fileID] = &auditEntry{logger: logger, closer: closer}
}

// audit retorna o logger de auditoria do upload, ou o logger global.
func (s *FileService) audit(fileID string) *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.auditors[fileID]; ok {
		return entry.logger
	}
	return s.logger
}

// closeAuditor fecha o logger de auditoria; success remove o arquivo.
func (s *FileService) closeAuditor(fileID, uploaderID string, success bool) {
	s.mu.Lock()
	entry, ok := s.auditors[fileID]
	delete(s.auditors, fileID)
	s.mu.Unlock()
	if ok && entry.closer != nil {
		entry.closer.Close()
	}
	if success {
		logging.RemoveTransferLog(transferLogDir(s.dataDir), uploaderID, fileID)
	}
}

func noticeFromFile(f *store.File) *FileNotice {
	return &FileNotice{
		FileID:           f.FileID,
		UploaderID:       f.UploaderID,
		UploaderNickname: f.UploaderNickname,
		ConversationType: f.ConversationType,
		ConversationID:   f.ConversationID,
		FileName:         f.FileName,
		FileSize:         f.FileSize,
		SHA256:           f.SHA256,
		CreatedAt:        f.CreatedAt,
	}
}

// hashFile calcula o SHA-256 do arquivo em hex minúsculo. Mesma
// codificação usada pelo client na verificação de download.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
