// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-talk/internal/config"
)

// snapshotDirName vive sob o data_dir e é excluído do próprio archive.
const snapshotDirName = "snapshots"

// SnapshotWriter arquiva o data_dir (base de dados + arquivos
// publicados) em um tar compactado, com escrita atômica:
// grava em .tmp → rename para o nome final com timestamp.
type SnapshotWriter struct {
	dataDir string
	cfg     config.SnapshotConfig
	logger  *slog.Logger
}

func NewSnapshotWriter(dataDir string, cfg config.SnapshotConfig, logger *slog.Logger) *SnapshotWriter {
	return &SnapshotWriter{
		dataDir: dataDir,
		cfg:     cfg,
		logger:  logger.With("component", "snapshot"),
	}
}

// Run produz um snapshot, aplica a retenção e, se configurado, envia o
// archive para o S3.
func (w *SnapshotWriter) Run(ctx context.Context) error {
	start := time.Now()
	snapDir := filepath.Join(w.dataDir, snapshotDirName)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(snapDir, "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if err := w.writeArchive(ctx, tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp snapshot: %w", err)
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	finalPath := filepath.Join(snapDir, timestamp+w.cfg.FileExtension())
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp to final: %w", err)
	}

	info, _ := os.Stat(finalPath)
	var size int64
	if info != nil {
		size = info.Size()
	}
	w.logger.Info("snapshot written", "path", finalPath, "bytes", size,
		"duration", time.Since(start).Round(time.Millisecond))

	if err := rotateSnapshots(snapDir, w.cfg.Keep, w.cfg.FileExtension()); err != nil {
		w.logger.Warn("snapshot rotation failed", "error", err)
	}

	if w.cfg.S3.Enabled {
		if err := w.offload(ctx, finalPath); err != nil {
			w.logger.Error("snapshot s3 offload failed", "error", err)
		}
	}
	return nil
}

// writeArchive percorre o data_dir e escreve tar → compressor → dest.
// snapshots/ e tmp/ ficam de fora: o primeiro é o próprio destino, o
// segundo guarda uploads em andamento sem consistência de crash.
func (w *SnapshotWriter) writeArchive(ctx context.Context, dest io.Writer) error {
	compressor, err := newCompressor(dest, w.cfg.Compression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(compressor)

	skip := map[string]bool{
		filepath.Join(w.dataDir, snapshotDirName): true,
		filepath.Join(w.dataDir, "tmp"):           true,
	}
	walkErr := filepath.WalkDir(w.dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && skip[path] {
			return filepath.SkipDir
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rel, err := filepath.Rel(w.dataDir, path)
		if err != nil || rel == "." {
			return err
		}
		return addToTar(tw, path, rel, d)
	})
	if walkErr != nil {
		tw.Close()
		compressor.Close()
		return fmt.Errorf("archiving data dir: %w", walkErr)
	}

	if err := tw.Close(); err != nil {
		compressor.Close()
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("closing compressor: %w", err)
	}
	return nil
}

// newCompressor cria o io.WriteCloser de compressão conforme o modo.
func newCompressor(dest io.Writer, mode string) (io.WriteCloser, error) {
	switch mode {
	case config.CompressionZstd:
		return zstd.NewWriter(dest, zstd.WithEncoderLevel(zstd.SpeedDefault))
	default: // gzip
		gz, err := pgzip.NewWriterLevel(dest, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gz.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gz, nil
	}
}

// addToTar adiciona um arquivo ou diretório ao archive. Arquivos
// regulares usam stat do fd aberto + LimitReader, evitando "write too
// long" quando o arquivo cresce durante o snapshot (ex: a base WAL).
func addToTar(tw *tar.Writer, path, relPath string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return nil // sumiu entre walk e stat
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			return nil
		}
		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return fmt.Errorf("creating tar header for %s: %w", path, err)
		}
		header.Name = relPath
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", path, err)
		}
		if _, err := io.Copy(tw, io.LimitReader(f, fi.Size())); err != nil {
			return fmt.Errorf("writing file %s to tar: %w", path, err)
		}
		return nil
	}

	if info.IsDir() {
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("creating tar header for %s: %w", path, err)
		}
		header.Name = relPath + "/"
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", path, err)
		}
	}
	// Symlinks e especiais ficam fora do snapshot.
	return nil
}

// rotateSnapshots remove archives excedentes, mantendo os keep mais
// recentes. Nomes com timestamp ordenam cronologicamente.
func rotateSnapshots(snapDir string, keep int, ext string) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(snapDir)
	if err != nil {
		return fmt.Errorf("reading snapshot directory: %w", err)
	}

	var archives []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			archives = append(archives, e.Name())
		}
	}
	sort.Strings(archives)

	if len(archives) > keep {
		for _, name := range archives[:len(archives)-keep] {
			if err := os.Remove(filepath.Join(snapDir, name)); err != nil {
				return fmt.Errorf("removing old snapshot %s: %w", name, err)
			}
		}
	}
	return nil
}

// offload envia o archive para o bucket configurado.
func (w *SnapshotWriter) offload(ctx context.Context, path string) error {
	var opts []func(*awsconfig.LoadOptions) error
	if w.cfg.S3.Region != "" {
		opts = append(opts, awsconfig.WithRegion(w.cfg.S3.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening snapshot for upload: %w", err)
	}
	defer f.Close()

	key := filepath.Base(path)
	if w.cfg.S3.Prefix != "" {
		key = strings.TrimSuffix(w.cfg.S3.Prefix, "/") + "/" + key
	}
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.S3.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading snapshot to s3: %w", err)
	}
	w.logger.Info("snapshot offloaded", "bucket", w.cfg.S3.Bucket, "key", key)
	return nil
}
