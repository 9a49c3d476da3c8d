// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/nishisan-dev/n-upload/internal/config"
)

// S3API é o subconjunto do cliente S3 usado pelo pacote.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// NewS3Client cria o cliente a partir de storage.s3. Sem chaves explícitas
// usa a cadeia default (env, profile, IMDS).
func NewS3Client(ctx context.Context, cfg config.S3Info) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Backend grava chunks como objetos {prefix}uploads/{sessionID}/chunk_NNNNNN.
// PutObject é atômico por objeto.
type S3Backend struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Backend cria o backend de chunks no bucket.
func NewS3Backend(client S3API, bucket, prefix string, logger *slog.Logger) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (b *S3Backend) Store(ctx context.Context, sessionID string, chunkNumber int, data []byte) (string, error) {
	return b.StoreVersion(ctx, sessionID, chunkNumber, "", data)
}

// StoreVersion grava data em um objeto separado para version.
func (b *S3Backend) StoreVersion(ctx context.Context, sessionID string, chunkNumber int, version string, data []byte) (string, error) {
	if err := ValidatePathComponent(sessionID, "session id"); err != nil {
		return "", err
	}
	if version != "" {
		if err := ValidatePathComponent(version, "chunk version"); err != nil {
			return "", err
		}
	}
	key := b.prefix + path.Join("uploads", chunkObjectName(sessionID, chunkNumber, version))

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("putting chunk %s: %w", key, err)
	}
	b.logger.Debug("chunk stored in s3", "key", key, "bytes", len(data))
	return key, nil
}

func (b *S3Backend) Read(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("getting chunk %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chunk body %s: %w", key, err)
	}
	return data, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("deleting chunk %s: %w", key, err)
	}
	return nil
}

// isS3NotFound reconhece NotFound/NoSuchKey do S3.
func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

// S3ArtifactStore guarda artefatos no bucket. A montagem escreve num arquivo
// temporário local (corpo seekable para o PutObject) e o Commit envia para
// {prefix}staging/{sessionID}.bin; Promote copia para
// {prefix}files/{scope}/{folder}/{filename} e remove o staging.
type S3ArtifactStore struct {
	client  S3API
	bucket  string
	prefix  string
	tempDir string
	logger  *slog.Logger
}

// NewS3ArtifactStore cria o artifact store. tempDir recebe os arquivos de
// montagem antes do upload.
func NewS3ArtifactStore(client S3API, bucket, prefix, tempDir string, logger *slog.Logger) *S3ArtifactStore {
	return &S3ArtifactStore{client: client, bucket: bucket, prefix: prefix, tempDir: tempDir, logger: logger}
}

func (s *S3ArtifactStore) Create(_ context.Context, sessionID string, size int64) (ArtifactWriter, error) {
	if err := ValidatePathComponent(sessionID, "session id"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.tempDir, 0755); err != nil {
		return nil, fmt.Errorf("creating artifact temp directory: %w", err)
	}
	f, err := os.CreateTemp(s.tempDir, sessionID+"-*.part")
	if err != nil {
		return nil, fmt.Errorf("creating artifact temp file: %w", err)
	}
	return &s3ArtifactWriter{
		store: s,
		f:     f,
		key:   s.prefix + path.Join("staging", sessionID+".bin"),
	}, nil
}

func (s *S3ArtifactStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("getting artifact %s: %w", location, err)
	}
	return out.Body, nil
}

func (s *S3ArtifactStore) Promote(ctx context.Context, stagingLocation string, dest Destination) (string, error) {
	if err := ValidatePathComponent(dest.Scope, "scope"); err != nil {
		return "", err
	}
	if err := ValidateFolder(dest.Folder); err != nil {
		return "", err
	}
	if err := ValidatePathComponent(dest.Filename, "filename"); err != nil {
		return "", err
	}
	if !strings.HasPrefix(stagingLocation, s.prefix+"staging/") {
		return "", fmt.Errorf("artifact %q is not in staging", stagingLocation)
	}

	finalKey := s.prefix + path.Join("files", dest.Scope, dest.Folder, dest.Filename)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(finalKey),
		CopySource: aws.String(s.bucket + "/" + stagingLocation),
	})
	if err != nil {
		return "", fmt.Errorf("copying artifact to %s: %w", finalKey, err)
	}

	if err := s.Delete(ctx, stagingLocation); err != nil {
		// O artefato final já existe; o staging órfão não invalida a promoção.
		s.logger.Warn("failed to delete staging artifact", "key", stagingLocation, "error", err)
	}
	return finalKey, nil
}

func (s *S3ArtifactStore) Delete(ctx context.Context, location string) error {
	if location == "" {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("deleting artifact %s: %w", location, err)
	}
	return nil
}

type s3ArtifactWriter struct {
	store *S3ArtifactStore
	f     *os.File
	key   string
	done  bool
}

func (w *s3ArtifactWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *s3ArtifactWriter) Commit(ctx context.Context) (string, error) {
	if w.done {
		return "", fmt.Errorf("artifact already committed or aborted")
	}
	w.done = true
	defer func() {
		w.f.Close()
		os.Remove(w.f.Name())
	}()

	size, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("measuring artifact: %w", err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding artifact: %w", err)
	}

	_, err = w.store.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.store.bucket),
		Key:           aws.String(w.key),
		Body:          w.f,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", fmt.Errorf("putting artifact %s: %w", w.key, err)
	}
	w.store.logger.Info("artifact staged in s3", "key", w.key, "bytes", size)
	return w.key, nil
}

func (w *s3ArtifactWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return os.Remove(w.f.Name())
}
