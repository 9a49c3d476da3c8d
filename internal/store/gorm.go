// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/nishisan-dev/n-upload/internal/session"
)

// GormRepository persiste sessões e chunks via gorm.
type GormRepository struct {
	db *gorm.DB
}

// OpenSQLite abre (ou cria) o banco SQLite em dsn e migra o schema.
// Use ":memory:" para um banco efêmero.
func OpenSQLite(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	// SQLite serializa escritas; uma conexão evita SQLITE_BUSY e mantém
	// o mesmo banco quando dsn = ":memory:".
	sqlDB.SetMaxOpenConns(1)

	return NewGormRepository(db)
}

// NewGormRepository migra o schema em db e retorna o repositório.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&session.UploadSession{}, &session.Chunk{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &GormRepository{db: db}, nil
}

func (r *GormRepository) CreateSession(ctx context.Context, s *session.UploadSession) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&session.UploadSession{}).
			Where("scope = ? AND folder = ? AND filename = ? AND status IN ?",
				s.Scope, s.Folder, s.Filename, session.ActiveStatuses()).
			Count(&active).Error
		if err != nil {
			return fmt.Errorf("checking active destination: %w", err)
		}
		if active > 0 {
			return session.ErrDuplicateActive
		}
		if err := tx.Create(s).Error; err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		return nil
	})
}

func (r *GormRepository) GetSession(ctx context.Context, id string) (*session.UploadSession, error) {
	var s session.UploadSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return &s, nil
}

func (r *GormRepository) UpdateSession(ctx context.Context, s *session.UploadSession) error {
	res := r.db.WithContext(ctx).Model(&session.UploadSession{}).Where("id = ?", s.ID).
		Select("*").Omit("created_at").Updates(s)
	if res.Error != nil {
		return fmt.Errorf("updating session %s: %w", s.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (r *GormRepository) DeleteSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&session.Chunk{}).Error; err != nil {
			return fmt.Errorf("deleting chunks of %s: %w", id, err)
		}
		res := tx.Where("id = ?", id).Delete(&session.UploadSession{})
		if res.Error != nil {
			return fmt.Errorf("deleting session %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return session.ErrNotFound
		}
		return nil
	})
}

func (r *GormRepository) ListSessions(ctx context.Context, f SessionFilter) ([]session.UploadSession, error) {
	q := r.db.WithContext(ctx).Model(&session.UploadSession{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []session.UploadSession
	if err := q.Order("created_at asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return out, nil
}

func (r *GormRepository) SaveChunk(ctx context.Context, c *session.Chunk) error {
	// O conflito é resolvido por (session_id, number), nunca pelo id.
	row := *c
	row.ID = 0
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}, {Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"size", "status", "checksum", "storage_key", "codec", "stored_size",
			"failures", "metadata", "owner", "quarantined", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("saving chunk %d of %s: %w", c.Number, c.SessionID, err)
	}
	c.ID = row.ID
	return nil
}

func (r *GormRepository) GetChunk(ctx context.Context, sessionID string, number int) (*session.Chunk, error) {
	var c session.Chunk
	err := r.db.WithContext(ctx).Where("session_id = ? AND number = ?", sessionID, number).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading chunk %d of %s: %w", number, sessionID, err)
	}
	return &c, nil
}

func (r *GormRepository) ListChunks(ctx context.Context, sessionID string) ([]session.Chunk, error) {
	var out []session.Chunk
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("number asc").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing chunks of %s: %w", sessionID, err)
	}
	return out, nil
}

func (r *GormRepository) FindChunksByChecksum(ctx context.Context, owner string, checksums []string, excludeSession string) (map[string]session.Chunk, error) {
	found := make(map[string]session.Chunk)
	if len(checksums) == 0 {
		return found, nil
	}

	var rows []session.Chunk
	err := r.db.WithContext(ctx).
		Where("owner = ? AND checksum IN ? AND session_id <> ? AND status = ? AND storage_key <> '' AND quarantined = ?",
			owner, checksums, excludeSession, session.ChunkCompleted, false).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("finding chunks by checksum: %w", err)
	}
	for _, c := range rows {
		if _, dup := found[c.Checksum]; !dup {
			found[c.Checksum] = c
		}
	}
	return found, nil
}

func (r *GormRepository) CountKeyReferences(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&session.Chunk{}).Where("storage_key = ?", key).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("counting references to %s: %w", key, err)
	}
	return n, nil
}

func (r *GormRepository) QuarantineChunks(ctx context.Context, sessionID string) error {
	err := r.db.WithContext(ctx).Model(&session.Chunk{}).
		Where("session_id = ?", sessionID).
		Update("quarantined", true).Error
	if err != nil {
		return fmt.Errorf("quarantining chunks of %s: %w", sessionID, err)
	}
	return nil
}

// Close fecha o pool do banco.
func (r *GormRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
