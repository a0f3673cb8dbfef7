package store

import (
	"context"
	"database/sql"

	"github.com/pavelanni/sprechen/internal/model"
)

// SetMetadata upserts a key-value pair in the exam_metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM exam_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetExamInfo stores all ExamInfo fields as metadata rows.
func (s *Store) SetExamInfo(ctx context.Context, info model.ExamInfo) error {
	pairs := []struct{ k, v string }{
		{"catalog_hash", info.CatalogHash},
		{"prompt_variant", info.PromptVariant},
		{"model", info.Model},
	}
	for _, p := range pairs {
		if err := s.SetMetadata(ctx, p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// GetExamInfo reads all ExamInfo fields from metadata.
func (s *Store) GetExamInfo(ctx context.Context) (model.ExamInfo, error) {
	var info model.ExamInfo
	var err error

	if info.CatalogHash, err = s.GetMetadata(ctx, "catalog_hash"); err != nil {
		return info, err
	}
	if info.PromptVariant, err = s.GetMetadata(ctx, "prompt_variant"); err != nil {
		return info, err
	}
	if info.Model, err = s.GetMetadata(ctx, "model"); err != nil {
		return info, err
	}
	return info, nil
}
