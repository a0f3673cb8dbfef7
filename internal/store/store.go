// Package store journals exam attempts, evaluations and reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/sprechen/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for an unknown attempt.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS section_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL,
		section TEXT NOT NULL,
		score REAL NOT NULL,
		recorded_at DATETIME NOT NULL,
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL,
		section TEXT NOT NULL,
		turn TEXT NOT NULL DEFAULT '',
		transcription TEXT NOT NULL DEFAULT '',
		score REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		ai_response TEXT NOT NULL DEFAULT '',
		correct_text TEXT NOT NULL DEFAULT '',
		alternative_sentence TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL UNIQUE,
		raw_total REAL NOT NULL,
		scaled REAL NOT NULL,
		percentage REAL NOT NULL,
		rating TEXT NOT NULL,
		passed INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// StartAttempt records a new attempt.
func (s *Store) StartAttempt(ctx context.Context, a model.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, started_at) VALUES (?, ?)`,
		a.ID, a.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// RecordScore appends a section score. The latest score of a section wins.
func (s *Store) RecordScore(ctx context.Context, attemptID string, section model.SectionID, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO section_scores (attempt_id, section, score, recorded_at) VALUES (?, ?, ?, ?)`,
		attemptID, section, score, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

// RecordEvaluation appends a turn evaluation.
func (s *Store) RecordEvaluation(ctx context.Context, attemptID string, rec model.EvaluationRecord) error {
	r := rec.Result
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (attempt_id, section, turn, transcription, score, feedback,
		 ai_response, correct_text, alternative_sentence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attemptID, rec.Section, rec.Turn, r.Transcription, r.Score, r.Feedback,
		r.AIResponse, r.CorrectText, r.AlternativeSentence, rec.At,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// RecordReport stores an attempt's final report and marks it finished.
func (s *Store) RecordReport(ctx context.Context, attemptID string, rec model.ReportRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reports (attempt_id, raw_total, scaled, percentage, rating, passed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id) DO UPDATE SET raw_total = ?, scaled = ?, percentage = ?, rating = ?, passed = ?, created_at = ?`,
		attemptID, rec.RawTotal, rec.Scaled, rec.Percentage, rec.Rating, rec.Passed, rec.At,
		rec.RawTotal, rec.Scaled, rec.Percentage, rec.Rating, rec.Passed, rec.At,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE attempts SET finished_at = ? WHERE id = ?`, rec.At, attemptID,
	); err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	return tx.Commit()
}

// ListAttempts returns all attempts, newest first.
func (s *Store) ListAttempts(ctx context.Context) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at FROM attempts ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (model.Attempt, error) {
	var a model.Attempt
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at FROM attempts WHERE id = ?`, id,
	).Scan(&a.ID, &a.StartedAt, &a.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a, err
}

// GetScores returns the latest score of each section of an attempt.
func (s *Store) GetScores(ctx context.Context, attemptID string) (model.ExamScores, error) {
	var scores model.ExamScores
	rows, err := s.db.QueryContext(ctx,
		`SELECT section, score FROM section_scores WHERE attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return scores, err
	}
	defer rows.Close()
	for rows.Next() {
		var section model.SectionID
		var score float64
		if err := rows.Scan(&section, &score); err != nil {
			return scores, err
		}
		scores = scores.Set(section, score)
	}
	return scores, rows.Err()
}

// GetEvaluations returns an attempt's evaluations in the order they arrived.
func (s *Store) GetEvaluations(ctx context.Context, attemptID string) ([]model.EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT section, turn, transcription, score, feedback, ai_response, correct_text,
		 alternative_sentence, created_at
		 FROM evaluations WHERE attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []model.EvaluationRecord
	for rows.Next() {
		var rec model.EvaluationRecord
		r := &rec.Result
		if err := rows.Scan(&rec.Section, &rec.Turn, &r.Transcription, &r.Score, &r.Feedback,
			&r.AIResponse, &r.CorrectText, &r.AlternativeSentence, &rec.At); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetReport returns the final report of an attempt, or nil if it has none.
func (s *Store) GetReport(ctx context.Context, attemptID string) (*model.ReportRecord, error) {
	var rec model.ReportRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT raw_total, scaled, percentage, rating, passed, created_at FROM reports WHERE attempt_id = ?`,
		attemptID,
	).Scan(&rec.RawTotal, &rec.Scaled, &rec.Percentage, &rec.Rating, &rec.Passed, &rec.At)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AttemptCount returns the number of journaled attempts.
func (s *Store) AttemptCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts`).Scan(&count)
	return count, err
}
