package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/contriboss/bindpack"
)

// RunSummary is one row of the runs table.
type RunSummary struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
}

// Release is one published bundle.
type Release struct {
	RunID       string              `json:"run_id"`
	Key         bindpack.PackageKey `json:"key"`
	Registry    string              `json:"registry"`
	StagingID   string              `json:"staging_id"`
	Checksum    string              `json:"sha256"`
	PublishedAt time.Time           `json:"published_at"`
}

// RecordRun stores a finished run with its targets, groups and releases in
// one transaction. It implements bindpack.RunRecorder.
func (s *Store) RecordRun(ctx context.Context, result *bindpack.PipelineResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", result.RunID, err)
	}
	status, errText := "succeeded", sql.NullString{}
	if result.Err != nil {
		status = "failed"
		errText = sql.NullString{String: result.Err.Error(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, name, version, started_at, finished_at, status, error, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Name, result.Version,
		result.Started.UnixMilli(), result.Finished.UnixMilli(),
		status, errText, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", result.RunID, err)
	}

	for _, target := range result.Targets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_targets (run_id, target, status, artifact, sha256, error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			result.RunID, target.Target, string(target.Status),
			nullable(target.Artifact), nullable(target.Checksum), nullable(target.Error),
		)
		if err != nil {
			return fmt.Errorf("insert target %s: %w", target.Target, err)
		}
	}

	for _, group := range result.Groups {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_groups (run_id, group_id, language, name, kind, bindgen, assemble, test, publish, root, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			result.RunID, group.ID, group.Language, group.Name, string(group.Kind),
			string(group.Bindgen), string(group.Assemble), string(group.Test), string(group.Publish),
			nullable(group.Root), nullable(group.Error),
		)
		if err != nil {
			return fmt.Errorf("insert group %s: %w", group.ID, err)
		}

		if p := group.Published; p != nil {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO publishes (run_id, language, name, version, registry, staging_id, sha256, published_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				result.RunID, p.Key.Language, p.Key.Name, p.Key.Version, p.Registry,
				p.StagingID, p.Checksum, p.PublishedAt.UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("insert release %s: %w", p.Key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", result.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. A non-positive
// limit selects 20.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, version, started_at, finished_at, status, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run, or ErrNotFound.
func (s *Store) LatestRun(ctx context.Context) (*RunSummary, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

// GetRun returns the full recorded result of a run. The returned result's
// Err is not restored; the summary carries its message.
func (s *Store) GetRun(ctx context.Context, id string) (*RunSummary, *bindpack.PipelineResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, started_at, finished_at, status, error
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, nil, err
	}

	var data string
	if err := s.db.QueryRowContext(ctx, `SELECT result_json FROM runs WHERE id = ?`, id).Scan(&data); err != nil {
		return nil, nil, err
	}
	var result bindpack.PipelineResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, &result, nil
}

// Releases lists the recorded releases of name at version, ordered by
// language and registry.
func (s *Store) Releases(ctx context.Context, name, version string) ([]Release, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, language, name, version, registry, staging_id, sha256, published_at
		FROM publishes
		WHERE run_id IN (SELECT id FROM runs WHERE name = ? AND version = ?)
		ORDER BY language, name, registry`, name, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var releases []Release
	for rows.Next() {
		var (
			r           Release
			publishedMs int64
		)
		if err := rows.Scan(&r.RunID, &r.Key.Language, &r.Key.Name, &r.Key.Version,
			&r.Registry, &r.StagingID, &r.Checksum, &publishedMs); err != nil {
			return nil, err
		}
		r.PublishedAt = time.UnixMilli(publishedMs).UTC()
		releases = append(releases, r)
	}
	return releases, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunSummary, error) {
	var (
		run                   RunSummary
		startedMs, finishedMs int64
		errText               sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Name, &run.Version, &startedMs, &finishedMs, &run.Status, &errText); err != nil {
		return RunSummary{}, err
	}
	run.Started = time.UnixMilli(startedMs).UTC()
	run.Finished = time.UnixMilli(finishedMs).UTC()
	run.Error = errText.String
	return run, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ bindpack.RunRecorder = (*Store)(nil)
