package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"imapsyncd/internal/core"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project name already exists")
)

// InsertProject stores a project together with its ordered accounts.
func (s *Store) InsertProject(ctx context.Context, project *core.Project) error {
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now
	options, err := marshalOptions(project.Options)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert project: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, old_server, new_server, sync_interval, schedule, options, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, project.ID, project.Name, project.OldServer, project.NewServer, project.SyncInterval,
		nullableString(project.Schedule), options,
		project.CreatedAt.Format(time.RFC3339Nano), project.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProjectExists
		}
		return fmt.Errorf("insert project: %w", err)
	}
	if err := insertAccounts(ctx, tx, project.ID, project.Accounts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert project: %w", err)
	}
	return nil
}

// UpdateProject replaces a project's fields and its full account list.
func (s *Store) UpdateProject(ctx context.Context, project *core.Project) error {
	project.UpdatedAt = time.Now().UTC()
	options, err := marshalOptions(project.Options)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update project: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE projects
		SET name = ?, old_server = ?, new_server = ?, sync_interval = ?, schedule = ?, options = ?, updated_at = ?
		WHERE id = ?
	`, project.Name, project.OldServer, project.NewServer, project.SyncInterval,
		nullableString(project.Schedule), options, project.UpdatedAt.Format(time.RFC3339Nano), project.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrProjectExists
		}
		return fmt.Errorf("update project: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project rows: %w", err)
	}
	if rows == 0 {
		return ErrProjectNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE project_id = ?`, project.ID); err != nil {
		return fmt.Errorf("clear accounts: %w", err)
	}
	if err := insertAccounts(ctx, tx, project.ID, project.Accounts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update project: %w", err)
	}
	return nil
}

// DeleteProject removes a project; its accounts cascade.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// GetProject loads one project with its accounts in stored order.
func (s *Store) GetProject(ctx context.Context, id string) (*core.Project, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, old_server, new_server, sync_interval, schedule, options, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)
	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	if err := s.loadAccounts(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// GetProjectByName loads one project by its unique name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*core.Project, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, old_server, new_server, sync_interval, schedule, options, created_at, updated_at
		FROM projects WHERE name = ?
	`, name)
	project, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	if err := s.loadAccounts(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns every project with accounts, oldest first.
func (s *Store) ListProjects(ctx context.Context) ([]*core.Project, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, old_server, new_server, sync_interval, schedule, options, created_at, updated_at
		FROM projects
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*core.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	for _, project := range projects {
		if err := s.loadAccounts(ctx, project); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

func (s *Store) loadAccounts(ctx context.Context, project *core.Project) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT source_email, target_email, password, subfolder
		FROM accounts WHERE project_id = ?
		ORDER BY position ASC
	`, project.ID)
	if err != nil {
		return fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	project.Accounts = nil
	for rows.Next() {
		var acc core.Account
		if err := rows.Scan(&acc.SourceEmail, &acc.TargetEmail, &acc.Password, &acc.Subfolder); err != nil {
			return fmt.Errorf("scan account: %w", err)
		}
		project.Accounts = append(project.Accounts, acc)
	}
	return rows.Err()
}

func insertAccounts(ctx context.Context, tx *sql.Tx, projectID string, accounts []core.Account) error {
	for i, acc := range accounts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (project_id, position, source_email, target_email, password, subfolder)
			VALUES (?, ?, ?, ?, ?, ?)
		`, projectID, i, acc.SourceEmail, acc.TargetEmail, acc.Password, acc.Subfolder)
		if err != nil {
			return fmt.Errorf("insert account %d: %w", i, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*core.Project, error) {
	var (
		project   core.Project
		schedule  sql.NullString
		options   string
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&project.ID, &project.Name, &project.OldServer, &project.NewServer,
		&project.SyncInterval, &schedule, &options, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if schedule.Valid {
		project.Schedule = schedule.String
	}
	if options != "" {
		if err := json.Unmarshal([]byte(options), &project.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	project.CreatedAt = parseTime(createdAt)
	project.UpdatedAt = parseTime(updatedAt)
	return &project, nil
}

func marshalOptions(options map[string]any) (string, error) {
	if options == nil {
		return "{}", nil
	}
	data, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode options: %w", err)
	}
	return string(data), nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
