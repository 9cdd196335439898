package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"submission-pipeline/internal/models"
)

const directoryColumns = `id, name, url, submission_url, category,
	domain_authority, difficulty, tier_required, field_mapping, is_active`

// SelectDirectories returns active directories a tier may submit to,
// highest domain authority first, capped at quota.
func (s *Store) SelectDirectories(ctx context.Context, tierRank, quota int) ([]models.Directory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+directoryColumns+`
		FROM directories
		WHERE is_active AND tier_required <= $1
		ORDER BY domain_authority DESC, id
		LIMIT $2
	`, tierRank, quota)
	if err != nil {
		return nil, fmt.Errorf("select directories: %w", err)
	}
	defer rows.Close()
	return collectDirectories(rows)
}

// DirectoriesByID fetches directory metadata for the given ids.
func (s *Store) DirectoriesByID(ctx context.Context, ids []string) (map[string]models.Directory, error) {
	if len(ids) == 0 {
		return map[string]models.Directory{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+directoryColumns+` FROM directories WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("directories by id: %w", err)
	}
	defer rows.Close()

	dirs, err := collectDirectories(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Directory, len(dirs))
	for _, d := range dirs {
		out[d.ID] = d
	}
	return out, nil
}

// UpsertDirectories loads or refreshes catalog entries. Used by the
// import tooling, never by the pipeline.
func (s *Store) UpsertDirectories(ctx context.Context, dirs []models.Directory) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	count := 0
	for _, d := range dirs {
		mappingJSON, err := json.Marshal(d.FieldMapping)
		if err != nil {
			return 0, fmt.Errorf("marshal field mapping for %s: %w", d.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO directories (id, name, url, submission_url, category,
				domain_authority, difficulty, tier_required, field_mapping, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, url = EXCLUDED.url,
				submission_url = EXCLUDED.submission_url, category = EXCLUDED.category,
				domain_authority = EXCLUDED.domain_authority, difficulty = EXCLUDED.difficulty,
				tier_required = EXCLUDED.tier_required, field_mapping = EXCLUDED.field_mapping,
				is_active = EXCLUDED.is_active, updated_at = NOW()
		`, d.ID, d.Name, d.URL, d.SubmissionURL, d.Category,
			d.DomainAuthority, d.Difficulty, d.TierRequired, mappingJSON, d.Active)
		if err != nil {
			return 0, fmt.Errorf("upsert directory %s: %w", d.ID, err)
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

func collectDirectories(rows pgx.Rows) ([]models.Directory, error) {
	var dirs []models.Directory
	for rows.Next() {
		var d models.Directory
		var mappingJSON []byte
		if err := rows.Scan(&d.ID, &d.Name, &d.URL, &d.SubmissionURL, &d.Category,
			&d.DomainAuthority, &d.Difficulty, &d.TierRequired, &mappingJSON, &d.Active); err != nil {
			return nil, fmt.Errorf("scan directory: %w", err)
		}
		if len(mappingJSON) > 0 {
			if err := json.Unmarshal(mappingJSON, &d.FieldMapping); err != nil {
				return nil, fmt.Errorf("unmarshal field mapping: %w", err)
			}
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}
