package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PgFTS implements Searcher over approval_log comments using PostgreSQL
// full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := pgftsWhere(q)

	ctx := context.Background()
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM approval_log al WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT al.id, al.workflow_instance_id, al.asset_id, al.chapter_name, al.stage_name, al.reviewer_id, al.review_action,
			ts_headline('simple', al.comment, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')
		FROM approval_log al
		WHERE %s
		ORDER BY ts_rank(to_tsvector('simple', al.comment), plainto_tsquery('simple', $1)) DESC, al.id DESC
		LIMIT %d OFFSET %d`, where, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r  Result
			id int64
		)
		if err := rows.Scan(&id, &r.WorkflowInstanceID, &r.AssetID, &r.ChapterName, &r.StageName, &r.ReviewerID, &r.Action, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = strconv.FormatInt(id, 10)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func pgftsWhere(q Query) (string, []any) {
	clauses := []string{"to_tsvector('simple', al.comment) @@ plainto_tsquery('simple', $1)"}
	args := []any{q.Text}
	if q.FilterAssetID != "" {
		args = append(args, q.FilterAssetID)
		clauses = append(clauses, fmt.Sprintf("al.asset_id = $%d", len(args)))
	}
	if q.FilterAction != "" {
		args = append(args, q.FilterAction)
		clauses = append(clauses, fmt.Sprintf("al.review_action = $%d", len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// LoadAllRecords returns every ledger entry for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ReviewRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, workflow_instance_id, asset_id, chapter_name, stage_name, reviewer_id, review_action, comment, reviewed_at
		FROM approval_log
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load reviews: %w", err)
	}
	defer rows.Close()

	records := make([]ReviewRecord, 0)
	for rows.Next() {
		var (
			record ReviewRecord
			id     int64
			at     sql.NullTime
		)
		if err := rows.Scan(&id, &record.WorkflowInstanceID, &record.AssetID, &record.ChapterName, &record.StageName, &record.ReviewerID, &record.Action, &record.Comment, &at); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		record.ID = strconv.FormatInt(id, 10)
		if at.Valid {
			record.ReviewedAt = at.Time.Unix()
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return records, nil
}
