package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"chatesg/api/internal/outline"
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// pgReader runs reads against either the pool or an open transaction.
type pgReader struct {
	q queryer
}

type PostgresStore struct {
	pgReader
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn in a transaction that commits only when fn returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{pgReader: pgReader{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	pgReader
}

const blockColumns = `id, asset_id, chapter_name, permission_tag, content, version, last_modified_by, last_modified_at, is_locked, locked_by, locked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (ContentBlock, error) {
	var (
		block    ContentBlock
		content  []byte
		lockedBy sql.NullString
		lockedAt sql.NullTime
	)
	if err := row.Scan(
		&block.ID,
		&block.AssetID,
		&block.ChapterName,
		&block.PermissionTag,
		&content,
		&block.Version,
		&block.LastModifiedBy,
		&block.LastModifiedAt,
		&block.IsLocked,
		&lockedBy,
		&lockedAt,
	); err != nil {
		return ContentBlock{}, err
	}
	block.Content = json.RawMessage(content)
	block.LockedBy = lockedBy.String
	if lockedAt.Valid {
		at := lockedAt.Time
		block.LockedAt = &at
	}
	return block, nil
}

func (r pgReader) GetBlock(ctx context.Context, blockID string) (ContentBlock, error) {
	return scanBlock(r.q.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM content_blocks WHERE id=$1`, blockID))
}

func (t *pgTx) GetBlockForUpdate(ctx context.Context, blockID string) (ContentBlock, error) {
	return scanBlock(t.q.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM content_blocks WHERE id=$1 FOR UPDATE`, blockID))
}

func (r pgReader) ListChapterBlocks(ctx context.Context, assetID, chapterName string) ([]ContentBlock, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+blockColumns+`
		FROM content_blocks
		WHERE asset_id=$1 AND chapter_name=$2
		ORDER BY id
	`, assetID, chapterName)
	if err != nil {
		return nil, fmt.Errorf("list chapter blocks: %w", err)
	}
	defer rows.Close()

	items := make([]ContentBlock, 0)
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter block: %w", err)
		}
		items = append(items, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapter blocks: %w", err)
	}
	return items, nil
}

func (t *pgTx) SetBlockLock(ctx context.Context, blockID, holder string, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE content_blocks SET is_locked=TRUE, locked_by=$2, locked_at=$3 WHERE id=$1
	`, blockID, holder, at)
	if err != nil {
		return fmt.Errorf("set block lock: %w", err)
	}
	return nil
}

func (t *pgTx) ClearBlockLock(ctx context.Context, blockID string) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE content_blocks SET is_locked=FALSE, locked_by=NULL, locked_at=NULL WHERE id=$1
	`, blockID)
	if err != nil {
		return fmt.Errorf("clear block lock: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBlockContent(ctx context.Context, blockID string, content json.RawMessage, modifiedBy string, at time.Time) (int64, error) {
	var version int64
	err := t.q.QueryRowContext(ctx, `
		UPDATE content_blocks
		SET content=$2, version=version+1, last_modified_by=$3, last_modified_at=$4
		WHERE id=$1
		RETURNING version
	`, blockID, []byte(content), modifiedBy, at).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("update block content: %w", err)
	}
	return version, nil
}

func (t *pgTx) InsertBlock(ctx context.Context, block ContentBlock) error {
	content := []byte(block.Content)
	if len(content) == 0 {
		content = []byte("null")
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO content_blocks (id, asset_id, chapter_name, permission_tag, content, version, last_modified_by, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
	`, block.ID, block.AssetID, block.ChapterName, block.PermissionTag, content, block.LastModifiedBy, block.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteBlocks(ctx context.Context, blockIDs []string) error {
	if len(blockIDs) == 0 {
		return nil
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM content_blocks WHERE id = ANY($1)`, blockIDs); err != nil {
		return fmt.Errorf("delete blocks: %w", err)
	}
	return nil
}

func (r pgReader) ListPermissionMappings(ctx context.Context, permissionTag string) ([]PermissionMapping, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT role_id, permission_tag, action_type
		FROM permission_mappings
		WHERE permission_tag=$1
		ORDER BY role_id
	`, permissionTag)
	if err != nil {
		return nil, fmt.Errorf("list permission mappings: %w", err)
	}
	defer rows.Close()

	items := make([]PermissionMapping, 0)
	for rows.Next() {
		var item PermissionMapping
		if err := rows.Scan(&item.RoleID, &item.PermissionTag, &item.ActionType); err != nil {
			return nil, fmt.Errorf("scan permission mapping: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission mappings: %w", err)
	}
	return items, nil
}

func (t *pgTx) ReplacePermissionMappings(ctx context.Context, permissionTag string, mappings []PermissionMapping) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM permission_mappings WHERE permission_tag=$1`, permissionTag); err != nil {
		return fmt.Errorf("delete permission mappings: %w", err)
	}
	for _, mapping := range mappings {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO permission_mappings (role_id, permission_tag, action_type)
			VALUES ($1, $2, $3)
			ON CONFLICT (role_id, permission_tag) DO UPDATE SET action_type=EXCLUDED.action_type
		`, mapping.RoleID, permissionTag, mapping.ActionType); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("insert permission mapping for %s: %w", mapping.RoleID, ErrUnknownRole)
			}
			return fmt.Errorf("insert permission mapping: %w", err)
		}
	}
	return nil
}

func (r pgReader) ListUserRoleIDs(ctx context.Context, organizationID, userID string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT ur.role_id
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.organization_id = ur.organization_id
		WHERE ur.organization_id=$1 AND ur.user_id=$2
		ORDER BY ur.role_id
	`, organizationID, userID)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		items = append(items, roleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user roles: %w", err)
	}
	return items, nil
}

func scanOutline(row rowScanner) (AssetOutline, error) {
	var (
		item AssetOutline
		raw  []byte
	)
	if err := row.Scan(&item.AssetID, &raw, &item.Revision, &item.UpdatedBy, &item.UpdatedAt); err != nil {
		return AssetOutline{}, err
	}
	if err := json.Unmarshal(raw, &item.Outline); err != nil {
		return AssetOutline{}, fmt.Errorf("decode outline: %w", err)
	}
	return item, nil
}

// GetOutline returns an empty outline at revision 0 for assets never edited.
func (r pgReader) GetOutline(ctx context.Context, assetID string) (AssetOutline, error) {
	item, err := scanOutline(r.q.QueryRowContext(ctx, `
		SELECT asset_id, outline, revision, updated_by, updated_at FROM asset_outlines WHERE asset_id=$1
	`, assetID))
	if errors.Is(err, sql.ErrNoRows) {
		return AssetOutline{AssetID: assetID, Outline: outline.Outline{Chapters: []outline.Node{}}}, nil
	}
	if err != nil {
		return AssetOutline{}, fmt.Errorf("get outline: %w", err)
	}
	return item, nil
}

func (t *pgTx) GetOutlineForUpdate(ctx context.Context, assetID string) (AssetOutline, error) {
	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO asset_outlines (asset_id) VALUES ($1) ON CONFLICT (asset_id) DO NOTHING
	`, assetID); err != nil {
		return AssetOutline{}, fmt.Errorf("ensure outline: %w", err)
	}
	item, err := scanOutline(t.q.QueryRowContext(ctx, `
		SELECT asset_id, outline, revision, updated_by, updated_at FROM asset_outlines WHERE asset_id=$1 FOR UPDATE
	`, assetID))
	if err != nil {
		return AssetOutline{}, fmt.Errorf("lock outline: %w", err)
	}
	return item, nil
}

func (t *pgTx) SaveOutline(ctx context.Context, item AssetOutline) error {
	raw, err := json.Marshal(item.Outline)
	if err != nil {
		return fmt.Errorf("encode outline: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		UPDATE asset_outlines SET outline=$2, revision=$3, updated_by=$4, updated_at=$5 WHERE asset_id=$1
	`, item.AssetID, raw, item.Revision, item.UpdatedBy, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save outline: %w", err)
	}
	return nil
}

// RenameChapter moves the mutable rows of a chapter to a new name. Submitted
// versions and ledger entries keep the name they were recorded under.
func (t *pgTx) RenameChapter(ctx context.Context, assetID, from, to string) error {
	for _, stmt := range []string{
		`UPDATE content_blocks SET chapter_name=$3 WHERE asset_id=$1 AND chapter_name=$2`,
		`UPDATE workflow_stages SET chapter_name=$3 WHERE asset_id=$1 AND chapter_name=$2`,
		`UPDATE workflow_instances SET chapter_name=$3 WHERE asset_id=$1 AND chapter_name=$2`,
	} {
		if _, err := t.q.ExecContext(ctx, stmt, assetID, from, to); err != nil {
			return fmt.Errorf("rename chapter: %w", err)
		}
	}
	return nil
}

func (t *pgTx) LockChapter(ctx context.Context, assetID, chapterName string) error {
	if _, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, assetID, chapterName); err != nil {
		return fmt.Errorf("lock chapter: %w", err)
	}
	return nil
}

func (t *pgTx) ChapterFrozen(ctx context.Context, assetID, chapterName string) (bool, error) {
	var current sql.NullString
	err := t.q.QueryRowContext(ctx, `
		SELECT si.current_stage_id
		FROM workflow_stage_instances si
		JOIN workflow_instances wi ON wi.id = si.workflow_instance_id
		WHERE wi.asset_id=$1 AND wi.chapter_name=$2 AND wi.status='in_review'
		FOR SHARE OF si
	`, assetID, chapterName).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check chapter review: %w", err)
	}
	return current.Valid, nil
}

func (r pgReader) ListOrganizationRoleIDs(ctx context.Context, organizationID string, roleIDs []string) ([]string, error) {
	items := make([]string, 0, len(roleIDs))
	if len(roleIDs) == 0 {
		return items, nil
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id
		FROM roles
		WHERE organization_id=$1 AND id = ANY($2)
		ORDER BY id
	`, organizationID, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("list organization roles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, fmt.Errorf("scan organization role: %w", err)
		}
		items = append(items, roleID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organization roles: %w", err)
	}
	return items, nil
}

const stageColumns = `id, asset_id, chapter_name, stage_order, stage_name, permission_tag, created_at`

func (r pgReader) ListStages(ctx context.Context, assetID, chapterName string) ([]WorkflowStage, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+stageColumns+`
		FROM workflow_stages
		WHERE asset_id=$1 AND chapter_name=$2
		ORDER BY stage_order
	`, assetID, chapterName)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowStage, 0)
	for rows.Next() {
		var item WorkflowStage
		if err := rows.Scan(&item.ID, &item.AssetID, &item.ChapterName, &item.Order, &item.Name, &item.PermissionTag, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return items, nil
}

func (r pgReader) StageByPermissionTag(ctx context.Context, permissionTag string) (*WorkflowStage, error) {
	var item WorkflowStage
	err := r.q.QueryRowContext(ctx, `
		SELECT `+stageColumns+`
		FROM workflow_stages
		WHERE permission_tag=$1
	`, permissionTag).Scan(&item.ID, &item.AssetID, &item.ChapterName, &item.Order, &item.Name, &item.PermissionTag, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage by tag: %w", err)
	}
	return &item, nil
}

func (t *pgTx) DeleteStages(ctx context.Context, assetID, chapterName string) error {
	if _, err := t.q.ExecContext(ctx, `
		DELETE FROM permission_mappings
		WHERE permission_tag IN (
			SELECT permission_tag FROM workflow_stages WHERE asset_id=$1 AND chapter_name=$2
		)
	`, assetID, chapterName); err != nil {
		return fmt.Errorf("delete stage permissions: %w", err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM workflow_stages WHERE asset_id=$1 AND chapter_name=$2`, assetID, chapterName); err != nil {
		return fmt.Errorf("delete stages: %w", err)
	}
	return nil
}

func (t *pgTx) InsertStage(ctx context.Context, stage WorkflowStage) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO workflow_stages (`+stageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, stage.ID, stage.AssetID, stage.ChapterName, stage.Order, stage.Name, stage.PermissionTag, stage.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stage: %w", err)
	}
	return nil
}

const instanceColumns = `id, asset_id, chapter_name, status, created_by, created_at, updated_at, ended_at`

func scanInstance(row rowScanner) (WorkflowInstance, error) {
	var (
		item    WorkflowInstance
		endedAt sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.AssetID, &item.ChapterName, &item.Status, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt, &endedAt); err != nil {
		return WorkflowInstance{}, err
	}
	if endedAt.Valid {
		at := endedAt.Time
		item.EndedAt = &at
	}
	return item, nil
}

func (r pgReader) GetInstance(ctx context.Context, instanceID string) (WorkflowInstance, error) {
	return scanInstance(r.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=$1`, instanceID))
}

func (t *pgTx) GetInstanceForUpdate(ctx context.Context, instanceID string) (WorkflowInstance, error) {
	return scanInstance(t.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=$1 FOR UPDATE`, instanceID))
}

func (r pgReader) latestInstance(ctx context.Context, assetID, chapterName, suffix string) (*WorkflowInstance, error) {
	item, err := scanInstance(r.q.QueryRowContext(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE asset_id=$1 AND chapter_name=$2
		ORDER BY created_at DESC, id DESC
		LIMIT 1 `+suffix, assetID, chapterName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest instance: %w", err)
	}
	return &item, nil
}

func (r pgReader) LatestInstance(ctx context.Context, assetID, chapterName string) (*WorkflowInstance, error) {
	return r.latestInstance(ctx, assetID, chapterName, "")
}

func (t *pgTx) LatestInstanceForUpdate(ctx context.Context, assetID, chapterName string) (*WorkflowInstance, error) {
	return t.latestInstance(ctx, assetID, chapterName, "FOR UPDATE")
}

func (r pgReader) ListInstances(ctx context.Context, assetID, chapterName string) ([]WorkflowInstance, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE asset_id=$1 AND chapter_name=$2
		ORDER BY created_at, id
	`, assetID, chapterName)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	items := make([]WorkflowInstance, 0)
	for rows.Next() {
		item, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return items, nil
}

func (t *pgTx) InsertInstance(ctx context.Context, instance WorkflowInstance) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, instance.ID, instance.AssetID, instance.ChapterName, instance.Status, instance.CreatedBy, instance.CreatedAt, instance.UpdatedAt, instance.EndedAt)
	if isUniqueViolation(err) {
		return ErrInReviewConflict
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO workflow_stage_instances (workflow_instance_id, updated_at) VALUES ($1, $2)
	`, instance.ID, instance.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stage instance: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInstanceStatus(ctx context.Context, instanceID, status string, endedAt *time.Time, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE workflow_instances SET status=$2, ended_at=$3, updated_at=$4 WHERE id=$1
	`, instanceID, status, endedAt, at)
	if isUniqueViolation(err) {
		return ErrInReviewConflict
	}
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}

func scanStageInstance(row rowScanner) (StageInstance, error) {
	var (
		item           StageInstance
		currentStageID sql.NullString
		submittedBy    sql.NullString
		submittedAt    sql.NullTime
		blockVersionID sql.NullString
	)
	if err := row.Scan(&item.WorkflowInstanceID, &currentStageID, &submittedBy, &submittedAt, &blockVersionID, &item.UpdatedAt); err != nil {
		return StageInstance{}, err
	}
	item.CurrentStageID = currentStageID.String
	item.SubmittedBy = submittedBy.String
	item.BlockVersionID = blockVersionID.String
	if submittedAt.Valid {
		at := submittedAt.Time
		item.SubmittedAt = &at
	}
	return item, nil
}

const stageInstanceColumns = `workflow_instance_id, current_stage_id, submitted_by, submitted_at, block_version_id, updated_at`

func (r pgReader) GetStageInstance(ctx context.Context, instanceID string) (StageInstance, error) {
	return scanStageInstance(r.q.QueryRowContext(ctx, `
		SELECT `+stageInstanceColumns+` FROM workflow_stage_instances WHERE workflow_instance_id=$1
	`, instanceID))
}

func (t *pgTx) GetStageInstanceForUpdate(ctx context.Context, instanceID string) (StageInstance, error) {
	return scanStageInstance(t.q.QueryRowContext(ctx, `
		SELECT `+stageInstanceColumns+` FROM workflow_stage_instances WHERE workflow_instance_id=$1 FOR UPDATE
	`, instanceID))
}

func (t *pgTx) SaveStageInstance(ctx context.Context, item StageInstance) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO workflow_stage_instances (`+stageInstanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_instance_id) DO UPDATE SET
			current_stage_id=EXCLUDED.current_stage_id,
			submitted_by=EXCLUDED.submitted_by,
			submitted_at=EXCLUDED.submitted_at,
			block_version_id=EXCLUDED.block_version_id,
			updated_at=EXCLUDED.updated_at
	`, item.WorkflowInstanceID, nullString(item.CurrentStageID), nullString(item.SubmittedBy), item.SubmittedAt, nullString(item.BlockVersionID), item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save stage instance: %w", err)
	}
	return nil
}

func (r pgReader) GetBlockVersion(ctx context.Context, versionID string) (BlockVersion, error) {
	var (
		item    BlockVersion
		content []byte
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT id, workflow_instance_id, asset_id, chapter_name, content, submitted_by, submitted_at
		FROM content_block_versions
		WHERE id=$1
	`, versionID).Scan(&item.ID, &item.WorkflowInstanceID, &item.AssetID, &item.ChapterName, &content, &item.SubmittedBy, &item.SubmittedAt)
	if err != nil {
		return BlockVersion{}, err
	}
	item.Content = json.RawMessage(content)
	return item, nil
}

func (t *pgTx) InsertBlockVersion(ctx context.Context, version BlockVersion) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO content_block_versions (id, workflow_instance_id, asset_id, chapter_name, content, submitted_by, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, version.ID, version.WorkflowInstanceID, version.AssetID, version.ChapterName, []byte(version.Content), version.SubmittedBy, version.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert block version: %w", err)
	}
	return nil
}

func (t *pgTx) InsertApprovalLog(ctx context.Context, entry ApprovalLogEntry) (ApprovalLogEntry, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO approval_log (
			workflow_instance_id, asset_id, chapter_name, workflow_stage_id, stage_name, stage_order,
			reviewer_id, review_action, comment, block_version_id, reviewed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		entry.WorkflowInstanceID,
		entry.AssetID,
		entry.ChapterName,
		entry.WorkflowStageID,
		entry.StageName,
		entry.StageOrder,
		entry.ReviewerID,
		entry.ReviewAction,
		entry.Comment,
		entry.BlockVersionID,
		entry.ReviewedAt,
	).Scan(&entry.ID)
	if err != nil {
		return ApprovalLogEntry{}, fmt.Errorf("insert approval log: %w", err)
	}
	return entry, nil
}

func (r pgReader) ListApprovalLog(ctx context.Context, instanceID string) ([]ApprovalLogEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, workflow_instance_id, asset_id, chapter_name, workflow_stage_id, stage_name, stage_order,
		       reviewer_id, review_action, comment, block_version_id, reviewed_at
		FROM approval_log
		WHERE workflow_instance_id=$1
		ORDER BY reviewed_at ASC, id ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list approval log: %w", err)
	}
	defer rows.Close()

	items := make([]ApprovalLogEntry, 0)
	for rows.Next() {
		var item ApprovalLogEntry
		if err := rows.Scan(
			&item.ID,
			&item.WorkflowInstanceID,
			&item.AssetID,
			&item.ChapterName,
			&item.WorkflowStageID,
			&item.StageName,
			&item.StageOrder,
			&item.ReviewerID,
			&item.ReviewAction,
			&item.Comment,
			&item.BlockVersionID,
			&item.ReviewedAt,
		); err != nil {
			return nil, fmt.Errorf("scan approval log: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval log: %w", err)
	}
	return items, nil
}

// ListPendingReviews returns submissions whose current stage grants
// read_write to any of roleIDs.
func (r pgReader) ListPendingReviews(ctx context.Context, roleIDs []string) ([]PendingReview, error) {
	if len(roleIDs) == 0 {
		return []PendingReview{}, nil
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT wi.id, wi.asset_id, wi.chapter_name, ws.id, ws.stage_name, ws.stage_order,
		       si.submitted_by, si.submitted_at, si.block_version_id
		FROM workflow_stage_instances si
		JOIN workflow_instances wi ON wi.id = si.workflow_instance_id
		JOIN workflow_stages ws ON ws.id = si.current_stage_id
		WHERE wi.status = 'in_review'
		  AND EXISTS (
			SELECT 1 FROM permission_mappings pm
			WHERE pm.permission_tag = ws.permission_tag
			  AND pm.action_type = 'read_write'
			  AND pm.role_id = ANY($1)
		  )
		ORDER BY si.submitted_at ASC, wi.id ASC
	`, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	defer rows.Close()

	items := make([]PendingReview, 0)
	for rows.Next() {
		var item PendingReview
		if err := rows.Scan(
			&item.WorkflowInstanceID,
			&item.AssetID,
			&item.ChapterName,
			&item.StageID,
			&item.StageName,
			&item.StageOrder,
			&item.SubmittedBy,
			&item.SubmittedAt,
			&item.BlockVersionID,
		); err != nil {
			return nil, fmt.Errorf("scan pending review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending reviews: %w", err)
	}
	return items, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
