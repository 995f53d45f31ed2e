package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrInReviewConflict is returned when inserting or reactivating an instance
// collides with another in-review instance of the same chapter.
var ErrInReviewConflict = errors.New("chapter already has an in-review instance")

// ErrUnknownRole is returned when a permission mapping names a role that does
// not exist.
var ErrUnknownRole = errors.New("role does not exist")

// Reader covers every read used outside a transaction.
type Reader interface {
	GetBlock(ctx context.Context, blockID string) (ContentBlock, error)
	ListChapterBlocks(ctx context.Context, assetID, chapterName string) ([]ContentBlock, error)
	ListPermissionMappings(ctx context.Context, permissionTag string) ([]PermissionMapping, error)
	ListUserRoleIDs(ctx context.Context, organizationID, userID string) ([]string, error)
	// ListOrganizationRoleIDs returns the subset of roleIDs that belong to the organization.
	ListOrganizationRoleIDs(ctx context.Context, organizationID string, roleIDs []string) ([]string, error)
	GetOutline(ctx context.Context, assetID string) (AssetOutline, error)
	ListStages(ctx context.Context, assetID, chapterName string) ([]WorkflowStage, error)
	// StageByPermissionTag returns nil when no stage owns the tag.
	StageByPermissionTag(ctx context.Context, permissionTag string) (*WorkflowStage, error)
	GetInstance(ctx context.Context, instanceID string) (WorkflowInstance, error)
	LatestInstance(ctx context.Context, assetID, chapterName string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, assetID, chapterName string) ([]WorkflowInstance, error)
	GetStageInstance(ctx context.Context, instanceID string) (StageInstance, error)
	GetBlockVersion(ctx context.Context, versionID string) (BlockVersion, error)
	ListApprovalLog(ctx context.Context, instanceID string) ([]ApprovalLogEntry, error)
	ListPendingReviews(ctx context.Context, roleIDs []string) ([]PendingReview, error)
}

// Tx is a unit of work. Methods named ForUpdate take row locks held until the
// transaction ends.
type Tx interface {
	Reader

	// LockChapter serializes plan edits, review starts and outline changes of one chapter.
	LockChapter(ctx context.Context, assetID, chapterName string) error
	// ChapterFrozen share-locks the pending submission of the chapter, if any,
	// and reports whether one is awaiting a decision.
	ChapterFrozen(ctx context.Context, assetID, chapterName string) (bool, error)

	GetBlockForUpdate(ctx context.Context, blockID string) (ContentBlock, error)
	SetBlockLock(ctx context.Context, blockID, holder string, at time.Time) error
	ClearBlockLock(ctx context.Context, blockID string) error
	UpdateBlockContent(ctx context.Context, blockID string, content json.RawMessage, modifiedBy string, at time.Time) (int64, error)
	InsertBlock(ctx context.Context, block ContentBlock) error
	DeleteBlocks(ctx context.Context, blockIDs []string) error

	GetOutlineForUpdate(ctx context.Context, assetID string) (AssetOutline, error)
	SaveOutline(ctx context.Context, item AssetOutline) error
	RenameChapter(ctx context.Context, assetID, from, to string) error

	ReplacePermissionMappings(ctx context.Context, permissionTag string, mappings []PermissionMapping) error
	DeleteStages(ctx context.Context, assetID, chapterName string) error
	InsertStage(ctx context.Context, stage WorkflowStage) error

	LatestInstanceForUpdate(ctx context.Context, assetID, chapterName string) (*WorkflowInstance, error)
	GetInstanceForUpdate(ctx context.Context, instanceID string) (WorkflowInstance, error)
	InsertInstance(ctx context.Context, instance WorkflowInstance) error
	UpdateInstanceStatus(ctx context.Context, instanceID, status string, endedAt *time.Time, at time.Time) error
	GetStageInstanceForUpdate(ctx context.Context, instanceID string) (StageInstance, error)
	SaveStageInstance(ctx context.Context, item StageInstance) error
	InsertBlockVersion(ctx context.Context, version BlockVersion) error
	InsertApprovalLog(ctx context.Context, entry ApprovalLogEntry) (ApprovalLogEntry, error)
}
