package store

import (
	"encoding/json"
	"time"

	"chatesg/api/internal/outline"
)

type Role struct {
	ID             string
	OrganizationID string
	Name           string
	Color          string
	Description    string
	IsDefault      bool
}

type PermissionMapping struct {
	RoleID        string
	PermissionTag string
	ActionType    string
}

type ContentBlock struct {
	ID             string
	AssetID        string
	ChapterName    string
	PermissionTag  string
	Content        json.RawMessage
	Version        int64
	LastModifiedBy string
	LastModifiedAt time.Time
	IsLocked       bool
	LockedBy       string
	LockedAt       *time.Time
}

type AssetOutline struct {
	AssetID   string
	Outline   outline.Outline
	Revision  int
	UpdatedBy string
	UpdatedAt time.Time
}

type WorkflowStage struct {
	ID            string
	AssetID       string
	ChapterName   string
	Order         int
	Name          string
	PermissionTag string
	CreatedAt     time.Time
}

type WorkflowInstance struct {
	ID          string
	AssetID     string
	ChapterName string
	Status      string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	EndedAt     *time.Time
}

// StageInstance is the mutable position of a workflow instance. An empty
// CurrentStageID means nothing is awaiting a decision.
type StageInstance struct {
	WorkflowInstanceID string
	CurrentStageID     string
	SubmittedBy        string
	SubmittedAt        *time.Time
	BlockVersionID     string
	UpdatedAt          time.Time
}

type BlockVersion struct {
	ID                 string
	WorkflowInstanceID string
	AssetID            string
	ChapterName        string
	Content            json.RawMessage
	SubmittedBy        string
	SubmittedAt        time.Time
}

type ApprovalLogEntry struct {
	ID                 int64
	WorkflowInstanceID string
	AssetID            string
	ChapterName        string
	WorkflowStageID    string
	StageName          string
	StageOrder         int
	ReviewerID         string
	ReviewAction       string
	Comment            string
	BlockVersionID     string
	ReviewedAt         time.Time
}

type PendingReview struct {
	WorkflowInstanceID string
	AssetID            string
	ChapterName        string
	StageID            string
	StageName          string
	StageOrder         int
	SubmittedBy        string
	SubmittedAt        time.Time
	BlockVersionID     string
}
