package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"chatesg/api/internal/archive"
	"chatesg/api/internal/notify"
	"chatesg/api/internal/rbac"
	"chatesg/api/internal/search"
	"chatesg/api/internal/store"
	"chatesg/api/internal/util"
	"chatesg/api/internal/workflow"
)

type StageView struct {
	ID              string   `json:"id"`
	Name            string   `json:"stageName"`
	Order           int      `json:"stageOrder"`
	PermissionTag   string   `json:"permissionTag"`
	ApproverRoleIDs []string `json:"approverRoleIds"`
}

type StartReviewResult struct {
	WorkflowInstanceID string `json:"workflowInstanceId"`
	Status             string `json:"status"`
	Reactivated        bool   `json:"reactivated"`
}

type SubmitInput struct {
	Content json.RawMessage `json:"content"`
}

type SubmitResult struct {
	WorkflowInstanceID string    `json:"workflowInstanceId"`
	BlockVersionID     string    `json:"blockVersionId"`
	StageID            string    `json:"stageId"`
	StageName          string    `json:"stageName"`
	StageOrder         int       `json:"stageOrder"`
	SubmittedAt        time.Time `json:"submittedAt"`
}

type DecisionInput struct {
	Action         string `json:"action"`
	Comment        string `json:"comment"`
	StageID        string `json:"stageId"`
	BlockVersionID string `json:"blockVersionId"`
}

type DecisionResult struct {
	WorkflowInstanceID string          `json:"workflowInstanceId"`
	Status             string          `json:"status"`
	NextStage          *workflow.Stage `json:"nextStage,omitempty"`
	Entry              LedgerEntry     `json:"entry"`
}

type LedgerEntry struct {
	ID                 int64     `json:"id"`
	WorkflowInstanceID string    `json:"workflowInstanceId"`
	WorkflowStageID    string    `json:"workflowStageId"`
	StageName          string    `json:"stageName"`
	StageOrder         int       `json:"stageOrder"`
	ReviewerID         string    `json:"reviewerId"`
	ReviewAction       string    `json:"reviewAction"`
	Comment            string    `json:"comment"`
	BlockVersionID     string    `json:"blockVersionId,omitempty"`
	ReviewedAt         time.Time `json:"reviewedAt"`
}

type ProgressView struct {
	WorkflowInstanceID string          `json:"workflowInstanceId"`
	AssetID            string          `json:"assetId"`
	ChapterName        string          `json:"chapterName"`
	Status             string          `json:"status"`
	CurrentStage       *workflow.Stage `json:"currentStage"`
	AwaitingSubmission bool            `json:"awaitingSubmission"`
	SubmittedBy        string          `json:"submittedBy,omitempty"`
	SubmittedAt        *time.Time      `json:"submittedAt,omitempty"`
	BlockVersionID     string          `json:"blockVersionId,omitempty"`
	Stages             []StageView     `json:"stages"`
	CreatedBy          string          `json:"createdBy"`
	CreatedAt          time.Time       `json:"createdAt"`
	EndedAt            *time.Time      `json:"endedAt,omitempty"`
}

type VersionView struct {
	ID                 string          `json:"id"`
	WorkflowInstanceID string          `json:"workflowInstanceId"`
	AssetID            string          `json:"assetId"`
	ChapterName        string          `json:"chapterName"`
	Content            json.RawMessage `json:"content"`
	SubmittedBy        string          `json:"submittedBy"`
	SubmittedAt        time.Time       `json:"submittedAt"`
}

type PendingReviewView struct {
	WorkflowInstanceID string    `json:"workflowInstanceId"`
	AssetID            string    `json:"assetId"`
	ChapterName        string    `json:"chapterName"`
	StageID            string    `json:"stageId"`
	StageName          string    `json:"stageName"`
	StageOrder         int       `json:"stageOrder"`
	SubmittedBy        string    `json:"submittedBy"`
	SubmittedAt        time.Time `json:"submittedAt"`
	BlockVersionID     string    `json:"blockVersionId"`
}

type HistoryItem struct {
	WorkflowInstanceID string        `json:"workflowInstanceId"`
	Status             string        `json:"status"`
	CreatedBy          string        `json:"createdBy"`
	CreatedAt          time.Time     `json:"createdAt"`
	EndedAt            *time.Time    `json:"endedAt,omitempty"`
	Entries            []LedgerEntry `json:"entries"`
}

type PublishedView struct {
	Latest  *archive.Snapshot `json:"latest"`
	Commits []archive.Commit  `json:"commits"`
}

// snapshotBlock is one block of a chapter snapshot taken at submission when
// the submitter does not supply content.
type snapshotBlock struct {
	BlockID string          `json:"blockId"`
	Version int64           `json:"version"`
	Content json.RawMessage `json:"content"`
}

func toPlan(rows []store.WorkflowStage) (workflow.Plan, error) {
	stages := make([]workflow.Stage, 0, len(rows))
	for _, row := range rows {
		stages = append(stages, workflow.Stage{
			ID:            row.ID,
			Name:          row.Name,
			Order:         row.Order,
			PermissionTag: row.PermissionTag,
		})
	}
	return workflow.NewPlan(stages)
}

func toLedgerEntry(entry store.ApprovalLogEntry) LedgerEntry {
	return LedgerEntry{
		ID:                 entry.ID,
		WorkflowInstanceID: entry.WorkflowInstanceID,
		WorkflowStageID:    entry.WorkflowStageID,
		StageName:          entry.StageName,
		StageOrder:         entry.StageOrder,
		ReviewerID:         entry.ReviewerID,
		ReviewAction:       entry.ReviewAction,
		Comment:            entry.Comment,
		BlockVersionID:     entry.BlockVersionID,
		ReviewedAt:         entry.ReviewedAt,
	}
}

func stageViews(ctx context.Context, r store.Reader, rows []store.WorkflowStage) ([]StageView, error) {
	items := make([]StageView, 0, len(rows))
	for _, row := range rows {
		mappings, err := r.ListPermissionMappings(ctx, row.PermissionTag)
		if err != nil {
			return nil, err
		}
		roleIDs := make([]string, 0, len(mappings))
		for _, mapping := range mappings {
			if mapping.ActionType == string(rbac.ActionReadWrite) {
				roleIDs = append(roleIDs, mapping.RoleID)
			}
		}
		sort.Strings(roleIDs)
		items = append(items, StageView{
			ID:              row.ID,
			Name:            row.Name,
			Order:           row.Order,
			PermissionTag:   row.PermissionTag,
			ApproverRoleIDs: roleIDs,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	return items, nil
}

func (s *Service) GetStages(ctx context.Context, actor Actor, assetID, chapterName string) ([]StageView, error) {
	if err := s.requireChapter(ctx, actor, assetID, chapterName, rbac.ActionRead); err != nil {
		return nil, err
	}
	rows, err := s.store.ListStages(ctx, assetID, chapterName)
	if err != nil {
		return nil, err
	}
	return stageViews(ctx, s.store, rows)
}

// DefineStages replaces the chapter's plan. Every stage gets a fresh
// permission tag granting read_write to its approver roles. The old plan and
// its grants are removed in the same transaction. The caller needs read_write
// on the chapter and every approver role must belong to its organization.
func (s *Service) DefineStages(ctx context.Context, actor Actor, assetID, chapterName string, drafts []workflow.Draft) ([]StageView, error) {
	chapterName, err := requireName(chapterName, "chapterName")
	if err != nil {
		return nil, err
	}
	if err := workflow.ValidateDrafts(drafts); err != nil {
		return nil, translate(err)
	}
	var approvers []string
	for _, draft := range drafts {
		approvers = append(approvers, draft.ApproverRoleIDs...)
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return nil, err
	}
	now := s.clock()

	var inserted []store.WorkflowStage
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockChapter(ctx, assetID, chapterName); err != nil {
			return err
		}
		if err := checkChapterPermission(ctx, tx, roleIDs, assetID, chapterName, rbac.ActionReadWrite); err != nil {
			return err
		}
		if err := validateRoleIDs(ctx, tx, actor.OrganizationID, approvers); err != nil {
			return err
		}
		latest, err := tx.LatestInstanceForUpdate(ctx, assetID, chapterName)
		if err != nil {
			return err
		}
		if latest != nil && latest.Status == string(workflow.StatusInReview) {
			return domainError(http.StatusConflict, "STAGES_LOCKED", "Stages cannot change while the chapter is in review", map[string]any{
				"workflowInstanceId": latest.ID,
			})
		}
		if err := tx.DeleteStages(ctx, assetID, chapterName); err != nil {
			return err
		}

		inserted = make([]store.WorkflowStage, 0, len(drafts))
		for i, draft := range drafts {
			stage := store.WorkflowStage{
				ID:            util.NewID("stg"),
				AssetID:       assetID,
				ChapterName:   chapterName,
				Order:         i + 1,
				Name:          strings.TrimSpace(draft.Name),
				PermissionTag: util.NewID("ptag"),
				CreatedAt:     now,
			}
			if err := tx.InsertStage(ctx, stage); err != nil {
				return err
			}
			if err := tx.ReplacePermissionMappings(ctx, stage.PermissionTag, approverMappings(stage.PermissionTag, draft.ApproverRoleIDs)); err != nil {
				return err
			}
			inserted = append(inserted, stage)
		}
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	s.log.Info().
		Str("asset_id", assetID).
		Str("chapter", chapterName).
		Int("stages", len(inserted)).
		Str("actor", actor.UserID).
		Msg("workflow stages defined")
	return stageViews(ctx, s.store, inserted)
}

func approverMappings(permissionTag string, roleIDs []string) []store.PermissionMapping {
	seen := make(map[string]struct{}, len(roleIDs))
	mappings := make([]store.PermissionMapping, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		roleID = strings.TrimSpace(roleID)
		if _, ok := seen[roleID]; ok {
			continue
		}
		seen[roleID] = struct{}{}
		mappings = append(mappings, store.PermissionMapping{
			RoleID:        roleID,
			PermissionTag: permissionTag,
			ActionType:    string(rbac.ActionReadWrite),
		})
	}
	return mappings
}

// StartReview opens a review for the chapter, reactivating a returned
// instance instead of creating a second one. Only chapter writers may start.
func (s *Service) StartReview(ctx context.Context, actor Actor, assetID, chapterName string) (StartReviewResult, error) {
	chapterName, err := requireName(chapterName, "chapterName")
	if err != nil {
		return StartReviewResult{}, err
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return StartReviewResult{}, err
	}
	now := s.clock()

	var result StartReviewResult
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockChapter(ctx, assetID, chapterName); err != nil {
			return err
		}
		if err := checkChapterPermission(ctx, tx, roleIDs, assetID, chapterName, rbac.ActionReadWrite); err != nil {
			return err
		}
		stages, err := tx.ListStages(ctx, assetID, chapterName)
		if err != nil {
			return err
		}
		latest, err := tx.LatestInstanceForUpdate(ctx, assetID, chapterName)
		if err != nil {
			return err
		}
		var existing *workflow.Status
		if latest != nil {
			status := workflow.Status(latest.Status)
			existing = &status
		}
		outcome, err := workflow.PlanStart(len(stages), existing)
		if err != nil {
			return err
		}

		switch outcome {
		case workflow.StartReactivate:
			if err := tx.UpdateInstanceStatus(ctx, latest.ID, string(workflow.StatusInReview), nil, now); err != nil {
				return err
			}
			stageInstance, err := tx.GetStageInstanceForUpdate(ctx, latest.ID)
			if err != nil {
				return err
			}
			stageInstance.CurrentStageID = ""
			stageInstance.UpdatedAt = now
			if err := tx.SaveStageInstance(ctx, stageInstance); err != nil {
				return err
			}
			result = StartReviewResult{WorkflowInstanceID: latest.ID, Status: string(workflow.StatusInReview), Reactivated: true}
		default:
			instance := store.WorkflowInstance{
				ID:          util.NewID("wfi"),
				AssetID:     assetID,
				ChapterName: chapterName,
				Status:      string(workflow.StatusInReview),
				CreatedBy:   actor.UserID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertInstance(ctx, instance); err != nil {
				return err
			}
			result = StartReviewResult{WorkflowInstanceID: instance.ID, Status: instance.Status}
		}
		return nil
	})
	if err != nil {
		return StartReviewResult{}, translate(err)
	}

	s.publish(ctx, notify.Event{
		Type:               notify.WorkflowStarted,
		AssetID:            assetID,
		ChapterName:        chapterName,
		WorkflowInstanceID: result.WorkflowInstanceID,
		Actor:              actor.UserID,
		At:                 now,
	})
	return result, nil
}

// SubmitForReview records an immutable snapshot and points the instance at
// the first stage. Without explicit content the chapter's current blocks are
// captured. The submitter needs read_write on the chapter.
func (s *Service) SubmitForReview(ctx context.Context, actor Actor, instanceID string, input SubmitInput) (SubmitResult, error) {
	if len(input.Content) > 0 && !json.Valid(input.Content) {
		return SubmitResult{}, validationError("content must be a JSON document")
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return SubmitResult{}, err
	}
	now := s.clock()

	var (
		instance store.WorkflowInstance
		result   SubmitResult
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		instance, err = tx.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if err := checkChapterPermission(ctx, tx, roleIDs, instance.AssetID, instance.ChapterName, rbac.ActionReadWrite); err != nil {
			return err
		}
		switch workflow.Status(instance.Status) {
		case workflow.StatusInReview:
		case workflow.StatusApproved:
			return workflow.ErrAlreadyApproved
		default:
			return workflow.ErrNotInReview
		}
		stageInstance, err := tx.GetStageInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		rows, err := tx.ListStages(ctx, instance.AssetID, instance.ChapterName)
		if err != nil {
			return err
		}
		plan, err := toPlan(rows)
		if err != nil {
			return err
		}
		first, ok := plan.First()
		if !ok {
			return workflow.ErrNoWorkflowDefined
		}

		content := input.Content
		if len(content) == 0 {
			content, err = chapterSnapshot(ctx, tx, instance.AssetID, instance.ChapterName)
			if err != nil {
				return err
			}
		}
		version := store.BlockVersion{
			ID:                 util.NewID("ver"),
			WorkflowInstanceID: instance.ID,
			AssetID:            instance.AssetID,
			ChapterName:        instance.ChapterName,
			Content:            content,
			SubmittedBy:        actor.UserID,
			SubmittedAt:        now,
		}
		if err := tx.InsertBlockVersion(ctx, version); err != nil {
			return err
		}

		stageInstance.CurrentStageID = first.ID
		stageInstance.SubmittedBy = actor.UserID
		stageInstance.SubmittedAt = &now
		stageInstance.BlockVersionID = version.ID
		stageInstance.UpdatedAt = now
		if err := tx.SaveStageInstance(ctx, stageInstance); err != nil {
			return err
		}

		result = SubmitResult{
			WorkflowInstanceID: instance.ID,
			BlockVersionID:     version.ID,
			StageID:            first.ID,
			StageName:          first.Name,
			StageOrder:         first.Order,
			SubmittedAt:        now,
		}
		return nil
	})
	if err != nil {
		return SubmitResult{}, translate(err)
	}

	s.publish(ctx, notify.Event{
		Type:               notify.WorkflowSubmitted,
		AssetID:            instance.AssetID,
		ChapterName:        instance.ChapterName,
		WorkflowInstanceID: instance.ID,
		StageID:            result.StageID,
		Actor:              actor.UserID,
		At:                 now,
	})
	return result, nil
}

func chapterSnapshot(ctx context.Context, r store.Reader, assetID, chapterName string) (json.RawMessage, error) {
	blocks, err := r.ListChapterBlocks(ctx, assetID, chapterName)
	if err != nil {
		return nil, err
	}
	items := make([]snapshotBlock, 0, len(blocks))
	for _, block := range blocks {
		content := block.Content
		if len(content) == 0 {
			content = json.RawMessage("null")
		}
		items = append(items, snapshotBlock{BlockID: block.ID, Version: block.Version, Content: content})
	}
	raw, err := json.Marshal(map[string]any{"blocks": items})
	if err != nil {
		return nil, fmt.Errorf("encode chapter snapshot: %w", err)
	}
	return raw, nil
}

type decisionOutcome struct {
	instance   store.WorkflowInstance
	transition workflow.Transition
	entry      store.ApprovalLogEntry
	version    store.BlockVersion
}

// Decide records a reviewer decision on the pending submission. The stage the
// caller validated against is compared with the locked stage pointer inside
// the transaction, so of two concurrent decisions on the same stage only the
// first one is applied and logged. Authorization is settled before the
// pointer is compared.
func (s *Service) Decide(ctx context.Context, actor Actor, instanceID string, input DecisionInput) (DecisionResult, error) {
	action, err := workflow.ParseAction(input.Action)
	if err != nil {
		return DecisionResult{}, translate(err)
	}
	expected := strings.TrimSpace(input.StageID)
	if expected == "" {
		return DecisionResult{}, validationError("stageId is required")
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return DecisionResult{}, err
	}
	now := s.clock()

	var outcome decisionOutcome
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		instance, err := tx.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		stageInstance, err := tx.GetStageInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		rows, err := tx.ListStages(ctx, instance.AssetID, instance.ChapterName)
		if err != nil {
			return err
		}
		plan, err := toPlan(rows)
		if err != nil {
			return err
		}
		if err := authorizeDecision(ctx, tx, actor, roleIDs, instance, stageInstance, plan, expected, action); err != nil {
			return err
		}

		transition, err := workflow.Decide(plan, workflow.Status(instance.Status), stageInstance.CurrentStageID, action)
		if err != nil {
			return err
		}
		err = workflow.CheckPointer(
			workflow.Pointer{StageID: expected, BlockVersionID: input.BlockVersionID},
			workflow.Pointer{StageID: stageInstance.CurrentStageID, BlockVersionID: stageInstance.BlockVersionID},
		)
		if err != nil {
			return staleDecision(err, expected, stageInstance.CurrentStageID)
		}
		stage, _ := plan.Find(stageInstance.CurrentStageID)

		entry, err := tx.InsertApprovalLog(ctx, store.ApprovalLogEntry{
			WorkflowInstanceID: instance.ID,
			AssetID:            instance.AssetID,
			ChapterName:        instance.ChapterName,
			WorkflowStageID:    stage.ID,
			StageName:          stage.Name,
			StageOrder:         stage.Order,
			ReviewerID:         actor.UserID,
			ReviewAction:       string(action),
			Comment:            strings.TrimSpace(input.Comment),
			BlockVersionID:     stageInstance.BlockVersionID,
			ReviewedAt:         now,
		})
		if err != nil {
			return err
		}

		var endedAt *time.Time
		stageInstance.CurrentStageID = ""
		if transition.NextStage != nil {
			stageInstance.CurrentStageID = transition.NextStage.ID
		}
		if transition.Completed {
			endedAt = &now
		}
		stageInstance.UpdatedAt = now
		if err := tx.SaveStageInstance(ctx, stageInstance); err != nil {
			return err
		}
		if err := tx.UpdateInstanceStatus(ctx, instance.ID, string(transition.Status), endedAt, now); err != nil {
			return err
		}

		if transition.Completed && stageInstance.BlockVersionID != "" {
			outcome.version, err = tx.GetBlockVersion(ctx, stageInstance.BlockVersionID)
			if err != nil {
				return err
			}
		}
		instance.Status = string(transition.Status)
		outcome.instance = instance
		outcome.transition = transition
		outcome.entry = entry
		return nil
	})
	if err != nil {
		return DecisionResult{}, translate(err)
	}

	s.afterDecision(ctx, actor, outcome)
	return DecisionResult{
		WorkflowInstanceID: outcome.instance.ID,
		Status:             outcome.instance.Status,
		NextStage:          outcome.transition.NextStage,
		Entry:              toLedgerEntry(outcome.entry),
	}, nil
}

// authorizeDecision runs against the locked rows. Without a pending
// submission any chapter reader learns why nothing can be decided. A recall
// belongs to the submitter. Any other decision needs read_write on the current
// stage, or on the stage the caller expected so that a reviewer who lost a
// race is told the decision is stale.
func authorizeDecision(ctx context.Context, tx store.Tx, actor Actor, roleIDs []string, instance store.WorkflowInstance, current store.StageInstance, plan workflow.Plan, expected string, action workflow.Action) error {
	stage, pending := plan.Find(current.CurrentStageID)
	if !pending || instance.Status != string(workflow.StatusInReview) {
		return checkChapterPermission(ctx, tx, roleIDs, instance.AssetID, instance.ChapterName, rbac.ActionRead)
	}
	if action == workflow.ActionRecalled {
		if current.SubmittedBy != actor.UserID {
			return domainError(http.StatusForbidden, "PERMISSION_DENIED", "Only the submitter can recall a submission", nil)
		}
		return nil
	}
	denied := checkPermission(ctx, tx, roleIDs, stage.PermissionTag, rbac.ActionReadWrite)
	if denied == nil || !isPermissionDenied(denied) {
		return denied
	}
	if claimed, ok := plan.Find(expected); ok && claimed.ID != stage.ID {
		if err := checkPermission(ctx, tx, roleIDs, claimed.PermissionTag, rbac.ActionReadWrite); err == nil || !isPermissionDenied(err) {
			return err
		}
	}
	return denied
}

func (s *Service) afterDecision(ctx context.Context, actor Actor, outcome decisionOutcome) {
	entry := outcome.entry
	event := notify.Event{
		AssetID:            entry.AssetID,
		ChapterName:        entry.ChapterName,
		WorkflowInstanceID: entry.WorkflowInstanceID,
		StageID:            entry.WorkflowStageID,
		Actor:              actor.UserID,
		At:                 entry.ReviewedAt,
	}
	switch {
	case workflow.Action(entry.ReviewAction) == workflow.ActionRecalled:
		event.Type = notify.WorkflowRecalled
	case outcome.transition.Status == workflow.StatusReturned:
		event.Type = notify.WorkflowReturned
	case outcome.transition.Completed:
		event.Type = notify.WorkflowApproved
	default:
		event.Type = notify.WorkflowAdvanced
		event.StageID = outcome.transition.NextStage.ID
	}
	s.publish(ctx, event)

	if s.search != nil {
		s.search.IndexReview(search.ReviewRecord{
			ID:                 fmt.Sprintf("%d", entry.ID),
			WorkflowInstanceID: entry.WorkflowInstanceID,
			AssetID:            entry.AssetID,
			ChapterName:        entry.ChapterName,
			StageName:          entry.StageName,
			ReviewerID:         entry.ReviewerID,
			Action:             entry.ReviewAction,
			Comment:            entry.Comment,
			ReviewedAt:         entry.ReviewedAt.Unix(),
		})
	}

	if outcome.transition.Completed && s.archive != nil {
		commit, err := s.archive.Publish(archive.Snapshot{
			AssetID:            entry.AssetID,
			ChapterName:        entry.ChapterName,
			WorkflowInstanceID: entry.WorkflowInstanceID,
			BlockVersionID:     entry.BlockVersionID,
			ApprovedBy:         entry.ReviewerID,
			ApprovedAt:         entry.ReviewedAt,
			Content:            outcome.version.Content,
		})
		if err != nil {
			s.log.Warn().Err(err).Str("workflow_instance_id", entry.WorkflowInstanceID).Msg("archive approved chapter")
			return
		}
		s.log.Info().Str("workflow_instance_id", entry.WorkflowInstanceID).Str("commit", commit.Hash).Msg("chapter archived")
	}
}

// GetProgress reports where an instance stands. A fresh or reactivated
// instance has no pending submission; it is shown at stage 1 awaiting one.
func (s *Service) GetProgress(ctx context.Context, actor Actor, instanceID string) (ProgressView, error) {
	instance, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return ProgressView{}, translate(err)
	}
	if err := s.requireChapter(ctx, actor, instance.AssetID, instance.ChapterName, rbac.ActionRead); err != nil {
		return ProgressView{}, err
	}
	stageInstance, err := s.store.GetStageInstance(ctx, instanceID)
	if err != nil {
		return ProgressView{}, translate(err)
	}
	rows, err := s.store.ListStages(ctx, instance.AssetID, instance.ChapterName)
	if err != nil {
		return ProgressView{}, err
	}
	plan, err := toPlan(rows)
	if err != nil {
		return ProgressView{}, translate(err)
	}
	stages, err := stageViews(ctx, s.store, rows)
	if err != nil {
		return ProgressView{}, err
	}

	view := ProgressView{
		WorkflowInstanceID: instance.ID,
		AssetID:            instance.AssetID,
		ChapterName:        instance.ChapterName,
		Status:             instance.Status,
		SubmittedBy:        stageInstance.SubmittedBy,
		SubmittedAt:        stageInstance.SubmittedAt,
		BlockVersionID:     stageInstance.BlockVersionID,
		Stages:             stages,
		CreatedBy:          instance.CreatedBy,
		CreatedAt:          instance.CreatedAt,
		EndedAt:            instance.EndedAt,
	}
	if instance.Status == string(workflow.StatusInReview) {
		if stage, ok := plan.Find(stageInstance.CurrentStageID); ok {
			view.CurrentStage = &stage
		} else if first, ok := plan.First(); ok {
			view.CurrentStage = &first
			view.AwaitingSubmission = true
		}
	}
	return view, nil
}

func (s *Service) GetLog(ctx context.Context, actor Actor, instanceID string) ([]LedgerEntry, error) {
	instance, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, translate(err)
	}
	if err := s.requireChapter(ctx, actor, instance.AssetID, instance.ChapterName, rbac.ActionRead); err != nil {
		return nil, err
	}
	entries, err := s.store.ListApprovalLog(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	items := make([]LedgerEntry, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toLedgerEntry(entry))
	}
	return items, nil
}

func (s *Service) GetVersion(ctx context.Context, actor Actor, versionID string) (VersionView, error) {
	version, err := s.store.GetBlockVersion(ctx, versionID)
	if err != nil {
		return VersionView{}, translate(err)
	}
	if err := s.requireChapter(ctx, actor, version.AssetID, version.ChapterName, rbac.ActionRead); err != nil {
		return VersionView{}, err
	}
	return VersionView{
		ID:                 version.ID,
		WorkflowInstanceID: version.WorkflowInstanceID,
		AssetID:            version.AssetID,
		ChapterName:        version.ChapterName,
		Content:            version.Content,
		SubmittedBy:        version.SubmittedBy,
		SubmittedAt:        version.SubmittedAt,
	}, nil
}

// PendingReviews lists submissions whose current stage the caller may decide.
func (s *Service) PendingReviews(ctx context.Context, actor Actor) ([]PendingReviewView, error) {
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return nil, err
	}
	items := make([]PendingReviewView, 0)
	if len(roleIDs) == 0 {
		return items, nil
	}
	rows, err := s.store.ListPendingReviews(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		items = append(items, PendingReviewView(row))
	}
	return items, nil
}

// ChapterHistory lists every review round of a chapter, oldest first, with
// its ledger entries.
func (s *Service) ChapterHistory(ctx context.Context, actor Actor, assetID, chapterName string) ([]HistoryItem, error) {
	if err := s.requireChapter(ctx, actor, assetID, chapterName, rbac.ActionRead); err != nil {
		return nil, err
	}
	instances, err := s.store.ListInstances(ctx, assetID, chapterName)
	if err != nil {
		return nil, err
	}
	items := make([]HistoryItem, 0, len(instances))
	for _, instance := range instances {
		entries, err := s.store.ListApprovalLog(ctx, instance.ID)
		if err != nil {
			return nil, err
		}
		ledger := make([]LedgerEntry, 0, len(entries))
		for _, entry := range entries {
			ledger = append(ledger, toLedgerEntry(entry))
		}
		items = append(items, HistoryItem{
			WorkflowInstanceID: instance.ID,
			Status:             instance.Status,
			CreatedBy:          instance.CreatedBy,
			CreatedAt:          instance.CreatedAt,
			EndedAt:            instance.EndedAt,
			Entries:            ledger,
		})
	}
	return items, nil
}

func (s *Service) Published(ctx context.Context, actor Actor, assetID, chapterName string, limit int) (PublishedView, error) {
	if err := s.requireChapter(ctx, actor, assetID, chapterName, rbac.ActionRead); err != nil {
		return PublishedView{}, err
	}
	view := PublishedView{Commits: []archive.Commit{}}
	if s.archive == nil {
		return view, nil
	}
	commits, err := s.archive.History(assetID, chapterName, limit)
	if err != nil {
		return PublishedView{}, translate(err)
	}
	view.Commits = commits
	latest, err := s.archive.Latest(assetID, chapterName)
	if err == nil {
		view.Latest = &latest
	} else if !errors.Is(err, archive.ErrNotPublished) {
		return PublishedView{}, err
	}
	return view, nil
}
