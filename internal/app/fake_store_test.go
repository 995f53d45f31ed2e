package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatesg/api/internal/store"
)

// memState is the in-memory database behind fakeStore. Methods assume the
// caller holds fakeStore.mu.
type memState struct {
	blocks         map[string]store.ContentBlock
	mappings       map[string][]store.PermissionMapping
	userRoles      map[string][]string
	roles          map[string]string
	outlines       map[string]store.AssetOutline
	stages         []store.WorkflowStage
	instances      []store.WorkflowInstance
	stageInstances map[string]store.StageInstance
	versions       map[string]store.BlockVersion
	log            []store.ApprovalLogEntry
	nextLogID      int64

	failOn map[string]error
}

func newMemState() *memState {
	return &memState{
		blocks:         make(map[string]store.ContentBlock),
		mappings:       make(map[string][]store.PermissionMapping),
		userRoles:      make(map[string][]string),
		roles:          make(map[string]string),
		outlines:       make(map[string]store.AssetOutline),
		stageInstances: make(map[string]store.StageInstance),
		versions:       make(map[string]store.BlockVersion),
		failOn:         make(map[string]error),
	}
}

func (m *memState) clone() *memState {
	next := newMemState()
	for k, v := range m.blocks {
		next.blocks[k] = v
	}
	for k, v := range m.mappings {
		next.mappings[k] = append([]store.PermissionMapping(nil), v...)
	}
	for k, v := range m.userRoles {
		next.userRoles[k] = append([]string(nil), v...)
	}
	for k, v := range m.roles {
		next.roles[k] = v
	}
	for k, v := range m.outlines {
		next.outlines[k] = v
	}
	next.stages = append([]store.WorkflowStage(nil), m.stages...)
	next.instances = append([]store.WorkflowInstance(nil), m.instances...)
	for k, v := range m.stageInstances {
		next.stageInstances[k] = v
	}
	for k, v := range m.versions {
		next.versions[k] = v
	}
	next.log = append([]store.ApprovalLogEntry(nil), m.log...)
	next.nextLogID = m.nextLogID
	next.failOn = m.failOn
	return next
}

// fail returns the error injected for op once.
func (m *memState) fail(op string) error {
	err, ok := m.failOn[op]
	if ok {
		delete(m.failOn, op)
	}
	return err
}

type fakeStore struct {
	mu     sync.Mutex
	state  *memState
	pingFn func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: newMemState()}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// WithTx runs fn against a copy of the state and publishes the copy only when
// fn succeeds. Transactions are fully serialized.
func (f *fakeStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	working := f.state.clone()
	if err := fn(memTx{working}); err != nil {
		return err
	}
	f.state = working
	return nil
}

func (f *fakeStore) read() *memState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

func (f *fakeStore) seedBlock(block store.ContentBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.blocks[block.ID] = block
}

func (f *fakeStore) grant(permissionTag, roleID, action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.mappings[permissionTag] = append(f.state.mappings[permissionTag], store.PermissionMapping{
		RoleID:        roleID,
		PermissionTag: permissionTag,
		ActionType:    action,
	})
}

func (f *fakeStore) assignRole(organizationID, userID, roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := organizationID + "/" + userID
	f.state.userRoles[key] = append(f.state.userRoles[key], roleID)
	f.state.roles[roleID] = organizationID
}

// defineRole registers a role nobody holds yet.
func (f *fakeStore) defineRole(organizationID, roleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.roles[roleID] = organizationID
}

func (f *fakeStore) failNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.failOn[op] = err
}

func (f *fakeStore) GetBlock(ctx context.Context, blockID string) (store.ContentBlock, error) {
	return f.read().GetBlock(ctx, blockID)
}
func (f *fakeStore) ListChapterBlocks(ctx context.Context, assetID, chapterName string) ([]store.ContentBlock, error) {
	return f.read().ListChapterBlocks(ctx, assetID, chapterName)
}
func (f *fakeStore) ListPermissionMappings(ctx context.Context, permissionTag string) ([]store.PermissionMapping, error) {
	return f.read().ListPermissionMappings(ctx, permissionTag)
}
func (f *fakeStore) ListUserRoleIDs(ctx context.Context, organizationID, userID string) ([]string, error) {
	return f.read().ListUserRoleIDs(ctx, organizationID, userID)
}
func (f *fakeStore) ListOrganizationRoleIDs(ctx context.Context, organizationID string, roleIDs []string) ([]string, error) {
	return f.read().ListOrganizationRoleIDs(ctx, organizationID, roleIDs)
}
func (f *fakeStore) StageByPermissionTag(ctx context.Context, permissionTag string) (*store.WorkflowStage, error) {
	return f.read().StageByPermissionTag(ctx, permissionTag)
}
func (f *fakeStore) GetOutline(ctx context.Context, assetID string) (store.AssetOutline, error) {
	return f.read().GetOutline(ctx, assetID)
}
func (f *fakeStore) ListStages(ctx context.Context, assetID, chapterName string) ([]store.WorkflowStage, error) {
	return f.read().ListStages(ctx, assetID, chapterName)
}
func (f *fakeStore) GetInstance(ctx context.Context, instanceID string) (store.WorkflowInstance, error) {
	return f.read().GetInstance(ctx, instanceID)
}
func (f *fakeStore) LatestInstance(ctx context.Context, assetID, chapterName string) (*store.WorkflowInstance, error) {
	return f.read().LatestInstance(ctx, assetID, chapterName)
}
func (f *fakeStore) ListInstances(ctx context.Context, assetID, chapterName string) ([]store.WorkflowInstance, error) {
	return f.read().ListInstances(ctx, assetID, chapterName)
}
func (f *fakeStore) GetStageInstance(ctx context.Context, instanceID string) (store.StageInstance, error) {
	return f.read().GetStageInstance(ctx, instanceID)
}
func (f *fakeStore) GetBlockVersion(ctx context.Context, versionID string) (store.BlockVersion, error) {
	return f.read().GetBlockVersion(ctx, versionID)
}
func (f *fakeStore) ListApprovalLog(ctx context.Context, instanceID string) ([]store.ApprovalLogEntry, error) {
	return f.read().ListApprovalLog(ctx, instanceID)
}
func (f *fakeStore) ListPendingReviews(ctx context.Context, roleIDs []string) ([]store.PendingReview, error) {
	return f.read().ListPendingReviews(ctx, roleIDs)
}

func (m *memState) GetBlock(_ context.Context, blockID string) (store.ContentBlock, error) {
	block, ok := m.blocks[blockID]
	if !ok {
		return store.ContentBlock{}, sql.ErrNoRows
	}
	return block, nil
}

func (m *memState) ListChapterBlocks(_ context.Context, assetID, chapterName string) ([]store.ContentBlock, error) {
	items := make([]store.ContentBlock, 0)
	for _, block := range m.blocks {
		if block.AssetID == assetID && block.ChapterName == chapterName {
			items = append(items, block)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memState) ListPermissionMappings(_ context.Context, permissionTag string) ([]store.PermissionMapping, error) {
	return append([]store.PermissionMapping{}, m.mappings[permissionTag]...), nil
}

func (m *memState) ListUserRoleIDs(_ context.Context, organizationID, userID string) ([]string, error) {
	return append([]string{}, m.userRoles[organizationID+"/"+userID]...), nil
}

func (m *memState) ListOrganizationRoleIDs(_ context.Context, organizationID string, roleIDs []string) ([]string, error) {
	items := make([]string, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		if m.roles[roleID] == organizationID {
			items = append(items, roleID)
		}
	}
	sort.Strings(items)
	return items, nil
}

func (m *memState) StageByPermissionTag(_ context.Context, permissionTag string) (*store.WorkflowStage, error) {
	for _, stage := range m.stages {
		if stage.PermissionTag == permissionTag {
			return &stage, nil
		}
	}
	return nil, nil
}

func (m *memState) GetOutline(_ context.Context, assetID string) (store.AssetOutline, error) {
	item, ok := m.outlines[assetID]
	if !ok {
		return store.AssetOutline{AssetID: assetID}, nil
	}
	return item, nil
}

func (m *memState) ListStages(_ context.Context, assetID, chapterName string) ([]store.WorkflowStage, error) {
	items := make([]store.WorkflowStage, 0)
	for _, stage := range m.stages {
		if stage.AssetID == assetID && stage.ChapterName == chapterName {
			items = append(items, stage)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	return items, nil
}

func (m *memState) GetInstance(_ context.Context, instanceID string) (store.WorkflowInstance, error) {
	for _, instance := range m.instances {
		if instance.ID == instanceID {
			return instance, nil
		}
	}
	return store.WorkflowInstance{}, sql.ErrNoRows
}

func (m *memState) LatestInstance(_ context.Context, assetID, chapterName string) (*store.WorkflowInstance, error) {
	for i := len(m.instances) - 1; i >= 0; i-- {
		instance := m.instances[i]
		if instance.AssetID == assetID && instance.ChapterName == chapterName {
			return &instance, nil
		}
	}
	return nil, nil
}

func (m *memState) ListInstances(_ context.Context, assetID, chapterName string) ([]store.WorkflowInstance, error) {
	items := make([]store.WorkflowInstance, 0)
	for _, instance := range m.instances {
		if instance.AssetID == assetID && instance.ChapterName == chapterName {
			items = append(items, instance)
		}
	}
	return items, nil
}

func (m *memState) GetStageInstance(_ context.Context, instanceID string) (store.StageInstance, error) {
	item, ok := m.stageInstances[instanceID]
	if !ok {
		return store.StageInstance{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memState) GetBlockVersion(_ context.Context, versionID string) (store.BlockVersion, error) {
	item, ok := m.versions[versionID]
	if !ok {
		return store.BlockVersion{}, sql.ErrNoRows
	}
	return item, nil
}

func (m *memState) ListApprovalLog(_ context.Context, instanceID string) ([]store.ApprovalLogEntry, error) {
	items := make([]store.ApprovalLogEntry, 0)
	for _, entry := range m.log {
		if entry.WorkflowInstanceID == instanceID {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (m *memState) ListPendingReviews(_ context.Context, roleIDs []string) ([]store.PendingReview, error) {
	allowed := make(map[string]struct{}, len(roleIDs))
	for _, roleID := range roleIDs {
		allowed[roleID] = struct{}{}
	}
	items := make([]store.PendingReview, 0)
	for _, instance := range m.instances {
		if instance.Status != "in_review" {
			continue
		}
		si := m.stageInstances[instance.ID]
		if si.CurrentStageID == "" {
			continue
		}
		for _, stage := range m.stages {
			if stage.ID != si.CurrentStageID {
				continue
			}
			for _, mapping := range m.mappings[stage.PermissionTag] {
				if _, ok := allowed[mapping.RoleID]; ok && mapping.ActionType == "read_write" {
					var submittedAt time.Time
					if si.SubmittedAt != nil {
						submittedAt = *si.SubmittedAt
					}
					items = append(items, store.PendingReview{
						WorkflowInstanceID: instance.ID,
						AssetID:            instance.AssetID,
						ChapterName:        instance.ChapterName,
						StageID:            stage.ID,
						StageName:          stage.Name,
						StageOrder:         stage.Order,
						SubmittedBy:        si.SubmittedBy,
						SubmittedAt:        submittedAt,
						BlockVersionID:     si.BlockVersionID,
					})
					break
				}
			}
		}
	}
	return items, nil
}

type memTx struct {
	*memState
}

func (m memTx) LockChapter(context.Context, string, string) error { return nil }

func (m memTx) ChapterFrozen(_ context.Context, assetID, chapterName string) (bool, error) {
	for _, instance := range m.instances {
		if instance.AssetID == assetID && instance.ChapterName == chapterName && instance.Status == "in_review" {
			return m.stageInstances[instance.ID].CurrentStageID != "", nil
		}
	}
	return false, nil
}

func (m memTx) GetBlockForUpdate(ctx context.Context, blockID string) (store.ContentBlock, error) {
	return m.GetBlock(ctx, blockID)
}

func (m memTx) SetBlockLock(_ context.Context, blockID, holder string, at time.Time) error {
	block, ok := m.blocks[blockID]
	if !ok {
		return sql.ErrNoRows
	}
	block.IsLocked = true
	block.LockedBy = holder
	block.LockedAt = &at
	m.blocks[blockID] = block
	return nil
}

func (m memTx) ClearBlockLock(_ context.Context, blockID string) error {
	block, ok := m.blocks[blockID]
	if !ok {
		return sql.ErrNoRows
	}
	block.IsLocked = false
	block.LockedBy = ""
	block.LockedAt = nil
	m.blocks[blockID] = block
	return nil
}

func (m memTx) UpdateBlockContent(_ context.Context, blockID string, content json.RawMessage, modifiedBy string, at time.Time) (int64, error) {
	if err := m.fail("UpdateBlockContent"); err != nil {
		return 0, err
	}
	block, ok := m.blocks[blockID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	block.Content = append(json.RawMessage(nil), content...)
	block.Version++
	block.LastModifiedBy = modifiedBy
	block.LastModifiedAt = at
	m.blocks[blockID] = block
	return block.Version, nil
}

func (m memTx) InsertBlock(_ context.Context, block store.ContentBlock) error {
	m.blocks[block.ID] = block
	return nil
}

func (m memTx) DeleteBlocks(_ context.Context, blockIDs []string) error {
	for _, id := range blockIDs {
		delete(m.blocks, id)
	}
	return nil
}

func (m memTx) GetOutlineForUpdate(ctx context.Context, assetID string) (store.AssetOutline, error) {
	return m.GetOutline(ctx, assetID)
}

func (m memTx) SaveOutline(_ context.Context, item store.AssetOutline) error {
	m.outlines[item.AssetID] = item
	return nil
}

func (m memTx) RenameChapter(_ context.Context, assetID, from, to string) error {
	for id, block := range m.blocks {
		if block.AssetID == assetID && block.ChapterName == from {
			block.ChapterName = to
			m.blocks[id] = block
		}
	}
	for i := range m.stages {
		if m.stages[i].AssetID == assetID && m.stages[i].ChapterName == from {
			m.stages[i].ChapterName = to
		}
	}
	for i := range m.instances {
		if m.instances[i].AssetID == assetID && m.instances[i].ChapterName == from {
			m.instances[i].ChapterName = to
		}
	}
	return nil
}

func (m memTx) ReplacePermissionMappings(_ context.Context, permissionTag string, mappings []store.PermissionMapping) error {
	for _, mapping := range mappings {
		if _, ok := m.roles[mapping.RoleID]; !ok {
			return fmt.Errorf("insert permission mapping for %s: %w", mapping.RoleID, store.ErrUnknownRole)
		}
	}
	if len(mappings) == 0 {
		delete(m.mappings, permissionTag)
		return nil
	}
	m.mappings[permissionTag] = append([]store.PermissionMapping(nil), mappings...)
	return nil
}

func (m memTx) DeleteStages(_ context.Context, assetID, chapterName string) error {
	kept := m.stages[:0:0]
	removed := make(map[string]struct{})
	for _, stage := range m.stages {
		if stage.AssetID == assetID && stage.ChapterName == chapterName {
			removed[stage.ID] = struct{}{}
			delete(m.mappings, stage.PermissionTag)
			continue
		}
		kept = append(kept, stage)
	}
	m.memState.stages = kept
	for id, si := range m.stageInstances {
		if _, ok := removed[si.CurrentStageID]; ok {
			si.CurrentStageID = ""
			m.stageInstances[id] = si
		}
	}
	return nil
}

func (m memTx) InsertStage(_ context.Context, stage store.WorkflowStage) error {
	m.memState.stages = append(m.memState.stages, stage)
	return nil
}

func (m memTx) LatestInstanceForUpdate(ctx context.Context, assetID, chapterName string) (*store.WorkflowInstance, error) {
	return m.LatestInstance(ctx, assetID, chapterName)
}

func (m memTx) GetInstanceForUpdate(ctx context.Context, instanceID string) (store.WorkflowInstance, error) {
	return m.GetInstance(ctx, instanceID)
}

func (m memTx) inReviewElsewhere(instanceID, assetID, chapterName string) bool {
	for _, other := range m.instances {
		if other.ID != instanceID && other.AssetID == assetID && other.ChapterName == chapterName && other.Status == "in_review" {
			return true
		}
	}
	return false
}

func (m memTx) InsertInstance(_ context.Context, instance store.WorkflowInstance) error {
	if instance.Status == "in_review" && m.inReviewElsewhere(instance.ID, instance.AssetID, instance.ChapterName) {
		return store.ErrInReviewConflict
	}
	m.memState.instances = append(m.memState.instances, instance)
	m.stageInstances[instance.ID] = store.StageInstance{WorkflowInstanceID: instance.ID, UpdatedAt: instance.CreatedAt}
	return nil
}

func (m memTx) UpdateInstanceStatus(_ context.Context, instanceID, status string, endedAt *time.Time, at time.Time) error {
	if err := m.fail("UpdateInstanceStatus"); err != nil {
		return err
	}
	for i := range m.instances {
		if m.instances[i].ID != instanceID {
			continue
		}
		instance := m.instances[i]
		if status == "in_review" && m.inReviewElsewhere(instance.ID, instance.AssetID, instance.ChapterName) {
			return store.ErrInReviewConflict
		}
		instance.Status = status
		instance.EndedAt = endedAt
		instance.UpdatedAt = at
		m.instances[i] = instance
		return nil
	}
	return sql.ErrNoRows
}

func (m memTx) GetStageInstanceForUpdate(ctx context.Context, instanceID string) (store.StageInstance, error) {
	return m.GetStageInstance(ctx, instanceID)
}

func (m memTx) SaveStageInstance(_ context.Context, item store.StageInstance) error {
	m.stageInstances[item.WorkflowInstanceID] = item
	return nil
}

func (m memTx) InsertBlockVersion(_ context.Context, version store.BlockVersion) error {
	m.versions[version.ID] = version
	return nil
}

func (m memTx) InsertApprovalLog(_ context.Context, entry store.ApprovalLogEntry) (store.ApprovalLogEntry, error) {
	if err := m.fail("InsertApprovalLog"); err != nil {
		return store.ApprovalLogEntry{}, err
	}
	m.memState.nextLogID++
	entry.ID = m.memState.nextLogID
	m.memState.log = append(m.memState.log, entry)
	return entry, nil
}
