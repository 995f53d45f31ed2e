package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatesg/api/internal/archive"
	"chatesg/api/internal/config"
	"chatesg/api/internal/notify"
	"chatesg/api/internal/search"
	"chatesg/api/internal/store"
	"chatesg/api/internal/workflow"
)

const (
	testOrg     = "org_1"
	testAsset   = "asset_1"
	testChapter = "Governance"
	testBlock   = "blk_1"
	testTag     = "tag_gov"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []notify.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.EventType, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type fakeArchive struct {
	mu        sync.Mutex
	published []archive.Snapshot
}

func (a *fakeArchive) Publish(snap archive.Snapshot) (archive.Commit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.published = append(a.published, snap)
	return archive.Commit{Hash: "abc1234", Message: "Approve " + snap.ChapterName}, nil
}

func (a *fakeArchive) History(assetID, chapterName string, limit int) ([]archive.Commit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	commits := make([]archive.Commit, 0, len(a.published))
	for i := len(a.published) - 1; i >= 0; i-- {
		snap := a.published[i]
		if snap.AssetID == assetID && snap.ChapterName == chapterName {
			commits = append(commits, archive.Commit{Hash: "abc1234", Message: "Approve " + chapterName})
		}
	}
	return commits, nil
}

func (a *fakeArchive) Latest(assetID, chapterName string) (archive.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.published) - 1; i >= 0; i-- {
		snap := a.published[i]
		if snap.AssetID == assetID && snap.ChapterName == chapterName {
			return snap, nil
		}
	}
	return archive.Snapshot{}, archive.ErrNotPublished
}

type fakeIndex struct {
	mu      sync.Mutex
	records []search.ReviewRecord
}

func (f *fakeIndex) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]search.Result, 0)
	for _, record := range f.records {
		results = append(results, search.Result{
			ID:                 record.ID,
			WorkflowInstanceID: record.WorkflowInstanceID,
			AssetID:            record.AssetID,
			ChapterName:        record.ChapterName,
			Action:             record.Action,
			Snippet:            record.Comment,
		})
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}
}

func (f *fakeIndex) IndexReview(record search.ReviewRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
}

type fixture struct {
	t       *testing.T
	store   *fakeStore
	clock   *fakeClock
	events  *recordingPublisher
	archive *fakeArchive
	index   *fakeIndex
	svc     *Service
}

// newFixture seeds one asset with a single block in the Governance chapter.
// Editors can write it, viewers can read it. Reviewers and approvers only get
// permissions through stage definitions.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := newFakeStore()
	f := &fixture{
		t:       t,
		store:   fs,
		clock:   &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		events:  &recordingPublisher{},
		archive: &fakeArchive{},
		index:   &fakeIndex{},
	}
	f.svc = New(config.Config{TokenSecret: "test-secret", LockTTL: 30 * time.Minute}, fs, Dependencies{
		Events:  f.events,
		Search:  f.index,
		Archive: f.archive,
		Logger:  zerolog.Nop(),
		Now:     f.clock.Now,
	})

	fs.seedBlock(store.ContentBlock{
		ID:            testBlock,
		AssetID:       testAsset,
		ChapterName:   testChapter,
		PermissionTag: testTag,
		Content:       json.RawMessage(`{"text":"draft"}`),
	})
	fs.grant(testTag, "role_editor", "read_write")
	fs.grant(testTag, "role_viewer", "read")
	fs.assignRole(testOrg, "alice", "role_editor")
	fs.assignRole(testOrg, "bob", "role_editor")
	fs.assignRole(testOrg, "vera", "role_viewer")
	fs.assignRole(testOrg, "rita", "role_reviewer")
	fs.assignRole(testOrg, "aaron", "role_approver")
	return f
}

func actor(userID string) Actor {
	return Actor{UserID: userID, Name: userID, OrganizationID: testOrg}
}

func (f *fixture) defineTwoStages() []StageView {
	f.t.Helper()
	stages, err := f.svc.DefineStages(context.Background(), actor("alice"), testAsset, testChapter, []workflow.Draft{
		{Name: "Review", ApproverRoleIDs: []string{"role_reviewer"}},
		{Name: "Approval", ApproverRoleIDs: []string{"role_approver"}},
	})
	if err != nil {
		f.t.Fatalf("define stages: %v", err)
	}
	return stages
}

func (f *fixture) startAndSubmit() (string, SubmitResult) {
	f.t.Helper()
	started, err := f.svc.StartReview(context.Background(), actor("alice"), testAsset, testChapter)
	if err != nil {
		f.t.Fatalf("start review: %v", err)
	}
	submitted, err := f.svc.SubmitForReview(context.Background(), actor("alice"), started.WorkflowInstanceID, SubmitInput{
		Content: json.RawMessage(`{"text":"ready"}`),
	})
	if err != nil {
		f.t.Fatalf("submit: %v", err)
	}
	return started.WorkflowInstanceID, submitted
}

func (f *fixture) currentStage(instanceID string) string {
	f.t.Helper()
	item, err := f.store.GetStageInstance(context.Background(), instanceID)
	if err != nil {
		f.t.Fatalf("stage instance: %v", err)
	}
	return item.CurrentStageID
}

func (f *fixture) logLen(instanceID string) int {
	f.t.Helper()
	entries, err := f.svc.GetLog(context.Background(), actor("alice"), instanceID)
	if err != nil {
		f.t.Fatalf("get log: %v", err)
	}
	return len(entries)
}

func requireCode(t *testing.T, err error, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected domain error %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
	return domainErr
}

func TestAcquireLockConflictThenReclaimAfterTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, err := f.svc.AcquireLock(ctx, actor("alice"), testBlock)
	if err != nil {
		t.Fatalf("alice lock: %v", err)
	}
	if !status.Locked || status.Holder != "alice" {
		t.Fatalf("unexpected lock status %+v", status)
	}

	f.clock.Advance(5 * time.Minute)
	_, err = f.svc.AcquireLock(ctx, actor("bob"), testBlock)
	domainErr := requireCode(t, err, "LOCK_CONFLICT")
	if domainErr.Status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", domainErr.Status)
	}
	details, _ := domainErr.Details.(map[string]any)
	if details["holder"] != "alice" {
		t.Fatalf("expected holder alice in details, got %v", details)
	}

	f.clock.Advance(26 * time.Minute)
	status, err = f.svc.AcquireLock(ctx, actor("bob"), testBlock)
	if err != nil {
		t.Fatalf("bob reclaim: %v", err)
	}
	if status.Holder != "bob" || status.Since == nil || !status.Since.Equal(f.clock.Now()) {
		t.Fatalf("expected fresh lock for bob, got %+v", status)
	}
}

func TestAcquireLockAtExactTTLIsStillHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AcquireLock(ctx, actor("alice"), testBlock); err != nil {
		t.Fatalf("alice lock: %v", err)
	}
	f.clock.Advance(30 * time.Minute)

	status, err := f.svc.LockStatus(ctx, actor("bob"), testBlock)
	if err != nil {
		t.Fatalf("lock status: %v", err)
	}
	if status.Reclaimable {
		t.Fatalf("lock at exactly the TTL must not be reclaimable")
	}
	_, err = f.svc.AcquireLock(ctx, actor("bob"), testBlock)
	requireCode(t, err, "LOCK_CONFLICT")

	f.clock.Advance(time.Second)
	status, err = f.svc.LockStatus(ctx, actor("bob"), testBlock)
	if err != nil {
		t.Fatalf("lock status: %v", err)
	}
	if !status.Reclaimable || status.Holder != "alice" {
		t.Fatalf("expected stale lock still held by alice, got %+v", status)
	}
}

func TestAcquireLockRenewsForHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AcquireLock(ctx, actor("alice"), testBlock); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	f.clock.Advance(10 * time.Minute)
	status, err := f.svc.AcquireLock(ctx, actor("alice"), testBlock)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !status.Since.Equal(f.clock.Now()) {
		t.Fatalf("expected renewed since %v, got %v", f.clock.Now(), status.Since)
	}
}

func TestLockAndWriteRequireReadWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.GetBlock(ctx, actor("vera"), testBlock); err != nil {
		t.Fatalf("viewer read: %v", err)
	}
	_, err := f.svc.AcquireLock(ctx, actor("vera"), testBlock)
	requireCode(t, err, "PERMISSION_DENIED")
	_, err = f.svc.UpdateBlock(ctx, actor("vera"), testBlock, json.RawMessage(`{"text":"x"}`))
	requireCode(t, err, "PERMISSION_DENIED")

	block, _ := f.store.GetBlock(ctx, testBlock)
	if block.IsLocked || block.Version != 0 {
		t.Fatalf("denied calls must not change the block, got %+v", block)
	}

	_, err = f.svc.GetBlock(ctx, actor("stranger"), testBlock)
	requireCode(t, err, "PERMISSION_DENIED")
}

func TestUpdateBlockRespectsLockAndBumpsVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AcquireLock(ctx, actor("alice"), testBlock); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err := f.svc.UpdateBlock(ctx, actor("bob"), testBlock, json.RawMessage(`{"text":"bob"}`))
	requireCode(t, err, "LOCK_CONFLICT")

	block, _ := f.store.GetBlock(ctx, testBlock)
	if block.Version != 0 || string(block.Content) != `{"text":"draft"}` {
		t.Fatalf("conflicting write must not change the block, got %+v", block)
	}

	for want := int64(1); want <= 2; want++ {
		result, err := f.svc.UpdateBlock(ctx, actor("alice"), testBlock, json.RawMessage(`{"text":"alice"}`))
		if err != nil {
			t.Fatalf("alice write: %v", err)
		}
		if result.Version != want {
			t.Fatalf("expected version %d, got %d", want, result.Version)
		}
	}

	_, err = f.svc.UpdateBlock(ctx, actor("alice"), testBlock, json.RawMessage(`not json`))
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestUpdateBlockWithoutLockSucceeds(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.UpdateBlock(context.Background(), actor("bob"), testBlock, json.RawMessage(`{"text":"bob"}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if result.Version != 1 {
		t.Fatalf("expected version 1, got %d", result.Version)
	}
}

func TestStaleLockStillBlocksWritesUntilReclaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AcquireLock(ctx, actor("alice"), testBlock); err != nil {
		t.Fatalf("lock: %v", err)
	}
	f.clock.Advance(2 * time.Hour)
	_, err := f.svc.UpdateBlock(ctx, actor("bob"), testBlock, json.RawMessage(`{"text":"bob"}`))
	requireCode(t, err, "LOCK_CONFLICT")
}

func TestReleaseLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ReleaseLock(ctx, actor("alice"), testBlock)
	requireCode(t, err, "NOT_LOCK_OWNER")

	if _, err := f.svc.AcquireLock(ctx, actor("alice"), testBlock); err != nil {
		t.Fatalf("lock: %v", err)
	}
	err = f.svc.ReleaseLock(ctx, actor("bob"), testBlock)
	requireCode(t, err, "NOT_LOCK_OWNER")

	if err := f.svc.ReleaseLock(ctx, actor("alice"), testBlock); err != nil {
		t.Fatalf("release: %v", err)
	}
	status, err := f.svc.LockStatus(ctx, actor("alice"), testBlock)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Locked {
		t.Fatalf("expected unlocked, got %+v", status)
	}

	types := f.events.types()
	if len(types) != 2 || types[0] != notify.BlockLocked || types[1] != notify.BlockUnlocked {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestBlockNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AcquireLock(context.Background(), actor("alice"), "blk_missing")
	requireCode(t, err, "NOT_FOUND")
}

func TestTwoStageApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stages := f.defineTwoStages()

	instanceID, submitted := f.startAndSubmit()
	if submitted.StageID != stages[0].ID || submitted.StageOrder != 1 {
		t.Fatalf("expected pointer at stage 1, got %+v", submitted)
	}

	result, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "approved", Comment: "looks good", StageID: stages[0].ID})
	if err != nil {
		t.Fatalf("rita approve: %v", err)
	}
	if result.Status != "in_review" || result.NextStage == nil || result.NextStage.ID != stages[1].ID {
		t.Fatalf("expected advance to stage 2, got %+v", result)
	}

	// rita holds no grant on stage 2.
	_, err = f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "approved", StageID: stages[1].ID})
	requireCode(t, err, "PERMISSION_DENIED")
	if got := f.logLen(instanceID); got != 1 {
		t.Fatalf("denied decision must not be logged, log has %d entries", got)
	}

	result, err = f.svc.Decide(ctx, actor("aaron"), instanceID, DecisionInput{Action: "approved", StageID: stages[1].ID})
	if err != nil {
		t.Fatalf("aaron approve: %v", err)
	}
	if result.Status != "approved" || result.NextStage != nil {
		t.Fatalf("expected final approval, got %+v", result)
	}

	progress, err := f.svc.GetProgress(ctx, actor("alice"), instanceID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.Status != "approved" || progress.CurrentStage != nil || progress.EndedAt == nil {
		t.Fatalf("unexpected progress %+v", progress)
	}

	entries, err := f.svc.GetLog(ctx, actor("alice"), instanceID)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].ReviewerID != "rita" || entries[0].StageOrder != 1 || entries[0].Comment != "looks good" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].ReviewerID != "aaron" || entries[1].StageOrder != 2 || entries[1].BlockVersionID != submitted.BlockVersionID {
		t.Fatalf("unexpected second entry %+v", entries[1])
	}

	_, err = f.svc.StartReview(ctx, actor("alice"), testAsset, testChapter)
	requireCode(t, err, "ALREADY_APPROVED")

	if len(f.archive.published) != 1 || string(f.archive.published[0].Content) != `{"text":"ready"}` {
		t.Fatalf("expected the approved snapshot to be archived, got %+v", f.archive.published)
	}
	if len(f.index.records) != 2 {
		t.Fatalf("expected 2 indexed reviews, got %d", len(f.index.records))
	}

	types := f.events.types()
	want := []notify.EventType{notify.WorkflowStarted, notify.WorkflowSubmitted, notify.WorkflowAdvanced, notify.WorkflowApproved}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestRejectReturnsAndRestartReusesInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stages := f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()

	result, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "rejected", Comment: "missing data", StageID: stages[0].ID})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if result.Status != "returned" {
		t.Fatalf("expected returned, got %s", result.Status)
	}
	if got := f.logLen(instanceID); got != 1 {
		t.Fatalf("expected 1 log entry, got %d", got)
	}

	_, err = f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "approved", StageID: stages[0].ID})
	requireCode(t, err, "NOT_IN_REVIEW")

	restarted, err := f.svc.StartReview(ctx, actor("alice"), testAsset, testChapter)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if restarted.WorkflowInstanceID != instanceID || !restarted.Reactivated {
		t.Fatalf("expected instance %s to be reactivated, got %+v", instanceID, restarted)
	}

	progress, err := f.svc.GetProgress(ctx, actor("alice"), instanceID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if !progress.AwaitingSubmission || progress.CurrentStage == nil || progress.CurrentStage.ID != stages[0].ID {
		t.Fatalf("expected stage 1 awaiting submission, got %+v", progress)
	}

	submitted, err := f.svc.SubmitForReview(ctx, actor("alice"), instanceID, SubmitInput{Content: json.RawMessage(`{"text":"v2"}`)})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if submitted.StageID != stages[0].ID {
		t.Fatalf("expected resubmission at stage 1, got %+v", submitted)
	}

	history, err := f.svc.ChapterHistory(ctx, actor("alice"), testAsset, testChapter)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || len(history[0].Entries) != 1 {
		t.Fatalf("expected one instance with one entry, got %+v", history)
	}
}

func TestStartReviewPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartReview(ctx, actor("alice"), testAsset, testChapter)
	requireCode(t, err, "NO_WORKFLOW_DEFINED")

	f.defineTwoStages()
	if _, err := f.svc.StartReview(ctx, actor("alice"), testAsset, testChapter); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = f.svc.StartReview(ctx, actor("bob"), testAsset, testChapter)
	requireCode(t, err, "ALREADY_IN_REVIEW")

	instances, _ := f.store.ListInstances(ctx, testAsset, testChapter)
	if len(instances) != 1 {
		t.Fatalf("expected a single instance, got %d", len(instances))
	}
}

func TestDefineStagesLockedWhileInReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()

	_, err := f.svc.DefineStages(ctx, actor("alice"), testAsset, testChapter, []workflow.Draft{
		{Name: "Only", ApproverRoleIDs: []string{"role_approver"}},
	})
	requireCode(t, err, "STAGES_LOCKED")

	if _, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "rejected", StageID: old[0].ID}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	stages, err := f.svc.DefineStages(ctx, actor("alice"), testAsset, testChapter, []workflow.Draft{
		{Name: "Only", ApproverRoleIDs: []string{"role_approver", "role_approver"}},
	})
	if err != nil {
		t.Fatalf("redefine: %v", err)
	}
	if len(stages) != 1 || stages[0].Order != 1 || len(stages[0].ApproverRoleIDs) != 1 {
		t.Fatalf("unexpected stages %+v", stages)
	}
	for _, stage := range old {
		mappings, _ := f.store.ListPermissionMappings(ctx, stage.PermissionTag)
		if len(mappings) != 0 {
			t.Fatalf("expected grants of replaced stage %s to be removed", stage.Name)
		}
	}

	// The ledger keeps stage names of the replaced plan.
	entries, _ := f.svc.GetLog(ctx, actor("alice"), instanceID)
	if len(entries) != 1 || entries[0].StageName != "Review" {
		t.Fatalf("unexpected ledger %+v", entries)
	}
}

func TestDefineStagesValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DefineStages(context.Background(), actor("alice"), testAsset, testChapter, []workflow.Draft{
		{Name: "", ApproverRoleIDs: []string{"role_reviewer"}},
	})
	requireCode(t, err, "VALIDATION_ERROR")

	_, err = f.svc.DefineStages(context.Background(), actor("alice"), testAsset, testChapter, []workflow.Draft{
		{Name: "Review"},
	})
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestDecideRejectsStaleStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stages := f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()

	if _, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "approved", StageID: stages[0].ID}); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, err := f.svc.Decide(ctx, actor("aaron"), instanceID, DecisionInput{Action: "approved", StageID: stages[0].ID})
	domainErr := requireCode(t, err, "STALE_DECISION")
	if !errors.Is(err, workflow.ErrStaleDecision) {
		t.Fatalf("expected error to wrap ErrStaleDecision, got %v", err)
	}
	details, _ := domainErr.Details.(map[string]any)
	if details["expectedStageId"] != stages[0].ID || details["currentStageId"] != stages[1].ID {
		t.Fatalf("unexpected details %v", details)
	}
	if got := f.logLen(instanceID); got != 1 {
		t.Fatalf("stale decision must not be logged, log has %d entries", got)
	}
}

func TestConcurrentDecisionsOnSameStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stages := f.defineTwoStages()
	f.store.assignRole(testOrg, "rob", "role_reviewer")
	instanceID, _ := f.startAndSubmit()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, reviewer := range []string{"rita", "rob"} {
		wg.Add(1)
		go func(i int, reviewer string) {
			defer wg.Done()
			_, errs[i] = f.svc.Decide(ctx, actor(reviewer), instanceID, DecisionInput{Action: "approved", StageID: stages[0].ID})
		}(i, reviewer)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireCode(t, err, "STALE_DECISION")
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one decision to apply, got %d (%v)", succeeded, errs)
	}
	if got := f.logLen(instanceID); got != 1 {
		t.Fatalf("expected 1 log entry, got %d", got)
	}
	progress, _ := f.svc.GetProgress(ctx, actor("alice"), instanceID)
	if progress.CurrentStage == nil || progress.CurrentStage.ID != stages[1].ID {
		t.Fatalf("expected pointer at stage 2, got %+v", progress.CurrentStage)
	}
}

func TestDecideWithoutSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stages := f.defineTwoStages()

	started, err := f.svc.StartReview(ctx, actor("alice"), testAsset, testChapter)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = f.svc.Decide(ctx, actor("rita"), started.WorkflowInstanceID, DecisionInput{Action: "approved", StageID: stages[0].ID})
	requireCode(t, err, "NOT_AWAITING_DECISION")
	if got := f.logLen(started.WorkflowInstanceID); got != 0 {
		t.Fatalf("expected empty log, got %d", got)
	}

	_, err = f.svc.Decide(ctx, actor("rita"), started.WorkflowInstanceID, DecisionInput{Action: "maybe"})
	requireCode(t, err, "VALIDATION_ERROR")
}

func TestRecallOnlyBySubmitter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stages := f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()

	_, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "recalled", StageID: stages[0].ID})
	requireCode(t, err, "PERMISSION_DENIED")

	result, err := f.svc.Decide(ctx, actor("alice"), instanceID, DecisionInput{Action: "recalled", StageID: stages[0].ID})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if result.Status != "returned" || result.Entry.ReviewAction != "recalled" {
		t.Fatalf("unexpected recall result %+v", result)
	}
	types := f.events.types()
	if types[len(types)-1] != notify.WorkflowRecalled {
		t.Fatalf("expected recall event, got %v", types)
	}
}

func TestDecideRollsBackWhenLedgerWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stages := f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()

	f.store.failNext("UpdateInstanceStatus", errors.New("disk full"))
	_, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "approved", StageID: stages[0].ID})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if got := f.logLen(instanceID); got != 0 {
		t.Fatalf("failed transition must not leave a log entry, got %d", got)
	}
	progress, _ := f.svc.GetProgress(ctx, actor("alice"), instanceID)
	if progress.CurrentStage == nil || progress.CurrentStage.ID != stages[0].ID {
		t.Fatalf("pointer must stay at stage 1, got %+v", progress.CurrentStage)
	}
}

func TestPendingSubmissionFreezesChapterBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()

	_, err := f.svc.AcquireLock(ctx, actor("bob"), testBlock)
	requireCode(t, err, "CHAPTER_UNDER_REVIEW")
	_, err = f.svc.UpdateBlock(ctx, actor("bob"), testBlock, json.RawMessage(`{"text":"late"}`))
	requireCode(t, err, "CHAPTER_UNDER_REVIEW")

	if _, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "rejected", StageID: f.currentStage(instanceID)}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := f.svc.AcquireLock(ctx, actor("bob"), testBlock); err != nil {
		t.Fatalf("lock after return: %v", err)
	}
}

func TestSubmitWithoutContentSnapshotsChapter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.defineTwoStages()

	started, err := f.svc.StartReview(ctx, actor("alice"), testAsset, testChapter)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	submitted, err := f.svc.SubmitForReview(ctx, actor("alice"), started.WorkflowInstanceID, SubmitInput{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	version, err := f.svc.GetVersion(ctx, actor("alice"), submitted.BlockVersionID)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var snapshot struct {
		Blocks []snapshotBlock `json:"blocks"`
	}
	if err := json.Unmarshal(version.Content, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Blocks) != 1 || snapshot.Blocks[0].BlockID != testBlock || string(snapshot.Blocks[0].Content) != `{"text":"draft"}` {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestSubmitRequiresReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()

	if _, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "rejected", StageID: f.currentStage(instanceID)}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := f.svc.SubmitForReview(ctx, actor("alice"), instanceID, SubmitInput{})
	requireCode(t, err, "NOT_IN_REVIEW")

	_, err = f.svc.SubmitForReview(ctx, actor("alice"), "wfi_missing", SubmitInput{})
	requireCode(t, err, "NOT_FOUND")
}

func TestPendingReviewsFollowStagePointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()

	pending, err := f.svc.PendingReviews(ctx, actor("rita"))
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].WorkflowInstanceID != instanceID || pending[0].StageOrder != 1 {
		t.Fatalf("unexpected pending for rita %+v", pending)
	}
	pending, _ = f.svc.PendingReviews(ctx, actor("aaron"))
	if len(pending) != 0 {
		t.Fatalf("aaron should have nothing pending yet, got %+v", pending)
	}

	if _, err := f.svc.Decide(ctx, actor("rita"), instanceID, DecisionInput{Action: "approved", StageID: f.currentStage(instanceID)}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	pending, _ = f.svc.PendingReviews(ctx, actor("rita"))
	if len(pending) != 0 {
		t.Fatalf("rita should have nothing pending, got %+v", pending)
	}
	pending, _ = f.svc.PendingReviews(ctx, actor("aaron"))
	if len(pending) != 1 || pending[0].StageName != "Approval" {
		t.Fatalf("unexpected pending for aaron %+v", pending)
	}

	pending, _ = f.svc.PendingReviews(ctx, actor("stranger"))
	if len(pending) != 0 {
		t.Fatalf("stranger should have nothing pending")
	}
}

func TestPublishedReturnsArchivedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Published(ctx, actor("alice"), testAsset, testChapter, 10)
	if err != nil {
		t.Fatalf("published: %v", err)
	}
	if view.Latest != nil || len(view.Commits) != 0 {
		t.Fatalf("expected nothing published, got %+v", view)
	}

	f.defineTwoStages()
	instanceID, _ := f.startAndSubmit()
	for _, reviewer := range []string{"rita", "aaron"} {
		if _, err := f.svc.Decide(ctx, actor(reviewer), instanceID, DecisionInput{Action: "approved", StageID: f.currentStage(instanceID)}); err != nil {
			t.Fatalf("%s approve: %v", reviewer, err)
		}
	}
	view, err = f.svc.Published(ctx, actor("alice"), testAsset, testChapter, 10)
	if err != nil {
		t.Fatalf("published: %v", err)
	}
	if view.Latest == nil || view.Latest.ApprovedBy != "aaron" || len(view.Commits) != 1 {
		t.Fatalf("unexpected published view %+v", view)
	}
}

func TestOutlineLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const asset = "asset_2"

	view, err := f.svc.AddOutlineNode(ctx, actor("alice"), asset, AddNodeInput{Title: "Environment", Kind: "chapter"})
	if err != nil {
		t.Fatalf("add chapter: %v", err)
	}
	chapterTag := view.Chapters[0].PermissionTag
	if chapterTag == "" || view.Revision != 1 {
		t.Fatalf("unexpected outline %+v", view)
	}

	_, err = f.svc.AddOutlineNode(ctx, actor("alice"), asset, AddNodeInput{Title: "Orphan", Kind: "block"})
	requireCode(t, err, "VALIDATION_ERROR")
	_, err = f.svc.AddOutlineNode(ctx, actor("alice"), asset, AddNodeInput{Title: "Environment", Kind: "chapter"})
	requireCode(t, err, "DUPLICATE_NODE")

	view, err = f.svc.AddOutlineNode(ctx, actor("alice"), asset, AddNodeInput{Path: []string{"Environment"}, Title: "Emissions", Kind: "block"})
	if err != nil {
		t.Fatalf("add block: %v", err)
	}
	ref := view.Chapters[0].Children[0].Block
	if ref == nil || ref.PermissionTag != chapterTag {
		t.Fatalf("block must inherit the chapter tag, got %+v", ref)
	}
	block, err := f.store.GetBlock(ctx, ref.ID)
	if err != nil {
		t.Fatalf("block row: %v", err)
	}
	if block.ChapterName != "Environment" || block.PermissionTag != chapterTag {
		t.Fatalf("unexpected block row %+v", block)
	}

	view, err = f.svc.RenameOutlineNode(ctx, actor("alice"), asset, RenameNodeInput{Path: []string{"Environment"}, Title: "Climate"})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if view.Chapters[0].Title != "Climate" || view.Revision != 3 {
		t.Fatalf("unexpected outline after rename %+v", view)
	}
	block, _ = f.store.GetBlock(ctx, ref.ID)
	if block.ChapterName != "Climate" {
		t.Fatalf("expected block to move with the chapter, got %q", block.ChapterName)
	}

	view, err = f.svc.DeleteOutlineNode(ctx, actor("alice"), asset, DeleteNodeInput{Path: []string{"Climate"}})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(view.Chapters) != 0 {
		t.Fatalf("expected empty outline, got %+v", view.Chapters)
	}
	if _, err := f.store.GetBlock(ctx, ref.ID); err == nil {
		t.Fatalf("expected block row to be deleted")
	}
	mappings, _ := f.store.ListPermissionMappings(ctx, chapterTag)
	if len(mappings) != 0 {
		t.Fatalf("expected chapter grants to be removed")
	}
}

func TestChapterStructureFrozenDuringReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.AddOutlineNode(ctx, actor("alice"), testAsset, AddNodeInput{Title: testChapter, Kind: "chapter"}); err != nil {
		t.Fatalf("add chapter: %v", err)
	}
	f.defineTwoStages()
	if _, err := f.svc.StartReview(ctx, actor("alice"), testAsset, testChapter); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := f.svc.RenameOutlineNode(ctx, actor("alice"), testAsset, RenameNodeInput{Path: []string{testChapter}, Title: "Board"})
	requireCode(t, err, "CHAPTER_UNDER_REVIEW")
	_, err = f.svc.DeleteOutlineNode(ctx, actor("alice"), testAsset, DeleteNodeInput{Path: []string{testChapter}})
	requireCode(t, err, "CHAPTER_UNDER_REVIEW")

	view, _ := f.svc.GetOutline(ctx, testAsset)
	if len(view.Chapters) != 1 || view.Chapters[0].Title != testChapter {
		t.Fatalf("outline must be unchanged, got %+v", view.Chapters)
	}
}

func TestSetPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetPermissions(ctx, actor("alice"), "", testTag, []PermissionGrantInput{{RoleID: "role_x", ActionType: "admin"}})
	requireCode(t, err, "VALIDATION_ERROR")

	grants, err := f.svc.SetPermissions(ctx, actor("alice"), "", testTag, []PermissionGrantInput{
		{RoleID: "role_viewer", ActionType: "read_write"},
	})
	if err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	if len(grants) != 1 || grants[0].RoleID != "role_viewer" {
		t.Fatalf("unexpected grants %+v", grants)
	}

	allowed, err := f.svc.HasPermission(ctx, actor("vera"), testTag, "read_write")
	if err != nil || !allowed {
		t.Fatalf("expected vera to gain read_write, got %v %v", allowed, err)
	}
	allowed, err = f.svc.HasPermission(ctx, actor("alice"), testTag, "read")
	if err != nil || allowed {
		t.Fatalf("expected alice to lose access, got %v %v", allowed, err)
	}

	stored, err := f.svc.GetPermissions(ctx, actor("vera"), testTag)
	if err != nil {
		t.Fatalf("get permissions: %v", err)
	}
	if len(stored) != 1 || stored[0].RoleID != "role_viewer" || stored[0].ActionType != "read_write" {
		t.Fatalf("unexpected stored grants %+v", stored)
	}
}
