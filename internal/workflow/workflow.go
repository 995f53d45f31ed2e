// Package workflow holds the approval plan of a chapter and the state machine
// that moves a review through it. It performs no I/O; the store supplies rows
// and persists whatever transition Decide returns.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Status string

const (
	StatusInReview Status = "in_review"
	StatusReturned Status = "returned"
	StatusApproved Status = "approved"
)

type Action string

const (
	ActionApproved Action = "approved"
	ActionRejected Action = "rejected"
	ActionRecalled Action = "recalled"
)

var (
	ErrNoWorkflowDefined   = errors.New("no workflow stages defined for chapter")
	ErrAlreadyInReview     = errors.New("chapter is already in review")
	ErrAlreadyApproved     = errors.New("chapter is already approved")
	ErrNotInReview         = errors.New("workflow is not in review")
	ErrNotAwaitingDecision = errors.New("workflow has no pending submission")
	ErrStaleDecision       = errors.New("stage changed since decision was prepared")
	ErrUnknownStage        = errors.New("stage does not belong to chapter plan")
	ErrInvalidPlan         = errors.New("invalid stage plan")
	ErrInvalidAction       = errors.New("invalid review action")
)

func ParseAction(value string) (Action, error) {
	switch Action(strings.TrimSpace(strings.ToLower(value))) {
	case ActionApproved:
		return ActionApproved, nil
	case ActionRejected:
		return ActionRejected, nil
	case ActionRecalled:
		return ActionRecalled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, value)
	}
}

type Stage struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Order         int    `json:"order"`
	PermissionTag string `json:"permissionTag"`
}

// Draft is one stage as supplied by the author before ids and tags exist.
type Draft struct {
	Name            string   `json:"stageName"`
	ApproverRoleIDs []string `json:"approverRoleIds"`
}

// ValidateDrafts checks a replacement plan. An empty plan is valid.
func ValidateDrafts(drafts []Draft) error {
	for i, draft := range drafts {
		if strings.TrimSpace(draft.Name) == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidPlan, i+1)
		}
		if len(draft.ApproverRoleIDs) == 0 {
			return fmt.Errorf("%w: stage %q has no approver roles", ErrInvalidPlan, draft.Name)
		}
		for _, roleID := range draft.ApproverRoleIDs {
			if strings.TrimSpace(roleID) == "" {
				return fmt.Errorf("%w: stage %q has a blank approver role", ErrInvalidPlan, draft.Name)
			}
		}
	}
	return nil
}

// Plan is a chapter's stages ordered by Order, which runs 1..n without gaps.
type Plan struct {
	stages []Stage
}

func NewPlan(stages []Stage) (Plan, error) {
	sorted := append([]Stage(nil), stages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for i, stage := range sorted {
		if stage.Order != i+1 {
			return Plan{}, fmt.Errorf("%w: expected stage order %d, got %d", ErrInvalidPlan, i+1, stage.Order)
		}
	}
	return Plan{stages: sorted}, nil
}

func (p Plan) Len() int { return len(p.stages) }

func (p Plan) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}

func (p Plan) First() (Stage, bool) {
	if len(p.stages) == 0 {
		return Stage{}, false
	}
	return p.stages[0], true
}

func (p Plan) Find(stageID string) (Stage, bool) {
	for _, stage := range p.stages {
		if stage.ID == stageID {
			return stage, true
		}
	}
	return Stage{}, false
}

// Next returns the stage after stageID, or false when stageID is the last stage.
func (p Plan) Next(stageID string) (Stage, bool, error) {
	current, ok := p.Find(stageID)
	if !ok {
		return Stage{}, false, ErrUnknownStage
	}
	if current.Order >= len(p.stages) {
		return Stage{}, false, nil
	}
	return p.stages[current.Order], true, nil
}

type StartOutcome int

const (
	StartCreate StartOutcome = iota + 1
	StartReactivate
)

// PlanStart decides how StartReview proceeds given the number of defined stages
// and the status of the chapter's latest instance, if any.
func PlanStart(stageCount int, existing *Status) (StartOutcome, error) {
	if stageCount == 0 {
		return 0, ErrNoWorkflowDefined
	}
	if existing == nil {
		return StartCreate, nil
	}
	switch *existing {
	case StatusInReview:
		return 0, ErrAlreadyInReview
	case StatusReturned:
		return StartReactivate, nil
	case StatusApproved:
		return 0, ErrAlreadyApproved
	default:
		return StartCreate, nil
	}
}

// Pointer is the pending position of an instance: the stage awaiting a
// decision and the snapshot under review.
type Pointer struct {
	StageID        string
	BlockVersionID string
}

// CheckPointer compares the position a decision was prepared against with the
// one read under lock. An empty expected BlockVersionID matches any snapshot.
func CheckPointer(expected, current Pointer) error {
	if expected.StageID != current.StageID {
		return ErrStaleDecision
	}
	if expected.BlockVersionID != "" && expected.BlockVersionID != current.BlockVersionID {
		return ErrStaleDecision
	}
	return nil
}

// Transition is the result of a decision. NextStage is nil when the pointer is cleared.
type Transition struct {
	Status    Status
	NextStage *Stage
	Completed bool
}

// Decide applies action at currentStageID. An empty currentStageID means no
// submission is pending.
func Decide(plan Plan, status Status, currentStageID string, action Action) (Transition, error) {
	if status != StatusInReview {
		if status == StatusApproved {
			return Transition{}, ErrAlreadyApproved
		}
		return Transition{}, ErrNotInReview
	}
	if currentStageID == "" {
		return Transition{}, ErrNotAwaitingDecision
	}
	switch action {
	case ActionRejected, ActionRecalled:
		if _, ok := plan.Find(currentStageID); !ok {
			return Transition{}, ErrUnknownStage
		}
		return Transition{Status: StatusReturned}, nil
	case ActionApproved:
		next, ok, err := plan.Next(currentStageID)
		if err != nil {
			return Transition{}, err
		}
		if !ok {
			return Transition{Status: StatusApproved, Completed: true}, nil
		}
		return Transition{Status: StatusInReview, NextStage: &next}, nil
	default:
		return Transition{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}
