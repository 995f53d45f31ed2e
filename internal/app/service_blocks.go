package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chatesg/api/internal/lock"
	"chatesg/api/internal/notify"
	"chatesg/api/internal/rbac"
	"chatesg/api/internal/store"
)

type BlockView struct {
	ID             string          `json:"id"`
	AssetID        string          `json:"assetId"`
	ChapterName    string          `json:"chapterName"`
	PermissionTag  string          `json:"permissionTag"`
	Content        json.RawMessage `json:"content"`
	Version        int64           `json:"version"`
	LastModifiedBy string          `json:"lastModifiedBy"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
	Lock           lock.Status     `json:"lock"`
}

type UpdateBlockResult struct {
	BlockID string `json:"blockId"`
	Version int64  `json:"version"`
}

func lockState(block store.ContentBlock) lock.State {
	if !block.IsLocked || block.LockedAt == nil {
		return lock.State{}
	}
	return lock.State{Holder: block.LockedBy, Since: *block.LockedAt}
}

func (s *Service) blockView(block store.ContentBlock) BlockView {
	content := block.Content
	if len(content) == 0 {
		content = json.RawMessage("null")
	}
	return BlockView{
		ID:             block.ID,
		AssetID:        block.AssetID,
		ChapterName:    block.ChapterName,
		PermissionTag:  block.PermissionTag,
		Content:        content,
		Version:        block.Version,
		LastModifiedBy: block.LastModifiedBy,
		LastModifiedAt: block.LastModifiedAt,
		Lock:           lock.Describe(lockState(block), s.clock(), s.lockTTL),
	}
}

func chapterUnderReview() *DomainError {
	return domainError(http.StatusConflict, "CHAPTER_UNDER_REVIEW", "Chapter has a submission awaiting review", nil)
}

func (s *Service) GetBlock(ctx context.Context, actor Actor, blockID string) (BlockView, error) {
	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		return BlockView{}, translate(err)
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return BlockView{}, err
	}
	if err := checkPermission(ctx, s.store, roleIDs, block.PermissionTag, rbac.ActionRead); err != nil {
		return BlockView{}, err
	}
	return s.blockView(block), nil
}

// LockStatus reports the stored lock and whether another user could reclaim it now.
func (s *Service) LockStatus(ctx context.Context, actor Actor, blockID string) (lock.Status, error) {
	view, err := s.GetBlock(ctx, actor, blockID)
	if err != nil {
		return lock.Status{}, err
	}
	return view.Lock, nil
}

func (s *Service) AcquireLock(ctx context.Context, actor Actor, blockID string) (lock.Status, error) {
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return lock.Status{}, err
	}
	now := s.clock()

	var block store.ContentBlock
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetBlockForUpdate(ctx, blockID)
		if err != nil {
			return err
		}
		if err := checkPermission(ctx, tx, roleIDs, current.PermissionTag, rbac.ActionReadWrite); err != nil {
			return err
		}
		frozen, err := tx.ChapterFrozen(ctx, current.AssetID, current.ChapterName)
		if err != nil {
			return err
		}
		if frozen {
			return chapterUnderReview()
		}
		next, err := lock.Acquire(lockState(current), actor.UserID, now, s.lockTTL)
		if err != nil {
			return err
		}
		if err := tx.SetBlockLock(ctx, blockID, next.Holder, next.Since); err != nil {
			return err
		}
		current.IsLocked = true
		current.LockedBy = next.Holder
		current.LockedAt = &next.Since
		block = current
		return nil
	})
	if err != nil {
		return lock.Status{}, translate(err)
	}

	s.publish(ctx, notify.Event{
		Type:        notify.BlockLocked,
		AssetID:     block.AssetID,
		ChapterName: block.ChapterName,
		BlockID:     block.ID,
		Actor:       actor.UserID,
		At:          now,
	})
	return lock.Describe(lockState(block), now, s.lockTTL), nil
}

func (s *Service) ReleaseLock(ctx context.Context, actor Actor, blockID string) error {
	var block store.ContentBlock
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetBlockForUpdate(ctx, blockID)
		if err != nil {
			return err
		}
		if _, err := lock.Release(lockState(current), actor.UserID); err != nil {
			return err
		}
		block = current
		return tx.ClearBlockLock(ctx, blockID)
	})
	if err != nil {
		return translate(err)
	}

	s.publish(ctx, notify.Event{
		Type:        notify.BlockUnlocked,
		AssetID:     block.AssetID,
		ChapterName: block.ChapterName,
		BlockID:     block.ID,
		Actor:       actor.UserID,
		At:          s.clock(),
	})
	return nil
}

// UpdateBlock replaces the block content and bumps its version. Writes need
// read_write on the block tag and are refused while another user holds the
// lock or the chapter has a submission awaiting a decision.
func (s *Service) UpdateBlock(ctx context.Context, actor Actor, blockID string, content json.RawMessage) (UpdateBlockResult, error) {
	if len(content) == 0 || !json.Valid(content) {
		return UpdateBlockResult{}, validationError("content must be a JSON document")
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return UpdateBlockResult{}, err
	}
	now := s.clock()

	var (
		block   store.ContentBlock
		version int64
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetBlockForUpdate(ctx, blockID)
		if err != nil {
			return err
		}
		if err := checkPermission(ctx, tx, roleIDs, current.PermissionTag, rbac.ActionReadWrite); err != nil {
			return err
		}
		frozen, err := tx.ChapterFrozen(ctx, current.AssetID, current.ChapterName)
		if err != nil {
			return err
		}
		if frozen {
			return chapterUnderReview()
		}
		if err := lock.CheckWrite(lockState(current), actor.UserID); err != nil {
			return err
		}
		version, err = tx.UpdateBlockContent(ctx, blockID, content, actor.UserID, now)
		if err != nil {
			return err
		}
		block = current
		return nil
	})
	if err != nil {
		return UpdateBlockResult{}, translate(err)
	}

	s.publish(ctx, notify.Event{
		Type:        notify.BlockUpdated,
		AssetID:     block.AssetID,
		ChapterName: block.ChapterName,
		BlockID:     block.ID,
		Version:     version,
		Actor:       actor.UserID,
		At:          now,
	})
	return UpdateBlockResult{BlockID: blockID, Version: version}, nil
}
