package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"chatesg/api/internal/outline"
	"chatesg/api/internal/rbac"
	"chatesg/api/internal/store"
	"chatesg/api/internal/util"
	"chatesg/api/internal/workflow"
)

type OutlineView struct {
	AssetID   string         `json:"assetId"`
	Revision  int            `json:"revision"`
	Chapters  []outline.Node `json:"chapters"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type AddNodeInput struct {
	Path  []string `json:"path"`
	Title string   `json:"title"`
	Kind  string   `json:"kind"`
}

type RenameNodeInput struct {
	Path  []string `json:"path"`
	Title string   `json:"title"`
}

type DeleteNodeInput struct {
	Path []string `json:"path"`
}

type PermissionGrantInput struct {
	RoleID     string `json:"roleId"`
	ActionType string `json:"actionType"`
}

func outlineView(item store.AssetOutline) OutlineView {
	chapters := item.Outline.Chapters
	if chapters == nil {
		chapters = []outline.Node{}
	}
	return OutlineView{
		AssetID:   item.AssetID,
		Revision:  item.Revision,
		Chapters:  chapters,
		UpdatedBy: item.UpdatedBy,
		UpdatedAt: item.UpdatedAt,
	}
}

func (s *Service) GetOutline(ctx context.Context, assetID string) (OutlineView, error) {
	item, err := s.store.GetOutline(ctx, assetID)
	if err != nil {
		return OutlineView{}, err
	}
	return outlineView(item), nil
}

// ensureChapterIdle rejects structural changes to a chapter with an in-review instance.
func ensureChapterIdle(ctx context.Context, tx store.Tx, assetID, chapterName string) error {
	latest, err := tx.LatestInstanceForUpdate(ctx, assetID, chapterName)
	if err != nil {
		return err
	}
	if latest != nil && latest.Status == string(workflow.StatusInReview) {
		return domainError(http.StatusConflict, "CHAPTER_UNDER_REVIEW", "Chapter is in review", map[string]any{
			"workflowInstanceId": latest.ID,
		})
	}
	return nil
}

// requireNodeWrite checks read_write on the tag governing path.
func requireNodeWrite(ctx context.Context, tx store.Tx, roleIDs []string, current store.AssetOutline, path []string) (string, error) {
	tag, err := current.Outline.InheritedTag(path)
	if err != nil {
		return "", err
	}
	if err := checkPermission(ctx, tx, roleIDs, tag, rbac.ActionReadWrite); err != nil {
		return "", err
	}
	return tag, nil
}

// seedGrants gives a fresh tag its first grants: the parent tag's grants for a
// sub-chapter, read_write for the creator's roles for a chapter.
func seedGrants(ctx context.Context, tx store.Tx, tag, parentTag string, creatorRoles []string) error {
	var mappings []store.PermissionMapping
	if parentTag != "" {
		parent, err := tx.ListPermissionMappings(ctx, parentTag)
		if err != nil {
			return err
		}
		for _, mapping := range parent {
			mappings = append(mappings, store.PermissionMapping{RoleID: mapping.RoleID, PermissionTag: tag, ActionType: mapping.ActionType})
		}
	} else {
		mappings = approverMappings(tag, creatorRoles)
	}
	return tx.ReplacePermissionMappings(ctx, tag, mappings)
}

// AddOutlineNode adds a chapter, sub-chapter or block under parent. Chapters
// and sub-chapters get a fresh permission tag; a block inherits the tag of its
// closest ancestor and gets a content row. Anything below a chapter needs
// read_write on the inherited tag. A new chapter is writable by the roles of
// its creator, so a caller without roles cannot create one.
func (s *Service) AddOutlineNode(ctx context.Context, actor Actor, assetID string, input AddNodeInput) (OutlineView, error) {
	kind, ok := outline.ParseKind(input.Kind)
	if !ok {
		return OutlineView{}, validationError("kind must be chapter, sub_chapter or block")
	}
	title, err := requireName(input.Title, "title")
	if err != nil {
		return OutlineView{}, err
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return OutlineView{}, err
	}
	now := s.clock()

	var saved store.AssetOutline
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetOutlineForUpdate(ctx, assetID)
		if err != nil {
			return err
		}
		var parentTag string
		if len(input.Path) > 0 {
			if parentTag, err = requireNodeWrite(ctx, tx, roleIDs, current, input.Path); err != nil {
				return err
			}
		} else if len(roleIDs) == 0 {
			return domainError(http.StatusForbidden, "PERMISSION_DENIED", "Creating a chapter requires a role", map[string]any{
				"assetId": assetID,
			})
		}

		node := outline.Node{Title: title, Kind: kind}
		if kind == outline.KindBlock {
			if len(input.Path) == 0 {
				return outline.ErrInvalidKind
			}
			node.Block = &outline.BlockRef{ID: util.NewID("blk"), PermissionTag: parentTag}
		} else {
			node.PermissionTag = util.NewID("ptag")
		}

		next, err := current.Outline.Add(input.Path, node)
		if err != nil {
			return err
		}
		if node.PermissionTag != "" {
			if err := seedGrants(ctx, tx, node.PermissionTag, parentTag, roleIDs); err != nil {
				return err
			}
		}

		if node.Block != nil {
			chapter, err := current.Outline.Find(input.Path[:1])
			if err != nil {
				return err
			}
			frozen, err := tx.ChapterFrozen(ctx, assetID, chapter.Title)
			if err != nil {
				return err
			}
			if frozen {
				return chapterUnderReview()
			}
			if err := tx.InsertBlock(ctx, store.ContentBlock{
				ID:             node.Block.ID,
				AssetID:        assetID,
				ChapterName:    chapter.Title,
				PermissionTag:  node.Block.PermissionTag,
				LastModifiedBy: actor.UserID,
				LastModifiedAt: now,
			}); err != nil {
				return err
			}
		}

		saved = store.AssetOutline{
			AssetID:   assetID,
			Outline:   next,
			Revision:  current.Revision + 1,
			UpdatedBy: actor.UserID,
			UpdatedAt: now,
		}
		return tx.SaveOutline(ctx, saved)
	})
	if err != nil {
		return OutlineView{}, translate(err)
	}
	return outlineView(saved), nil
}

// RenameOutlineNode retitles a node. Renaming a chapter moves its blocks,
// stages and instances to the new name and is refused while it is in review.
func (s *Service) RenameOutlineNode(ctx context.Context, actor Actor, assetID string, input RenameNodeInput) (OutlineView, error) {
	title, err := requireName(input.Title, "title")
	if err != nil {
		return OutlineView{}, err
	}
	if len(input.Path) == 0 {
		return OutlineView{}, validationError("path is required")
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return OutlineView{}, err
	}
	now := s.clock()

	var saved store.AssetOutline
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetOutlineForUpdate(ctx, assetID)
		if err != nil {
			return err
		}
		node, err := current.Outline.Find(input.Path)
		if err != nil {
			return err
		}
		if _, err := requireNodeWrite(ctx, tx, roleIDs, current, input.Path); err != nil {
			return err
		}
		next, err := current.Outline.Rename(input.Path, title)
		if err != nil {
			return err
		}

		if node.Kind == outline.KindChapter && node.Title != title {
			if err := tx.LockChapter(ctx, assetID, node.Title); err != nil {
				return err
			}
			if err := ensureChapterIdle(ctx, tx, assetID, node.Title); err != nil {
				return err
			}
			if err := tx.RenameChapter(ctx, assetID, node.Title, title); err != nil {
				return err
			}
		}

		saved = store.AssetOutline{
			AssetID:   assetID,
			Outline:   next,
			Revision:  current.Revision + 1,
			UpdatedBy: actor.UserID,
			UpdatedAt: now,
		}
		return tx.SaveOutline(ctx, saved)
	})
	if err != nil {
		return OutlineView{}, translate(err)
	}
	return outlineView(saved), nil
}

// DeleteOutlineNode removes a node with its subtree, the content rows of its
// blocks and the grants of its tags. Deleting a chapter also drops its stage
// plan. Nothing inside a chapter in review can be deleted.
func (s *Service) DeleteOutlineNode(ctx context.Context, actor Actor, assetID string, input DeleteNodeInput) (OutlineView, error) {
	if len(input.Path) == 0 {
		return OutlineView{}, validationError("path is required")
	}
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return OutlineView{}, err
	}
	now := s.clock()

	var saved store.AssetOutline
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetOutlineForUpdate(ctx, assetID)
		if err != nil {
			return err
		}
		chapter, err := current.Outline.Find(input.Path[:1])
		if err != nil {
			return err
		}
		if _, err := requireNodeWrite(ctx, tx, roleIDs, current, input.Path); err != nil {
			return err
		}
		if err := tx.LockChapter(ctx, assetID, chapter.Title); err != nil {
			return err
		}
		if err := ensureChapterIdle(ctx, tx, assetID, chapter.Title); err != nil {
			return err
		}

		next, removed, err := current.Outline.Delete(input.Path)
		if err != nil {
			return err
		}
		refs := removed.Blocks()
		blockIDs := make([]string, 0, len(refs))
		for _, ref := range refs {
			blockIDs = append(blockIDs, ref.ID)
		}
		if err := tx.DeleteBlocks(ctx, blockIDs); err != nil {
			return err
		}
		for _, tag := range removed.Tags() {
			if err := tx.ReplacePermissionMappings(ctx, tag, nil); err != nil {
				return err
			}
		}
		if removed.Kind == outline.KindChapter {
			if err := tx.DeleteStages(ctx, assetID, chapter.Title); err != nil {
				return err
			}
		}

		saved = store.AssetOutline{
			AssetID:   assetID,
			Outline:   next,
			Revision:  current.Revision + 1,
			UpdatedBy: actor.UserID,
			UpdatedAt: now,
		}
		return tx.SaveOutline(ctx, saved)
	})
	if err != nil {
		return OutlineView{}, translate(err)
	}
	return outlineView(saved), nil
}

// owningChapterTag returns the tag of the chapter whose subtree defines or
// uses permissionTag.
func owningChapterTag(current store.AssetOutline, permissionTag string) string {
	for _, chapter := range current.Outline.Chapters {
		for _, tag := range chapter.Tags() {
			if tag == permissionTag {
				return chapter.PermissionTag
			}
		}
		for _, ref := range chapter.Blocks() {
			if ref.PermissionTag == permissionTag {
				return chapter.PermissionTag
			}
		}
	}
	return ""
}

// SetPermissions replaces the grants of a permission tag. The caller needs
// read_write on the tag itself or, when assetID names the asset the tag lives
// in, on the tag of the owning chapter. Stage tags are managed only through
// DefineStages.
func (s *Service) SetPermissions(ctx context.Context, actor Actor, assetID, permissionTag string, grants []PermissionGrantInput) ([]PermissionGrantInput, error) {
	permissionTag, err := requireName(permissionTag, "permissionTag")
	if err != nil {
		return nil, err
	}
	mappings := make([]store.PermissionMapping, 0, len(grants))
	seen := make(map[string]struct{}, len(grants))
	roles := make([]string, 0, len(grants))
	for _, grant := range grants {
		roleID := strings.TrimSpace(grant.RoleID)
		if roleID == "" {
			return nil, validationError("roleId is required")
		}
		action, ok := rbac.ParseAction(grant.ActionType)
		if !ok {
			return nil, validationError("actionType must be read or read_write")
		}
		if _, dup := seen[roleID]; dup {
			return nil, validationError("roleId " + roleID + " is listed twice")
		}
		seen[roleID] = struct{}{}
		roles = append(roles, roleID)
		mappings = append(mappings, store.PermissionMapping{RoleID: roleID, PermissionTag: permissionTag, ActionType: string(action)})
	}
	callerRoles, err := s.roleIDs(ctx, actor)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		stage, err := tx.StageByPermissionTag(ctx, permissionTag)
		if err != nil {
			return err
		}
		if stage != nil {
			return domainError(http.StatusConflict, "STAGE_TAG_MANAGED", "Stage approvers are set through the stage plan", map[string]any{
				"stageId":     stage.ID,
				"assetId":     stage.AssetID,
				"chapterName": stage.ChapterName,
			})
		}
		if err := s.authorizeTagAdmin(ctx, tx, callerRoles, assetID, permissionTag); err != nil {
			return err
		}
		if err := validateRoleIDs(ctx, tx, actor.OrganizationID, roles); err != nil {
			return err
		}
		return tx.ReplacePermissionMappings(ctx, permissionTag, mappings)
	})
	if err != nil {
		return nil, translate(err)
	}
	s.log.Info().Str("permission_tag", permissionTag).Int("grants", len(mappings)).Str("actor", actor.UserID).Msg("permissions replaced")
	return s.listGrants(ctx, permissionTag)
}

func (s *Service) authorizeTagAdmin(ctx context.Context, tx store.Tx, roleIDs []string, assetID, permissionTag string) error {
	denied := checkPermission(ctx, tx, roleIDs, permissionTag, rbac.ActionReadWrite)
	if denied == nil || assetID == "" || !isPermissionDenied(denied) {
		return denied
	}
	current, err := tx.GetOutline(ctx, assetID)
	if err != nil {
		return err
	}
	chapterTag := owningChapterTag(current, permissionTag)
	if chapterTag == "" || chapterTag == permissionTag {
		return denied
	}
	return checkPermission(ctx, tx, roleIDs, chapterTag, rbac.ActionReadWrite)
}

// GetPermissions lists the grants of a tag the caller can read.
func (s *Service) GetPermissions(ctx context.Context, actor Actor, permissionTag string) ([]PermissionGrantInput, error) {
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return nil, err
	}
	if err := checkPermission(ctx, s.store, roleIDs, permissionTag, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.listGrants(ctx, permissionTag)
}

func (s *Service) listGrants(ctx context.Context, permissionTag string) ([]PermissionGrantInput, error) {
	mappings, err := s.store.ListPermissionMappings(ctx, permissionTag)
	if err != nil {
		return nil, err
	}
	items := make([]PermissionGrantInput, 0, len(mappings))
	for _, mapping := range mappings {
		items = append(items, PermissionGrantInput{RoleID: mapping.RoleID, ActionType: mapping.ActionType})
	}
	return items, nil
}
