package app

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"chatesg/api/internal/rbac"
	"chatesg/api/internal/store"
)

// chapterGuardTags returns the tags that guard a chapter as a whole: the
// chapter's outline tag, or the tags of its blocks when the outline does not
// know the chapter.
func chapterGuardTags(ctx context.Context, r store.Reader, assetID, chapterName string) ([]string, error) {
	current, err := r.GetOutline(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if node, err := current.Outline.Find([]string{chapterName}); err == nil && node.PermissionTag != "" {
		return []string{node.PermissionTag}, nil
	}

	blocks, err := r.ListChapterBlocks(ctx, assetID, chapterName)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(blocks))
	tags := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if _, ok := seen[block.PermissionTag]; ok || block.PermissionTag == "" {
			continue
		}
		seen[block.PermissionTag] = struct{}{}
		tags = append(tags, block.PermissionTag)
	}
	sort.Strings(tags)
	return tags, nil
}

// checkChapterPermission passes when any guard tag of the chapter grants
// required to one of roleIDs. Approvers of the chapter's stages may also read
// it. A chapter without tags is closed to everyone.
func checkChapterPermission(ctx context.Context, r store.Reader, roleIDs []string, assetID, chapterName string, required rbac.Action) error {
	tags, err := chapterGuardTags(ctx, r, assetID, chapterName)
	if err != nil {
		return err
	}
	if required == rbac.ActionRead {
		stages, err := r.ListStages(ctx, assetID, chapterName)
		if err != nil {
			return err
		}
		for _, stage := range stages {
			tags = append(tags, stage.PermissionTag)
		}
	}
	for _, tag := range tags {
		mappings, err := r.ListPermissionMappings(ctx, tag)
		if err != nil {
			return err
		}
		if rbac.HasPermission(toGrants(mappings), roleIDs, required) {
			return nil
		}
	}
	return domainError(http.StatusForbidden, "PERMISSION_DENIED", "Permission denied", map[string]any{
		"assetId":     assetID,
		"chapterName": chapterName,
		"required":    string(required),
	})
}

// requireChapter resolves the caller's roles and checks them against the
// chapter outside any transaction. Used by read paths.
func (s *Service) requireChapter(ctx context.Context, actor Actor, assetID, chapterName string, required rbac.Action) error {
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return err
	}
	return checkChapterPermission(ctx, s.store, roleIDs, assetID, chapterName, required)
}

func isPermissionDenied(err error) bool {
	var denied *DomainError
	return errors.As(err, &denied) && denied.Code == "PERMISSION_DENIED"
}

// chapterReadCache memoizes read decisions for one caller across the
// chapters of a listing or an event stream.
type chapterReadCache struct {
	service *Service
	actor   Actor
	roleIDs []string
	loaded  bool
	allowed map[string]bool
}

func (s *Service) newChapterReadCache(actor Actor) *chapterReadCache {
	return &chapterReadCache{service: s, actor: actor, allowed: make(map[string]bool)}
}

func (c *chapterReadCache) canRead(ctx context.Context, assetID, chapterName string) (bool, error) {
	key := assetID + "\x00" + chapterName
	if allowed, ok := c.allowed[key]; ok {
		return allowed, nil
	}
	if !c.loaded {
		roleIDs, err := c.service.roleIDs(ctx, c.actor)
		if err != nil {
			return false, err
		}
		c.roleIDs = roleIDs
		c.loaded = true
	}
	err := checkChapterPermission(ctx, c.service.store, c.roleIDs, assetID, chapterName, rbac.ActionRead)
	switch {
	case err == nil:
		c.allowed[key] = true
	case isPermissionDenied(err):
		c.allowed[key] = false
	default:
		return false, err
	}
	return c.allowed[key], nil
}

// validateRoleIDs rejects role ids that do not belong to the caller's
// organization.
func validateRoleIDs(ctx context.Context, r store.Reader, organizationID string, roleIDs []string) error {
	wanted := make([]string, 0, len(roleIDs))
	seen := make(map[string]struct{}, len(roleIDs))
	for _, roleID := range roleIDs {
		roleID = strings.TrimSpace(roleID)
		if _, ok := seen[roleID]; ok {
			continue
		}
		seen[roleID] = struct{}{}
		wanted = append(wanted, roleID)
	}
	if len(wanted) == 0 {
		return nil
	}
	known, err := r.ListOrganizationRoleIDs(ctx, organizationID, wanted)
	if err != nil {
		return err
	}
	found := make(map[string]struct{}, len(known))
	for _, roleID := range known {
		found[roleID] = struct{}{}
	}
	var unknown []string
	for _, roleID := range wanted {
		if _, ok := found[roleID]; !ok {
			unknown = append(unknown, roleID)
		}
	}
	if len(unknown) > 0 {
		err := validationError("Unknown role for this organization")
		err.Details = map[string]any{"unknownRoleIds": unknown}
		return err
	}
	return nil
}
