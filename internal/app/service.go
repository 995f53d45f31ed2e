package app

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatesg/api/internal/archive"
	"chatesg/api/internal/auth"
	"chatesg/api/internal/config"
	"chatesg/api/internal/lock"
	"chatesg/api/internal/notify"
	"chatesg/api/internal/rbac"
	"chatesg/api/internal/search"
	"chatesg/api/internal/store"
)

// Actor is the caller as established by a verified bearer token.
type Actor struct {
	UserID         string
	Name           string
	OrganizationID string
	ExpiresAt      time.Time
}

type dataStore interface {
	store.Reader
	WithTx(ctx context.Context, fn func(store.Tx) error) error
	Ping(ctx context.Context) error
}

type roleSource interface {
	ListUserRoleIDs(ctx context.Context, organizationID, userID string) ([]string, error)
}

type reviewIndex interface {
	Search(q search.Query) search.Response
	IndexReview(record search.ReviewRecord)
}

type publishedArchive interface {
	Publish(snap archive.Snapshot) (archive.Commit, error)
	History(assetID, chapterName string, limit int) ([]archive.Commit, error)
	Latest(assetID, chapterName string) (archive.Snapshot, error)
}

// Dependencies are the optional collaborators of Service. Zero values fall
// back to the database for roles and to no-ops for everything else.
type Dependencies struct {
	Roles   roleSource
	Events  notify.Publisher
	Stream  notify.Subscriber
	Search  reviewIndex
	Archive publishedArchive
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Service struct {
	cfg     config.Config
	store   dataStore
	tokens  *auth.Verifier
	roles   roleSource
	events  notify.Publisher
	stream  notify.Subscriber
	search  reviewIndex
	archive publishedArchive
	log     zerolog.Logger
	now     func() time.Time
	lockTTL time.Duration
}

func New(cfg config.Config, dataStore dataStore, deps Dependencies) *Service {
	s := &Service{
		cfg:     cfg,
		store:   dataStore,
		tokens:  auth.NewVerifier(cfg.TokenSecret, cfg.TokenPreviousSecrets...),
		roles:   deps.Roles,
		events:  deps.Events,
		stream:  deps.Stream,
		search:  deps.Search,
		archive: deps.Archive,
		log:     deps.Logger.With().Str("component", "service").Logger(),
		now:     deps.Now,
		lockTTL: cfg.LockTTL,
	}
	if s.roles == nil {
		s.roles = dataStore
	}
	if s.events == nil {
		s.events = notify.Nop{}
	}
	if s.stream == nil {
		s.stream = notify.Nop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.lockTTL <= 0 {
		s.lockTTL = lock.DefaultTTL
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ActorFromToken(token string) (Actor, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return Actor{}, err
	}
	return Actor{
		UserID:         claims.Sub,
		Name:           claims.Name,
		OrganizationID: claims.Org,
		ExpiresAt:      time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) roleIDs(ctx context.Context, actor Actor) ([]string, error) {
	return s.roles.ListUserRoleIDs(ctx, actor.OrganizationID, actor.UserID)
}

// checkPermission resolves the grants of permissionTag through r, which is the
// open transaction on write paths so the check sees the same snapshot the
// write does.
func checkPermission(ctx context.Context, r store.Reader, roleIDs []string, permissionTag string, required rbac.Action) error {
	mappings, err := r.ListPermissionMappings(ctx, permissionTag)
	if err != nil {
		return err
	}
	if !rbac.HasPermission(toGrants(mappings), roleIDs, required) {
		return permissionDenied(permissionTag, string(required))
	}
	return nil
}

// HasPermission answers the resolver question for the caller without failing.
func (s *Service) HasPermission(ctx context.Context, actor Actor, permissionTag string, required rbac.Action) (bool, error) {
	roleIDs, err := s.roleIDs(ctx, actor)
	if err != nil {
		return false, err
	}
	err = checkPermission(ctx, s.store, roleIDs, permissionTag, required)
	if err == nil {
		return true, nil
	}
	if isPermissionDenied(err) {
		return false, nil
	}
	return false, err
}

func toGrants(mappings []store.PermissionMapping) []rbac.Grant {
	grants := make([]rbac.Grant, 0, len(mappings))
	for _, mapping := range mappings {
		action, ok := rbac.ParseAction(mapping.ActionType)
		if !ok {
			continue
		}
		grants = append(grants, rbac.Grant{RoleID: mapping.RoleID, Action: action})
	}
	return grants
}

// publish runs after commit. A lost event never fails the request.
func (s *Service) publish(ctx context.Context, event notify.Event) {
	if err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn().Err(err).Str("event", string(event.Type)).Str("asset_id", event.AssetID).Msg("publish event")
	}
}

// Subscribe streams the asset's events, forwarding only those of chapters the
// caller can read at the time the event arrives.
func (s *Service) Subscribe(ctx context.Context, actor Actor, assetID string) (<-chan notify.Event, error) {
	upstream, err := s.stream.Subscribe(ctx, assetID)
	if err != nil {
		return nil, err
	}
	out := make(chan notify.Event, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-upstream:
				if !ok {
					return
				}
				err := s.requireChapter(ctx, actor, event.AssetID, event.ChapterName, rbac.ActionRead)
				if err != nil {
					if !isPermissionDenied(err) {
						s.log.Warn().Err(err).Str("asset_id", assetID).Str("user_id", actor.UserID).Msg("filter event")
					}
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Search drops hits on chapters the caller cannot read. Total shrinks by the
// hits dropped from this page.
func (s *Service) Search(ctx context.Context, actor Actor, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	resp := s.search.Search(q)
	access := s.newChapterReadCache(actor)
	kept := make([]search.Result, 0, len(resp.Results))
	for _, hit := range resp.Results {
		allowed, err := access.canRead(ctx, hit.AssetID, hit.ChapterName)
		if err != nil {
			return search.Response{}, err
		}
		if allowed {
			kept = append(kept, hit)
		}
	}
	resp.Total -= len(resp.Results) - len(kept)
	resp.Results = kept
	return resp, nil
}

func requireName(value, field string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", validationError(field + " is required")
	}
	return trimmed, nil
}
