// Package archive keeps a git repository per asset holding the last approved
// snapshot of every chapter. Each final approval is one commit.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var (
	ErrNotPublished   = errors.New("chapter has no approved snapshot")
	ErrInvalidAssetID = errors.New("asset id cannot name an archive directory")
)

type Snapshot struct {
	AssetID            string          `json:"assetId"`
	ChapterName        string          `json:"chapterName"`
	WorkflowInstanceID string          `json:"workflowInstanceId"`
	BlockVersionID     string          `json:"blockVersionId"`
	ApprovedBy         string          `json:"approvedBy"`
	ApprovedAt         time.Time       `json:"approvedAt"`
	Content            json.RawMessage `json:"content"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Publish writes snap as the chapter's current approved content and commits it.
func (s *Service) Publish(snap Snapshot) (Commit, error) {
	repoPath, err := s.repoPath(snap.AssetID)
	if err != nil {
		return Commit{}, err
	}
	lock := s.assetLock(snap.AssetID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(repoPath)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	file := chapterFile(snap.ChapterName)
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	fullPath := filepath.Join(repoPath, filepath.FromSlash(file))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Commit{}, fmt.Errorf("create chapters dir: %w", err)
	}
	if err := os.WriteFile(fullPath, append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(file); err != nil {
		return Commit{}, fmt.Errorf("git add snapshot: %w", err)
	}

	when := snap.ApprovedAt
	if when.IsZero() {
		when = time.Now()
	}
	hash, err := worktree.Commit(fmt.Sprintf("Approve %s", snap.ChapterName), &git.CommitOptions{
		Author: &object.Signature{
			Name:  snap.ApprovedBy,
			Email: fmt.Sprintf("%s@archive.chatesg.local", sanitizeEmail(snap.ApprovedBy)),
			When:  when,
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists commits touching the chapter, newest first.
func (s *Service) History(assetID, chapterName string, limit int) ([]Commit, error) {
	repoPath, err := s.repoPath(assetID)
	if err != nil {
		return nil, err
	}
	lock := s.assetLock(assetID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(repoPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	file := chapterFile(chapterName)
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash(), FileName: &file})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Latest returns the chapter snapshot at the head of main.
func (s *Service) Latest(assetID, chapterName string) (Snapshot, error) {
	repoPath, err := s.repoPath(assetID)
	if err != nil {
		return Snapshot{}, err
	}
	lock := s.assetLock(assetID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(repoPath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, ErrNotPublished
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Snapshot{}, ErrNotPublished
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, fmt.Errorf("load commit object: %w", err)
	}
	file, err := commitObj.File(chapterFile(chapterName))
	if errors.Is(err, object.ErrFileNotFound) {
		return Snapshot{}, ErrNotPublished
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot file: %w", err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot contents: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(contents), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func openOrInit(repoPath string) (*git.Repository, error) {
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(repoPath, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// repoPath maps an asset to its repository directory. PathEscape keeps
// separators out but leaves dots alone, so dot-only ids are refused.
func (s *Service) repoPath(assetID string) (string, error) {
	if strings.Trim(assetID, ".") == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAssetID, assetID)
	}
	return filepath.Join(s.baseDir, url.PathEscape(assetID)), nil
}

func (s *Service) assetLock(assetID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[assetID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[assetID] = lock
	return lock
}

func chapterFile(chapterName string) string {
	return path.Join("chapters", url.PathEscape(chapterName)+".json")
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
