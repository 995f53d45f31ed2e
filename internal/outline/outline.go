// Package outline models a report's chapter tree. Nodes are addressed by the
// titles on the path from the root; every mutation returns a modified copy and
// leaves the receiver untouched.
package outline

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindChapter    Kind = "chapter"
	KindSubChapter Kind = "sub_chapter"
	KindBlock      Kind = "block"
)

var (
	ErrNotFound    = errors.New("outline node not found")
	ErrDuplicate   = errors.New("outline node title already used at this level")
	ErrInvalidKind = errors.New("node kind not allowed here")
	ErrEmptyTitle  = errors.New("outline node title is required")
)

func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.TrimSpace(value)) {
	case KindChapter:
		return KindChapter, true
	case KindSubChapter:
		return KindSubChapter, true
	case KindBlock:
		return KindBlock, true
	default:
		return "", false
	}
}

type BlockRef struct {
	ID            string `json:"id"`
	PermissionTag string `json:"permissionTag"`
}

type Node struct {
	Title         string    `json:"title"`
	Kind          Kind      `json:"kind"`
	PermissionTag string    `json:"permissionTag,omitempty"`
	Block         *BlockRef `json:"block,omitempty"`
	Children      []Node    `json:"children,omitempty"`
}

type Outline struct {
	Chapters []Node `json:"chapters"`
}

// Blocks lists every block reference at or below n in document order.
func (n Node) Blocks() []BlockRef {
	var refs []BlockRef
	if n.Block != nil {
		refs = append(refs, *n.Block)
	}
	for _, child := range n.Children {
		refs = append(refs, child.Blocks()...)
	}
	return refs
}

// Tags lists the permission tags defined at or below n. Blocks inherit their
// tag, so only chapter and sub-chapter tags appear.
func (n Node) Tags() []string {
	var tags []string
	if n.Kind != KindBlock && n.PermissionTag != "" {
		tags = append(tags, n.PermissionTag)
	}
	for _, child := range n.Children {
		tags = append(tags, child.Tags()...)
	}
	return tags
}

func (o Outline) Find(path []string) (Node, error) {
	nodes := o.Chapters
	var found Node
	if len(path) == 0 {
		return Node{}, ErrNotFound
	}
	for _, title := range path {
		i := indexOf(nodes, title)
		if i < 0 {
			return Node{}, fmt.Errorf("%w: %q", ErrNotFound, title)
		}
		found = nodes[i]
		nodes = found.Children
	}
	return found, nil
}

// InheritedTag returns the permission tag of the nearest chapter or
// sub-chapter on path, searching from the deepest node upward.
func (o Outline) InheritedTag(path []string) (string, error) {
	for depth := len(path); depth > 0; depth-- {
		node, err := o.Find(path[:depth])
		if err != nil {
			return "", err
		}
		if node.PermissionTag != "" {
			return node.PermissionTag, nil
		}
	}
	return "", ErrNotFound
}

// Add appends node under parent. An empty parent adds a top-level chapter.
func (o Outline) Add(parent []string, node Node) (Outline, error) {
	node.Title = strings.TrimSpace(node.Title)
	if node.Title == "" {
		return o, ErrEmptyTitle
	}
	if len(parent) == 0 {
		if node.Kind != KindChapter {
			return o, fmt.Errorf("%w: %s at top level", ErrInvalidKind, node.Kind)
		}
		if indexOf(o.Chapters, node.Title) >= 0 {
			return o, fmt.Errorf("%w: %q", ErrDuplicate, node.Title)
		}
		chapters := append(append([]Node(nil), o.Chapters...), node)
		return Outline{Chapters: chapters}, nil
	}
	chapters, err := walk(o.Chapters, parent, func(siblings []Node, i int) ([]Node, error) {
		target := siblings[i]
		if !allowedChild(target.Kind, node.Kind) {
			return nil, fmt.Errorf("%w: %s under %s", ErrInvalidKind, node.Kind, target.Kind)
		}
		if indexOf(target.Children, node.Title) >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, node.Title)
		}
		target.Children = append(append([]Node(nil), target.Children...), node)
		siblings[i] = target
		return siblings, nil
	})
	if err != nil {
		return o, err
	}
	return Outline{Chapters: chapters}, nil
}

func (o Outline) Rename(path []string, title string) (Outline, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return o, ErrEmptyTitle
	}
	chapters, err := walk(o.Chapters, path, func(siblings []Node, i int) ([]Node, error) {
		if j := indexOf(siblings, title); j >= 0 && j != i {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, title)
		}
		siblings[i].Title = title
		return siblings, nil
	})
	if err != nil {
		return o, err
	}
	return Outline{Chapters: chapters}, nil
}

// Delete removes the node at path and returns it alongside the new outline.
func (o Outline) Delete(path []string) (Outline, Node, error) {
	var removed Node
	chapters, err := walk(o.Chapters, path, func(siblings []Node, i int) ([]Node, error) {
		removed = siblings[i]
		return append(siblings[:i:i], siblings[i+1:]...), nil
	})
	if err != nil {
		return o, Node{}, err
	}
	return Outline{Chapters: chapters}, removed, nil
}

// ChapterOf returns the title of the top-level chapter containing blockID.
func (o Outline) ChapterOf(blockID string) (string, bool) {
	for _, chapter := range o.Chapters {
		for _, ref := range chapter.Blocks() {
			if ref.ID == blockID {
				return chapter.Title, true
			}
		}
	}
	return "", false
}

// walk copies each slice on the way down to path and calls apply on the copy
// holding the addressed node.
func walk(nodes []Node, path []string, apply func(siblings []Node, i int) ([]Node, error)) ([]Node, error) {
	if len(path) == 0 {
		return nil, ErrNotFound
	}
	i := indexOf(nodes, path[0])
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, path[0])
	}
	out := append([]Node(nil), nodes...)
	if len(path) == 1 {
		return apply(out, i)
	}
	children, err := walk(out[i].Children, path[1:], apply)
	if err != nil {
		return nil, err
	}
	out[i].Children = children
	return out, nil
}

func indexOf(nodes []Node, title string) int {
	title = strings.TrimSpace(title)
	for i, node := range nodes {
		if node.Title == title {
			return i
		}
	}
	return -1
}

func allowedChild(parent, child Kind) bool {
	switch parent {
	case KindChapter:
		return child == KindSubChapter || child == KindBlock
	case KindSubChapter:
		return child == KindBlock
	default:
		return false
	}
}
