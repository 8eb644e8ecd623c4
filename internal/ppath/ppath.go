// Package ppath implements the profile-path engine (spec.md §4.6): the
// recursive allow/if-success policy tree, path-def selection for newly
// accepted connections, and the two-pass channel-start mask that is the
// heart of the system.
package ppath

import (
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"

	cerrors "turbulenced/errors"
	"turbulenced/internal/config"
	"turbulenced/internal/expr"
)

// ItemKind distinguishes the two PPathItem node kinds.
type ItemKind int

const (
	// KindAllow directly grants a matching profile, subject to
	// preconnmark/max-per-conn/serverName checks. Must not have children.
	KindAllow ItemKind = iota
	// KindIfSuccess gates on another profile's success before descending
	// into its children; with zero children it behaves like KindAllow.
	KindIfSuccess
)

// Item is one rule node in a PPathDef's policy tree.
type Item struct {
	Kind        ItemKind
	Profile     *expr.Expr
	Connmark    string
	Preconnmark string
	MaxPerConn  uint32
	Children    []*Item
}

// Def is a named policy branch (spec.md §3's PPathDef).
type Def struct {
	ID         uint32
	Name       string
	ServerName *expr.Expr
	Src        *expr.Expr
	Dst        *expr.Expr
	Items      []*Item

	UserID  *int
	GroupID *int

	Separate bool
	Reuse    bool
	Chroot   string
	WorkDir  string

	// ChildLimit is -1 to inherit the global limit.
	ChildLimit int32

	mu              sync.Mutex
	childrenRunning uint32
}

// ChildrenRunning returns the number of children currently owned by this
// def.
func (d *Def) ChildrenRunning() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.childrenRunning
}

// IncChildren increments the running-children count.
func (d *Def) IncChildren() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.childrenRunning++
}

// DecChildren decrements the running-children count. It is a no-op (not a
// panic) at zero, matching the orchestrator's "log, don't abort" error
// policy for non-invariant-violating situations; callers that need the
// stricter guarantee should check ChildrenRunning first.
func (d *Def) DecChildren() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.childrenRunning > 0 {
		d.childrenRunning--
	}
}

// PPath is the ordered list of path-defs; first matching definition wins.
type PPath struct {
	Defs []*Def
}

// Build parses the <profile-path-configuration> subtree of cfg into a
// PPath. Structural validation (at-least-one path-def, allow-with-children,
// group-without-user) already ran in config.Load; Build only needs to
// additionally resolve run-as-user/run-as-group to numeric ids.
func Build(cfg *config.Config) (*PPath, error) {
	nodes := xmlquery.Find(cfg.Doc(), "//profile-path-configuration/path-def")
	defs := make([]*Def, 0, len(nodes))

	for i, node := range nodes {
		def, err := buildDef(node, uint32(i+1))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return &PPath{Defs: defs}, nil
}

func buildDef(node *xmlquery.Node, id uint32) (*Def, error) {
	def := &Def{
		ID:         id,
		Name:       node.SelectAttr("path-name"),
		Separate:   isYes(node.SelectAttr("separate")),
		Reuse:      isYes(node.SelectAttr("reuse")),
		Chroot:     node.SelectAttr("chroot"),
		WorkDir:    node.SelectAttr("work-dir"),
		ChildLimit: -1,
	}

	if v := node.SelectAttr("child-limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			def.ChildLimit = int32(n)
		}
	}

	var err error
	if def.ServerName, err = compileAttr(node, "server-name"); err != nil {
		return nil, err
	}
	if def.Src, err = compileAttr(node, "src"); err != nil {
		return nil, err
	}
	if def.Dst, err = compileAttr(node, "dst"); err != nil {
		return nil, err
	}

	if userName := node.SelectAttr("run-as-user"); userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrConfigInvalid, "ppath.Build", userName)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return nil, cerrors.Wrap(err, cerrors.ErrConfigInvalid, "ppath.Build")
		}
		def.UserID = &uid

		if groupName := node.SelectAttr("run-as-group"); groupName != "" {
			g, err := user.LookupGroup(groupName)
			if err != nil {
				return nil, cerrors.WrapWithDetail(err, cerrors.ErrConfigInvalid, "ppath.Build", groupName)
			}
			gid, err := strconv.Atoi(g.Gid)
			if err != nil {
				return nil, cerrors.Wrap(err, cerrors.ErrConfigInvalid, "ppath.Build")
			}
			def.GroupID = &gid
		}
	}

	items, err := buildItems(node)
	if err != nil {
		return nil, err
	}
	def.Items = items

	return def, nil
}

func buildItems(parent *xmlquery.Node) ([]*Item, error) {
	var items []*Item
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}

		var kind ItemKind
		switch c.Data {
		case "allow":
			kind = KindAllow
		case "if-success":
			kind = KindIfSuccess
		default:
			continue
		}

		profile, err := compileAttr(c, "profile")
		if err != nil {
			return nil, err
		}

		item := &Item{
			Kind:        kind,
			Profile:     profile,
			Connmark:    c.SelectAttr("connmark"),
			Preconnmark: c.SelectAttr("preconnmark"),
		}
		if v := c.SelectAttr("max-per-conn"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				item.MaxPerConn = uint32(n)
			}
		}

		if kind == KindIfSuccess {
			children, err := buildItems(c)
			if err != nil {
				return nil, err
			}
			item.Children = children
		} else if len(childElements(c)) > 0 {
			return nil, cerrors.ErrAllowWithChildren
		}

		items = append(items, item)
	}
	return items, nil
}

func childElements(n *xmlquery.Node) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

func compileAttr(n *xmlquery.Node, attr string) (*expr.Expr, error) {
	val := n.SelectAttr(attr)
	if val == "" {
		return nil, nil
	}
	return expr.Compile(val)
}

func isYes(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "true", "1", "enabled":
		return true
	default:
		return false
	}
}

// Select walks p.Defs in order and returns the first Def for which both src
// and dst match (or are unconfigured), per spec.md §4.6.1.
func Select(p *PPath, remoteHost, localAddr string) (*Def, bool) {
	for _, def := range p.Defs {
		if matchOrAbsent(def.Src, remoteHost) && matchOrAbsent(def.Dst, localAddr) {
			return def, true
		}
	}
	return nil, false
}

// ByID returns the Def with the given id, for the re-exec'd child process
// to look its own path-def back up from the PPathDefID the parent sent it
// in the init string (spec.md §6.4).
func ByID(p *PPath, id uint32) (*Def, bool) {
	for _, def := range p.Defs {
		if def.ID == id {
			return def, true
		}
	}
	return nil, false
}

func matchOrAbsent(e *expr.Expr, input string) bool {
	if e == nil {
		return true
	}
	return expr.Match(e, input)
}
