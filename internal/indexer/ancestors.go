package indexer

import "path"

// ancestorCache is the bounded cache spec.md §4.4 describes: it remembers
// the last K tried ancestor directories so a scan with many members sharing
// a deep common prefix doesn't re-insert the same parent_folders row for
// every sibling. It holds the last 16 entries, shrinking to 8 on overflow
// (evicting the oldest half) rather than growing without bound.
type ancestorCache struct {
	order []string
	seen  map[string]struct{}
}

const (
	ancestorCacheMax   = 16
	ancestorCacheShrink = 8
)

func newAncestorCache() *ancestorCache {
	return &ancestorCache{seen: make(map[string]struct{}, ancestorCacheMax)}
}

func (c *ancestorCache) tried(dir string) bool {
	_, ok := c.seen[dir]
	return ok
}

func (c *ancestorCache) remember(dir string) {
	if c.tried(dir) {
		return
	}
	if len(c.order) >= ancestorCacheMax {
		drop := c.order[:len(c.order)-ancestorCacheShrink]
		for _, d := range drop {
			delete(c.seen, d)
		}
		c.order = append([]string(nil), c.order[len(c.order)-ancestorCacheShrink:]...)
	}
	c.order = append(c.order, dir)
	c.seen[dir] = struct{}{}
}

// ancestorDirs returns every proper ancestor directory of dir up to (but
// excluding) the root "", followed by dir itself, in root-to-leaf order
// ("/a/b/c" yields "/a", "/a/b", "/a/b/c"). dir
// must already be in tarscan.NormalizePath's convention: "" for the root,
// otherwise a leading '/' and no trailing '/'.
//
// For dir == "" (a top-level member) it returns nothing: the root needs no
// parent_folders row of its own.
func ancestorDirs(dir string) []string {
	if dir == "" {
		return nil
	}
	var out []string
	for d := dir; d != ""; {
		out = append([]string{d}, out...)
		parent := path.Dir(d)
		if parent == "/" || parent == "." {
			break
		}
		d = parent
	}
	return out
}

// splitAncestor splits a synthesized ancestor path into the (path, name)
// pair parent_folders stores, mirroring tarscan.NormalizePath's convention.
func splitAncestor(dir string) (parent, name string) {
	parent, name = path.Split(dir)
	if len(parent) > 1 && parent[len(parent)-1] == '/' {
		parent = parent[:len(parent)-1]
	}
	if parent == "/" {
		parent = ""
	}
	return parent, name
}
