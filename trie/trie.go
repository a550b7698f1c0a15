// Package trie implements a compressed radix tree used by the engine as its
// term dictionary. Keys are analyzed terms; values are opaque.
package trie

import (
	"bytes"
	"sync"
)

type Trie struct {
	mu   sync.RWMutex
	root *node
	size int
}

type node struct {
	label    []byte
	value    any
	children map[byte]*node
	isLeaf   bool
}

func New() *Trie {
	return &Trie{root: &node{children: make(map[byte]*node)}}
}

// Len reports the number of keys stored.
func (t *Trie) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Insert adds or replaces a key-value pair.
func (t *Trie) Insert(key string, value any) {
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insert(t.root, []byte(key), value)
}

func (t *Trie) insert(n *node, key []byte, value any) {
	if len(key) == 0 {
		if !n.isLeaf {
			t.size++
		}
		n.value = value
		n.isLeaf = true
		return
	}

	c := key[0]
	child, ok := n.children[c]
	if !ok {
		n.children[c] = &node{
			label:    append([]byte(nil), key...),
			value:    value,
			children: make(map[byte]*node),
			isLeaf:   true,
		}
		t.size++
		return
	}

	common := commonPrefix(key, child.label)
	if len(common) == len(child.label) {
		t.insert(child, key[len(common):], value)
		return
	}

	// Split the child at the shared prefix.
	split := &node{
		label:    append([]byte(nil), common...),
		children: make(map[byte]*node),
	}
	child.label = append([]byte(nil), child.label[len(common):]...)
	split.children[child.label[0]] = child
	n.children[c] = split

	rest := key[len(common):]
	if len(rest) == 0 {
		split.value = value
		split.isLeaf = true
		t.size++
		return
	}
	split.children[rest[0]] = &node{
		label:    append([]byte(nil), rest...),
		value:    value,
		children: make(map[byte]*node),
		isLeaf:   true,
	}
	t.size++
}

// Get returns the value stored for key.
func (t *Trie) Get(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.find([]byte(key))
	if n == nil || !n.isLeaf {
		return nil, false
	}
	return n.value, true
}

func (t *Trie) find(k []byte) *node {
	n := t.root
	for len(k) > 0 {
		child, ok := n.children[k[0]]
		if !ok || !bytes.HasPrefix(k, child.label) {
			return nil
		}
		k = k[len(child.label):]
		n = child
	}
	return n
}

// Delete removes a key. Interior structure is left in place; lookups treat
// the node as absent.
func (t *Trie) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.find([]byte(key))
	if n != nil && n.isLeaf {
		n.value = nil
		n.isLeaf = false
		t.size--
	}
}

// Walk visits every key-value pair. Returning false stops the walk.
func (t *Trie) Walk(fn func(key string, value any) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.walk(t.root, nil, fn)
}

func (t *Trie) walk(n *node, prefix []byte, fn func(key string, value any) bool) bool {
	key := prefix
	if len(n.label) > 0 {
		key = make([]byte, 0, len(prefix)+len(n.label))
		key = append(key, prefix...)
		key = append(key, n.label...)
	}
	if n.isLeaf {
		if !fn(string(key), n.value) {
			return false
		}
	}
	for _, child := range n.children {
		if !t.walk(child, key, fn) {
			return false
		}
	}
	return true
}

// WalkPrefix visits every key that starts with the given prefix.
func (t *Trie) WalkPrefix(prefix string, fn func(key string, value any) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	k := []byte(prefix)
	var matched []byte
	for len(k) > 0 {
		child, ok := n.children[k[0]]
		if !ok {
			return
		}
		if len(k) < len(child.label) {
			if !bytes.HasPrefix(child.label, k) {
				return
			}
			// Prefix ends inside this label; the whole subtree matches.
			t.walk(child, matched, fn)
			return
		}
		if !bytes.HasPrefix(k, child.label) {
			return
		}
		matched = append(matched, child.label...)
		k = k[len(child.label):]
		n = child
	}
	t.walkSubtree(n, matched, fn)
}

// walkSubtree is walk without re-appending n's own label (already matched).
func (t *Trie) walkSubtree(n *node, key []byte, fn func(key string, value any) bool) {
	if n.isLeaf {
		if !fn(string(key), n.value) {
			return
		}
	}
	for _, child := range n.children {
		if !t.walk(child, key, fn) {
			return
		}
	}
}

func commonPrefix(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}
