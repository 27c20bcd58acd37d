package topic

// Trie indexes compiled patterns by segment so that a concrete topic is
// matched in O(segments) instead of O(patterns). Each pattern carries an
// integer key chosen by the caller.
//
// A Trie is not safe for concurrent mutation. The routing table builds one
// per snapshot and only reads it afterwards.
type Trie struct {
	root *trieNode
	size int
}

type trieNode struct {
	children map[string]*trieNode
	single   *trieNode
	multi    []int // keys of patterns ending in '#' at this depth
	keys     []int // keys of patterns terminating here
}

func newTrieNode() *trieNode {
	return &trieNode{}
}

// NewTrie creates an empty trie.
func NewTrie() *Trie {
	return &Trie{root: newTrieNode()}
}

// Insert adds pattern under key. The same pattern may be inserted with
// several keys.
func (t *Trie) Insert(p Pattern, key int) {
	if t.root == nil {
		t.root = newTrieNode()
	}
	node := t.root
	for _, part := range p.parts {
		switch part.Kind {
		case MultiLevel:
			node.multi = append(node.multi, key)
			t.size++
			return
		case Single:
			if node.single == nil {
				node.single = newTrieNode()
			}
			node = node.single
		default:
			if node.children == nil {
				node.children = make(map[string]*trieNode)
			}
			child := node.children[part.Literal]
			if child == nil {
				child = newTrieNode()
				node.children[part.Literal] = child
			}
			node = child
		}
	}
	node.keys = append(node.keys, key)
	t.size++
}

// Match appends to dst the keys of every pattern matching topic and returns
// the extended slice. Order is unspecified and a key appears once per
// insertion.
func (t *Trie) Match(dst []int, topic string) []int {
	if t.root == nil {
		return dst
	}
	return t.root.match(dst, Split(topic))
}

func (n *trieNode) match(dst []int, segs []string) []int {
	// '#' matches zero or more remaining segments.
	dst = append(dst, n.multi...)
	if len(segs) == 0 {
		return append(dst, n.keys...)
	}
	if child := n.children[segs[0]]; child != nil {
		dst = child.match(dst, segs[1:])
	}
	if n.single != nil {
		dst = n.single.match(dst, segs[1:])
	}
	return dst
}

// Len returns the number of inserted patterns.
func (t *Trie) Len() int { return t.size }
