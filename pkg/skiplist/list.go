package skiplist

import (
	"fmt"
	"sort"
)

// List is a complete authenticated skip list. The storage server keeps one per
// dataset to compute bases and generate proofs. The client uses it to rebuild
// the basis of a file listing.
type List struct {
	files map[string]string
}

// NewList returns an empty list.
func NewList() *List {
	return &List{files: map[string]string{}}
}

// ComputeBasis returns the basis of a list holding `files`, which maps keys to
// filehashes.
func ComputeBasis(files map[string]string) string {
	l := NewList()
	for key, filehash := range files {
		l.Set(key, filehash)
	}
	return l.Basis()
}

// EmptyBasis returns the basis of a list without any keys.
func EmptyBasis() string {
	return NewList().Basis()
}

// Set inserts `key` or updates its filehash.
func (l *List) Set(key, filehash string) {
	l.files[key] = filehash
}

// Remove deletes `key` from the list.
func (l *List) Remove(key string) {
	delete(l.files, key)
}

// Get returns the filehash of `key`.
func (l *List) Get(key string) (string, bool) {
	filehash, ok := l.files[key]
	return filehash, ok
}

// Len returns the number of keys in the list.
func (l *List) Len() int {
	return len(l.files)
}

// Keys returns the keys of the list in order.
func (l *List) Keys() []string {
	keys := make([]string, 0, len(l.files))
	for key := range l.files {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return ComparePathnames(keys[i], keys[j]) < 0
	})
	return keys
}

// Clone returns a copy of the list.
func (l *List) Clone() *List {
	clone := NewList()
	for key, filehash := range l.files {
		clone.files[key] = filehash
	}
	return clone
}

// Basis returns the root label of the list.
func (l *List) Basis() string {
	return EncodeLabel(l.build().labels[0][MaxHeight])
}

// Prove returns a proof for applying `op` to `key`.
func (l *List) Prove(key string, op Operation) (WireProof, error) {
	if IsSentinel(key) {
		return WireProof{}, fmt.Errorf("can't prove sentinel %s", key)
	}

	lay := l.build()
	idx := lay.index(key)
	w := WireProof{Pathname: key, Operation: op.String(), Paths: map[string][]Step{}}
	addPath := func(i int) {
		w.Paths[lay.keys[i]] = lay.path(i)
	}

	switch op {
	case Verify, Update:
		if idx < 0 {
			return WireProof{}, fmt.Errorf("%q isn't in the list", key)
		}
		addPath(idx)

	case Delete:
		if idx < 0 {
			return WireProof{}, fmt.Errorf("%q isn't in the list", key)
		}
		addPath(idx - 1)
		addPath(idx)

	case Insert:
		if idx >= 0 {
			return WireProof{}, fmt.Errorf("%q is already in the list", key)
		}

		pred := lay.predecessor(key)
		addPath(pred)
		if pred+1 < len(lay.keys) {
			addPath(pred + 1)
		}

	default:
		return WireProof{}, fmt.Errorf("unknown operation %s", op)
	}
	return w, nil
}

// layout is the materialized structure of a list. Index 0 is the -INF tower.
type layout struct {
	keys    []string
	heights []int
	files   map[string]string

	// labels[i][level] is the label of the node of keys[i] at `level`.
	labels [][][]byte
}

func (l *List) build() *layout {
	lay := &layout{
		keys:  append([]string{NegInf}, l.Keys()...),
		files: l.files,
	}
	lay.heights = make([]int, len(lay.keys))
	lay.labels = make([][][]byte, len(lay.keys))
	for i, key := range lay.keys {
		lay.heights[i] = Height(key)
		lay.labels[i] = make([][]byte, lay.heights[i]+1)
	}

	// Labels depend on the level below and on nodes to the right, so fill
	// each level from right to left, bottom up.
	for level := 1; level <= MaxHeight; level++ {
		next := -1
		for i := len(lay.keys) - 1; i >= 0; i-- {
			if lay.heights[i] < level {
				continue
			}

			var lower, right []byte
			if level > 1 {
				lower = lay.labels[i][level-1]
			}
			if next >= 0 && lay.heights[next] == level {
				right = lay.labels[next][level]
			}

			filehash := ""
			if level == 1 {
				filehash = lay.files[lay.keys[i]]
			}
			lay.labels[i][level] = computeLabel(lay.keys[i], level, filehash, lower, right)
			next = i
		}
	}
	return lay
}

func (lay *layout) index(key string) int {
	i := sort.Search(len(lay.keys), func(i int) bool {
		return ComparePathnames(lay.keys[i], key) >= 0
	})
	if i < len(lay.keys) && lay.keys[i] == key {
		return i
	}
	return -1
}

// predecessor returns the index of the largest key smaller than `key`.
func (lay *layout) predecessor(key string) int {
	i := sort.Search(len(lay.keys), func(i int) bool {
		return ComparePathnames(lay.keys[i], key) >= 0
	})
	return i - 1
}

// rightChild returns the index of the right child of node (i, level), or -1.
func (lay *layout) rightChild(i, level int) int {
	for j := i + 1; j < len(lay.keys); j++ {
		if lay.heights[j] >= level {
			if lay.heights[j] == level {
				return j
			}
			return -1
		}
	}
	return -1
}

// father returns the position of the father of node (i, level).
func (lay *layout) father(i, level int) (int, int, bool) {
	if level < lay.heights[i] {
		return i, level + 1, true
	}

	for j := i - 1; j >= 0; j-- {
		if lay.heights[j] >= level {
			return j, level, true
		}
	}
	return 0, 0, false
}

func (lay *layout) proxy(i, level int) *ProxyRef {
	return &ProxyRef{
		Pathname: lay.keys[i],
		Height:   level,
		Label:    EncodeLabel(lay.labels[i][level]),
	}
}

// path returns the steps from the leaf of keys[i] to the root.
func (lay *layout) path(i int) (steps []Step) {
	curr, level := i, 1
	prev := -1
	for {
		step := Step{Pathname: lay.keys[curr], Height: level}
		if level == 1 {
			step.Filehash = lay.files[lay.keys[curr]]
		}

		fromRight := prev >= 0 && prev != curr
		fromBelow := prev == curr
		if !fromRight {
			if j := lay.rightChild(curr, level); j >= 0 {
				step.Right = lay.proxy(j, level)
			}
		}
		if !fromBelow && level > 1 {
			step.Lower = lay.proxy(curr, level-1)
		}
		steps = append(steps, step)

		fatherIdx, fatherLevel, ok := lay.father(curr, level)
		if !ok {
			return steps
		}
		prev, curr, level = curr, fatherIdx, fatherLevel
	}
}
