package skiplist

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sidkik/vaultsync/pkg/errors"
)

// Operation is the storage operation that a proof justifies.
type Operation int

const (
	// Verify proves that a key exists with its current filehash.
	Verify Operation = iota

	// Insert proves where a new key fits in the list.
	Insert

	// Update proves the current state of an existing key.
	Update

	// Delete proves an existing key and its predecessor.
	Delete
)

var operationNames = map[Operation]string{
	Verify: "VERIFY",
	Insert: "INSERT",
	Update: "UPDATE",
	Delete: "DELETE",
}

func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", int(op))
}

// ParseOperation parses the wire name of an operation.
func ParseOperation(name string) (Operation, error) {
	for op, opName := range operationNames {
		if opName == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown proof operation %q", name)
}

// NodeID indexes a node within the arena of a Proof.
type NodeID int

const noNode NodeID = -1

type node struct {
	pathname string
	height   int
	label    []byte
	filehash string

	// proxy nodes only carry a pathname, height and label.
	proxy bool

	father, right, lower NodeID
}

type position struct {
	pathname string
	height   int
}

// Proof is a set of computation paths replayed into a node arena.
type Proof struct {
	Pathname  string
	Operation Operation

	// paths maps the starting key of each path to its leaf.
	paths map[string]NodeID
	nodes []node
}

func (p *Proof) malformed(format string, args ...interface{}) error {
	return errors.MalformedProof{Pathname: p.Pathname, Reason: fmt.Sprintf(format, args...)}
}

// Parse replays the paths of a wire proof. It fails if any path isn't a
// well-formed walk from a leaf to the root.
func Parse(w WireProof) (*Proof, error) {
	p := &Proof{Pathname: w.Pathname, paths: map[string]NodeID{}}

	op, err := ParseOperation(w.Operation)
	if err != nil {
		return nil, p.malformed("%s", err)
	}
	p.Operation = op

	starts := make([]string, 0, len(w.Paths))
	for start := range w.Paths {
		starts = append(starts, start)
	}
	sort.Strings(starts)

	for _, start := range starts {
		// The +INF sentinel has no nodes, so there's nothing to replay.
		if start == PosInf {
			p.paths[start] = noNode
			continue
		}

		leaf, err := p.replay(start, w.Paths[start])
		if err != nil {
			return nil, err
		}
		p.paths[start] = leaf
	}
	return p, nil
}

func (p *Proof) add(n node) NodeID {
	n.father, n.right, n.lower = noNode, noNode, noNode
	p.nodes = append(p.nodes, n)
	return NodeID(len(p.nodes) - 1)
}

func (p *Proof) addProxy(ref ProxyRef, father NodeID) (NodeID, error) {
	if IsSentinel(ref.Pathname) && ref.Pathname != NegInf {
		return noNode, p.malformed("proxy for sentinel %s", ref.Pathname)
	}

	label, ok := decodeLabel(ref.Label)
	if !ok {
		return noNode, p.malformed("bad proxy label for (%s, %d)", ref.Pathname, ref.Height)
	}

	id := p.add(node{pathname: ref.Pathname, height: ref.Height, label: label, proxy: true})
	p.nodes[id].father = father
	return id, nil
}

func (p *Proof) replay(start string, steps []Step) (NodeID, error) {
	if len(steps) == 0 {
		return noNode, p.malformed("path %q is empty", start)
	}
	if steps[0].Pathname != start || steps[0].Height != 1 {
		return noNode, p.malformed("path %q doesn't start at its leaf", start)
	}

	leaf, child := noNode, noNode
	for i, step := range steps {
		if step.Height < 1 || step.Height > MaxHeight || step.Pathname == PosInf {
			return noNode, p.malformed("step %d of path %q is out of range", i, start)
		}
		if step.Height != 1 && step.Filehash != "" {
			return noNode, p.malformed("step %d of path %q has a filehash above the leaves", i, start)
		}

		id := p.add(node{pathname: step.Pathname, height: step.Height, filehash: step.Filehash})
		if child != noNode {
			c := p.nodes[child]
			cmp := ComparePathnames(c.pathname, step.Pathname)
			switch {
			case cmp == 0 && c.height == step.Height-1:
				p.nodes[id].lower = child
			case cmp > 0 && c.height == step.Height:
				p.nodes[id].right = child
			default:
				return noNode, p.malformed("step %d of path %q isn't the father of step %d", i, start, i-1)
			}
			p.nodes[child].father = id
		}

		if ref := step.Lower; ref != nil {
			if p.nodes[id].lower != noNode || step.Height == 1 ||
				ref.Pathname != step.Pathname || ref.Height != step.Height-1 {
				return noNode, p.malformed("step %d of path %q has an invalid lower proxy", i, start)
			}

			proxy, err := p.addProxy(*ref, id)
			if err != nil {
				return noNode, err
			}
			p.nodes[id].lower = proxy
		}

		if ref := step.Right; ref != nil {
			if p.nodes[id].right != noNode || ref.Height != step.Height ||
				ComparePathnames(ref.Pathname, step.Pathname) <= 0 {
				return noNode, p.malformed("step %d of path %q has an invalid right proxy", i, start)
			}

			proxy, err := p.addProxy(*ref, id)
			if err != nil {
				return noNode, err
			}
			p.nodes[id].right = proxy
		}

		n := p.nodes[id]
		p.nodes[id].label = computeLabel(n.pathname, n.height, n.filehash,
			p.label(n.lower), p.label(n.right))

		if i == 0 {
			leaf = id
		}
		child = id
	}

	if root := p.nodes[child]; root.pathname != NegInf || root.height != MaxHeight {
		return noNode, p.malformed("path %q doesn't end at the root", start)
	}
	return leaf, nil
}

func (p *Proof) label(id NodeID) []byte {
	if id == noNode {
		return nil
	}
	return p.nodes[id].label
}

func (p *Proof) root(id NodeID) NodeID {
	for p.nodes[id].father != noNode {
		id = p.nodes[id].father
	}
	return id
}

// Keys returns the starting keys of the proof's paths, in list order.
func (p *Proof) Keys() []string {
	keys := make([]string, 0, len(p.paths))
	for key := range p.paths {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return ComparePathnames(keys[i], keys[j]) < 0
	})
	return keys
}

// LeafFilehash returns the filehash of the leaf of the path starting at
// `key`.
func (p *Proof) LeafFilehash(key string) (string, bool) {
	id, ok := p.paths[key]
	if !ok || id == noNode {
		return "", false
	}
	return p.nodes[id].filehash, true
}

// ConsolidateOperation drops the +INF path and classifies the proof by the
// paths that remain. Delete and Verify proofs are never reclassified since
// they can't be told apart from the paths alone.
func (p *Proof) ConsolidateOperation() Operation {
	delete(p.paths, PosInf)
	if p.Operation == Delete || p.Operation == Verify {
		return p.Operation
	}

	switch len(p.paths) {
	case 2:
		p.Operation = Insert
	case 1:
		if _, ok := p.paths[p.Pathname]; ok {
			p.Operation = Update
		} else {
			p.Operation = Insert
		}
	}
	return p.Operation
}

// Basis returns the root label that every path of the proof recomputes to.
func (p *Proof) Basis() (string, error) {
	var basis string
	for _, key := range p.Keys() {
		id := p.paths[key]
		if id == noNode {
			return "", p.malformed("path %q has no nodes", key)
		}

		root := EncodeLabel(p.nodes[p.root(id)].label)
		if basis != "" && root != basis {
			return "", p.malformed("paths recompute to different roots")
		}
		basis = root
	}

	if basis == "" {
		return "", p.malformed("no paths")
	}
	return basis, nil
}

// CheckCorrectness checks that the proof's paths justify its operation.
func (p *Proof) CheckCorrectness() error {
	if IsSentinel(p.Pathname) {
		return p.malformed("target is a sentinel")
	}
	if _, ok := p.paths[PosInf]; ok {
		return p.malformed("operation wasn't consolidated")
	}

	keys := p.Keys()
	switch p.Operation {
	case Verify, Update:
		if len(keys) != 1 || keys[0] != p.Pathname {
			return p.malformed("%s needs exactly one path, starting at the target", p.Operation)
		}

	case Delete:
		if len(keys) != 2 || keys[1] != p.Pathname {
			return p.malformed("DELETE needs the target's path and its predecessor's")
		}
		if !p.adjacent(p.paths[keys[0]], p.paths[keys[1]]) {
			return p.malformed("paths of %q and %q aren't adjacent", keys[0], keys[1])
		}

	case Insert:
		switch len(keys) {
		case 2:
			if ComparePathnames(keys[0], p.Pathname) >= 0 ||
				ComparePathnames(p.Pathname, keys[1]) >= 0 {
				return p.malformed("target isn't between %q and %q", keys[0], keys[1])
			}
			if !p.adjacent(p.paths[keys[0]], p.paths[keys[1]]) {
				return p.malformed("paths of %q and %q aren't adjacent", keys[0], keys[1])
			}
		case 1:
			if ComparePathnames(keys[0], p.Pathname) >= 0 {
				return p.malformed("path %q doesn't precede the target", keys[0])
			}
			if !p.isHighestPath(p.paths[keys[0]]) {
				return p.malformed("path %q isn't the highest path", keys[0])
			}
		default:
			return p.malformed("INSERT needs one or two paths, got %d", len(keys))
		}

	default:
		return p.malformed("unknown operation %s", p.Operation)
	}

	_, err := p.Basis()
	return err
}

// adjacent returns whether no key exists strictly between the keys of the
// paths starting at `left` and `right`.
func (p *Proof) adjacent(left, right NodeID) bool {
	leftKey, rightKey := p.nodes[left].pathname, p.nodes[right].pathname

	// Climb from the left leaf to the first node with a right proxy. That
	// proxy is the first thing to the right of the left key, so it must be on
	// the right path.
	visited := map[position][]byte{}
	crossing := noNode
	for id := left; id != noNode; id = p.nodes[id].father {
		n := p.nodes[id]
		visited[position{n.pathname, n.height}] = n.label
		if n.right != noNode && p.nodes[n.right].proxy {
			crossing = n.right
			break
		}
	}
	if crossing == noNode || !p.isNodeOnPath(right, crossing) {
		return false
	}

	// Climb from the right leaf until merging into the left path. No key
	// between the two may show up on the way, and the first lower proxy must
	// be on the left path.
	for id := right; id != noNode; id = p.nodes[id].father {
		n := p.nodes[id]
		if label, ok := visited[position{n.pathname, n.height}]; ok {
			return bytes.Equal(label, n.label)
		}

		if ComparePathnames(leftKey, n.pathname) < 0 && ComparePathnames(n.pathname, rightKey) < 0 {
			return false
		}

		if n.lower != noNode && p.nodes[n.lower].proxy {
			l := p.nodes[n.lower]
			if _, ok := visited[position{l.pathname, l.height}]; !ok {
				return p.isNodeOnPath(left, n.lower)
			}
		}
	}
	return false
}

// isNodeOnPath returns whether `target` is on the path from `start` to the
// root. Paths only ever climb to lower keys, so the walk stops once it passes
// the target's position.
func (p *Proof) isNodeOnPath(start, target NodeID) bool {
	t := p.nodes[target]
	for id := start; id != noNode; id = p.nodes[id].father {
		n := p.nodes[id]
		cmp := ComparePathnames(n.pathname, t.pathname)
		if cmp < 0 || (cmp == 0 && n.height > t.height) {
			return false
		}
		if p.sameNode(id, target) {
			return true
		}
	}
	return false
}

func (p *Proof) sameNode(a, b NodeID) bool {
	na, nb := p.nodes[a], p.nodes[b]
	return na.pathname == nb.pathname && na.height == nb.height &&
		bytes.Equal(na.label, nb.label)
}

// isHighestPath returns whether nothing to the right of the path contributes
// to the root, i.e. whether the path's key is the largest in the list.
func (p *Proof) isHighestPath(leaf NodeID) bool {
	for id := leaf; id != noNode; id = p.nodes[id].father {
		if r := p.nodes[id].right; r != noNode && p.nodes[r].proxy {
			return false
		}
	}
	return true
}

// Result returns the basis of the list after applying the proof's operation.
// `filehash` is the new filehash of the target for inserts and updates.
func (p *Proof) Result(filehash string) (string, error) {
	if err := p.CheckCorrectness(); err != nil {
		return "", err
	}

	keys := p.Keys()
	switch p.Operation {
	case Update:
		return EncodeLabel(p.rehash(p.paths[p.Pathname], &filehash, nil)), nil

	case Insert:
		base := p.paths[keys[0]]
		height := Height(p.Pathname)
		current := p.descendRights(base)

		// Build the new tower bottom up. It takes over the right children of
		// the nodes it's inserted after.
		rights := map[int][]byte{}
		var below []byte
		for level := 1; level <= height; level++ {
			fh := ""
			if level == 1 {
				fh = filehash
			}
			below = computeLabel(p.Pathname, level, fh, below, current[level])

			if level < height {
				rights[level] = nil
			} else {
				rights[level] = below
			}
		}
		return EncodeLabel(p.rehash(base, nil, rights)), nil

	case Delete:
		tower := p.towerRights(p.paths[p.Pathname])
		if len(tower) != Height(p.Pathname) {
			return "", p.malformed("tower of %q has height %d", p.Pathname, len(tower))
		}

		// The predecessor takes over the right children of the deleted tower.
		rights := map[int][]byte{}
		for i, right := range tower {
			rights[i+1] = right
		}
		return EncodeLabel(p.rehash(p.paths[keys[0]], nil, rights)), nil
	}
	return p.Basis()
}

// descendRights returns, for each level, the label of the right child of
// the first node the path visits at that level.
func (p *Proof) descendRights(leaf NodeID) map[int][]byte {
	rights := map[int][]byte{}
	for id := leaf; id != noNode; id = p.nodes[id].father {
		n := p.nodes[id]
		if _, ok := rights[n.height]; !ok {
			rights[n.height] = p.label(n.right)
		}
	}
	return rights
}

// towerRights returns the labels of the right children of the tower that the
// path starting at `leaf` climbs first, from the bottom up.
func (p *Proof) towerRights(leaf NodeID) (rights [][]byte) {
	key := p.nodes[leaf].pathname
	for id := leaf; id != noNode && p.nodes[id].pathname == key; id = p.nodes[id].father {
		rights = append(rights, p.label(p.nodes[id].right))
	}
	return rights
}

// rehash recomputes the labels along the path from `leaf` to the root.
// `filehash` replaces the leaf's filehash, and `rights` replaces the right
// child of the first node visited at each of its levels. A nil entry in
// `rights` removes the child.
func (p *Proof) rehash(leaf NodeID, filehash *string, rights map[int][]byte) []byte {
	var carry []byte
	seen := map[int]bool{}
	prev := noNode
	for id := leaf; id != noNode; prev, id = id, p.nodes[id].father {
		n := p.nodes[id]
		lower, right := p.label(n.lower), p.label(n.right)
		if prev != noNode {
			if n.lower == prev {
				lower = carry
			} else {
				right = carry
			}
		}

		fh := n.filehash
		if id == leaf && filehash != nil {
			fh = *filehash
		}

		if !seen[n.height] {
			seen[n.height] = true
			if r, ok := rights[n.height]; ok {
				right = r
			}
		}
		carry = computeLabel(n.pathname, n.height, fh, lower, right)
	}
	return carry
}
