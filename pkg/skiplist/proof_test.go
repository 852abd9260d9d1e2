package skiplist

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sidkik/vaultsync/pkg/errors"
)

func newTestList(keys ...string) *List {
	l := NewList()
	for _, key := range keys {
		l.Set(key, "etag-"+key)
	}
	return l
}

func mustParse(t *testing.T, w WireProof) *Proof {
	p, err := Parse(w)
	require.NoError(t, err)
	return p
}

func TestComparePathnames(t *testing.T) {
	tests := []struct {
		a, b string
		exp  int
	}{
		{NegInf, "a", -1},
		{"a", NegInf, 1},
		{"z", PosInf, -1},
		{PosInf, "z", 1},
		{NegInf, PosInf, -1},
		{"a/b", "a/c", -1},
		{"a", "a", 0},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, ComparePathnames(test.a, test.b), "%s vs %s", test.a, test.b)
	}
}

func TestHeight(t *testing.T) {
	assert.Equal(t, MaxHeight, Height(NegInf))
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("dir/file-%d", i)
		h := Height(key)
		assert.True(t, h >= 1 && h <= MaxHeight)
		assert.Equal(t, h, Height(key))
	}
}

func TestProofRoundTrip(t *testing.T) {
	l := newTestList("a", "b/", "b/c", "d", "e/f/g", "zz")
	basis := l.Basis()

	tests := []struct {
		name     string
		key      string
		op       Operation
		filehash string
		expOp    Operation
		apply    func(*List)
	}{
		{
			name:  "VerifyExisting",
			key:   "d",
			op:    Verify,
			expOp: Verify,
			apply: func(*List) {},
		},
		{
			name:     "UpdateExisting",
			key:      "b/c",
			op:       Update,
			filehash: "new",
			expOp:    Update,
			apply:    func(l *List) { l.Set("b/c", "new") },
		},
		{
			name:     "InsertBetween",
			key:      "c",
			op:       Insert,
			filehash: "new",
			expOp:    Insert,
			apply:    func(l *List) { l.Set("c", "new") },
		},
		{
			name:     "InsertFirst",
			key:      "0",
			op:       Insert,
			filehash: "new",
			expOp:    Insert,
			apply:    func(l *List) { l.Set("0", "new") },
		},
		{
			name:     "InsertLast",
			key:      "zzz",
			op:       Insert,
			filehash: "new",
			expOp:    Insert,
			apply:    func(l *List) { l.Set("zzz", "new") },
		},
		{
			name:  "DeleteMiddle",
			key:   "d",
			op:    Delete,
			expOp: Delete,
			apply: func(l *List) { l.Remove("d") },
		},
		{
			name:  "DeleteFirst",
			key:   "a",
			op:    Delete,
			expOp: Delete,
			apply: func(l *List) { l.Remove("a") },
		},
		{
			name:  "DeleteLast",
			key:   "zz",
			op:    Delete,
			expOp: Delete,
			apply: func(l *List) { l.Remove("zz") },
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w, err := l.Prove(test.key, test.op)
			require.NoError(t, err)

			p := mustParse(t, w)
			assert.Equal(t, test.expOp, p.ConsolidateOperation())
			require.NoError(t, p.CheckCorrectness())

			got, err := p.Basis()
			require.NoError(t, err)
			assert.Equal(t, basis, got)

			expList := l.Clone()
			test.apply(expList)
			result, err := p.Result(test.filehash)
			require.NoError(t, err)
			assert.Equal(t, expList.Basis(), result)
		})
	}
}

func TestInsertIntoEmptyList(t *testing.T) {
	l := NewList()
	assert.Equal(t, EmptyBasis(), l.Basis())

	w, err := l.Prove("only", Insert)
	require.NoError(t, err)
	assert.Len(t, w.Paths, 1)

	p := mustParse(t, w)
	assert.Equal(t, Insert, p.ConsolidateOperation())
	result, err := p.Result("etag")
	require.NoError(t, err)
	assert.Equal(t, ComputeBasis(map[string]string{"only": "etag"}), result)
}

func TestConsolidateDropsPosInf(t *testing.T) {
	l := newTestList("a", "b")
	w, err := l.Prove("c", Insert)
	require.NoError(t, err)
	w.Paths[PosInf] = nil
	w.Operation = Update.String()

	p := mustParse(t, w)
	assert.Error(t, p.CheckCorrectness())
	assert.Equal(t, Insert, p.ConsolidateOperation())
	assert.Equal(t, []string{"b"}, p.Keys())
	assert.NoError(t, p.CheckCorrectness())
}

func TestConsolidateKeepsExplicitDelete(t *testing.T) {
	l := newTestList("a", "b")
	w, err := l.Prove("b", Delete)
	require.NoError(t, err)

	p := mustParse(t, w)
	assert.Equal(t, Delete, p.ConsolidateOperation())
	assert.Equal(t, Delete, p.ConsolidateOperation())

	// The same paths, without the explicit operation, look like an insert.
	w.Operation = Insert.String()
	p = mustParse(t, w)
	assert.Equal(t, Insert, p.ConsolidateOperation())
}

func TestDeleteWithHiddenKey(t *testing.T) {
	// The server claims that "a" precedes "c" by skipping the path of "b".
	l := newTestList("a", "b", "c")
	lay := l.build()
	w := WireProof{
		Pathname:  "c",
		Operation: Delete.String(),
		Paths: map[string][]Step{
			"a": lay.path(lay.index("a")),
			"c": lay.path(lay.index("c")),
		},
	}

	p := mustParse(t, w)
	err := p.CheckCorrectness()
	assert.Error(t, err)
	assert.True(t, errors.IsIntegrityViolation(err))
}

func TestInsertWithHiddenKey(t *testing.T) {
	l := newTestList("a", "b", "c")
	lay := l.build()

	tests := []struct {
		name  string
		paths []string
	}{
		{name: "SkipsMiddle", paths: []string{"a", "c"}},
		{name: "OnlyPredecessor", paths: []string{"a"}},
		{name: "WrongSide", paths: []string{"b", "c"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := WireProof{Pathname: "ab", Operation: Insert.String(), Paths: map[string][]Step{}}
			for _, key := range test.paths {
				w.Paths[key] = lay.path(lay.index(key))
			}

			p := mustParse(t, w)
			p.ConsolidateOperation()
			assert.Error(t, p.CheckCorrectness())
		})
	}
}

func TestParseMalformed(t *testing.T) {
	l := newTestList("a", "b", "c")
	good, err := l.Prove("b", Update)
	require.NoError(t, err)
	path := good.Paths["b"]

	copyPath := func() []Step {
		return append([]Step{}, path...)
	}

	tests := []struct {
		name  string
		steps func() []Step
	}{
		{
			name:  "Empty",
			steps: func() []Step { return nil },
		},
		{
			name: "WrongStart",
			steps: func() []Step {
				steps := copyPath()
				steps[0].Pathname = "a"
				return steps
			},
		},
		{
			name: "Truncated",
			steps: func() []Step {
				return copyPath()[:len(path)-1]
			},
		},
		{
			name: "FilehashAboveLeaves",
			steps: func() []Step {
				steps := copyPath()
				steps[len(steps)-1].Filehash = "x"
				return steps
			},
		},
		{
			name: "BadProxyLabel",
			steps: func() []Step {
				// "c" hangs off the path somewhere, so there's always a
				// right proxy to tamper with.
				steps := copyPath()
				for i := range steps {
					if steps[i].Right != nil {
						right := *steps[i].Right
						right.Label = "zz"
						steps[i].Right = &right
						return steps
					}
				}
				t.Fatal("path has no right proxies")
				return nil
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := WireProof{Pathname: "b", Operation: "UPDATE",
				Paths: map[string][]Step{"b": test.steps()}}
			_, err := Parse(w)
			assert.Error(t, err)
		})
	}

	_, err = Parse(WireProof{Pathname: "b", Operation: "RENAME"})
	assert.Error(t, err)
}

func TestUpdateWrongPath(t *testing.T) {
	l := newTestList("a", "b")
	w, err := l.Prove("a", Update)
	require.NoError(t, err)

	// A proof for "a" can't justify updating "b".
	w.Pathname = "b"
	p := mustParse(t, w)
	assert.Equal(t, Insert, p.ConsolidateOperation())
	assert.Error(t, p.CheckCorrectness())
}

func drawList(t *rapid.T) *List {
	keys := rapid.SliceOfDistinct(rapid.StringMatching(`[a-e]{1,3}`),
		func(s string) string { return s }).Draw(t, "keys")
	return newTestList(keys...)
}

func TestResultMatchesListProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := drawList(t)
		key := rapid.StringMatching(`[a-e]{1,3}`).Draw(t, "key")

		exp := l.Clone()
		var op Operation
		if _, ok := l.Get(key); ok && rapid.Bool().Draw(t, "delete") {
			op = Delete
			exp.Remove(key)
		} else if ok {
			op = Update
			exp.Set(key, "changed")
		} else {
			op = Insert
			exp.Set(key, "changed")
		}

		w, err := l.Prove(key, op)
		if err != nil {
			t.Fatalf("prove: %s", err)
		}
		p, err := Parse(w)
		if err != nil {
			t.Fatalf("parse: %s", err)
		}

		consolidated := p.ConsolidateOperation()
		if consolidated != op || p.ConsolidateOperation() != consolidated {
			t.Fatalf("consolidated %s to %s", op, consolidated)
		}

		result, err := p.Result("changed")
		if err != nil {
			t.Fatalf("result: %s", err)
		}
		if result != exp.Basis() {
			t.Fatalf("result %s doesn't match list basis %s", result, exp.Basis())
		}
	})
}

func TestMutatedProxyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := drawList(t)
		keys := l.Keys()
		if len(keys) == 0 {
			return
		}

		key := rapid.SampledFrom(keys).Draw(t, "key")
		op := rapid.SampledFrom([]Operation{Delete, Insert}).Draw(t, "op")
		basis := l.Basis()

		var w WireProof
		var err error
		if op == Delete {
			w, err = l.Prove(key, Delete)
		} else {
			// Insert right after an existing key to get a bracketed proof.
			w, err = l.Prove(key+"~", Insert)
		}
		if err != nil {
			t.Fatalf("prove: %s", err)
		}

		p, err := Parse(w)
		if err != nil {
			t.Fatalf("parse: %s", err)
		}
		p.ConsolidateOperation()

		var proxies []NodeID
		for id, n := range p.nodes {
			if n.proxy {
				proxies = append(proxies, NodeID(id))
			}
		}
		if len(proxies) == 0 {
			return
		}

		// Re-point one proxy at a node that doesn't exist in the list.
		target := rapid.SampledFrom(proxies).Draw(t, "proxy")
		mutated := append([]byte{}, p.nodes[target].label...)
		mutated[0] ^= 0xff
		p.nodes[target].label = mutated
		for _, key := range p.Keys() {
			p.relabel(p.paths[key])
		}

		if err := p.CheckCorrectness(); err != nil {
			return
		}
		if got, err := p.Basis(); err == nil && got == basis {
			t.Fatalf("proof with a mutated proxy still verified against %s", basis)
		}
	})
}

func TestHighestPathProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := drawList(t)
		w, err := l.Prove("zzzz", Insert)
		if err != nil {
			t.Fatalf("prove: %s", err)
		}

		p, err := Parse(w)
		if err != nil {
			t.Fatalf("parse: %s", err)
		}
		if p.ConsolidateOperation() != Insert || len(p.paths) != 1 {
			t.Fatalf("expected a single path insert")
		}
		if err := p.CheckCorrectness(); err != nil {
			t.Fatalf("valid proof rejected: %s", err)
		}

		// Attach a right proxy to an ancestor that doesn't have one.
		var candidates []NodeID
		for id := p.paths[p.Keys()[0]]; id != noNode; id = p.nodes[id].father {
			if p.nodes[id].right == noNode {
				candidates = append(candidates, id)
			}
		}
		if len(candidates) == 0 {
			return
		}

		ancestor := rapid.SampledFrom(candidates).Draw(t, "ancestor")
		n := p.nodes[ancestor]
		proxy := p.add(node{pathname: "zzzzz", height: n.height,
			label: make([]byte, LabelLen), proxy: true})
		p.nodes[proxy].father = ancestor
		p.nodes[ancestor].right = proxy

		if err := p.CheckCorrectness(); err == nil {
			t.Fatalf("injected right proxy wasn't detected")
		}
	})
}

// relabel recomputes the labels on the path from `leaf` to the root, for
// tests that tamper with the arena.
func (p *Proof) relabel(leaf NodeID) {
	for id := leaf; id != noNode; id = p.nodes[id].father {
		n := p.nodes[id]
		p.nodes[id].label = computeLabel(n.pathname, n.height, n.filehash,
			p.label(n.lower), p.label(n.right))
	}
}
