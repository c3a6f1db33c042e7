package mast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ipfs/go-cid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/arbitrary"
	"github.com/leanovate/gopter/gen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/codec"
)

var (
	ctx                     = context.Background()
	defaultGopterParameters = gopter.DefaultTestParameters()
	interopValue            = mustParseCid("bafyreie5cvv4h45feadgeuwhbcutmh6t2ceseocckahdoe6uat64zmz454")
)

func mustParseCid(s string) cid.Cid {
	c, err := codec.ParseCid(s)
	if err != nil {
		panic(err)
	}
	return c
}

func newTestTree() *Mast {
	return NewEmpty(Config{Store: blockstore.NewMemory()})
}

func testKey(n uint) string {
	return fmt.Sprintf("com.example.record/k%06d", n)
}

func testValue(n uint) cid.Cid {
	c, _, err := codec.CidForValue(codec.Int(int64(n)))
	if err != nil {
		panic(err)
	}
	return c
}

// recordKey expands the short names used by the interop vectors.
func recordKey(suffix string) string {
	return "com.example.record/3jqfcqzm" + suffix
}

func putKeys(t *testing.T, m *Mast, suffixes ...string) *Mast {
	for _, s := range suffixes {
		var err error
		m, err = m.Put(ctx, recordKey(s), interopValue)
		require.NoError(t, err)
	}
	return m
}

func rootString(t *testing.T, m *Mast) string {
	c, err := m.Root(ctx)
	require.NoError(t, err)
	return c.String()
}

func TestEmptyRoot(t *testing.T) {
	t.Parallel()
	m := newTestTree()
	assert.Equal(t, "bafyreie5737gdxlw5i64vzichcalba3z2v5n6icifvx5xytvske7mr3hpm", rootString(t, m))
	assert.Equal(t, 0, m.Layer())
	n, err := m.LeafCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInteropRoots(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		keys []string
		root string
	}{
		{"trivial", []string{"3fo2j"}, "bafyreibj4lsc3aqnrvphp5xmrnfoorvru4wynt6lwidqbm2623a6tatzdu"},
		{"singlelayer2", []string{"3fx2j"}, "bafyreih7wfei65pxzhauoibu3ls7jgmkju4bspy4t2ha2qdjnzqvoy33ai"},
		{"simple", []string{"3fp2j", "3fr2j", "3fs2j", "3ft2j", "4fc2j"}, "bafyreicmahysq4n6wfuxo522m6dpiy7z7qzym3dzs756t5n7nfdgccwq7m"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := putKeys(t, newTestTree(), tt.keys...)
			assert.Equal(t, tt.root, rootString(t, m))

			// Insertion order does not matter.
			reversed := make([]string, len(tt.keys))
			for i, k := range tt.keys {
				reversed[len(tt.keys)-1-i] = k
			}
			m = putKeys(t, newTestTree(), reversed...)
			assert.Equal(t, tt.root, rootString(t, m))
		})
	}
}

func TestInteropTrimOnDelete(t *testing.T) {
	t.Parallel()
	m := putKeys(t, newTestTree(), "3fn2j", "3fo2j", "3fp2j", "3fs2j", "3ft2j", "3fu2j")
	assert.Equal(t, "bafyreifnqrwbk6ffmyaz5qtujqrzf5qmxf7cbxvgzktl4e3gabuxbtatv4", rootString(t, m))
	m, err := m.Delete(ctx, recordKey("3fs2j"))
	require.NoError(t, err)
	assert.Equal(t, "bafyreie4kjuxbwkhzg2i5dljaswcroeih4dgiqq6pazcmunwt2byd725vi", rootString(t, m))
}

func TestInteropTwoLayerSplit(t *testing.T) {
	t.Parallel()
	m := putKeys(t, newTestTree(),
		"3fo2j", "3fp2j", "3fr2j", "3fs2j", "3ft2j", "3fz2j",
		"4fc2j", "4fd2j", "4ff2j", "4fg2j", "4fh2j")
	before := rootString(t, m)
	assert.Equal(t, "bafyreiettyludka6fpgp33stwxfuwhkzlur6chs4d2v4nkmq2j3ogpdjem", before)
	m2 := putKeys(t, m, "3fx2j")
	assert.Equal(t, "bafyreid2x5eqs4w4qxvc5jiwda4cien3gw2q6cshofxwnvv7iucrmfohpm", rootString(t, m2))
	m3, err := m2.Delete(ctx, recordKey("3fx2j"))
	require.NoError(t, err)
	assert.Equal(t, before, rootString(t, m3))
}

func TestInteropTwoHigherLayers(t *testing.T) {
	t.Parallel()
	m := putKeys(t, newTestTree(), "3ft2j", "3fz2j")
	before := rootString(t, m)
	assert.Equal(t, "bafyreidfcktqnfmykz2ps3dbul35pepleq7kvv526g47xahuz3rqtptmky", before)
	m2 := putKeys(t, m, "3fx2j")
	assert.Equal(t, "bafyreiavxaxdz7o7rbvr3zg2liox2yww46t7g6hkehx4i4h3lwudly7dhy", rootString(t, m2))
	m3, err := m2.Delete(ctx, recordKey("3fx2j"))
	require.NoError(t, err)
	assert.Equal(t, before, rootString(t, m3))
	m4 := putKeys(t, m3, "3fx2j", "4fd2j")
	assert.Equal(t, "bafyreig4jv3vuajbsybhyvb7gggvpwh2zszwfyttjrj6qwvcsp24h6popu", rootString(t, m4))
}

func TestLayer(t *testing.T) {
	t.Parallel()
	for key, layer := range map[string]int{
		"2653ae71":                        0,
		"blue":                            1,
		"app.bsky.feed.post/454397e440ec": 4,
		"app.bsky.feed.post/9adeb165882c": 8,
	} {
		assert.Equal(t, layer, Layer(key), key)
	}
}

func TestValidateKey(t *testing.T) {
	t.Parallel()
	long := "com.example.record/" + string(bytes.Repeat([]byte("a"), MaxKeyLength))
	for _, key := range []string{
		"",
		"asdf",
		"/asdf",
		"asdf/",
		"com.example/a/b",
		"com.example/with space",
		"com.example/ümlaut",
		"com.example/a#b",
		long,
	} {
		assert.ErrorIs(t, ValidateKey(key), ErrInvalidKey, "%q", key)
	}
	for _, key := range []string{
		"com.example.record/3jqfcqzm3fo2j",
		"coll/rkey",
		"a/b",
		"com.example/a:b~c_d-e.f",
		long[:MaxKeyLength],
	} {
		assert.NoError(t, ValidateKey(key), key)
	}

	m := newTestTree()
	_, err := m.Put(ctx, "not a key", interopValue)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = m.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()
	m := newTestTree()
	_, err := m.Get(ctx, testKey(1))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	m1, err := m.Put(ctx, testKey(1), testValue(1))
	require.NoError(t, err)
	got, err := m1.Get(ctx, testKey(1))
	require.NoError(t, err)
	assert.Equal(t, testValue(1), got)

	m2, err := m1.Put(ctx, testKey(1), testValue(2))
	require.NoError(t, err)
	got, err = m2.Get(ctx, testKey(1))
	require.NoError(t, err)
	assert.Equal(t, testValue(2), got)

	// Older versions are unaffected.
	got, err = m1.Get(ctx, testKey(1))
	require.NoError(t, err)
	assert.Equal(t, testValue(1), got)
	_, err = m.Get(ctx, testKey(1))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = m2.Delete(ctx, testKey(3))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	m3, err := m2.Delete(ctx, testKey(1))
	require.NoError(t, err)
	assert.Equal(t, rootString(t, m), rootString(t, m3))

	_, err = m.Put(ctx, testKey(1), cid.Undef)
	assert.Error(t, err)
}

func TestPutSameValueIsNoop(t *testing.T) {
	t.Parallel()
	m := putKeys(t, newTestTree(), "3fp2j", "3fr2j")
	root := rootString(t, m)
	m2, err := m.Put(ctx, recordKey("3fp2j"), interopValue)
	require.NoError(t, err)
	assert.False(t, m2.IsDirty())
	assert.Equal(t, root, rootString(t, m2))
}

func TestLoadFlushed(t *testing.T) {
	t.Parallel()
	store := blockstore.NewMemory()
	m := NewEmpty(Config{Store: store})
	for i := uint(0); i < 300; i++ {
		var err error
		m, err = m.Put(ctx, testKey(i), testValue(i))
		require.NoError(t, err)
	}
	assert.True(t, m.IsDirty())
	root, blocks, err := m.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, m.IsDirty())
	assert.NotEmpty(t, blocks)
	assert.Equal(t, len(blocks), store.Len())
	assert.Equal(t, root, blocks[len(blocks)-1].Cid)

	for _, cache := range []*NodeCache{nil, NewNodeCache(100)} {
		loaded, err := Load(ctx, Config{Store: store, NodeCache: cache}, root)
		require.NoError(t, err)
		assert.Equal(t, m.Layer(), loaded.Layer())
		n, err := loaded.LeafCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 300, n)
		for i := uint(0); i < 300; i += 7 {
			got, err := loaded.Get(ctx, testKey(i))
			require.NoError(t, err)
			assert.Equal(t, testValue(i), got)
		}
		if cache != nil {
			assert.Positive(t, cache.Len())
		}
	}

	_, err = Load(ctx, Config{Store: blockstore.NewMemory()}, root)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestWalkNodes(t *testing.T) {
	t.Parallel()
	m := newTestTree()
	for i := uint(0); i < 200; i++ {
		var err error
		m, err = m.Put(ctx, testKey(i), testValue(i))
		require.NoError(t, err)
	}
	_, blocks, err := m.Flush(ctx)
	require.NoError(t, err)
	var walked []codec.Block
	require.NoError(t, m.WalkNodes(ctx, func(b codec.Block) error {
		walked = append(walked, b)
		return nil
	}))
	root, err := m.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, walked[0].Cid)
	byCid := func(bs []codec.Block) []codec.Block {
		bs = append([]codec.Block(nil), bs...)
		sort.Slice(bs, func(i, j int) bool { return bs[i].Cid.KeyString() < bs[j].Cid.KeyString() })
		return bs
	}
	if diff := cmp.Diff(byCid(blocks), byCid(walked), cmp.Comparer(func(a, b cid.Cid) bool { return a.Equals(b) })); diff != "" {
		t.Errorf("walked nodes differ from flushed nodes (-flushed +walked):\n%s", diff)
	}
}

func TestListEntries(t *testing.T) {
	t.Parallel()
	m := newTestTree()
	for i := uint(0); i < 100; i++ {
		var err error
		m, err = m.Put(ctx, testKey(i*2), testValue(i))
		require.NoError(t, err)
	}
	all, err := m.ListEntries(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 100)
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i].Key < all[j].Key }))

	var paged []Entry
	after := ""
	for {
		page, err := m.ListEntries(ctx, after, 7)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 7)
		paged = append(paged, page...)
		after = page[len(page)-1].Key
	}
	assert.Equal(t, all, paged)

	// The cursor need not be present.
	page, err := m.ListEntries(ctx, testKey(51), 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, testKey(52), page[0].Key)
	assert.Equal(t, testKey(54), page[1].Key)

	page, err = m.ListEntries(ctx, testKey(198), 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

type TestOperation struct {
	Key    uint
	Value  uint
	Delete bool
}

func (m *Mast) apply(ops []TestOperation) (*Mast, map[string]cid.Cid, error) {
	expected := map[string]cid.Cid{}
	for _, op := range ops {
		key := testKey(op.Key)
		var err error
		if op.Delete {
			if _, present := expected[key]; !present {
				continue
			}
			m, err = m.Delete(ctx, key)
			delete(expected, key)
		} else {
			m, err = m.Put(ctx, key, testValue(op.Value))
			expected[key] = testValue(op.Value)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return m, expected, nil
}

func contents(t *testing.T, m *Mast) map[string]cid.Cid {
	actual := map[string]cid.Cid{}
	require.NoError(t, m.Iter(ctx, func(key string, value cid.Cid) error {
		actual[key] = value
		return nil
	}))
	return actual
}

func checkRecall(t *testing.T, ops []TestOperation) bool {
	m, expected, err := newTestTree().apply(ops)
	require.NoError(t, err)
	for key, value := range expected {
		got, err := m.Get(ctx, key)
		if !assert.NoError(t, err) || !assert.Equal(t, value, got) {
			return false
		}
	}
	if !reflect.DeepEqual(expected, contents(t, m)) {
		fmt.Printf("recall failed for ops %v:\n%v\n", ops, m)
		assert.Equal(t, expected, contents(t, m))
		return false
	}
	// Flushing and reloading preserves everything.
	root, err := m.Root(ctx)
	require.NoError(t, err)
	loaded, err := Load(ctx, Config{Store: m.store}, root)
	require.NoError(t, err)
	return assert.Equal(t, expected, contents(t, loaded))
}

func TestRecall(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	arbitraries := arbitrary.DefaultArbitraries()
	arbitraries.RegisterGen(gen.UIntRange(0, 2_000))

	properties.Property("get every put",
		arbitraries.ForAll(
			func(ops []TestOperation) bool {
				return checkRecall(t, ops)
			}))
	properties.TestingRun(t)
}

func checkCongruence(t *testing.T, keys []uint) bool {
	var ops []TestOperation
	for _, k := range keys {
		ops = append(ops, TestOperation{Key: k, Value: k})
	}
	m1, _, err := newTestTree().apply(ops)
	require.NoError(t, err)
	shuffled := append([]TestOperation(nil), ops...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	m2, _, err := newTestTree().apply(shuffled)
	require.NoError(t, err)
	return assert.Equal(t, rootString(t, m1), rootString(t, m2))
}

func TestCongruence(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	arbitraries := arbitrary.DefaultArbitraries()
	arbitraries.RegisterGen(gen.UIntRange(0, 10_000))

	properties.Property("trees look the same no matter what order the insertions are done",
		arbitraries.ForAll(
			func(keys []uint) bool {
				return checkCongruence(t, keys)
			}))
	properties.TestingRun(t)
}

func TestInsertDeleteRoundTrip(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	arbitraries := arbitrary.DefaultArbitraries()
	arbitraries.RegisterGen(gen.UIntRange(0, 10_000))

	properties.Property("deleting a fresh key restores the previous root",
		arbitraries.ForAll(
			func(keys []uint, extra uint) bool {
				var ops []TestOperation
				for _, k := range keys {
					if k != extra {
						ops = append(ops, TestOperation{Key: k, Value: k})
					}
				}
				m, _, err := newTestTree().apply(ops)
				require.NoError(t, err)
				before := rootString(t, m)
				m2, err := m.Put(ctx, testKey(extra), testValue(extra))
				require.NoError(t, err)
				m3, err := m2.Delete(ctx, testKey(extra))
				require.NoError(t, err)
				return assert.Equal(t, before, rootString(t, m3))
			}))
	properties.TestingRun(t)
}

func checkDiff(t *testing.T, oldOps, newOps []TestOperation) bool {
	store := blockstore.NewMemory()
	oldMast, oldExpected, err := NewEmpty(Config{Store: store}).apply(oldOps)
	require.NoError(t, err)
	newMast, newExpected, err := NewEmpty(Config{Store: store}).apply(newOps)
	require.NoError(t, err)

	want := &DiffResult{}
	for key, value := range newExpected {
		prev, ok := oldExpected[key]
		switch {
		case !ok:
			want.Adds = append(want.Adds, Entry{key, value})
		case !prev.Equals(value):
			want.Updates = append(want.Updates, Update{key, prev, value})
		}
	}
	for key, value := range oldExpected {
		if _, ok := newExpected[key]; !ok {
			want.Deletes = append(want.Deletes, Entry{key, value})
		}
	}
	sort.Slice(want.Adds, func(i, j int) bool { return want.Adds[i].Key < want.Adds[j].Key })
	sort.Slice(want.Updates, func(i, j int) bool { return want.Updates[i].Key < want.Updates[j].Key })
	sort.Slice(want.Deletes, func(i, j int) bool { return want.Deletes[i].Key < want.Deletes[j].Key })

	got, err := Diff(ctx, oldMast, newMast)
	require.NoError(t, err)
	if !assert.Equal(t, want.Adds, got.Adds) ||
		!assert.Equal(t, want.Updates, got.Updates) ||
		!assert.Equal(t, want.Deletes, got.Deletes) {
		fmt.Printf("checkDiff, oldOps=%v, newOps=%v\nold:\n%v\nnew:\n%v\n", oldOps, newOps, oldMast, newMast)
		return false
	}

	// Node lists are exactly the set differences of the two trees' nodes.
	oldNodes, newNodes := nodeSet(t, oldMast), nodeSet(t, newMast)
	gotNew, gotRemoved := map[cid.Cid]bool{}, map[cid.Cid]bool{}
	for _, c := range got.NewNodes {
		gotNew[c] = true
	}
	for _, c := range got.RemovedNodes {
		gotRemoved[c] = true
	}
	return assert.Equal(t, setMinus(newNodes, oldNodes), gotNew) &&
		assert.Equal(t, setMinus(oldNodes, newNodes), gotRemoved)
}

func nodeSet(t *testing.T, m *Mast) map[cid.Cid]bool {
	res := map[cid.Cid]bool{}
	require.NoError(t, m.WalkNodes(ctx, func(b codec.Block) error {
		res[b.Cid] = true
		return nil
	}))
	return res
}

func setMinus(a, b map[cid.Cid]bool) map[cid.Cid]bool {
	res := map[cid.Cid]bool{}
	for c := range a {
		if !b[c] {
			res[c] = true
		}
	}
	return res
}

func TestDiffToMidpoint(t *testing.T) {
	t.Parallel()
	properties := gopter.NewProperties(defaultGopterParameters)
	arbitraries := arbitrary.DefaultArbitraries()
	arbitraries.RegisterGen(gen.UIntRange(0, 1_000))

	properties.Property("diff midpoint to endpoint",
		arbitraries.ForAll(
			func(midpointOps []TestOperation, endpointOps []TestOperation) bool {
				endpointOps = append(append([]TestOperation(nil), midpointOps...), endpointOps...)
				return checkDiff(t, midpointOps, endpointOps) && checkDiff(t, endpointOps, midpointOps)
			}))
	properties.TestingRun(t)
}

func TestDiffAgainstNothing(t *testing.T) {
	t.Parallel()
	m := putKeys(t, newTestTree(), "3fp2j", "3fr2j")
	d, err := Diff(ctx, nil, m)
	require.NoError(t, err)
	assert.Len(t, d.Adds, 2)
	assert.Empty(t, d.Deletes)
	assert.NotEmpty(t, d.NewNodes)
	assert.Len(t, d.RemovedNodes, 0)

	d, err = Diff(ctx, m, m)
	require.NoError(t, err)
	assert.True(t, d.Empty())
	assert.Empty(t, d.NewNodes)
	assert.Empty(t, d.RemovedNodes)
}

func TestDiffSkipsSharedSubtrees(t *testing.T) {
	t.Parallel()
	base := blockstore.NewMemory()
	m := NewEmpty(Config{Store: base})
	for i := uint(0); i < 1_000; i++ {
		var err error
		m, err = m.Put(ctx, testKey(i), testValue(i))
		require.NoError(t, err)
	}
	oldRoot, err := m.Root(ctx)
	require.NoError(t, err)
	m2, err := m.Put(ctx, testKey(500), testValue(1_000_000))
	require.NoError(t, err)
	newRoot, err := m2.Root(ctx)
	require.NoError(t, err)
	total := len(nodeSet(t, m2))
	require.Greater(t, total, 100)

	counting := blockstore.NewCounting(base)
	oldMast, err := Load(ctx, Config{Store: counting}, oldRoot)
	require.NoError(t, err)
	newMast, err := Load(ctx, Config{Store: counting}, newRoot)
	require.NoError(t, err)
	counting.Reset()
	d, err := Diff(ctx, oldMast, newMast)
	require.NoError(t, err)
	require.Len(t, d.Updates, 1)
	assert.Equal(t, testKey(500), d.Updates[0].Key)
	assert.Equal(t, len(d.NewNodes), len(d.RemovedNodes))
	assert.LessOrEqual(t, counting.TotalGets(), 2*(m2.Layer()+1))
}

func TestDiffNeverFetchesSharedNodes(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 100; trial++ {
		base := blockstore.NewMemory()
		m := NewEmpty(Config{Store: base})
		for _, i := range rng.Perm(1_000)[:300] {
			var err error
			m, err = m.Put(ctx, testKey(uint(i)), testValue(uint(i)))
			require.NoError(t, err)
		}
		m2 := m
		for j := 0; j < 3; j++ {
			i := uint(rng.Intn(1_000))
			var err error
			m2, err = m2.Put(ctx, testKey(i), testValue(i+1))
			require.NoError(t, err)
		}
		oldRoot, err := m.Root(ctx)
		require.NoError(t, err)
		newRoot, err := m2.Root(ctx)
		require.NoError(t, err)
		oldNodes, newNodes := nodeSet(t, m), nodeSet(t, m2)

		counting := blockstore.NewCounting(base)
		oldMast, err := Load(ctx, Config{Store: counting}, oldRoot)
		require.NoError(t, err)
		newMast, err := Load(ctx, Config{Store: counting}, newRoot)
		require.NoError(t, err)
		counting.Reset()
		d, err := Diff(ctx, oldMast, newMast)
		require.NoError(t, err)
		for _, c := range counting.Fetched() {
			assert.False(t, oldNodes[c] && newNodes[c], "trial %d fetched shared node %s", trial, c)
		}

		// The diff still accounts for every change.
		replayed := m
		for _, e := range d.Adds {
			replayed, err = replayed.Put(ctx, e.Key, e.Value)
			require.NoError(t, err)
		}
		for _, u := range d.Updates {
			replayed, err = replayed.Put(ctx, u.Key, u.Value)
			require.NoError(t, err)
		}
		assert.Empty(t, d.Deletes)
		assert.Equal(t, rootString(t, m2), rootString(t, replayed), "trial %d", trial)

		counting.Reset()
		back, err := Diff(ctx, newMast, oldMast)
		require.NoError(t, err)
		for _, c := range counting.Fetched() {
			assert.False(t, oldNodes[c] && newNodes[c], "trial %d fetched shared node %s going back", trial, c)
		}
		assert.Len(t, back.Deletes, len(d.Adds))
		assert.Len(t, back.Updates, len(d.Updates))
	}
}

func TestDiffIterStops(t *testing.T) {
	t.Parallel()
	m := newTestTree()
	for i := uint(0); i < 50; i++ {
		var err error
		m, err = m.Put(ctx, testKey(i), testValue(i))
		require.NoError(t, err)
	}
	calls := 0
	err := m.DiffIter(ctx, nil, func(added, removed bool, key string, addedValue, removedValue cid.Cid) (bool, error) {
		calls++
		return calls < 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	boom := errors.New("boom")
	err = m.DiffLinks(ctx, nil, func(removed bool, link cid.Cid) (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
}

// keyAtLayer finds a test key whose entry lives at the given layer.
func keyAtLayer(layer int, after uint) (string, uint) {
	for i := after; ; i++ {
		if k := testKey(i); Layer(k) == layer {
			return k, i
		}
	}
}

func storeNode(t *testing.T, store blockstore.Blockstore, node *mastNode) cid.Cid {
	data, err := encodeNode(node)
	require.NoError(t, err)
	c, err := blockstore.PutBytes(ctx, store, data)
	require.NoError(t, err)
	return c
}

func TestRejectsMisplacedKey(t *testing.T) {
	t.Parallel()
	store := blockstore.NewMemory()
	low, i := keyAtLayer(1, 0)
	high, _ := keyAtLayer(1, i+1)
	// A layer-1 key stored in a layer-0 child.
	child := storeNode(t, store, &mastNode{Key: []string{low}, Value: []cid.Cid{interopValue}, Link: []interface{}{nil, nil}})
	root := storeNode(t, store, &mastNode{Key: []string{high}, Value: []cid.Cid{interopValue}, Link: []interface{}{child, nil}})
	m, err := Load(ctx, Config{Store: store}, root)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Iter(ctx, func(string, cid.Cid) error { return nil }), ErrStructure)
}

func TestRejectsEmptyChild(t *testing.T) {
	t.Parallel()
	store := blockstore.NewMemory()
	high, _ := keyAtLayer(1, 0)
	empty := storeNode(t, store, emptyNode())
	root := storeNode(t, store, &mastNode{Key: []string{high}, Value: []cid.Cid{interopValue}, Link: []interface{}{empty, nil}})
	m, err := Load(ctx, Config{Store: store}, root)
	require.NoError(t, err)
	_, err = m.ListEntries(ctx, "", 0)
	assert.ErrorIs(t, err, ErrStructure)
}

func TestRejectsUntrimmedRoot(t *testing.T) {
	t.Parallel()
	store := blockstore.NewMemory()
	m := putKeys(t, NewEmpty(Config{Store: store}), "3fp2j", "3fr2j", "3ft2j")
	root, err := m.Root(ctx)
	require.NoError(t, err)
	_, err = Load(ctx, Config{Store: store}, root)
	require.NoError(t, err)

	wrapped := storeNode(t, store, &mastNode{Link: []interface{}{root}})
	_, err = Load(ctx, Config{Store: store}, wrapped)
	assert.ErrorIs(t, err, ErrStructure)
}

func TestRejectsUnsortedKeys(t *testing.T) {
	t.Parallel()
	a, i := keyAtLayer(0, 0)
	b, _ := keyAtLayer(0, i+1)
	data, err := encodeNode(&mastNode{Key: []string{b, a}, Value: []cid.Cid{interopValue, interopValue}, Link: []interface{}{nil, nil, nil}})
	require.NoError(t, err)
	_, err = decodeNode(data)
	assert.ErrorIs(t, err, ErrStructure)
}

func TestRejectsBadPrefix(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	nd := nodeData{Entries: []treeEntry{{KeySuffix: []byte("com.example/a"), PrefixLen: 3, Value: interopValue}}}
	require.NoError(t, nd.MarshalCBOR(&buf))
	_, err := decodeNode(buf.Bytes())
	assert.ErrorIs(t, err, ErrStructure)

	_, err = decodeNode([]byte{0xa0})
	assert.ErrorIs(t, err, codec.ErrDecode)
}

func TestRejectsTamperedNode(t *testing.T) {
	t.Parallel()
	store := blockstore.NewMemory()
	m := putKeys(t, NewEmpty(Config{Store: store}), "3fp2j")
	root, err := m.Root(ctx)
	require.NoError(t, err)
	other := putKeys(t, newTestTree(), "3fr2j")
	_, blocks, err := other.Flush(ctx)
	require.NoError(t, err)
	evil := blockstore.NewMemory()
	require.NoError(t, evil.Put(ctx, codec.Block{Cid: root, Data: blocks[0].Data}))
	_, err = Load(ctx, Config{Store: evil}, root)
	assert.ErrorIs(t, err, codec.ErrCidMismatch)
}

func buildTree(t *testing.T, n uint) *Mast {
	m := newTestTree()
	for i := uint(0); i < n; i++ {
		var err error
		m, err = m.Put(ctx, testKey(i*3), testValue(i))
		require.NoError(t, err)
	}
	return m
}

// proofTree loads m's root over nothing but the covering proof for key.
func proofTree(t *testing.T, m *Mast, key string) *Mast {
	proof, err := m.CoveringProof(ctx, key)
	require.NoError(t, err)
	root, err := m.Root(ctx)
	require.NoError(t, err)
	for _, b := range proof {
		require.NoError(t, codec.VerifyBlock(b))
	}
	store := blockstore.NewOverlay(blockstore.NewMemory(), blockstore.NewReadOnly(proof))
	pm, err := Load(ctx, Config{Store: store}, root)
	require.NoError(t, err)
	return pm
}

func TestCoveringProofLookups(t *testing.T) {
	t.Parallel()
	m := buildTree(t, 500)
	for _, i := range []uint{0, 3, 150, 747, 1497} {
		pm := proofTree(t, m, testKey(i))
		got, err := pm.Get(ctx, testKey(i))
		require.NoError(t, err)
		assert.Equal(t, testValue(i/3), got)
	}
	for _, i := range []uint{1, 151, 749, 5000} {
		pm := proofTree(t, m, testKey(i))
		_, err := pm.Get(ctx, testKey(i))
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.NotErrorIs(t, err, blockstore.ErrNotFound)
	}
}

func TestInvertOverProof(t *testing.T) {
	t.Parallel()
	base := buildTree(t, 500)
	baseRoot := rootString(t, base)
	for _, i := range []uint{1, 2, 700, 1498, 4000} {
		key := testKey(i)
		created, err := base.Put(ctx, key, testValue(i))
		require.NoError(t, err)
		op := Op{Action: ActionCreate, Key: key, Value: testValue(i)}
		inverted, err := proofTree(t, created, key).Invert(ctx, op)
		require.NoError(t, err, key)
		assert.Equal(t, baseRoot, rootString(t, inverted), key)
	}
	for _, i := range []uint{0, 300, 747, 1497} {
		key := testKey(i)
		prev := testValue(i / 3)
		deleted, err := base.Delete(ctx, key)
		require.NoError(t, err)
		op := Op{Action: ActionDelete, Key: key, Prev: prev}
		inverted, err := proofTree(t, deleted, key).Invert(ctx, op)
		require.NoError(t, err, key)
		assert.Equal(t, baseRoot, rootString(t, inverted), key)

		updated, err := base.Put(ctx, key, testValue(99_999))
		require.NoError(t, err)
		op = Op{Action: ActionUpdate, Key: key, Value: testValue(99_999), Prev: prev}
		inverted, err = proofTree(t, updated, key).Invert(ctx, op)
		require.NoError(t, err, key)
		assert.Equal(t, baseRoot, rootString(t, inverted), key)
	}
}

func TestInvertMismatch(t *testing.T) {
	t.Parallel()
	m := buildTree(t, 20)
	_, err := m.Invert(ctx, Op{Action: ActionCreate, Key: testKey(0), Value: testValue(5)})
	assert.ErrorIs(t, err, ErrOpMismatch)
	_, err = m.Invert(ctx, Op{Action: ActionDelete, Key: testKey(0), Prev: testValue(0)})
	assert.ErrorIs(t, err, ErrOpMismatch)
	_, err = m.Invert(ctx, Op{Action: ActionCreate, Key: testKey(1), Value: testValue(1)})
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = m.Invert(ctx, Op{Action: ActionUpdate, Key: testKey(0), Value: testValue(0)})
	assert.ErrorIs(t, err, ErrOpMismatch)
}

func TestOpsFromDiffInvertToOld(t *testing.T) {
	t.Parallel()
	old := buildTree(t, 100)
	m, err := old.Put(ctx, testKey(1), testValue(1))
	require.NoError(t, err)
	m, err = m.Put(ctx, testKey(3), testValue(77))
	require.NoError(t, err)
	m, err = m.Delete(ctx, testKey(6))
	require.NoError(t, err)
	d, err := Diff(ctx, old, m)
	require.NoError(t, err)
	ops := OpsFromDiff(d)
	require.Len(t, ops, 3)
	for _, op := range ops {
		require.NoError(t, m.CheckOp(ctx, op))
		m, err = m.Invert(ctx, op)
		require.NoError(t, err)
	}
	assert.Equal(t, rootString(t, old), rootString(t, m))
}
