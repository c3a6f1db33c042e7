package mast

import (
	"testing"

	"github.com/jrhy/atmast/blockstore"
)

func benchmarkStdMapInsert(factor int, b *testing.B) {
	m := map[string]int{}
	for n := 0; n < factor*b.N; n++ {
		m[testKey(uint(n))] = n
	}
}

func BenchmarkStdMapInsert1(b *testing.B)   { benchmarkStdMapInsert(1, b) }
func BenchmarkStdMapInsert10(b *testing.B)  { benchmarkStdMapInsert(10, b) }
func BenchmarkStdMapInsert100(b *testing.B) { benchmarkStdMapInsert(100, b) }
func BenchmarkStdMapInsert1k(b *testing.B)  { benchmarkStdMapInsert(1_000, b) }

func benchmarkMastPut(factor int, b *testing.B) {
	m := NewEmpty(Config{Store: blockstore.NewMemory()})
	for n := 0; n < factor*b.N; n++ {
		var err error
		m, err = m.Put(ctx, testKey(uint(n)), testValue(uint(n)))
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMastPut1(b *testing.B)   { benchmarkMastPut(1, b) }
func BenchmarkMastPut10(b *testing.B)  { benchmarkMastPut(10, b) }
func BenchmarkMastPut100(b *testing.B) { benchmarkMastPut(100, b) }
func BenchmarkMastPut1k(b *testing.B)  { benchmarkMastPut(1_000, b) }

func benchmarkMastGet(factor int, b *testing.B) {
	m := NewEmpty(Config{Store: blockstore.NewMemory(), NodeCache: NewNodeCache(10_000)})
	b.StopTimer()
	for n := 0; n < factor*b.N; n++ {
		var err error
		m, err = m.Put(ctx, testKey(uint(n)), testValue(uint(n)))
		if err != nil {
			b.Fatal(err)
		}
	}
	root, err := m.Root(ctx)
	if err != nil {
		b.Fatal(err)
	}
	m, err = Load(ctx, Config{Store: m.store, NodeCache: NewNodeCache(10_000)}, root)
	if err != nil {
		b.Fatal(err)
	}
	b.StartTimer()
	for n := 0; n < factor*b.N; n++ {
		if _, err := m.Get(ctx, testKey(uint(n))); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMastGet1(b *testing.B)   { benchmarkMastGet(1, b) }
func BenchmarkMastGet10(b *testing.B)  { benchmarkMastGet(10, b) }
func BenchmarkMastGet100(b *testing.B) { benchmarkMastGet(100, b) }
func BenchmarkMastGet1k(b *testing.B)  { benchmarkMastGet(1_000, b) }

func BenchmarkMastFlush(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		m := NewEmpty(Config{Store: blockstore.NewMemory()})
		for n := 0; n < 1_000; n++ {
			var err error
			m, err = m.Put(ctx, testKey(uint(n)), testValue(uint(n)))
			if err != nil {
				b.Fatal(err)
			}
		}
		b.StartTimer()
		if _, _, err := m.Flush(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
