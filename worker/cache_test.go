package worker

import (
	"math/rand"
	"net"
	"testing"

	"github.com/faasten/faasten/buckle"
)

func pipeVM() *fakeVM {
	host, guest := net.Pipe()
	return &fakeVM{host: host, guest: guest}
}

func TestCacheLookupPicksMostTainted(t *testing.T) {
	c := NewCache()
	fn := KeyFor(testFunction())

	public := buckle.Public()
	alice := mustLabel(t, "alice,T")
	both := mustLabel(t, "alice&bob,T")

	vmPub, vmAlice, vmBoth := pipeVM(), pipeVM(), pipeVM()
	c.Insert(fn, public, vmPub, 64)
	c.Insert(fn, alice, vmAlice, 64)
	c.Insert(fn, both, vmBoth, 64)

	// All three flow to (alice&bob,T); the most-tainted usable entry wins.
	vm, stored, ok := c.Lookup(fn, both)
	if !ok {
		t.Fatalf("Lookup miss, want hit")
	}
	if vm != vmBoth {
		t.Fatalf("Lookup picked entry labeled %v, want %v", stored, both)
	}
	if !stored.Equal(both) {
		t.Fatalf("stored = %v, want %v", stored, both)
	}

	// A hit removes the entry: the next-most-tainted candidate surfaces.
	vm, stored, ok = c.Lookup(fn, both)
	if !ok || vm != vmAlice {
		t.Fatalf("second Lookup = (%v, %v), want the alice entry", vm, stored)
	}
}

func TestCacheLookupMissesOnWrongFunction(t *testing.T) {
	c := NewCache()
	c.Insert(KeyFor(testFunction()), buckle.Public(), pipeVM(), 64)

	other := testFunction()
	other.AppImageBlob = "other-app"
	if _, _, ok := c.Lookup(KeyFor(other), buckle.Public()); ok {
		t.Fatalf("Lookup hit across function identities")
	}
}

// TestCacheSafetyProperty: whatever the cache population, a returned
// entry's stored label always flows to the requested starting label.
func TestCacheSafetyProperty(t *testing.T) {
	universe := []string{
		"T,T", "alice,T", "bob,T", "charlie,T",
		"alice&bob,T", "alice&charlie,T", "bob&charlie,T",
		"alice|bob,T", "alice&bob&charlie,T",
	}
	labels := make([]buckle.Label, len(universe))
	for i, s := range universe {
		labels[i] = mustLabel(t, s)
	}
	fns := []FunctionKey{KeyFor(testFunction()), "other-fn"}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		c := NewCache()
		for i := 0; i < rng.Intn(10); i++ {
			c.Insert(fns[rng.Intn(len(fns))], labels[rng.Intn(len(labels))], pipeVM(), 64)
		}

		fn := fns[rng.Intn(len(fns))]
		requested := labels[rng.Intn(len(labels))]
		if _, stored, ok := c.Lookup(fn, requested); ok {
			if !stored.FlowsTo(requested) {
				t.Fatalf("trial %d: cache returned stored label %v for request %v (does not flow)", trial, stored, requested)
			}
		}
	}
}

func TestCacheEvictUntilIsLRU(t *testing.T) {
	c := NewCache()
	fn := KeyFor(testFunction())
	a, b, x := pipeVM(), pipeVM(), pipeVM()
	c.Insert(fn, buckle.Public(), a, 64) // least recently used
	c.Insert(fn, buckle.Public(), b, 64)
	c.Insert(fn, buckle.Public(), x, 64)

	var evicted []VM
	c.EvictUntil(128, func(fn FunctionKey, vm VM, memory uint64) { evicted = append(evicted, vm) })

	if len(evicted) != 2 || evicted[0] != a || evicted[1] != b {
		t.Fatalf("evicted %d entries in wrong order", len(evicted))
	}
	if got := c.UsedMemory(); got != 64 {
		t.Fatalf("UsedMemory after eviction = %d, want 64", got)
	}
	if _, _, ok := c.Lookup(fn, buckle.Public()); !ok {
		t.Fatalf("survivor entry missing after eviction")
	}
}

func TestCacheEvictUntilStopsWhenEmpty(t *testing.T) {
	c := NewCache()
	var evicted int
	c.EvictUntil(1<<30, func(FunctionKey, VM, uint64) { evicted++ })
	if evicted != 0 {
		t.Fatalf("evicted %d from an empty cache", evicted)
	}
}
