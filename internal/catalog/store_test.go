package catalog

import (
	"sync"
	"testing"
	"time"
)

func TestSnapshotDeduplicatesAndIndexes(t *testing.T) {
	t0 := time.Date(2024, 4, 9, 0, 0, 0, 0, time.UTC)
	in := []OrbitalElement{
		{ID: 1, Name: "A", Epoch: t0.Add(2 * time.Hour)},
		{ID: 2, Name: "B", Epoch: t0},
		{ID: 1, Name: "A-dup", Epoch: t0.Add(-time.Hour)},
		{ID: 3, Name: "C", Epoch: t0.Add(5 * time.Hour)},
	}
	snap := NewSnapshot(7, "test", t0, in)

	if snap.Len() != 3 {
		t.Fatalf("Len = %d, want 3", snap.Len())
	}
	if a, ok := snap.Lookup(1); !ok || a.Name != "A" {
		t.Errorf("Lookup(1) = %+v, %v; want first occurrence", a, ok)
	}
	if _, ok := snap.Lookup(42); ok {
		t.Error("Lookup(42) found a missing id")
	}
	if !snap.EpochRange.Min.Equal(t0) || !snap.EpochRange.Max.Equal(t0.Add(5*time.Hour)) {
		t.Errorf("epoch range = %+v", snap.EpochRange)
	}

	// The snapshot owns its copy.
	in[1].Name = "mutated"
	if b, _ := snap.Lookup(2); b.Name != "B" {
		t.Error("snapshot aliases the caller's slice")
	}

	var nilSnap *Snapshot
	if nilSnap.Len() != 0 {
		t.Error("nil snapshot Len != 0")
	}
	if _, ok := nilSnap.Lookup(1); ok {
		t.Error("nil snapshot Lookup found an id")
	}
}

func TestStoreVersions(t *testing.T) {
	s := NewStore()
	if s.Current() != nil {
		t.Fatal("new store has a snapshot")
	}
	if s.AgeSeconds() != -1 {
		t.Errorf("AgeSeconds on empty store = %v, want -1", s.AgeSeconds())
	}

	first := s.Replace("a", time.Now().Add(-10*time.Second), []OrbitalElement{{ID: 1}})
	if !s.IsCurrent(first.Version) {
		t.Error("first snapshot not current")
	}
	if age := s.AgeSeconds(); age < 9 || age > 60 {
		t.Errorf("AgeSeconds = %v, want ~10", age)
	}

	second := s.Replace("b", time.Now(), []OrbitalElement{{ID: 1}, {ID: 2}})
	if second.Version <= first.Version {
		t.Errorf("version did not increase: %d -> %d", first.Version, second.Version)
	}
	if s.IsCurrent(first.Version) {
		t.Error("superseded snapshot still current")
	}
	if first.Len() != 1 {
		t.Error("publishing a new snapshot mutated the old one")
	}
}

func TestStoreConcurrentReplace(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Replace("c", time.Now(), []OrbitalElement{{ID: i}})
			_ = s.Current().Len()
		}(i)
	}
	wg.Wait()

	if v := s.Current().Version; v != 16 {
		t.Errorf("final version = %d, want 16", v)
	}
}
