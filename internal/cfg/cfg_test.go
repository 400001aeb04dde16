package cfg

import "testing"

func TestScoreForCmpUnreachableBeforeAnyTarget(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	if got := g.ScoreForCmp(1); got != unreachableDistance {
		t.Fatalf("expected unreachable distance with no targets set, got %d", got)
	}
}

func TestScoreForCmpIsShortestPathToNearestTarget(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(1, 4)
	g.AddEdge(4, 3)
	g.SeedTargets([]uint32{3})

	if got := g.ScoreForCmp(3); got != 0 {
		t.Fatalf("expected target itself to have distance 0, got %d", got)
	}
	if got := g.ScoreForCmp(2); got != 1 {
		t.Fatalf("expected distance 1 from 2, got %d", got)
	}
	if got := g.ScoreForCmp(1); got != 2 {
		t.Fatalf("expected distance 2 from 1, got %d", got)
	}
}

func TestSeedTargetsPicksNearestOfMultiple(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.AddEdge(3, 4)
	g.SeedTargets([]uint32{4, 2})

	if got := g.ScoreForCmp(1); got != 1 {
		t.Fatalf("expected distance 1 via the nearer target at 2, got %d", got)
	}
}

func TestRemoveTargetRecomputesDistances(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	g.SeedTargets([]uint32{2, 3})

	if got := g.ScoreForCmp(1); got != 1 {
		t.Fatalf("expected distance 1 before removal, got %d", got)
	}
	g.RemoveTarget(2)
	if got := g.ScoreForCmp(1); got != 2 {
		t.Fatalf("expected distance 2 after removing the nearer target, got %d", got)
	}
	if g.IsTarget(2) {
		t.Fatal("expected target 2 to no longer be live")
	}
}

func TestMagicBytesRoundTrip(t *testing.T) {
	g := New()
	g.SetEdgeIndirect(10, 20, 99)
	bytes := map[uint32]byte{0: 0xAB, 4: 0xCD}
	g.SetMagicBytes(10, 20, 99, bytes)

	got, ok := g.GetMagicBytes(10, 20, 99)
	if !ok {
		t.Fatal("expected magic bytes to be found")
	}
	if got[0] != 0xAB || got[4] != 0xCD {
		t.Fatalf("unexpected magic bytes: %v", got)
	}
}

func TestDominatorTracking(t *testing.T) {
	g := New()
	g.AddDominator(77, 5)
	g.AddDominator(77, 6)

	doms := g.GetCallsiteDominators(77)
	if len(doms) != 2 {
		t.Fatalf("expected 2 dominators, got %d", len(doms))
	}
	if !g.DominatesIndirectCall(5) {
		t.Fatal("expected cmpid 5 to be recorded as dominating an indirect call")
	}
	if g.DominatesIndirectCall(123) {
		t.Fatal("expected unrelated cmpid to not dominate any indirect call")
	}
}

func TestScoreForCmpInpPenalisesSatisfiedMagicBytes(t *testing.T) {
	g := New()
	g.SetEdgeIndirect(1, 2, 5)
	g.AddEdge(1, 2)
	g.SeedTargets([]uint32{2})
	g.SetMagicBytes(1, 2, 5, map[uint32]byte{0: 0x41})

	base := g.ScoreForCmp(1)
	matching := g.ScoreForCmpInp(1, []byte{0x41})
	if matching <= base {
		t.Fatalf("expected a penalty when variables match magic bytes, got %d base %d", matching, base)
	}

	nonMatching := g.ScoreForCmpInp(1, []byte{0x00})
	if nonMatching != base {
		t.Fatalf("expected no penalty when variables don't match, got %d want %d", nonMatching, base)
	}
}

func TestAddEdgeIsIdempotent(t *testing.T) {
	g := New()
	g.AddEdge(1, 2)
	g.AddEdge(1, 2)
	g.SeedTargets([]uint32{2})
	if len(g.reverse[2]) != 1 {
		t.Fatalf("expected a duplicate edge to not double the reverse adjacency, got %d entries", len(g.reverse[2]))
	}
}
