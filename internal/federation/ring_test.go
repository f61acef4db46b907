package federation

import "testing"

func TestRingDeterministicAcrossEquivalentMembership(t *testing.T) {
	r1 := newRing(50)
	r2 := newRing(50)
	for _, id := range []string{"a", "b", "c"} {
		r1.addNode(id, "ws://"+id)
		r2.addNode(id, "ws://"+id)
	}

	for _, key := range []string{"code-1", "code-2", "code-3"} {
		got1 := r1.getResponsibleNodes(key, 2)
		got2 := r2.getResponsibleNodes(key, 2)
		if len(got1) != len(got2) {
			t.Fatalf("mismatched result length for %s", key)
		}
		for i := range got1 {
			if got1[i] != got2[i] {
				t.Errorf("non-deterministic routing for %s: %v vs %v", key, got1, got2)
			}
		}
	}
}

func TestRingOnlyAliveNodesParticipate(t *testing.T) {
	r := newRing(50)
	r.addNode("a", "ws://a")
	r.addNode("b", "ws://b")
	r.updateNodeStatus("b", StatusFailed)

	for i := 0; i < 20; i++ {
		got := r.getResponsibleNodes("key", 2)
		for _, id := range got {
			if id == "b" {
				t.Fatalf("failed node must not appear in responsible set")
			}
		}
	}
}

func TestRingDistinctServersInResult(t *testing.T) {
	r := newRing(50)
	r.addNode("a", "ws://a")
	r.addNode("b", "ws://b")
	r.addNode("c", "ws://c")

	got := r.getResponsibleNodes("some-key", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct nodes, got %v", got)
	}
	seen := make(map[string]bool)
	for _, id := range got {
		if seen[id] {
			t.Fatalf("duplicate server in result: %v", got)
		}
		seen[id] = true
	}
}

func TestRingExhaustedWhenFewerAliveThanCount(t *testing.T) {
	r := newRing(50)
	r.addNode("a", "ws://a")
	got := r.getResponsibleNodes("key", 5)
	if len(got) != 1 {
		t.Fatalf("expected ring exhaustion to cap at 1 alive node, got %v", got)
	}
}

func TestRingMinimalDisruptionOnNodeAdd(t *testing.T) {
	r := newRing(50)
	r.addNode("a", "ws://a")
	r.addNode("b", "ws://b")

	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8"}
	before := make(map[string]string)
	for _, k := range keys {
		before[k] = r.getResponsibleNodes(k, 1)[0]
	}

	r.addNode("c", "ws://c")

	moved := 0
	for _, k := range keys {
		after := r.getResponsibleNodes(k, 1)[0]
		if after != before[k] {
			moved++
		}
	}

	if moved == len(keys) {
		t.Errorf("expected only a subset of keys to move on node add, all %d moved", moved)
	}
}
