package graph

import "testing"

func TestSceneAddItemRejectsCycle(t *testing.T) {
	t.Parallel()
	outer := NewScene("outer", false)
	inner := NewScene("inner", true)

	innerSrc := inner.AsSource("inner-src", nil)
	it := NewSceneItem(innerSrc)
	if err := outer.AddItem(it, nil); err != nil {
		t.Fatalf("first add: %v", err)
	}

	// Now try to add outer's own composite source as an item inside inner,
	// which would close a cycle inner -> outer -> inner.
	outerSrc := outer.AsSource("outer-src", nil)
	backEdgeItem := NewSceneItem(outerSrc)
	if err := inner.AddItem(backEdgeItem, innerSrc); err == nil {
		t.Fatalf("expected cycle rejection, got nil error")
	}
}

func TestSceneItemApplyActionsWindow(t *testing.T) {
	t.Parallel()
	src := NewSource("cam", KindAudio, nil, nil)
	it := NewSceneItem(src)
	it.QueueAudioAction(AudioAction{TimestampNS: 1000, Visible: false})
	it.QueueAudioAction(AudioAction{TimestampNS: 5000, Visible: true})

	applied := it.ApplyActionsInWindow(0, 2000)
	if len(applied) != 1 || applied[0].TimestampNS != 1000 {
		t.Fatalf("applied = %v", applied)
	}
	if it.Visible() {
		t.Fatalf("expected hidden after window [0,2000)")
	}

	applied = it.ApplyActionsInWindow(4000, 6000)
	if len(applied) != 1 || !applied[0].Visible {
		t.Fatalf("applied = %v", applied)
	}
	if !it.Visible() {
		t.Fatalf("expected visible after window [4000,6000)")
	}
}

func TestSourceRefCounting(t *testing.T) {
	t.Parallel()
	src := NewSource("s", KindAudio, nil, nil)
	if src.RefCount() != 1 {
		t.Fatalf("initial refcount = %d", src.RefCount())
	}
	src.AddRef()
	if src.RefCount() != 2 {
		t.Fatalf("refcount after AddRef = %d", src.RefCount())
	}
	src.Release()
	if src.RefCount() != 1 {
		t.Fatalf("refcount after Release = %d", src.RefCount())
	}
}

func TestSourceStallCheck(t *testing.T) {
	t.Parallel()
	src := NewSource("s", KindAudio, nil, nil)
	if !src.StallCheck(0) {
		t.Fatalf("expected stall on first check with empty, never-produced ring")
	}
	src.InputRing(0).Push([]float32{1, 2, 3})
	if src.StallCheck(0) {
		t.Fatalf("did not expect stall after ring grew")
	}
}

func TestTransitionMixDirection(t *testing.T) {
	t.Parallel()
	a := NewSource("a", KindAudio, nil, nil)
	b := NewSource("b", KindAudio, nil, nil)
	tr := NewTransition(a, b, 1000)
	tr.Start(0, false)

	wA, wB := tr.Mix(0)
	if wA != 1 || wB != 0 {
		t.Fatalf("at t=0 want fully A, got wA=%v wB=%v", wA, wB)
	}
	wA, wB = tr.Mix(1_000_000_000) // 1000ms in ns == duration
	if wA != 0 || wB != 1 {
		t.Fatalf("at t=duration want fully B, got wA=%v wB=%v", wA, wB)
	}
}
