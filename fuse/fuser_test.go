package fuse

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/localmap/logging"
	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/spatialmath"
)

// stubMatcher returns a fixed candidate list regardless of which target/side it's asked about.
type stubMatcher struct {
	candidates []Candidate
}

func (s *stubMatcher) Fuse(target *mapgraph.Keyframe, side mapgraph.CameraSide, points []mapgraph.MapPointHandle) ([]Candidate, error) {
	return s.candidates, nil
}

func newKeyframe(m *mapgraph.Map, ts float64) mapgraph.KeyframeHandle {
	return m.AddKeyframe(ts, spatialmath.Identity(), mapgraph.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, 0,
		make([]mapgraph.Keypoint, 10), nil, []float64{1, 1.2}, []float64{1, 1.44})
}

// buildObservedPoint creates a map point referenced by ref and links it to n additional fresh
// keyframes, so its final observation count is n+1 (the reference keyframe plus the padding).
func buildObservedPoint(t *testing.T, m *mapgraph.Map, ref mapgraph.KeyframeHandle, refIdx int, extraObservations int) mapgraph.MapPointHandle {
	mpH := m.AddMapPoint(r3.Vector{X: 1, Y: 2, Z: 5}, ref, ref.ID(), []byte{1, 2, 3})
	test.That(t, m.Link(mpH, ref, refIdx, -1), test.ShouldBeNil)
	for i := 0; i < extraObservations; i++ {
		kf := newKeyframe(m, float64(i+1))
		test.That(t, m.Link(mpH, kf, 0, -1), test.ShouldBeNil)
	}
	return mpH
}

func TestFuseIntoLinksEmptySlot(t *testing.T) {
	m := mapgraph.NewMap()
	target := newKeyframe(m, 0)
	ref := newKeyframe(m, 1)
	mpH := buildObservedPoint(t, m, ref, 0, 0)

	targetKF, _ := target.Resolve(m)
	f := NewFuser(logging.NewTestLogger(t), &stubMatcher{
		candidates: []Candidate{{Point: mpH, Idx: 3}},
	}, true, false)

	n, err := f.fuseInto(m, targetKF, mapgraph.CameraLeft, []mapgraph.MapPointHandle{mpH})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)

	h, ok := targetKF.ObservationAt(3)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, h.ID(), test.ShouldEqual, mpH.ID())
}

func TestResolveFusePrefersMoreObservations(t *testing.T) {
	m := mapgraph.NewMap()
	refA := newKeyframe(m, 0)
	refB := newKeyframe(m, 1)

	mpA := buildObservedPoint(t, m, refA, 0, 4) // 5 total observations
	mpB := buildObservedPoint(t, m, refB, 0, 1) // 2 total observations

	ok := resolveFuse(m, mpB, mpA)
	test.That(t, ok, test.ShouldBeTrue)

	survivorA, resolved := mpA.Resolve(m)
	test.That(t, resolved, test.ShouldBeTrue)
	test.That(t, survivorA.NumObservations(), test.ShouldEqual, 7)

	loser, stillThere := mpB.Resolve(m)
	test.That(t, stillThere, test.ShouldBeTrue)
	test.That(t, loser.IsBad(), test.ShouldBeTrue)
}

func TestFuseIntoMergesAtOccupiedSlot(t *testing.T) {
	m := mapgraph.NewMap()
	target := newKeyframe(m, 0)
	refA := newKeyframe(m, 1)
	refB := newKeyframe(m, 2)

	mpA := buildObservedPoint(t, m, refA, 0, 4) // 5 observations, occupies target slot 3
	mpB := buildObservedPoint(t, m, refB, 0, 1) // 2 observations, the incoming duplicate

	targetKF, _ := target.Resolve(m)
	test.That(t, m.Link(mpA, target, 3, -1), test.ShouldBeNil)

	f := NewFuser(logging.NewTestLogger(t), &stubMatcher{
		candidates: []Candidate{{Point: mpB, Idx: 3, Existing: mpA}},
	}, true, false)

	n, err := f.fuseInto(m, targetKF, mapgraph.CameraLeft, []mapgraph.MapPointHandle{mpB})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)

	loser, bStill := mpB.Resolve(m)
	test.That(t, bStill, test.ShouldBeTrue)
	test.That(t, loser.IsBad(), test.ShouldBeTrue)

	survivor, ok := mpA.Resolve(m)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, survivor.NumObservations(), test.ShouldEqual, 8)
}

func TestBuildTargetSetDedupsSecondOrderNeighbors(t *testing.T) {
	m := mapgraph.NewMap()
	current := newKeyframe(m, 0)
	n1 := newKeyframe(m, 1)
	n2 := newKeyframe(m, 2)

	currentKF, _ := current.Resolve(m)
	n1KF, _ := n1.Resolve(m)
	n2KF, _ := n2.Resolve(m)

	// share enough observations to connect current-n1 and n1-n2, but not current-n2 directly.
	for i := 0; i < 20; i++ {
		mpH := m.AddMapPoint(r3.Vector{X: float64(i)}, current, current.ID(), nil)
		test.That(t, m.Link(mpH, current, i, -1), test.ShouldBeNil)
		test.That(t, m.Link(mpH, n1, i, -1), test.ShouldBeNil)
	}
	for i := 0; i < 20; i++ {
		mpH := m.AddMapPoint(r3.Vector{X: float64(i)}, n1, n1.ID(), nil)
		test.That(t, m.Link(mpH, n1, i+20, -1), test.ShouldBeNil)
		test.That(t, m.Link(mpH, n2, i, -1), test.ShouldBeNil)
	}
	m.UpdateConnections(current, 15)
	m.UpdateConnections(n1, 15)
	m.UpdateConnections(n2, 15)

	f := NewFuser(logging.NewTestLogger(t), &stubMatcher{}, true, false)
	targets := f.buildTargetSet(m, currentKF)

	seen := make(map[mapgraph.ID]bool)
	for _, h := range targets {
		test.That(t, seen[h.ID()], test.ShouldBeFalse)
		seen[h.ID()] = true
	}
	test.That(t, seen[n1KF.ID()], test.ShouldBeTrue)
	test.That(t, seen[n2KF.ID()], test.ShouldBeTrue)
}
