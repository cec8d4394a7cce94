package inertial

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/localmap/logging"
	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/spatialmath"
)

func newChainedKeyframe(m *mapgraph.Map, prev mapgraph.KeyframeHandle, ts float64) mapgraph.KeyframeHandle {
	h := m.AddKeyframe(ts, spatialmath.Identity(), mapgraph.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, 0,
		nil, nil, []float64{1, 1.2}, []float64{1, 1.44})
	if !prev.IsZero() {
		m.LinkTemporal(prev, h)
	}
	return h
}

func buildChain(m *mapgraph.Map, n int, dt float64) mapgraph.KeyframeHandle {
	var prev, h mapgraph.KeyframeHandle
	for i := 0; i < n; i++ {
		h = newChainedKeyframe(m, prev, float64(i)*dt)
		prev = h
	}
	return h
}

func TestPriorsForStage(t *testing.T) {
	g, a := PriorsForStage(StageCoarse)
	test.That(t, g, test.ShouldEqual, 1e2)
	test.That(t, a, test.ShouldEqual, 1e10)

	g, a = PriorsForStage(StageVIBA1)
	test.That(t, g, test.ShouldEqual, 1.0)
	test.That(t, a, test.ShouldEqual, 1e5)

	g, a = PriorsForStage(StageVIBA2)
	test.That(t, g, test.ShouldEqual, 0.0)
	test.That(t, a, test.ShouldEqual, 0.0)
}

func TestNextGBAGenerationIncrements(t *testing.T) {
	var s State
	test.That(t, s.NextGBAGeneration(), test.ShouldEqual, mapgraph.ID(1))
	test.That(t, s.NextGBAGeneration(), test.ShouldEqual, mapgraph.ID(2))
}

func TestGravityAlignmentIdentityWhenAlreadyDown(t *testing.T) {
	p := gravityAlignment(r3.Vector{Z: -1})
	v := p.Transform(r3.Vector{Z: -1})
	test.That(t, v.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, v.Z, test.ShouldAlmostEqual, -1, 1e-9)
}

func TestGravityAlignmentRotatesGravityOntoEstimatedDirection(t *testing.T) {
	p := gravityAlignment(r3.Vector{X: 1})
	v := p.Transform(r3.Vector{Z: -1})
	test.That(t, v.X, test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, v.Y, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, v.Z, test.ShouldAlmostEqual, 0, 1e-6)
}

func TestReadyFalseWithTooFewKeyframes(t *testing.T) {
	m := mapgraph.NewMap()
	h := buildChain(m, nMinKF-1, 1)
	init := NewInitializer(logging.NewTestLogger(t), nil, nil, nil, true)
	test.That(t, init.Ready(m, h, 0), test.ShouldBeFalse)
}

func TestReadyFalseWhenSpanTooShort(t *testing.T) {
	m := mapgraph.NewMap()
	h := buildChain(m, nMinKF, 0.01)
	init := NewInitializer(logging.NewTestLogger(t), nil, nil, nil, true)
	test.That(t, init.Ready(m, h, 10), test.ShouldBeFalse)
}

func TestReadyTrueWhenEnoughKeyframesAndSpan(t *testing.T) {
	m := mapgraph.NewMap()
	h := buildChain(m, nMinKF, 1)
	init := NewInitializer(logging.NewTestLogger(t), nil, nil, nil, true)
	test.That(t, init.Ready(m, h, float64(nMinKF-1)), test.ShouldBeTrue)
}

func TestInitializeIMUSkipsWhenNotReady(t *testing.T) {
	m := mapgraph.NewMap()
	h := buildChain(m, nMinKF-1, 1)
	called := false
	optimize := func(m *mapgraph.Map, stage Stage, monocular bool, rwgGuess spatialmath.Pose) (Result, error) {
		called = true
		return Result{}, nil
	}
	init := NewInitializer(logging.NewTestLogger(t), optimize, nil, nil, true)
	var state State
	test.That(t, init.InitializeIMU(m, h, &state, 0, false, func() bool { return false }), test.ShouldBeNil)
	test.That(t, called, test.ShouldBeFalse)
	test.That(t, state.Initialized, test.ShouldBeFalse)
}

func TestInitializeIMUAppliesResultWhenScaleUsable(t *testing.T) {
	m := mapgraph.NewMap()
	h := buildChain(m, nMinKF, 1)

	kfs := m.AllKeyframes()
	for _, kf := range kfs {
		if kf.Prev().IsZero() {
			continue
		}
		kf.SetPreintegration(&mapgraph.Preintegration{DeltaV: r3.Vector{Z: -1}, Dt: 1})
	}

	optimize := func(m *mapgraph.Map, stage Stage, monocular bool, rwgGuess spatialmath.Pose) (Result, error) {
		test.That(t, stage, test.ShouldEqual, StageCoarse)
		return Result{Rwg: spatialmath.Identity(), Scale: 1}, nil
	}
	init := NewInitializer(logging.NewTestLogger(t), optimize, nil, nil, true)
	var state State
	err := init.InitializeIMU(m, h, &state, 0, false, func() bool { return false })
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state.Initialized, test.ShouldBeTrue)
	test.That(t, state.TInit, test.ShouldEqual, 0)
	test.That(t, state.LastOptimizableID, test.ShouldEqual, h.ID())
}

func TestInitializeIMUAbandonsOnDegenerateScale(t *testing.T) {
	m := mapgraph.NewMap()
	h := buildChain(m, nMinKF, 1)
	for _, kf := range m.AllKeyframes() {
		if kf.Prev().IsZero() {
			continue
		}
		kf.SetPreintegration(&mapgraph.Preintegration{DeltaV: r3.Vector{Z: -1}, Dt: 1})
	}

	optimize := func(m *mapgraph.Map, stage Stage, monocular bool, rwgGuess spatialmath.Pose) (Result, error) {
		return Result{Rwg: spatialmath.Identity(), Scale: 0.01}, nil
	}
	init := NewInitializer(logging.NewTestLogger(t), optimize, nil, nil, true)
	var state State
	err := init.InitializeIMU(m, h, &state, 0, false, func() bool { return false })
	test.That(t, err, test.ShouldBeNil)
	test.That(t, state.Initialized, test.ShouldBeFalse)
}

func TestRefineSetsPassedFlags(t *testing.T) {
	m := mapgraph.NewMap()
	h := buildChain(m, 2, 1)

	optimize := func(m *mapgraph.Map, stage Stage, monocular bool, rwgGuess spatialmath.Pose) (Result, error) {
		return Result{Rwg: spatialmath.Identity(), Scale: 1}, nil
	}
	init := NewInitializer(logging.NewTestLogger(t), optimize, nil, nil, true)

	var state State
	test.That(t, init.Refine(m, h, &state, StageVIBA1), test.ShouldBeNil)
	test.That(t, state.PassedVIBA1, test.ShouldBeTrue)
	test.That(t, state.PassedVIBA2, test.ShouldBeFalse)

	test.That(t, init.Refine(m, h, &state, StageVIBA2), test.ShouldBeNil)
	test.That(t, state.PassedVIBA2, test.ShouldBeTrue)
}

func TestScaleRefinementSkipsWithinDeadband(t *testing.T) {
	m := mapgraph.NewMap()
	mpH := m.AddMapPoint(r3.Vector{X: 1}, mapgraph.KeyframeHandle{}, 0, nil)
	optimize := func(m *mapgraph.Map, stage Stage, monocular bool, rwgGuess spatialmath.Pose) (Result, error) {
		return Result{Rwg: spatialmath.Identity(), Scale: 1 + scaleRefinementDeadband/2}, nil
	}
	init := NewInitializer(logging.NewTestLogger(t), optimize, nil, nil, true)
	test.That(t, init.ScaleRefinement(m, false), test.ShouldBeNil)
	mp, _ := mpH.Resolve(m)
	test.That(t, mp.GetPosition().X, test.ShouldEqual, 1.0)
}

func TestScaleRefinementSkipsOnDegenerateScale(t *testing.T) {
	m := mapgraph.NewMap()
	mpH := m.AddMapPoint(r3.Vector{X: 1}, mapgraph.KeyframeHandle{}, 0, nil)
	optimize := func(m *mapgraph.Map, stage Stage, monocular bool, rwgGuess spatialmath.Pose) (Result, error) {
		return Result{Rwg: spatialmath.Identity(), Scale: 0.05}, nil
	}
	init := NewInitializer(logging.NewTestLogger(t), optimize, nil, nil, true)
	test.That(t, init.ScaleRefinement(m, false), test.ShouldBeNil)
	mp, _ := mpH.Resolve(m)
	test.That(t, mp.GetPosition().X, test.ShouldEqual, 1.0)
}

func TestScaleRefinementAlwaysAppliesInStereo(t *testing.T) {
	m := mapgraph.NewMap()
	mpH := m.AddMapPoint(r3.Vector{X: 1}, mapgraph.KeyframeHandle{}, 0, nil)
	applied := false
	optimize := func(m *mapgraph.Map, stage Stage, monocular bool, rwgGuess spatialmath.Pose) (Result, error) {
		applied = true
		return Result{Rwg: spatialmath.Identity(), Scale: 1 + scaleRefinementDeadband/2}, nil
	}
	init := NewInitializer(logging.NewTestLogger(t), optimize, nil, nil, false)
	test.That(t, init.ScaleRefinement(m, true), test.ShouldBeNil)
	test.That(t, applied, test.ShouldBeTrue)
	mp, _ := mpH.Resolve(m)
	test.That(t, mp.GetPosition().X, test.ShouldAlmostEqual, 1+scaleRefinementDeadband/2, 1e-12)
}

func TestFullInertialBANoopWithoutCollaborator(t *testing.T) {
	m := mapgraph.NewMap()
	init := NewInitializer(logging.NewTestLogger(t), nil, nil, nil, true)
	var state State
	test.That(t, init.FullInertialBA(m, &state, func() bool { return false }), test.ShouldBeNil)
}

func TestFullInertialBATagsAndPropagatesGeneration(t *testing.T) {
	m := mapgraph.NewMap()
	h := buildChain(m, 3, 1)
	m.AddOrigin(buildChainOriginHandle(m))

	var gotID mapgraph.ID
	fullBA := func(m *mapgraph.Map, gbaID mapgraph.ID, priorG, priorA float64, abortBA func() bool) error {
		gotID = gbaID
		origin, _ := m.Keyframe(buildChainOriginHandle(m).ID())
		origin.SetGBAStage(origin.GetPose(), r3.Vector{}, [6]float64{})
		return nil
	}
	init := NewInitializer(logging.NewTestLogger(t), nil, fullBA, nil, true)
	var state State
	test.That(t, init.FullInertialBA(m, &state, func() bool { return false }), test.ShouldBeNil)
	test.That(t, gotID, test.ShouldEqual, mapgraph.ID(1))

	origin, _ := m.Keyframe(buildChainOriginHandle(m).ID())
	test.That(t, origin.BAGlobalForKF(), test.ShouldEqual, gotID)
	_ = h
}

func buildChainOriginHandle(m *mapgraph.Map) mapgraph.KeyframeHandle {
	kfs := m.AllKeyframes()
	for _, kf := range kfs {
		if kf.Prev().IsZero() {
			return kf.Handle()
		}
	}
	return mapgraph.KeyframeHandle{}
}
