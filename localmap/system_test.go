package localmap

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/localmap/fuse"
	"go.viam.com/localmap/logging"
	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/spatialmath"
	"go.viam.com/localmap/triangulate"
)

type stubMatcher struct{}

func (stubMatcher) SearchForTriangulation(kf1, kf2 *mapgraph.Keyframe, ratio float64, checkOri, coarse bool) ([]triangulate.MatchCandidate, error) {
	return nil, nil
}

func (stubMatcher) Fuse(target *mapgraph.Keyframe, side mapgraph.CameraSide, points []mapgraph.MapPointHandle) ([]fuse.Candidate, error) {
	return nil, nil
}

type stubOptimizer struct{}

func (stubOptimizer) LocalBundleAdjustment(m *mapgraph.Map, currentKF mapgraph.KeyframeHandle, abortBA func() bool) (BAResult, error) {
	return BAResult{}, nil
}

func (stubOptimizer) LocalInertialBA(m *mapgraph.Map, currentKF mapgraph.KeyframeHandle, large, stage1 bool, abortBA func() bool) (BAResult, error) {
	return BAResult{}, nil
}

func (stubOptimizer) InertialOptimization(m *mapgraph.Map, stage OptimizerStage, monocular bool, rwgGuess spatialmath.Pose) (InertialResult, error) {
	return InertialResult{}, nil
}

func (stubOptimizer) FullInertialBA(m *mapgraph.Map, gbaID mapgraph.ID, priorG, priorA float64, abortBA func() bool) (BAResult, error) {
	return BAResult{}, nil
}

type stubTracker struct {
	inliers      int
	recentlyLost bool
}

func (t *stubTracker) GetMatchesInliers() int { return t.inliers }
func (t *stubTracker) IsRecentlyLost() bool   { return t.recentlyLost }
func (t *stubTracker) UpdateFrameIMU(scale float64, bias [6]float64, anchorKF mapgraph.KeyframeHandle) {
}

func newTestSystem(t *testing.T, cfg Configuration) *System {
	t.Helper()
	m := mapgraph.NewMap()
	s, err := NewSystem(logging.NewTestLogger(t), cfg, m, stubMatcher{}, stubOptimizer{}, &stubTracker{}, nil)
	test.That(t, err, test.ShouldBeNil)
	return s
}

func TestNewSystemRejectsInvalidConfiguration(t *testing.T) {
	m := mapgraph.NewMap()
	cfg := DefaultConfiguration("")
	_, err := NewSystem(logging.NewTestLogger(t), cfg, m, stubMatcher{}, stubOptimizer{}, &stubTracker{}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestInsertKeyFrameEnqueuesAndInterruptsBA(t *testing.T) {
	s := newTestSystem(t, DefaultConfiguration("seq"))
	s.InterruptBA()
	s.state.clearAbortBA()

	h := newTestKeyframe(s.m, 0)
	test.That(t, s.InsertKeyFrame(h), test.ShouldBeTrue)
	test.That(t, s.state.AbortBA(), test.ShouldBeTrue)
	test.That(t, s.queue.Len(), test.ShouldEqual, 1)
}

func TestInsertKeyFrameFailsWhenQueueFull(t *testing.T) {
	cfg := DefaultConfiguration("seq")
	cfg.InputQueueCapacity = 1
	s := newTestSystem(t, cfg)
	test.That(t, s.InsertKeyFrame(newTestKeyframe(s.m, 0)), test.ShouldBeTrue)
	test.That(t, s.InsertKeyFrame(newTestKeyframe(s.m, 1)), test.ShouldBeFalse)
}

func TestIsInitializingFalseForNonInertialConfig(t *testing.T) {
	s := newTestSystem(t, DefaultConfiguration("seq"))
	test.That(t, s.IsInitializing(), test.ShouldBeFalse)
}

func TestIsInitializingTrueUntilInertialStateSet(t *testing.T) {
	cfg := DefaultConfiguration("seq")
	cfg.Inertial = true
	s := newTestSystem(t, cfg)
	test.That(t, s.IsInitializing(), test.ShouldBeTrue)

	s.inertialMu.Lock()
	s.inertialState.Initialized = true
	s.inertialMu.Unlock()
	test.That(t, s.IsInitializing(), test.ShouldBeFalse)
}

func TestGetCurrKFTracksSetCurrentKF(t *testing.T) {
	s := newTestSystem(t, DefaultConfiguration("seq"))
	test.That(t, s.GetCurrKF().IsZero(), test.ShouldBeTrue)
	test.That(t, s.GetCurrKFTime(), test.ShouldEqual, 0)

	h := newTestKeyframe(s.m, 42)
	s.setCurrentKF(h)
	test.That(t, s.GetCurrKF(), test.ShouldResemble, h)
	test.That(t, s.GetCurrKFTime(), test.ShouldEqual, 42)
}

func TestProcessPipelineDrainsQueueAndRunsPipeline(t *testing.T) {
	s := newTestSystem(t, DefaultConfiguration("seq"))
	h1 := newTestKeyframe(s.m, 0)
	h2 := newTestKeyframe(s.m, 1)
	s.m.LinkTemporal(h1, h2)
	s.queue.Push(h1)
	s.queue.Push(h2)

	s.processPipeline()
	test.That(t, s.GetCurrKF(), test.ShouldResemble, h1)
	test.That(t, s.queue.Len(), test.ShouldEqual, 1)

	s.processPipeline()
	test.That(t, s.GetCurrKF(), test.ShouldResemble, h2)
	test.That(t, s.queue.Empty(), test.ShouldBeTrue)
}

func TestStopRequestTakesEffectInLoop(t *testing.T) {
	s := newTestSystem(t, DefaultConfiguration("seq"))
	s.Start()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	test.That(t, s.Stop(ctx), test.ShouldBeTrue)
	test.That(t, s.IsStopped(), test.ShouldBeTrue)

	s.Release()
	test.That(t, s.IsStopped(), test.ShouldBeFalse)
}

func TestCheckInertialInactivityResetsOnInsufficientMotion(t *testing.T) {
	cfg := DefaultConfiguration("seq")
	cfg.Inertial = true
	s := newTestSystem(t, cfg)

	prev := newTestKeyframe(s.m, 0)
	h := newTestKeyframe(s.m, 8)
	s.m.LinkTemporal(prev, h)

	s.inertialMu.Lock()
	s.inertialState.TInit = 8.0
	s.inertialMu.Unlock()

	s.checkInertialInactivity(h)

	test.That(t, s.inertialSnapshot().BadImu, test.ShouldBeTrue)
	full, activeMap := s.state.consumeResetRequests()
	test.That(t, full, test.ShouldBeFalse)
	test.That(t, activeMap, test.ShouldEqual, s.m)
}

func TestCheckInertialInactivitySkipsOncePastVIBA2(t *testing.T) {
	cfg := DefaultConfiguration("seq")
	cfg.Inertial = true
	s := newTestSystem(t, cfg)

	prev := newTestKeyframe(s.m, 0)
	h := newTestKeyframe(s.m, 8)
	s.m.LinkTemporal(prev, h)

	s.inertialMu.Lock()
	s.inertialState.TInit = 8.0
	s.inertialState.PassedVIBA2 = true
	s.inertialMu.Unlock()

	s.checkInertialInactivity(h)

	test.That(t, s.inertialSnapshot().BadImu, test.ShouldBeFalse)
	full, activeMap := s.state.consumeResetRequests()
	test.That(t, full, test.ShouldBeFalse)
	test.That(t, activeMap, test.ShouldBeNil)
}

func TestRequestFinishStopsTheLoop(t *testing.T) {
	s := newTestSystem(t, DefaultConfiguration("seq"))
	s.Start()

	s.RequestFinish()

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsFinished() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	test.That(t, s.IsFinished(), test.ShouldBeTrue)
	s.Close()
}
