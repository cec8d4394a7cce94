package localmap

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/localmap/cull"
	"go.viam.com/localmap/fuse"
	"go.viam.com/localmap/inertial"
	"go.viam.com/localmap/logging"
	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/spatialmath"
	"go.viam.com/localmap/triangulate"
	"go.viam.com/localmap/utils"
)

const (
	loopSleep = 3 * time.Millisecond

	minKeyframesForLocalBA = 2
	tInitVIBA1             = 5.0
	tInitVIBA2             = 15.0
	inertialInactivityTime = 10.0
	inertialInactivityDist = 0.02

	scaleRefinementKFCap = 200

	minInitTimeMono   = 2.0
	minInitTimeStereo = 1.0
)

// scaleRefinementCrossings are the tInit values (seconds) at which a periodic monocular
// ScaleRefinement pass fires.
var scaleRefinementCrossings = []float64{25, 35, 45, 55, 65, 75}

// System wires the Map Graph, Recent-MapPoint Tracker, Triangulator, Fuser, Culler, and Inertial
// Initializer together behind the control loop, and exposes the control-plane surface a Tracker
// and Loop Closer coordinate through.
type System struct {
	log logging.Logger
	cfg Configuration

	m *mapgraph.Map

	queue *InputQueue
	state *controlState

	recent       *triangulate.RecentMapPoints
	triangulator *triangulate.Triangulator
	fuser        *fuse.Fuser
	culler       *cull.Culler
	inertialInit *inertial.Initializer

	optimizer  Optimizer
	tracker    Tracker
	loopCloser LoopCloser

	workers utils.StoppableWorkers

	mu                     sync.Mutex
	currentKF              mapgraph.KeyframeHandle
	lastScaleRefinementIdx int

	inertialMu    sync.Mutex
	inertialState inertial.State
}

// NewSystem constructs a System around an existing map arena and its external collaborators.
// The map is expected to be empty or already seeded by a prior session; NewSystem does not touch
// it beyond reading configuration-derived constants.
func NewSystem(
	log logging.Logger,
	cfg Configuration,
	m *mapgraph.Map,
	matcher Matcher,
	optimizer Optimizer,
	tracker Tracker,
	loopCloser LoopCloser,
) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid local mapping configuration")
	}

	sub := log.Sublogger("localmap")
	s := &System{
		log:          sub,
		cfg:          cfg,
		m:            m,
		queue:        NewInputQueue(cfg.InputQueueCapacity),
		state:        newControlState(),
		recent:       triangulate.NewRecentMapPoints(),
		triangulator: triangulate.NewTriangulator(sub, matcher, cfg.Monocular, cfg.Inertial, cfg.FarPoints, cfg.FarPointsThreshold),
		fuser:        fuse.NewFuser(sub, matcher, cfg.Monocular, cfg.Inertial),
		culler:       cull.NewCuller(sub, cfg.Monocular, cfg.Inertial, cfg.ThDepth),
		optimizer:    optimizer,
		tracker:      tracker,
		loopCloser:   loopCloser,
	}
	s.inertialInit = inertial.NewInitializer(sub, s.optimizeAdapter, s.fullBAAdapter, s.updateFrameIMUAdapter, cfg.Monocular)
	return s, nil
}

// Start launches the control loop as a background worker.
func (s *System) Start() {
	s.workers = utils.NewStoppableWorkers(s.loop)
}

// Map returns the map arena this system operates on, for a Tracker to construct keyframes and
// provisional map points against before calling InsertKeyFrame.
func (s *System) Map() *mapgraph.Map { return s.m }

// InsertKeyFrame enqueues a keyframe the Tracker has already inserted into the Map arena, and
// raises abortBA so any in-flight bundle adjustment returns early: every enqueue from the
// tracker raises the abort flag.
func (s *System) InsertKeyFrame(h mapgraph.KeyframeHandle) bool {
	ok := s.queue.Push(h)
	if ok {
		s.state.InterruptBA()
	}
	return ok
}

// AcceptKeyFrames reports whether the loop is currently willing to take new keyframes.
func (s *System) AcceptKeyFrames() bool { return s.state.AcceptKeyFrames() }

// SetAcceptKeyFrames overrides the accept flag directly; used by tests and by a caller driving
// the loop manually instead of via Start.
func (s *System) SetAcceptKeyFrames(v bool) { s.state.setAcceptKeyFrames(v) }

// RequestStop asks the loop to enter the stopped state at its next safe point.
func (s *System) RequestStop() { s.state.RequestStop() }

// Stop requests a stop and blocks until the loop actually reaches the stopped state or finishes,
// polling on the same cadence as the control loop's own sleep.
func (s *System) Stop(ctx context.Context) bool {
	s.state.RequestStop()
	for {
		if s.state.IsStopped() || s.state.IsFinished() {
			return true
		}
		if !goutils.SelectContextOrWait(ctx, loopSleep) {
			return false
		}
	}
}

// IsStopped reports whether the loop is currently in the stopped state.
func (s *System) IsStopped() bool { return s.state.IsStopped() }

// StopRequested reports whether a stop is pending, regardless of whether it has taken effect.
func (s *System) StopRequested() bool { return s.state.StopRequested() }

// Release resumes the loop after a stop.
func (s *System) Release() { s.state.Release() }

// SetNotStop vetoes (or un-vetoes) a pending stop.
func (s *System) SetNotStop(v bool) bool { return s.state.SetNotStop(v) }

// InterruptBA raises the abort flag without requesting a stop.
func (s *System) InterruptBA() { s.state.InterruptBA() }

// RequestReset asks the loop to clear all active-map state at its next safe point.
func (s *System) RequestReset() { s.state.RequestReset() }

// RequestResetActiveMap asks the loop to reset only the given map.
func (s *System) RequestResetActiveMap(m *mapgraph.Map) { s.state.RequestResetActiveMap(m) }

// RequestFinish asks the loop to exit after its current iteration.
func (s *System) RequestFinish() { s.state.RequestFinish() }

// IsFinished reports whether the loop has exited.
func (s *System) IsFinished() bool { return s.state.IsFinished() }

// IsInitializing reports whether the active map has not yet completed inertial initialization;
// always false in a non-inertial configuration.
func (s *System) IsInitializing() bool {
	if !s.cfg.Inertial {
		return false
	}
	return !s.inertialSnapshot().Initialized
}

// GetCurrKF returns the keyframe the control loop is currently processing, or most recently
// finished processing.
func (s *System) GetCurrKF() mapgraph.KeyframeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentKF
}

// GetCurrKFTime returns the timestamp of GetCurrKF, 0 if no keyframe has been processed yet or
// the keyframe has since been culled.
func (s *System) GetCurrKFTime() float64 {
	h := s.GetCurrKF()
	kf, ok := h.Resolve(s.m)
	if !ok {
		return 0
	}
	return kf.Timestamp
}

func (s *System) setCurrentKF(h mapgraph.KeyframeHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentKF = h
}

// Close stops the control loop and waits for it to exit.
func (s *System) Close() {
	if s.workers != nil {
		s.workers.Stop()
	}
}

func (s *System) abortBA() bool { return s.state.AbortBA() }

// inertialSnapshot returns a copy of the current inertial bookkeeping under inertialMu. Every
// mutating call into the inertial package must itself hold inertialMu for its full duration, so
// that a snapshot never races a concurrent State field write.
func (s *System) inertialSnapshot() inertial.State {
	s.inertialMu.Lock()
	defer s.inertialMu.Unlock()
	return s.inertialState
}

func (s *System) optimizeAdapter(m *mapgraph.Map, stage inertial.Stage, monocular bool, rwgGuess spatialmath.Pose) (inertial.Result, error) {
	res, err := s.optimizer.InertialOptimization(m, OptimizerStage(stage), monocular, rwgGuess)
	if err != nil {
		return inertial.Result{}, err
	}
	return inertial.Result{Rwg: res.Rwg, Scale: res.Scale, AccelBias: res.AccelBias, GyroBias: res.GyroBias}, nil
}

func (s *System) fullBAAdapter(m *mapgraph.Map, gbaID mapgraph.ID, priorG, priorA float64, abortBA func() bool) error {
	_, err := s.optimizer.FullInertialBA(m, gbaID, priorG, priorA, abortBA)
	return err
}

func (s *System) updateFrameIMUAdapter(scale float64, bias [6]float64, anchorKF mapgraph.KeyframeHandle) {
	if s.tracker != nil {
		s.tracker.UpdateFrameIMU(scale, bias, anchorKF)
	}
}

// loop is the control loop's background worker function, one pipeline pass per iteration.
func (s *System) loop(ctx context.Context) {
	for {
		s.state.setAcceptKeyFrames(false)

		badImu := s.inertialSnapshot().BadImu

		switch {
		case !s.queue.Empty() && !badImu:
			s.processPipeline()
		case s.state.StopRequested():
			if s.state.tryStop() {
				for s.state.IsStopped() && !s.state.checkFinish() {
					if !goutils.SelectContextOrWait(ctx, loopSleep) {
						return
					}
				}
			}
		}

		if full, activeMap := s.state.consumeResetRequests(); full || activeMap != nil {
			s.applyReset(activeMap)
		}

		s.state.setAcceptKeyFrames(true)

		if s.state.checkFinish() {
			s.state.setFinished()
			return
		}
		if !goutils.SelectContextOrWait(ctx, loopSleep) {
			return
		}
	}
}

// applyReset clears the queue, recent-MP list, and inertial bookkeeping for a reset request.
// activeMap is currently informational only: this system manages a single active map, so both a
// full reset and an active-map-only reset clear the same state.
func (s *System) applyReset(activeMap *mapgraph.Map) {
	s.queue.Clear()
	s.recent.Clear()
	s.inertialMu.Lock()
	s.inertialState = inertial.State{}
	s.inertialMu.Unlock()
	s.log.Infow("local mapping state reset", "active_map_only", activeMap != nil)
}

// processPipeline runs the per-keyframe pipeline: attach observations, cull stale recent
// points, triangulate, fuse, bundle-adjust, inertial init/refine, cull keyframes, hand off.
func (s *System) processPipeline() {
	h, ok := s.queue.Pop()
	if !ok {
		return
	}
	s.state.clearAbortBA()
	s.setCurrentKF(h)

	if err := s.processNewKeyFrame(h); err != nil {
		s.log.Errorw("process new keyframe failed", "error", err)
		return
	}

	s.accumulateTInit(h)

	s.recent.Cull(s.m, h.ID(), s.cullTheta())

	var stageErr error
	if _, err := s.triangulator.CreateNewMapPoints(s.m, h, s.recent, s.coarseTriangulation(), s.queueHasWork); err != nil {
		stageErr = multierr.Combine(stageErr, errors.Wrap(err, "create new map points"))
	}

	if s.queue.Empty() {
		if _, err := s.fuser.SearchInNeighbors(s.m, h, s.abortBA); err != nil {
			stageErr = multierr.Combine(stageErr, errors.Wrap(err, "search in neighbors"))
		}
	}

	stageErr = multierr.Combine(stageErr, s.runLocalBA(h))

	if s.cfg.Inertial && !s.inertialSnapshot().Initialized {
		s.inertialMu.Lock()
		err := s.inertialInit.InitializeIMU(s.m, h, &s.inertialState, s.minInitTime(), true, s.abortBA)
		s.inertialMu.Unlock()
		if err != nil {
			stageErr = multierr.Combine(stageErr, errors.Wrap(err, "initialize imu"))
		}
	}

	inertialSnap := s.inertialSnapshot()
	culled := s.culler.Run(s.m, h, cull.InertialState{
		IMUInitialized:    inertialSnap.Initialized,
		PassedBA2:         inertialSnap.PassedVIBA2,
		LastOptimizableID: inertialSnap.LastOptimizableID,
	}, s.abortBA)
	if culled > 0 {
		s.log.Debugw("culled redundant keyframes", "count", culled)
	}

	stageErr = multierr.Combine(stageErr, s.runInertialSchedule(h))

	if stageErr != nil {
		s.log.Errorw("local mapping pipeline stage errors", "keyframe", h.ID(), "error", stageErr)
	}

	if s.loopCloser != nil {
		s.loopCloser.InsertKeyFrame(h)
	}
}

func (s *System) queueHasWork() bool { return !s.queue.Empty() }

func (s *System) cullTheta() int {
	if s.cfg.Monocular {
		return 2
	}
	return 3
}

func (s *System) coarseTriangulation() bool {
	if !s.cfg.Inertial || s.tracker == nil {
		return false
	}
	return s.tracker.IsRecentlyLost() && s.inertialSnapshot().PassedVIBA2
}

func (s *System) minInitTime() float64 {
	if s.cfg.Monocular {
		return minInitTimeMono
	}
	return minInitTimeStereo
}

// processNewKeyFrame attaches the keyframe's existing map-point observations: points the
// tracker created fresh at this very keyframe go to the probation list, points this
// keyframe newly observes that already existed elsewhere have their distinctive descriptor and
// normal/depth refreshed. Either way, covisibility is recomputed last.
func (s *System) processNewKeyFrame(h mapgraph.KeyframeHandle) error {
	kf, ok := h.Resolve(s.m)
	if !ok {
		return errors.Errorf("keyframe %d no longer exists", h.ID())
	}

	for _, mpH := range kf.Observations() {
		mp, ok := mpH.Resolve(s.m)
		if !ok || mp.IsBad() {
			continue
		}
		if mp.FirstKeyframeID() == kf.ID() {
			s.recent.Add(mpH)
			continue
		}
		mapgraph.RefreshDescriptor(s.m, mp)
		mapgraph.UpdateNormalAndDepth(s.m, mp)
	}

	s.m.UpdateConnections(h, 15)
	return nil
}

// accumulateTInit advances the inertial-initialization clock by the time elapsed
// since the previous keyframe, mirroring the original's mTinit bookkeeping.
func (s *System) accumulateTInit(h mapgraph.KeyframeHandle) {
	if !s.cfg.Inertial {
		return
	}
	kf, ok := h.Resolve(s.m)
	if !ok {
		return
	}
	prev, ok := kf.Prev().Resolve(s.m)
	if !ok {
		return
	}

	s.inertialMu.Lock()
	s.inertialState.TInit += kf.Timestamp - prev.Timestamp
	s.inertialMu.Unlock()
}

// runLocalBA skips the pass if a new keyframe is already queued, if a stop is
// pending, or if the map has too few keyframes; otherwise runs visual or visual-inertial local BA
// depending on whether the active map is IMU-initialized.
func (s *System) runLocalBA(h mapgraph.KeyframeHandle) error {
	if !s.queue.Empty() || s.state.StopRequested() {
		return nil
	}
	if s.m.KeyframeCount() <= minKeyframesForLocalBA {
		return nil
	}

	if s.cfg.Inertial && s.inertialSnapshot().Initialized {
		large := s.tracker != nil && s.tracker.GetMatchesInliers() > 75
		stage1 := !s.inertialSnapshot().PassedVIBA2
		_, err := s.optimizer.LocalInertialBA(s.m, h, large, stage1, s.abortBA)
		s.checkInertialInactivity(h)
		if err != nil {
			return errors.Wrap(err, "local inertial bundle adjustment")
		}
		return nil
	}

	if _, err := s.optimizer.LocalBundleAdjustment(s.m, h, s.abortBA); err != nil {
		return errors.Wrap(err, "local bundle adjustment")
	}
	return nil
}

// checkInertialInactivity requests an active-map reset when, still within the first 10s of
// inertial time and before VIBA2 has passed, the current keyframe hasn't moved meaningfully
// relative to its temporal predecessor — the "insufficient motion during inertial bootstrap"
// error case.
func (s *System) checkInertialInactivity(h mapgraph.KeyframeHandle) {
	kf, ok := h.Resolve(s.m)
	if !ok {
		return
	}
	prevKF, ok := kf.Prev().Resolve(s.m)
	if !ok {
		return
	}

	snap := s.inertialSnapshot()
	if snap.PassedVIBA2 {
		return
	}
	if snap.TInit >= inertialInactivityTime {
		return
	}
	displacement := kf.CameraCenter().Sub(prevKF.CameraCenter()).Norm()
	if displacement < inertialInactivityDist {
		s.inertialMu.Lock()
		s.inertialState.BadImu = true
		s.inertialMu.Unlock()
		s.state.RequestResetActiveMap(s.m)
	}
}

// runInertialSchedule runs the VIBA1/VIBA2 refinement passes at fixed tInit crossings, and
// periodic monocular ScaleRefinement while the map stays small enough to benefit from it.
func (s *System) runInertialSchedule(h mapgraph.KeyframeHandle) error {
	if !s.cfg.Inertial {
		return nil
	}

	snap := s.inertialSnapshot()
	if !snap.Initialized {
		return nil
	}

	var stageErr error
	if !snap.PassedVIBA1 && snap.TInit > tInitVIBA1 {
		s.inertialMu.Lock()
		err := s.inertialInit.Refine(s.m, h, &s.inertialState, inertial.StageVIBA1)
		s.inertialMu.Unlock()
		if err != nil {
			stageErr = multierr.Combine(stageErr, errors.Wrap(err, "viba1 refinement"))
		}
	} else if !snap.PassedVIBA2 && snap.TInit > tInitVIBA2 {
		s.inertialMu.Lock()
		err := s.inertialInit.Refine(s.m, h, &s.inertialState, inertial.StageVIBA2)
		s.inertialMu.Unlock()
		if err != nil {
			stageErr = multierr.Combine(stageErr, errors.Wrap(err, "viba2 refinement"))
		}
	}
	tInit := snap.TInit

	if !s.cfg.Monocular || s.m.KeyframeCount() > scaleRefinementKFCap {
		return stageErr
	}
	idx := s.nextScaleRefinementCrossing(tInit)
	if idx < 0 {
		return stageErr
	}
	if err := s.inertialInit.ScaleRefinement(s.m, !s.cfg.Monocular); err != nil {
		stageErr = multierr.Combine(stageErr, errors.Wrap(err, "scale refinement"))
	}
	return stageErr
}

// nextScaleRefinementCrossing returns the index into scaleRefinementCrossings that tInit has just
// crossed for the first time, -1 if none.
func (s *System) nextScaleRefinementCrossing(tInit float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastScaleRefinementIdx >= len(scaleRefinementCrossings) {
		return -1
	}
	if tInit <= scaleRefinementCrossings[s.lastScaleRefinementIdx] {
		return -1
	}
	idx := s.lastScaleRefinementIdx
	s.lastScaleRefinementIdx++
	return idx
}
