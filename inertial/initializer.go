package inertial

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/localmap/logging"
	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/spatialmath"
)

// nMinKF is the minimum number of keyframes InitializeIMU requires before its first attempt.
const nMinKF = 10

// scaleRefinementFloor rejects an estimated scale this close to zero, the same gate
// InitializeIMU applies: an optimizer producing a near-zero scale means the bootstrap failed,
// not that the scene is genuinely tiny.
const scaleRefinementFloor = 0.1

// scaleRefinementDeadband is how far a monocular ScaleRefinement's estimated scale must be from 1
// before it is worth applying; smaller corrections are noise.
const scaleRefinementDeadband = 0.002

// Initializer runs the three-stage IMU bootstrap (InitializeIMU, VIBA1, VIBA2) and periodic
// monocular ScaleRefinement, plus the spanning-tree propagation of a full inertial bundle
// adjustment's staged output.
type Initializer struct {
	log            logging.Logger
	optimize       OptimizeFunc
	fullBA         FullBAFunc
	updateFrameIMU UpdateFrameIMUFunc
	monocular      bool
}

// NewInitializer constructs an Initializer against the given optimizer/tracker collaborator
// closures.
func NewInitializer(log logging.Logger, optimize OptimizeFunc, fullBA FullBAFunc, updateFrameIMU UpdateFrameIMUFunc, monocular bool) *Initializer {
	return &Initializer{
		log:            log.Sublogger("inertial"),
		optimize:       optimize,
		fullBA:         fullBA,
		updateFrameIMU: updateFrameIMU,
		monocular:      monocular,
	}
}

// Ready reports whether entry conditions for a first InitializeIMU attempt are met: at least
// nMinKF keyframes in the current map segment, spanning at least minTime seconds.
func (init *Initializer) Ready(m *mapgraph.Map, currentH mapgraph.KeyframeHandle, minTime float64) bool {
	kfs := collectTemporal(m, currentH)
	if len(kfs) < nMinKF {
		return false
	}
	span := kfs[len(kfs)-1].Timestamp - kfs[0].Timestamp
	return span >= minTime
}

// collectTemporal walks prev links from currentH back to the start of its temporal chain and
// returns every keyframe visited, in chronological order.
func collectTemporal(m *mapgraph.Map, currentH mapgraph.KeyframeHandle) []*mapgraph.Keyframe {
	cur, ok := currentH.Resolve(m)
	if !ok {
		return nil
	}
	var chain []*mapgraph.Keyframe
	for kf := cur; kf != nil; {
		chain = append(chain, kf)
		prevKF, ok := kf.Prev().Resolve(m)
		if !ok {
			break
		}
		kf = prevKF
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// rotateByPose rotates v by p's rotation without applying its translation, for turning a
// body-frame delta into a world-frame one given a camera pose.
func rotateByPose(p spatialmath.Pose, v r3.Vector) r3.Vector {
	return p.Transform(v).Sub(p.Translation)
}

// InitializeIMU runs Stage 0: estimates the gravity-alignment rotation and scale from the
// temporal keyframe chain's preintegrations, calls out to the inertial optimizer, and — unless
// the estimate is degenerate — applies the resulting similarity transform to the whole map and
// marks it IMU-initialized. If runFIBA is set, it also runs and propagates a full inertial BA.
func (init *Initializer) InitializeIMU(
	m *mapgraph.Map,
	currentH mapgraph.KeyframeHandle,
	state *State,
	minTime float64,
	runFIBA bool,
	abortBA func() bool,
) error {
	kfs := collectTemporal(m, currentH)
	if len(kfs) < nMinKF {
		return nil
	}
	if kfs[len(kfs)-1].Timestamp-kfs[0].Timestamp < minTime {
		return nil
	}

	dirG := r3.Vector{}
	for i := 1; i < len(kfs); i++ {
		prev := kfs[i-1]
		pre := kfs[i].Preintegration()
		if pre == nil {
			continue
		}
		dirG = dirG.Sub(rotateByPose(prev.GetPose().Inverse(), pre.DeltaV))

		dt := kfs[i].Timestamp - prev.Timestamp
		if dt > 0 {
			vel := kfs[i].CameraCenter().Sub(prev.CameraCenter()).Mul(1 / dt)
			kfs[i].SetVelocity(vel)
		}
	}
	if len(kfs) > 1 {
		kfs[0].SetVelocity(kfs[1].GetVelocity())
	}

	if dirG.Norm() < 1e-9 {
		init.log.Warnw("gravity direction estimate degenerate, skipping inertial initialization")
		return nil
	}
	rwgGuess := gravityAlignment(dirG)

	result, err := init.optimize(m, StageCoarse, init.monocular, rwgGuess)
	if err != nil {
		return errors.Wrap(err, "inertial optimization failed")
	}
	if result.Scale < scaleRefinementFloor {
		init.log.Warnw("inertial optimization produced unusable scale, abandoning attempt", "scale", result.Scale)
		return nil
	}

	m.ApplySimilarity(&result.Rwg, result.Scale)
	init.commitBiasAndIMUReady(kfs, result, currentH)

	state.Initialized = true
	state.TInit = 0
	state.LastOptimizableID = currentH.ID()

	if runFIBA {
		return init.FullInertialBA(m, state, abortBA)
	}
	return nil
}

// gravityAlignment computes the axis-angle rotation aligning world gravity g=(0,0,-1) to the
// estimated direction dirG, the coarse guess InitializeIMU's dirG summation produces before the
// optimizer refines it.
func gravityAlignment(dirG r3.Vector) spatialmath.Pose {
	dirG = dirG.Mul(1 / dirG.Norm())
	g := r3.Vector{Z: -1}
	axis := g.Cross(dirG)
	cosAngle := g.Dot(dirG)
	if cosAngle > 1 {
		cosAngle = 1
	} else if cosAngle < -1 {
		cosAngle = -1
	}
	angle := math.Acos(cosAngle)
	var rotVec r3.Vector
	if n := axis.Norm(); n > 1e-12 {
		rotVec = axis.Mul(angle / n)
	}
	return spatialmath.NewPose(spatialmath.ExpMap(rotVec), r3.Vector{})
}

func (init *Initializer) commitBiasAndIMUReady(kfs []*mapgraph.Keyframe, result Result, currentH mapgraph.KeyframeHandle) {
	bias := [6]float64{
		result.AccelBias.X, result.AccelBias.Y, result.AccelBias.Z,
		result.GyroBias.X, result.GyroBias.Y, result.GyroBias.Z,
	}
	if init.updateFrameIMU != nil {
		init.updateFrameIMU(result.Scale, bias, currentH)
	}
	for _, kf := range kfs {
		kf.SetBias(bias)
		kf.SetIMUReady(true)
	}
}

// Refine runs VIBA1 or VIBA2: a repeat InertialOptimization call with progressively tighter
// priors (see PriorsForStage), applying the resulting similarity transform the same way
// InitializeIMU does. Intended to be called once tInit crosses 5s (stage VIBA1) and 15s (stage
// VIBA2).
func (init *Initializer) Refine(m *mapgraph.Map, currentH mapgraph.KeyframeHandle, state *State, stage Stage) error {
	result, err := init.optimize(m, stage, init.monocular, spatialmath.Identity())
	if err != nil {
		return errors.Wrap(err, "inertial refinement failed")
	}
	if result.Scale < scaleRefinementFloor {
		init.log.Warnw("inertial refinement produced unusable scale, skipping", "stage", stage, "scale", result.Scale)
		return nil
	}
	m.ApplySimilarity(&result.Rwg, result.Scale)
	kfs := collectTemporal(m, currentH)
	init.commitBiasAndIMUReady(kfs, result, currentH)

	switch stage {
	case StageVIBA1:
		state.PassedVIBA1 = true
	case StageVIBA2:
		state.PassedVIBA2 = true
	}
	return nil
}

// ScaleRefinement runs the periodic monocular-only scale correction: an InertialOptimization call
// with an identity gravity-alignment guess and unit scale, applying the similarity only when the
// resulting scale differs from 1 by more than scaleRefinementDeadband (stereo sessions always
// apply, since they have no scale ambiguity to correct).
func (init *Initializer) ScaleRefinement(m *mapgraph.Map, stereo bool) error {
	result, err := init.optimize(m, StageVIBA2, init.monocular, spatialmath.Identity())
	if err != nil {
		return errors.Wrap(err, "scale refinement failed")
	}
	if result.Scale < scaleRefinementFloor {
		init.log.Warnw("scale refinement produced unusable scale, skipping", "scale", result.Scale)
		return nil
	}
	if !stereo && math.Abs(result.Scale-1) <= scaleRefinementDeadband {
		return nil
	}
	m.ApplySimilarity(&result.Rwg, result.Scale)
	return nil
}

// FullInertialBA calls out to a full bundle adjustment over the whole active map with IMU
// residuals, then propagates its staged result through the spanning tree from every map origin.
func (init *Initializer) FullInertialBA(m *mapgraph.Map, state *State, abortBA func() bool) error {
	if init.fullBA == nil {
		return nil
	}
	priorA := 0.0
	if !state.PassedVIBA2 {
		priorA = 1e5
	}
	gbaID := state.NextGBAGeneration()
	if err := init.fullBA(m, gbaID, 1e2, priorA, abortBA); err != nil {
		return errors.Wrap(err, "full inertial bundle adjustment failed")
	}
	propagateGBA(m, gbaID)
	return nil
}

// propagateGBA walks the spanning tree breadth-first from every map origin, committing each
// visited keyframe's staged GBA pose/velocity/bias onto its live state — composing a correction
// from its parent for any child the bundle adjustment itself did not touch — and then updates
// every map point: one directly optimized in this round adopts its staged position; every other
// one is re-backprojected using its reference keyframe's pose before and after the commit.
func propagateGBA(m *mapgraph.Map, gbaID mapgraph.ID) {
	beforePose := make(map[mapgraph.ID]spatialmath.Pose)

	var queue []mapgraph.KeyframeHandle
	for _, originID := range m.Origins() {
		originH := mapgraph.KeyframeHandle{}
		if kf, ok := m.Keyframe(originID); ok {
			originH = kf.Handle()
		}
		if originH.IsZero() {
			continue
		}
		queue = append(queue, originH)
	}

	visited := make(map[mapgraph.ID]bool)
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		kf, ok := h.Resolve(m)
		if !ok || visited[kf.ID()] {
			continue
		}
		visited[kf.ID()] = true

		if _, _, _, staged := kf.GBAStage(); !staged {
			if parentKF, ok := kf.Parent().Resolve(m); ok {
				if parentBefore, hasParent := beforePose[parentKF.ID()]; hasParent {
					oldPose := kf.GetPose()
					tChildRelParent := oldPose.Compose(parentBefore.Inverse())
					correctedTcw := tChildRelParent.Compose(parentKF.GetPose())

					rCor := quat.Mul(quat.Conj(correctedTcw.Rotation), oldPose.Rotation)
					velocity := rotateByPose(spatialmath.NewPose(rCor, r3.Vector{}), kf.GetVelocity())

					kf.SetGBAStage(correctedTcw, velocity, kf.Bias)
				}
			}
		}

		before := kf.CommitGBAStage()
		beforePose[kf.ID()] = before
		kf.SetBAGlobalForKF(gbaID)

		for _, childID := range kf.Children() {
			if childKF, ok := m.Keyframe(childID); ok {
				queue = append(queue, childKF.Handle())
			}
		}
	}

	for _, mp := range m.AllMapPoints() {
		if mp.BAGlobalForKF() == gbaID {
			mp.SetPosition(mp.GBAPosition())
			continue
		}
		refH := mp.ReferenceKeyframe()
		refKF, ok := refH.Resolve(m)
		if !ok {
			continue
		}
		before, hasBefore := beforePose[refKF.ID()]
		if !hasBefore {
			continue
		}
		local := before.Transform(mp.GetPosition())
		mp.SetPosition(refKF.GetPose().Inverse().Transform(local))
	}
}
