// Package cull implements the Keyframe Culler (KeyFrameCulling): it removes keyframes whose
// observations are redundant with their covisible neighbors, keeping the active map's keyframe
// density bounded without discarding unique viewpoints.
package cull

import (
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/localmap/logging"
	"go.viam.com/localmap/mapgraph"
)

const (
	nd            = 21
	thetaRedMono  = 0.9
	thetaRedImu   = 0.5
	maxCulls      = 20
	maxIterations = 100
)

// InertialState carries the inertial-mode facts the culler needs from the control loop that a
// map-graph query alone cannot answer.
type InertialState struct {
	IMUInitialized bool
	PassedBA2      bool
	// LastOptimizableID bounds the IMU-initialized merge in cullInertial. Run overwrites it with
	// the id reached by walking nd prev links back from the current keyframe.
	LastOptimizableID mapgraph.ID
}

// Culler removes redundant keyframes from the covisibility neighborhood of a newly processed
// keyframe.
type Culler struct {
	log       logging.Logger
	monocular bool
	inertial  bool
	thDepth   float64
}

// NewCuller constructs a Culler. thDepth is the stereo close-point depth gate (ignored in
// monocular mode, where no per-feature depth is available to gate on).
func NewCuller(log logging.Logger, monocular, inertial bool, thDepth float64) *Culler {
	return &Culler{log: log, monocular: monocular, inertial: inertial, thDepth: thDepth}
}

// Run walks the covisible neighbors of currentH and marks redundant ones bad, returning the
// number culled. abortBA is polled to throttle a long-running pass once more than 20 keyframes
// have already been culled; the pass also hard-stops after 100 iterations regardless.
func (c *Culler) Run(m *mapgraph.Map, currentH mapgraph.KeyframeHandle, state InertialState, abortBA func() bool) int {
	currentKF, ok := currentH.Resolve(m)
	if !ok {
		return 0
	}

	origins := make(map[mapgraph.ID]bool)
	for _, id := range m.Origins() {
		origins[id] = true
	}

	thetaRed := thetaRedMono
	if c.inertial && !c.monocular {
		thetaRed = thetaRedImu
	}

	if c.inertial {
		aux := currentKF
		for count := 0; count < nd; count++ {
			prevKF, ok := aux.Prev().Resolve(m)
			if !ok {
				break
			}
			aux = prevKF
		}
		state.LastOptimizableID = aux.ID()
	}

	culled := 0
	iterations := 0
	for _, neighborID := range currentKF.AllCovisible() {
		iterations++
		if iterations > maxIterations {
			break
		}
		if origins[neighborID] {
			continue
		}
		kf, ok := m.Keyframe(neighborID)
		if !ok || kf.IsBad() {
			continue
		}
		if !isRedundant(m, kf, thetaRed, c.monocular, c.thDepth) {
			continue
		}

		if !c.inertial {
			m.MarkKeyframeBad(kf.Handle())
			culled++
		} else if c.cullInertial(m, kf, currentKF.ID(), state) {
			culled++
		}

		if culled > maxCulls && abortBA != nil && abortBA() {
			break
		}
	}

	return culled
}

// cullInertial applies the inertial-mode merge conditions to a redundant keyframe kf, marking it
// bad (and so splicing its prev/next temporal neighbors together) when they hold.
func (c *Culler) cullInertial(m *mapgraph.Map, kf *mapgraph.Keyframe, currentID mapgraph.ID, state InertialState) bool {
	if m.KeyframeCount() <= nd {
		return false
	}
	if kf.ID() > currentID-2 {
		return false
	}

	prevH, nextH := kf.Prev(), kf.Next()
	prevKF, hasPrev := prevH.Resolve(m)
	nextKF, hasNext := nextH.Resolve(m)

	if hasPrev && hasNext {
		t := nextKF.Timestamp - prevKF.Timestamp
		if (state.IMUInitialized && kf.ID() < state.LastOptimizableID && t < 3.0) || t < 0.5 {
			mergePreintegration(kf, nextKF)
			m.MarkKeyframeBad(kf.Handle())
			return true
		}
		if !state.PassedBA2 && t < 3.0 {
			if kf.CameraCenter().Sub(prevKF.CameraCenter()).Norm() < 0.02 {
				mergePreintegration(kf, nextKF)
				m.MarkKeyframeBad(kf.Handle())
				return true
			}
		}
	}

	return false
}

// mergePreintegration folds kf's preintegration (spanning kf.Prev() to kf) into next's (spanning
// kf to next) before kf is culled, so next's blob ends up spanning kf.Prev() to next instead of
// going stale once kf drops out of the temporal chain. DeltaV/DeltaP are summed directly rather
// than rotation-compensated against kf's DeltaR; true bias-corrected recomposition is the
// preintegration collaborator's job, not this package's.
func mergePreintegration(kf, next *mapgraph.Keyframe) {
	kp := kf.Preintegration()
	np := next.Preintegration()
	if kp == nil || np == nil {
		return
	}
	next.SetPreintegration(&mapgraph.Preintegration{
		DeltaR: quat.Mul(kp.DeltaR, np.DeltaR),
		DeltaV: kp.DeltaV.Add(np.DeltaV),
		DeltaP: kp.DeltaP.Add(np.DeltaP),
		Dt:     kp.Dt + np.Dt,
	})
}

// isRedundant implements the close-MP redundancy test: kf is redundant when at least thetaRed of
// its close map points (depth-gated to (0, thDepth] in stereo mode) are also observed by at least
// three other non-bad keyframes at a pyramid level no coarser than kf's own level on that point,
// plus one.
func isRedundant(m *mapgraph.Map, kf *mapgraph.Keyframe, thetaRed float64, monocular bool, thDepth float64) bool {
	numClose := 0
	numRedundant := 0

	for leftIdx, mpH := range kf.Observations() {
		if leftIdx < 0 || leftIdx >= len(kf.LeftFeatures) {
			continue
		}
		mp, ok := mpH.Resolve(m)
		if !ok || mp.IsBad() {
			continue
		}
		kp := kf.LeftFeatures[leftIdx]
		if !monocular && kf.Baseline > 0 {
			if !(kp.Depth > 0 && kp.Depth <= thDepth) {
				continue
			}
		}
		numClose++

		observers := 0
		for otherID, obs := range mp.Observations() {
			if otherID == kf.ID() {
				continue
			}
			other, ok := m.Keyframe(otherID)
			if !ok || other.IsBad() {
				continue
			}
			otherLevel, ok := featureOctave(other, obs)
			if !ok || otherLevel > kp.Octave+1 {
				continue
			}
			observers++
			if observers >= 3 {
				break
			}
		}
		if observers >= 3 {
			numRedundant++
		}
	}

	if numClose == 0 {
		return false
	}
	return float64(numRedundant)/float64(numClose) >= thetaRed
}

func featureOctave(kf *mapgraph.Keyframe, obs mapgraph.Observation) (int, bool) {
	if obs.Left >= 0 && obs.Left < len(kf.LeftFeatures) {
		return kf.LeftFeatures[obs.Left].Octave, true
	}
	if obs.Right >= 0 && obs.Right < len(kf.RightFeatures) {
		return kf.RightFeatures[obs.Right].Octave, true
	}
	return 0, false
}
