// Package inertial implements the three-stage IMU initialization/refinement pipeline
// (InitializeIMU, VIBA1/VIBA2, ScaleRefinement) and the spanning-tree propagation of a full
// inertial bundle adjustment's result.
package inertial

import (
	"github.com/golang/geo/r3"

	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/spatialmath"
)

// Stage distinguishes which inertial prior set an InertialOptimization call should use.
type Stage int

const (
	// StageCoarse is the first bootstrap call, with wide gravity/accelerometer-bias priors.
	StageCoarse Stage = iota
	// StageVIBA1 tightens the priors after roughly 5s of accumulated inertial time.
	StageVIBA1
	// StageVIBA2 removes the priors after roughly 15s; the map is considered fully
	// inertial-optimized from this point on.
	StageVIBA2
)

// PriorsForStage returns the (priorG, priorA) pair the control loop passes for a given stage, per
// the three-stage schedule's successively tighter priors.
func PriorsForStage(stage Stage) (priorG, priorA float64) {
	switch stage {
	case StageVIBA1:
		return 1.0, 1e5
	case StageVIBA2:
		return 0, 0
	default:
		return 1e2, 1e10
	}
}

// Result is the outcome of an InertialOptimization call: the gravity-alignment rotation and
// scale the caller applies to the map as a similarity transform, plus bias estimates.
type Result struct {
	Rwg       spatialmath.Pose
	Scale     float64
	AccelBias r3.Vector
	GyroBias  r3.Vector
}

// OptimizeFunc calls out to the external inertial optimizer collaborator for one of the three
// stages; the stage alone determines which priors the optimizer applies internally (see
// PriorsForStage). rwgGuess seeds the solver with the coarse gravity-alignment estimate
// InitializeIMU derives from the temporal chain's preintegrations before any refinement.
type OptimizeFunc func(m *mapgraph.Map, stage Stage, monocular bool, rwgGuess spatialmath.Pose) (Result, error)

// FullBAFunc calls out to a full bundle adjustment with IMU residuals over the whole active map.
// The solver is expected to stage its output on each touched keyframe via
// Keyframe.SetGBAStage and on each touched map point via MapPoint.SetGBAPosition, tagged with
// gbaID, rather than writing live state directly; Initializer.FullInertialBA then commits the
// staged values through propagateGBA.
type FullBAFunc func(m *mapgraph.Map, gbaID mapgraph.ID, priorG, priorA float64, abortBA func() bool) error

// UpdateFrameIMUFunc notifies the tracker of a newly estimated scale/bias so it can rescale its
// own in-flight frame.
type UpdateFrameIMUFunc func(scale float64, bias [6]float64, anchorKF mapgraph.KeyframeHandle)

// State is the per-map inertial bookkeeping the control loop threads through every call: whether
// the map has been IMU-initialized, the accumulated time since that happened, whether VIBA1/VIBA2
// have run, and the generation counter used to tag full bundle adjustments.
type State struct {
	Initialized       bool
	BadImu            bool
	TInit             float64
	PassedVIBA1       bool
	PassedVIBA2       bool
	LastOptimizableID mapgraph.ID
	gbaGeneration     mapgraph.ID
}

// NextGBAGeneration allocates and returns a new global-BA generation id, used to tag which
// keyframes/map points a FullBAFunc call actually touched.
func (s *State) NextGBAGeneration() mapgraph.ID {
	s.gbaGeneration++
	return s.gbaGeneration
}
