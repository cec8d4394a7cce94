package localmap

import (
	"github.com/golang/geo/r3"

	"go.viam.com/localmap/fuse"
	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/spatialmath"
	"go.viam.com/localmap/triangulate"
)

// OptimizerStage distinguishes which inertial prior set an optimization call should use; see
// the three-stage inertial schedule (coarse, VIBA1, and VIBA2).
type OptimizerStage int

const (
	// StageCoarse is the first inertial optimization call, with wide gravity/accelerometer-bias
	// priors.
	StageCoarse OptimizerStage = iota
	// StageVIBA1 tightens the priors after roughly 5s of accumulated inertial time.
	StageVIBA1
	// StageVIBA2 removes the priors after roughly 15s, at which point the map is considered
	// fully inertial-optimized.
	StageVIBA2
)

// BAResult carries the outcome of any of the Optimizer's bundle-adjustment entry points: the
// solver mutates keyframe poses and map point positions directly through the map, and separately
// reports counts for logging/diagnostics.
type BAResult struct {
	FixedKeyframes     int
	OptimizedKeyframes int
	OptimizedPoints    int
	Edges              int
}

// InertialResult carries the outcome of InertialOptimization: the estimated gravity-alignment
// rotation and scale the caller applies to the map as a similarity transform, plus accelerometer
// and gyroscope bias estimates.
type InertialResult struct {
	Rwg       spatialmath.Pose
	Scale     float64
	AccelBias r3.Vector
	GyroBias  r3.Vector
}

// Optimizer is the bundle-adjustment and inertial-optimization collaborator the control loop
// calls out to. The core never implements solver internals; it only decides when to
// call one and applies the result.
type Optimizer interface {
	// LocalBundleAdjustment optimizes currentKF's covisibility neighborhood, fixing older
	// keyframes outside the window, and polls abortBA between outer iterations.
	LocalBundleAdjustment(m *mapgraph.Map, currentKF mapgraph.KeyframeHandle, abortBA func() bool) (BAResult, error)
	// LocalInertialBA is LocalBundleAdjustment with IMU residuals over the last Nd keyframes
	// included; large widens the optimization window when the tracker reports many inliers, and
	// stage1 is true while the map is still in the pre-VIBA2 initialization window (the
	// original's bInit), letting the solver pick stage-appropriate priors.
	LocalInertialBA(m *mapgraph.Map, currentKF mapgraph.KeyframeHandle, large, stage1 bool, abortBA func() bool) (BAResult, error)
	// InertialOptimization estimates the gravity-alignment rotation and scale for a map that has
	// not yet been IMU-initialized (or is being refined), given the priors for the given stage.
	// rwgGuess seeds the solver with the caller's coarse gravity-alignment estimate; callers that
	// have no better guess than identity pass spatialmath.Identity().
	InertialOptimization(m *mapgraph.Map, stage OptimizerStage, monocular bool, rwgGuess spatialmath.Pose) (InertialResult, error)
	// FullInertialBA runs a full bundle adjustment over the entire active map with IMU residuals,
	// staging its output on each keyframe's GBA fields rather than the live pose/velocity/bias,
	// tagged with gbaID, for the caller to propagate through the spanning tree afterward.
	FullInertialBA(m *mapgraph.Map, gbaID mapgraph.ID, priorG, priorA float64, abortBA func() bool) (BAResult, error)
}

// Tracker is the upstream producer collaborator: it calls InsertKeyFrame on this
// subsystem and polls AcceptKeyFrames to decide whether to throttle. This subsystem in turn reads
// GetMatchesInliers and IsRecentlyLost from it and pushes IMU estimates through UpdateFrameIMU.
type Tracker interface {
	GetMatchesInliers() int
	// IsRecentlyLost reports whether the tracker is in its RECENTLY_LOST state: it's still
	// producing keyframes off a relocalization guess rather than a confident pose, so new map
	// points should only be triangulated coarsely.
	IsRecentlyLost() bool
	UpdateFrameIMU(scale float64, bias [6]float64, anchorKF mapgraph.KeyframeHandle)
}

// LoopCloser is the downstream consumer collaborator: every processed keyframe is handed to it.
type LoopCloser interface {
	InsertKeyFrame(kf mapgraph.KeyframeHandle)
}

// Matcher is the feature-matching collaborator the System hands to both the Triangulator and the
// Fuser: one concrete implementation satisfies the narrower Matcher interface each of those
// packages declares for itself, rather than importing this package's type and risking a cycle.
type Matcher interface {
	triangulate.Matcher
	fuse.Matcher
}
