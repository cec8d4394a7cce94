// Package triangulate implements the Recent-MapPoint probation list and the Triangulator that
// creates new landmarks from covisible keyframe pairs (CreateNewMapPoints).
package triangulate

import (
	"github.com/golang/geo/r2"

	"go.viam.com/localmap/mapgraph"
)

// MatchCandidate is a single epipolar-constrained correspondence the Matcher proposes between
// two keyframes: a feature on kf1's given side paired with a feature on kf2's given side.
type MatchCandidate struct {
	Idx1  int
	Side1 mapgraph.CameraSide
	Idx2  int
	Side2 mapgraph.CameraSide
}

// Matcher is the collaborator that searches for epipolar-constrained triangulation candidates
// between two keyframes.
type Matcher interface {
	SearchForTriangulation(kf1, kf2 *mapgraph.Keyframe, ratio float64, checkOri bool, coarse bool) ([]MatchCandidate, error)
}

// keypointAt returns the keypoint and its pixel location for the given side/index of a keyframe.
func keypointAt(kf *mapgraph.Keyframe, side mapgraph.CameraSide, idx int) (mapgraph.Keypoint, r2.Point, bool) {
	var feats []mapgraph.Keypoint
	if side == mapgraph.CameraLeft {
		feats = kf.LeftFeatures
	} else {
		feats = kf.RightFeatures
	}
	if idx < 0 || idx >= len(feats) {
		return mapgraph.Keypoint{}, r2.Point{}, false
	}
	kp := feats[idx]
	return kp, r2.Point{X: kp.X, Y: kp.Y}, true
}

// stereoDepth returns a keypoint's depth, preferring an explicit Depth value and falling back to
// deriving it from the right-image disparity via the keyframe's bf baseline-focal product.
func stereoDepth(kf *mapgraph.Keyframe, kp mapgraph.Keypoint) (float64, bool) {
	if kp.Depth >= 0 {
		return kp.Depth, true
	}
	if kp.URight >= 0 {
		disparity := kp.X - kp.URight
		if disparity > 0 {
			return kf.BF / disparity, true
		}
	}
	return 0, false
}

func sq(v float64) float64 { return v * v }

// baseScaleFactor returns the pyramid's per-level scale ratio (e.g. 1.2), derived from the first
// two entries of a keyframe's cumulative ScaleFactors table.
func baseScaleFactor(kf *mapgraph.Keyframe) float64 {
	if len(kf.ScaleFactors) > 1 && kf.ScaleFactors[0] != 0 {
		return kf.ScaleFactors[1] / kf.ScaleFactors[0]
	}
	return 1.2
}
