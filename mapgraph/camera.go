package mapgraph

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"go.viam.com/localmap/spatialmath"
)

// CameraSide selects which physical camera of a (possibly stereo) rig a keypoint belongs to.
// This realizes the "capability set with tagged variants" camera model: a monocular keyframe
// only ever produces CameraLeft features, and callers discover stereo capability by checking
// Keyframe.Baseline rather than by a type switch.
type CameraSide int

const (
	CameraLeft CameraSide = iota
	CameraRight
)

// EffectivePose returns the world-to-camera transform for the requested side of this keyframe's
// rig. The left camera's pose is Tcw itself; the right camera of a stereo rig is Tcw shifted by
// the rig's baseline along the left camera's own x axis, the rectified-stereo convention.
func (kf *Keyframe) EffectivePose(side CameraSide) spatialmath.Pose {
	tcw := kf.GetPose()
	if side == CameraLeft || kf.Baseline == 0 {
		return tcw
	}
	shift := spatialmath.NewPose(spatialmath.Identity().Rotation, r3.Vector{X: -kf.Baseline})
	return shift.Compose(tcw)
}

// Unproject converts a pixel coordinate on the given side into a bearing ray, expressed in that
// camera's own frame and not yet rotated into world coordinates. The ray is not normalized to
// unit length; callers needing a unit bearing normalize explicitly.
func (kf *Keyframe) Unproject(side CameraSide, px r2.Point) r3.Vector {
	return r3.Vector{
		X: (px.X - kf.Intrinsics.Cx) / kf.Intrinsics.Fx,
		Y: (px.Y - kf.Intrinsics.Cy) / kf.Intrinsics.Fy,
		Z: 1,
	}
}

// Project maps a 3D point expressed in the given camera's own frame back to a pixel, reporting
// false if the point lies at or behind the camera plane.
func (kf *Keyframe) Project(side CameraSide, p r3.Vector) (r2.Point, bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	return r2.Point{
		X: kf.Intrinsics.Fx*p.X/p.Z + kf.Intrinsics.Cx,
		Y: kf.Intrinsics.Fy*p.Y/p.Z + kf.Intrinsics.Cy,
	}, true
}

// WorldBearing unprojects a pixel on the given side and rotates the resulting ray into world
// orientation (but not translated, since a bearing has no position), as the triangulator needs
// when comparing two keyframes' viewing rays for parallax.
func (kf *Keyframe) WorldBearing(side CameraSide, px r2.Point) r3.Vector {
	ray := kf.Unproject(side, px)
	wTc := kf.EffectivePose(side).Inverse()
	return rotateOnly(wTc, ray)
}

func rotateOnly(p spatialmath.Pose, v r3.Vector) r3.Vector {
	return p.Transform(v).Sub(p.Translation)
}
