// Package spatialmath provides the rotation and rigid-transform primitives shared across the
// mapping pipeline: keyframe and map point poses, relative motion between frames, and the small
// amount of quaternion/axis-angle algebra the optimizer and inertial initializer need.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform in SE(3), stored as a unit rotation quaternion plus a translation.
// Keyframes store Pose as Tcw, the transform taking world points into the camera frame.
type Pose struct {
	Rotation    quat.Number
	Translation r3.Vector
}

// NewPose builds a Pose from a rotation quaternion and a translation vector. The quaternion is
// not required to already be normalized.
func NewPose(rotation quat.Number, translation r3.Vector) Pose {
	return Pose{Rotation: quat.Scale(1/quat.Abs(rotation), rotation), Translation: translation}
}

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{Rotation: quat.Number{Real: 1}, Translation: r3.Vector{}}
}

// Compose returns the pose equivalent to applying b first, then a: a.Compose(b) transforms a
// point by b and then by a.
func (p Pose) Compose(other Pose) Pose {
	rotated := rotateVector(p.Rotation, other.Translation)
	return Pose{
		Rotation:    quat.Mul(p.Rotation, other.Rotation),
		Translation: p.Translation.Add(rotated),
	}
}

// Inverse returns the pose that undoes p.
func (p Pose) Inverse() Pose {
	inv := quat.Conj(p.Rotation)
	return Pose{
		Rotation:    inv,
		Translation: rotateVector(inv, p.Translation.Mul(-1)),
	}
}

// Transform applies the pose to a point, rotating then translating it.
func (p Pose) Transform(point r3.Vector) r3.Vector {
	return rotateVector(p.Rotation, point).Add(p.Translation)
}

// RotationMatrix returns the pose's rotation as a 3x3 matrix, suitable for the gonum-based
// triangulation routines.
func (p Pose) RotationMatrix() *mat.Dense {
	return QuatToRotationMatrix(p.Rotation)
}

// RelativeTo returns the pose of other as seen from p's frame: p.Inverse().Compose(other).
func (p Pose) RelativeTo(other Pose) Pose {
	return p.Inverse().Compose(other)
}

func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuatToRotationMatrix converts a unit quaternion into a 3x3 rotation matrix.
func QuatToRotationMatrix(q quat.Number) *mat.Dense {
	n := quat.Abs(q)
	if n == 0 {
		panic("QuatToRotationMatrix: zero-norm quaternion")
	}
	w, x, y, z := q.Real/n, q.Imag/n, q.Jmag/n, q.Kmag/n
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

// RotationMatrixToQuat converts a 3x3 rotation matrix to a unit quaternion, using the standard
// trace-based branch selection to avoid numerical blowups near the singularities of any single
// formula.
func RotationMatrixToQuat(r *mat.Dense) quat.Number {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	trace := m00 + m11 + m22
	var w, x, y, z float64
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		w = 0.25 / s
		x = (m21 - m12) * s
		y = (m02 - m20) * s
		z = (m10 - m01) * s
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		w = (m21 - m12) / s
		x = 0.25 * s
		y = (m01 + m10) / s
		z = (m02 + m20) / s
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		w = (m02 - m20) / s
		x = (m01 + m10) / s
		y = 0.25 * s
		z = (m12 + m21) / s
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		w = (m10 - m01) / s
		x = (m02 + m20) / s
		y = (m12 + m21) / s
		z = 0.25 * s
	}
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// Norm returns the norm of the quaternion's imaginary part, i.e. the sine-scaled rotation axis
// length.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Flip multiplies a quaternion by -1, returning a quaternion representing the same rotation in
// the opposing double-cover octant. Useful when averaging or interpolating rotations that must
// first be brought onto the same hemisphere.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// QuatToR4AA converts a quaternion to an R4 axis angle the same way the Eigen C++ library does.
func QuatToR4AA(q quat.Number) R4AA {
	denom := Norm(q)
	angle := 2 * math.Atan2(denom, math.Abs(q.Real))
	if q.Real < 0 {
		angle *= -1
	}
	if denom < 1e-6 {
		return R4AA{Theta: angle, RX: 1, RY: 0, RZ: 0}
	}
	return R4AA{Theta: angle, RX: q.Imag / denom, RY: q.Jmag / denom, RZ: q.Kmag / denom}
}

// ExpMap computes the rotation quaternion corresponding to the exponential map of a 3D rotation
// vector (axis scaled by angle in radians). This is how the inertial initializer turns a small
// estimated rotation correction, such as the gravity-alignment axis-angle, into a quaternion.
func ExpMap(v r3.Vector) quat.Number {
	theta := v.Norm()
	if theta < 1e-10 {
		return quat.Number{Real: 1}
	}
	s := math.Sin(theta / 2)
	axis := v.Mul(1 / theta)
	return quat.Number{Real: math.Cos(theta / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// slerp performs spherical linear interpolation between two quaternions at parameter t in [0,1].
func slerp(q1, q2 quat.Number, t float64) quat.Number {
	dot := q1.Real*q2.Real + q1.Imag*q2.Imag + q1.Jmag*q2.Jmag + q1.Kmag*q2.Kmag
	if dot < 0 {
		q2 = Flip(q2)
		dot = -dot
	}
	if dot > 0.9995 {
		out := quat.Number{
			Real: q1.Real + t*(q2.Real-q1.Real),
			Imag: q1.Imag + t*(q2.Imag-q1.Imag),
			Jmag: q1.Jmag + t*(q2.Jmag-q1.Jmag),
			Kmag: q1.Kmag + t*(q2.Kmag-q1.Kmag),
		}
		return quat.Scale(1/quat.Abs(out), out)
	}
	theta0 := math.Acos(dot)
	theta := theta0 * t
	sinTheta := math.Sin(theta)
	sinTheta0 := math.Sin(theta0)
	s0 := math.Cos(theta) - dot*sinTheta/sinTheta0
	s1 := sinTheta / sinTheta0
	return quat.Number{
		Real: s0*q1.Real + s1*q2.Real,
		Imag: s0*q1.Imag + s1*q2.Imag,
		Jmag: s0*q1.Jmag + s1*q2.Jmag,
		Kmag: s0*q1.Kmag + s1*q2.Kmag,
	}
}
