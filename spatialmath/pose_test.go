package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestIdentityPose(t *testing.T) {
	id := Identity()
	p := r3.Vector{X: 1, Y: 2, Z: 3}
	test.That(t, id.Transform(p), test.ShouldResemble, p)
}

func TestPoseInverse(t *testing.T) {
	rot := (&R4AA{Theta: math.Pi / 2, RX: 0, RY: 0, RZ: 1}).ToQuat()
	p := NewPose(rot, r3.Vector{X: 1, Y: 0, Z: 0})
	roundTrip := p.Inverse().Compose(p)

	test.That(t, roundTrip.Translation.X, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, roundTrip.Translation.Y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, roundTrip.Translation.Z, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, math.Abs(roundTrip.Rotation.Real), test.ShouldAlmostEqual, 1, 1e-9)
}

func TestPoseComposeMatchesSequentialTransform(t *testing.T) {
	rotA := (&R4AA{Theta: math.Pi / 4, RX: 0, RY: 1, RZ: 0}).ToQuat()
	a := NewPose(rotA, r3.Vector{X: 1, Y: 0, Z: 0})
	rotB := (&R4AA{Theta: math.Pi / 6, RX: 1, RY: 0, RZ: 0}).ToQuat()
	b := NewPose(rotB, r3.Vector{X: 0, Y: 2, Z: 0})

	point := r3.Vector{X: 0.5, Y: -0.25, Z: 3}
	composed := a.Compose(b).Transform(point)
	sequential := a.Transform(b.Transform(point))

	test.That(t, composed.X, test.ShouldAlmostEqual, sequential.X, 1e-9)
	test.That(t, composed.Y, test.ShouldAlmostEqual, sequential.Y, 1e-9)
	test.That(t, composed.Z, test.ShouldAlmostEqual, sequential.Z, 1e-9)
}

func TestRotationMatrixRoundTrip(t *testing.T) {
	rot := (&R4AA{Theta: 1.1, RX: 0.2, RY: 0.8, RZ: 0.3}).ToQuat()
	mat := QuatToRotationMatrix(rot)
	back := RotationMatrixToQuat(mat)

	if back.Real*rot.Real < 0 {
		back = Flip(back)
	}
	test.That(t, back.Real, test.ShouldAlmostEqual, rot.Real, 1e-9)
	test.That(t, back.Imag, test.ShouldAlmostEqual, rot.Imag, 1e-9)
	test.That(t, back.Jmag, test.ShouldAlmostEqual, rot.Jmag, 1e-9)
	test.That(t, back.Kmag, test.ShouldAlmostEqual, rot.Kmag, 1e-9)
}

func TestExpMapZeroIsIdentity(t *testing.T) {
	q := ExpMap(r3.Vector{})
	test.That(t, q, test.ShouldResemble, quat.Number{Real: 1})
}

func TestSlerpEndpoints(t *testing.T) {
	q1 := (&R4AA{Theta: 0.3, RX: 0, RY: 0, RZ: 1}).ToQuat()
	q2 := (&R4AA{Theta: 1.2, RX: 0, RY: 0, RZ: 1}).ToQuat()

	start := slerp(q1, q2, 0)
	end := slerp(q1, q2, 1)

	test.That(t, start.Real, test.ShouldAlmostEqual, q1.Real, 1e-6)
	test.That(t, end.Real, test.ShouldAlmostEqual, q2.Real, 1e-6)
}

func TestQuatToR4AARoundTrip(t *testing.T) {
	original := R4AA{Theta: 0.7, RX: 0, RY: 1, RZ: 0}
	q := original.ToQuat()
	back := QuatToR4AA(q)
	test.That(t, back.Theta, test.ShouldAlmostEqual, original.Theta, 1e-9)
	test.That(t, back.RY, test.ShouldAlmostEqual, original.RY, 1e-9)
}
