package triangulate

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/localmap/logging"
	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/rimage/transform"
)

// Triangulator creates new landmarks from covisible keyframe pairs: CreateNewMapPoints.
type Triangulator struct {
	log       logging.Logger
	matcher   Matcher
	monocular bool
	inertial  bool

	farPoints          bool
	farPointsThreshold float64
}

// NewTriangulator constructs a Triangulator. farPointsThreshold is ignored unless farPoints is
// true, in which case it caps the distance from either camera center to the triangulated point.
func NewTriangulator(log logging.Logger, matcher Matcher, monocular, inertial, farPoints bool, farPointsThreshold float64) *Triangulator {
	return &Triangulator{
		log:                log.Sublogger("triangulator"),
		matcher:            matcher,
		monocular:          monocular,
		inertial:           inertial,
		farPoints:          farPoints,
		farPointsThreshold: farPointsThreshold,
	}
}

// CreateNewMapPoints triangulates new landmarks between currentKF and its best-covisible
// neighbors, appending each to recent. queueHasNewKeyframes, if non-nil, is polled after the
// first neighbor to cooperatively abort once the tracker has enqueued more work. It returns the
// number of map points created.
func (t *Triangulator) CreateNewMapPoints(
	m *mapgraph.Map,
	currentKF mapgraph.KeyframeHandle,
	recent *RecentMapPoints,
	coarse bool,
	queueHasNewKeyframes func() bool,
) (int, error) {
	kf1, ok := currentKF.Resolve(m)
	if !ok || kf1.IsBad() {
		return 0, errors.Errorf("current keyframe %d is gone", currentKF.ID())
	}

	nn := 10
	if t.monocular {
		nn = 30
	}
	neighborIDs := kf1.BestCovisible(nn)
	if t.inertial && len(neighborIDs) < nn {
		neighborIDs = padWithPrevLinks(m, kf1, neighborIDs, nn)
	}

	created := 0
	for i, nID := range neighborIDs {
		if i > 0 && queueHasNewKeyframes != nil && queueHasNewKeyframes() {
			break
		}
		kf2, ok := m.Keyframe(nID)
		if !ok || kf2.IsBad() {
			continue
		}

		n, err := t.triangulateWithNeighbor(m, kf1, kf2, recent, coarse)
		if err != nil {
			t.log.Debugw("skipping triangulation neighbor", "neighbor", nID, "reason", err)
			continue
		}
		created += n
	}
	return created, nil
}

func padWithPrevLinks(m *mapgraph.Map, kf1 *mapgraph.Keyframe, neighborIDs []mapgraph.ID, nn int) []mapgraph.ID {
	seen := make(map[mapgraph.ID]bool, len(neighborIDs)+1)
	seen[kf1.ID()] = true
	for _, id := range neighborIDs {
		seen[id] = true
	}
	cur := kf1.Prev()
	for len(neighborIDs) < nn && !cur.IsZero() {
		kf, ok := cur.Resolve(m)
		if !ok {
			break
		}
		if !seen[kf.ID()] {
			neighborIDs = append(neighborIDs, kf.ID())
			seen[kf.ID()] = true
		}
		cur = kf.Prev()
	}
	return neighborIDs
}

func (t *Triangulator) triangulateWithNeighbor(
	m *mapgraph.Map,
	kf1, kf2 *mapgraph.Keyframe,
	recent *RecentMapPoints,
	coarse bool,
) (int, error) {
	baseline := kf1.CameraCenter().Sub(kf2.CameraCenter()).Norm()

	if kf2.Baseline > 0 {
		if baseline < kf2.Baseline {
			return 0, errors.New("baseline shorter than neighbor's own stereo baseline")
		}
	} else {
		depth := kf2.MedianSceneDepth(m)
		if depth <= 0 || baseline/depth < 0.01 {
			return 0, errors.New("baseline-to-depth ratio below 0.01")
		}
	}

	candidates, err := t.matcher.SearchForTriangulation(kf1, kf2, 0.6, false, coarse)
	if err != nil {
		return 0, errors.Wrap(err, "search for triangulation")
	}

	baseScale := baseScaleFactor(kf1)

	created := 0
	for _, cand := range candidates {
		mpH, ok := t.triangulateCandidate(m, kf1, kf2, cand, baseScale)
		if !ok {
			continue
		}
		recent.Add(mpH)
		created++
	}
	return created, nil
}

func (t *Triangulator) triangulateCandidate(
	m *mapgraph.Map,
	kf1, kf2 *mapgraph.Keyframe,
	cand MatchCandidate,
	baseScale float64,
) (mapgraph.MapPointHandle, bool) {
	kp1, px1, ok1 := keypointAt(kf1, cand.Side1, cand.Idx1)
	kp2, px2, ok2 := keypointAt(kf2, cand.Side2, cand.Idx2)
	if !ok1 || !ok2 {
		return mapgraph.MapPointHandle{}, false
	}

	ray1 := kf1.WorldBearing(cand.Side1, px1)
	ray2 := kf2.WorldBearing(cand.Side2, px2)
	cosParallaxRays := ray1.Dot(ray2) / (ray1.Norm() * ray2.Norm())

	depth1, stereo1 := stereoDepth(kf1, kp1)
	depth2, stereo2 := stereoDepth(kf2, kp2)

	cosStereo1 := cosParallaxRays + 1
	cosStereo2 := cosParallaxRays + 1
	if stereo1 && kf1.Baseline > 0 {
		cosStereo1 = math.Cos(2 * math.Atan2(kf1.Baseline/2, depth1))
	}
	if stereo2 && kf2.Baseline > 0 {
		cosStereo2 = math.Cos(2 * math.Atan2(kf2.Baseline/2, depth2))
	}
	cosParallaxStereo := math.Min(cosStereo1, cosStereo2)

	parallaxCap := 0.9998
	if t.inertial {
		parallaxCap = 0.9996
	}

	var point3D r3.Vector
	var ok bool
	switch {
	case cosParallaxRays < cosParallaxStereo && cosParallaxRays > 0 &&
		(stereo1 || stereo2 || cosParallaxRays < parallaxCap):
		point3D, ok = t.dltTriangulate(kf1, kf2, px1, px2, cand.Side1, cand.Side2)
	case stereo1 && cosStereo1 < cosStereo2:
		point3D, ok = unprojectStereo(kf1, cand.Side1, px1, depth1)
	case stereo2 && cosStereo2 < cosStereo1:
		point3D, ok = unprojectStereo(kf2, cand.Side2, px2, depth2)
	default:
		ok = false
	}
	if !ok {
		return mapgraph.MapPointHandle{}, false
	}

	z1 := kf1.EffectivePose(cand.Side1).Transform(point3D).Z
	z2 := kf2.EffectivePose(cand.Side2).Transform(point3D).Z
	if z1 <= 0 || z2 <= 0 {
		return mapgraph.MapPointHandle{}, false
	}

	if !t.passesReprojection(kf1, cand.Side1, kp1, point3D) ||
		!t.passesReprojection(kf2, cand.Side2, kp2, point3D) {
		return mapgraph.MapPointHandle{}, false
	}

	d1 := point3D.Sub(kf1.CameraCenter()).Norm()
	d2 := point3D.Sub(kf2.CameraCenter()).Norm()
	if d1 <= 0 || d2 <= 0 {
		return mapgraph.MapPointHandle{}, false
	}
	if t.farPoints && t.farPointsThreshold > 0 && math.Max(d1, d2) > t.farPointsThreshold {
		return mapgraph.MapPointHandle{}, false
	}

	if kp1.Octave < 0 || kp1.Octave >= len(kf1.ScaleFactors) ||
		kp2.Octave < 0 || kp2.Octave >= len(kf2.ScaleFactors) {
		return mapgraph.MapPointHandle{}, false
	}
	ratioOctave := kf1.ScaleFactors[kp1.Octave] / kf2.ScaleFactors[kp2.Octave]
	f := 1.5 * baseScale
	ratioDist := d2 / d1
	if ratioDist < ratioOctave/f || ratioDist > ratioOctave*f {
		return mapgraph.MapPointHandle{}, false
	}

	leftIdx1, rightIdx1 := sideIndex(cand.Side1, cand.Idx1)
	leftIdx2, rightIdx2 := sideIndex(cand.Side2, cand.Idx2)

	mpH := m.AddMapPoint(point3D, kf1.Handle(), kf1.ID(), kp1.Descriptor)
	if err := m.Link(mpH, kf1.Handle(), leftIdx1, rightIdx1); err != nil {
		m.MarkMapPointBad(mpH)
		return mapgraph.MapPointHandle{}, false
	}
	if err := m.Link(mpH, kf2.Handle(), leftIdx2, rightIdx2); err != nil {
		m.MarkMapPointBad(mpH)
		return mapgraph.MapPointHandle{}, false
	}

	if mp, ok := mpH.Resolve(m); ok {
		mapgraph.UpdateNormalAndDepth(m, mp)
	}

	return mpH, true
}

func sideIndex(side mapgraph.CameraSide, idx int) (left, right int) {
	if side == mapgraph.CameraLeft {
		return idx, -1
	}
	return -1, idx
}

func (t *Triangulator) dltTriangulate(kf1, kf2 *mapgraph.Keyframe, px1, px2 r2.Point, side1, side2 mapgraph.CameraSide) (r3.Vector, bool) {
	p1 := projectionMatrix(kf1, side1)
	p2 := projectionMatrix(kf2, side2)
	return transform.TriangulateDLT(px1, px2, p1, p2)
}

func projectionMatrix(kf *mapgraph.Keyframe, side mapgraph.CameraSide) *mat.Dense {
	k := mat.NewDense(3, 3, []float64{
		kf.Intrinsics.Fx, 0, kf.Intrinsics.Cx,
		0, kf.Intrinsics.Fy, kf.Intrinsics.Cy,
		0, 0, 1,
	})
	pose := kf.EffectivePose(side)
	return transform.ProjectionMatrix(k, pose.RotationMatrix(), pose.Translation)
}

func unprojectStereo(kf *mapgraph.Keyframe, side mapgraph.CameraSide, px r2.Point, depth float64) (r3.Vector, bool) {
	if depth <= 0 {
		return r3.Vector{}, false
	}
	camPoint := r3.Vector{
		X: (px.X - kf.Intrinsics.Cx) * depth / kf.Intrinsics.Fx,
		Y: (px.Y - kf.Intrinsics.Cy) * depth / kf.Intrinsics.Fy,
		Z: depth,
	}
	world := kf.EffectivePose(side).Inverse().Transform(camPoint)
	return world, true
}

func (t *Triangulator) passesReprojection(kf *mapgraph.Keyframe, side mapgraph.CameraSide, kp mapgraph.Keypoint, point3D r3.Vector) bool {
	local := kf.EffectivePose(side).Transform(point3D)
	if local.Z <= 0 {
		return false
	}

	sigma2 := 1.0
	if kp.Octave >= 0 && kp.Octave < len(kf.LevelSigma2) {
		sigma2 = kf.LevelSigma2[kp.Octave]
	}

	if depth, ok := stereoDepth(kf, kp); ok && kf.BF > 0 {
		predictedU := kf.Intrinsics.Fx*local.X/local.Z + kf.Intrinsics.Cx
		predictedV := kf.Intrinsics.Fy*local.Y/local.Z + kf.Intrinsics.Cy
		predictedUR := predictedU - kf.BF/local.Z
		observedUR := kp.X - kf.BF/depth
		err2 := sq(predictedU-kp.X) + sq(predictedV-kp.Y) + sq(predictedUR-observedUR)
		return err2 <= 7.815*sigma2
	}

	px, ok := kf.Project(side, local)
	if !ok {
		return false
	}
	err2 := sq(px.X-kp.X) + sq(px.Y-kp.Y)
	return err2 <= 5.991*sigma2
}

