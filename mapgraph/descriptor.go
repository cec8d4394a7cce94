package mapgraph

import (
	"math"
	"math/bits"
	"sort"

	"github.com/golang/geo/r3"
)

// HammingDistance returns the number of differing bits between two descriptors. Descriptors of
// unequal length are treated as maximally distant, so a length mismatch never wins a
// distinctiveness comparison.
func HammingDistance(a, b []byte) int {
	if len(a) != len(b) {
		return (len(a) + len(b)) * 8
	}
	d := 0
	for i := range a {
		d += bits.OnesCount8(a[i] ^ b[i])
	}
	return d
}

// MostDistinctiveDescriptor returns the descriptor, among a MapPoint's observing keyframes' own
// descriptors, with the smallest median Hamming distance to every other one. This is the
// representative descriptor a MapPoint carries for matching, recomputed whenever its observation
// set changes.
func MostDistinctiveDescriptor(descriptors [][]byte) []byte {
	if len(descriptors) == 0 {
		return nil
	}
	if len(descriptors) == 1 {
		return append([]byte(nil), descriptors[0]...)
	}

	bestIdx := 0
	bestMedian := math.MaxInt
	for i := range descriptors {
		dists := make([]int, 0, len(descriptors)-1)
		for j := range descriptors {
			if i == j {
				continue
			}
			dists = append(dists, HammingDistance(descriptors[i], descriptors[j]))
		}
		sort.Ints(dists)
		median := dists[len(dists)/2]
		if median < bestMedian {
			bestMedian = median
			bestIdx = i
		}
	}
	return append([]byte(nil), descriptors[bestIdx]...)
}

// RefreshDescriptor recomputes mp's representative descriptor from the descriptors of every
// feature that currently observes it, across all of its observing keyframes.
func RefreshDescriptor(m *Map, mp *MapPoint) {
	obs := mp.Observations()
	descriptors := make([][]byte, 0, len(obs))
	for kfID, o := range obs {
		kf, ok := m.Keyframe(kfID)
		if !ok {
			continue
		}
		if o.Left >= 0 && o.Left < len(kf.LeftFeatures) {
			descriptors = append(descriptors, kf.LeftFeatures[o.Left].Descriptor)
		} else if o.Right >= 0 && o.Right < len(kf.RightFeatures) {
			descriptors = append(descriptors, kf.RightFeatures[o.Right].Descriptor)
		}
	}
	if d := MostDistinctiveDescriptor(descriptors); d != nil {
		mp.setDescriptor(d)
	}
}

// UpdateNormalAndDepth recomputes mp's mean viewing direction and valid scale-invariant depth
// range from its current observation set and reference keyframe, as ORB-SLAM3's
// MapPoint::UpdateNormalAndDepth does after any change to the observation set.
func UpdateNormalAndDepth(m *Map, mp *MapPoint) {
	obs := mp.Observations()
	if len(obs) == 0 {
		return
	}
	pos := mp.GetPosition()

	var normalSum r3.Vector
	count := 0
	for kfID := range obs {
		kf, ok := m.Keyframe(kfID)
		if !ok {
			continue
		}
		dir := pos.Sub(kf.CameraCenter())
		n := dir.Norm()
		if n == 0 {
			continue
		}
		normalSum = normalSum.Add(dir.Mul(1 / n))
		count++
	}
	if count > 0 {
		mean := normalSum.Mul(1 / float64(count))
		if mn := mean.Norm(); mn > 0 {
			mp.SetNormal(mean.Mul(1 / mn))
		}
	}

	refH := mp.ReferenceKeyframe()
	refKF, ok := refH.Resolve(m)
	if !ok {
		return
	}
	refObs, ok := obs[refKF.ID()]
	if !ok {
		return
	}

	octave := -1
	if refObs.Left >= 0 && refObs.Left < len(refKF.LeftFeatures) {
		octave = refKF.LeftFeatures[refObs.Left].Octave
	} else if refObs.Right >= 0 && refObs.Right < len(refKF.RightFeatures) {
		octave = refKF.RightFeatures[refObs.Right].Octave
	}
	if octave < 0 || octave >= len(refKF.ScaleFactors) || len(refKF.ScaleFactors) == 0 {
		return
	}

	dist := pos.Sub(refKF.CameraCenter()).Norm()
	levelScale := refKF.ScaleFactors[octave]
	maxLevelScale := refKF.ScaleFactors[len(refKF.ScaleFactors)-1]
	maxDistance := dist * levelScale
	minDistance := maxDistance / maxLevelScale
	mp.SetDistanceRange(minDistance, maxDistance)
}
