package mapgraph

import (
	"sync"

	"github.com/golang/geo/r3"
)

// MapPoint is a triangulated 3D landmark tracked across keyframes.
type MapPoint struct {
	mu sync.RWMutex

	id        ID
	firstKFid ID
	refKF     KeyframeHandle

	position r3.Vector
	normal   r3.Vector // mean viewing direction, unit length

	minDistance, maxDistance float64 // valid scale-invariant depth range

	descriptor []byte

	// observations maps an observing keyframe's id to the feature slot(s) it observed this
	// point at.
	observations map[ID]Observation

	visible, found int

	bad        bool
	replacedBy MapPointHandle

	fuseCandidateForKF ID

	baGlobalForKF ID
	posGBA        r3.Vector
}

// ID returns the map point's stable identifier.
func (mp *MapPoint) ID() ID { return mp.id }

// Handle returns a stable handle resolving back to this map point.
func (mp *MapPoint) Handle() MapPointHandle { return mpHandle(mp.id) }

// FirstKeyframeID returns the id of the keyframe this point was created from.
func (mp *MapPoint) FirstKeyframeID() ID { return mp.firstKFid }

// ReferenceKeyframe returns the handle to the keyframe this point's scale-invariance distances
// and descriptor were computed relative to.
func (mp *MapPoint) ReferenceKeyframe() KeyframeHandle {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.refKF
}

func (mp *MapPoint) setReferenceKeyframe(h KeyframeHandle) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.refKF = h
}

// GetPosition returns the point's current world position.
func (mp *MapPoint) GetPosition() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.position
}

// SetPosition replaces the point's world position.
func (mp *MapPoint) SetPosition(p r3.Vector) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.position = p
}

// Normal returns the point's mean viewing direction.
func (mp *MapPoint) Normal() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.normal
}

// DistanceRange returns the point's valid scale-invariant depth range [min, max].
func (mp *MapPoint) DistanceRange() (float64, float64) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.minDistance, mp.maxDistance
}

// SetDistanceRange replaces the point's valid scale-invariant depth range.
func (mp *MapPoint) SetDistanceRange(minD, maxD float64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.minDistance, mp.maxDistance = minD, maxD
}

// SetNormal replaces the point's mean viewing direction.
func (mp *MapPoint) SetNormal(n r3.Vector) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.normal = n
}

// Descriptor returns the point's representative descriptor, the one with the smallest median
// Hamming distance to the other observations' descriptors.
func (mp *MapPoint) Descriptor() []byte {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make([]byte, len(mp.descriptor))
	copy(out, mp.descriptor)
	return out
}

func (mp *MapPoint) setDescriptor(d []byte) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.descriptor = append([]byte(nil), d...)
}

// IsBad reports whether the point has been culled or fused into another point.
func (mp *MapPoint) IsBad() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.bad
}

func (mp *MapPoint) setBad() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.bad = true
}

// ReplacedBy returns the handle this point was fused into, if any.
func (mp *MapPoint) ReplacedBy() (MapPointHandle, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.replacedBy, !mp.replacedBy.IsZero()
}

func (mp *MapPoint) setReplacedBy(h MapPointHandle) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.replacedBy = h
}

// Observations returns a copy of the keyframe-id to feature-slot observation map.
func (mp *MapPoint) Observations() map[ID]Observation {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make(map[ID]Observation, len(mp.observations))
	for k, v := range mp.observations {
		out[k] = v
	}
	return out
}

// NumObservations returns the number of keyframes observing this point.
func (mp *MapPoint) NumObservations() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.observations)
}

// NumFeatureSlots returns the number of feature slots observing this point: a stereo observation
// in one keyframe counts as 2 (left and right), a monocular one as 1.
func (mp *MapPoint) NumFeatureSlots() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	n := 0
	for _, obs := range mp.observations {
		if obs.Left >= 0 {
			n++
		}
		if obs.Right >= 0 {
			n++
		}
	}
	return n
}

func (mp *MapPoint) addObservation(kfID ID, obs Observation) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.observations[kfID] = obs
}

func (mp *MapPoint) eraseObservation(kfID ID) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.observations, kfID)
}

// IncreaseVisible records that this point fell within n frustums since the last found count,
// whether or not it was actually matched.
func (mp *MapPoint) IncreaseVisible(n int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.visible += n
}

// IncreaseFound records n successful matches of this point.
func (mp *MapPoint) IncreaseFound(n int) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.found += n
}

// FoundRatio returns found/visible, the fraction of attempted observations that actually
// matched. Returns 1 if the point has never been marked visible.
func (mp *MapPoint) FoundRatio() float64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	if mp.visible == 0 {
		return 1
	}
	return float64(mp.found) / float64(mp.visible)
}

// VisibleFoundCounts returns the raw visible and found counters.
func (mp *MapPoint) VisibleFoundCounts() (int, int) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.visible, mp.found
}

// FuseCandidateForKF / SetFuseCandidateForKF dedup the backward fuse pass's map-point collection,
// so a point shared by two target keyframes is only added to the candidate list once.
func (mp *MapPoint) FuseCandidateForKF() ID {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.fuseCandidateForKF
}

func (mp *MapPoint) SetFuseCandidateForKF(id ID) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.fuseCandidateForKF = id
}

// BAGlobalForKF / SetBAGlobalForKF tag which global bundle adjustment round, if any, directly
// optimized this point's position (as opposed to it being re-backprojected during spanning-tree
// propagation because it fell outside the optimized window).
func (mp *MapPoint) BAGlobalForKF() ID { mp.mu.RLock(); defer mp.mu.RUnlock(); return mp.baGlobalForKF }

// SetGBAPosition stages a directly-optimized position from a full inertial bundle adjustment,
// tagged with the round that produced it.
func (mp *MapPoint) SetGBAPosition(id ID, pos r3.Vector) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.baGlobalForKF = id
	mp.posGBA = pos
}

// GBAPosition returns the staged post-GBA position.
func (mp *MapPoint) GBAPosition() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.posGBA
}
