package mapgraph

import (
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/localmap/spatialmath"
)

// Map is the arena that owns every Keyframe and MapPoint in an active map, and the lock that
// serializes structural changes to the graph (insertion, removal, covisibility/spanning-tree
// updates) against concurrent readers such as a bundle adjuster iterating the graph. Geometry
// updates to an individual entity's own fields (pose, position) use that entity's own mutex and
// do not require holding mu.
type Map struct {
	mu sync.RWMutex

	keyframes map[ID]*Keyframe
	mapPoints map[ID]*MapPoint

	nextKeyframeID atomic.Uint64
	nextMapPointID atomic.Uint64

	// origins holds the id of every keyframe that founded a map segment, in insertion order.
	origins []ID

	// referenceMapPoints is the working set the tracker last localized against; exposed so
	// callers can restrict a BA or rendering pass to it without re-deriving it.
	referenceMapPoints []MapPointHandle
}

// NewMap constructs an empty map arena.
func NewMap() *Map {
	return &Map{
		keyframes: make(map[ID]*Keyframe),
		mapPoints: make(map[ID]*MapPoint),
	}
}

// AddKeyframe allocates a new Keyframe with the given pose, intrinsics, stereo baseline, and
// per-level scale metadata, inserts it into the arena, and returns a handle to it.
func (m *Map) AddKeyframe(
	timestamp float64,
	pose spatialmath.Pose,
	intr Intrinsics,
	baseline float64,
	leftFeatures, rightFeatures []Keypoint,
	scaleFactors, levelSigma2 []float64,
) KeyframeHandle {
	id := ID(m.nextKeyframeID.Add(1))
	kf := &Keyframe{
		id:            id,
		Timestamp:     timestamp,
		Tcw:           pose,
		Intrinsics:    intr,
		Baseline:      baseline,
		BF:            baseline * intr.Fx,
		LeftFeatures:  leftFeatures,
		RightFeatures: rightFeatures,
		ScaleFactors:  scaleFactors,
		LevelSigma2:   levelSigma2,
		obsLeft:       make(map[int]MapPointHandle),
		obsRight:      make(map[int]MapPointHandle),
		covisibility:  make(map[ID]int),
		children:      make(map[ID]bool),
	}

	m.mu.Lock()
	m.keyframes[id] = kf
	m.mu.Unlock()

	return kfHandle(id)
}

// AddOrigin records the given keyframe as the founding keyframe of a map segment.
func (m *Map) AddOrigin(h KeyframeHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origins = append(m.origins, h.ID())
}

// Origins returns the founding keyframe ids, in insertion order.
func (m *Map) Origins() []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ID, len(m.origins))
	copy(out, m.origins)
	return out
}

// AddMapPoint allocates a new MapPoint at the given world position, attributed to refKF, and
// inserts it into the arena.
func (m *Map) AddMapPoint(position r3.Vector, refKF KeyframeHandle, firstKFid ID, descriptor []byte) MapPointHandle {
	id := ID(m.nextMapPointID.Add(1))
	mp := &MapPoint{
		id:           id,
		firstKFid:    firstKFid,
		refKF:        refKF,
		position:     position,
		descriptor:   append([]byte(nil), descriptor...),
		observations: make(map[ID]Observation),
		visible:      1,
		found:        1,
	}

	m.mu.Lock()
	m.mapPoints[id] = mp
	m.mu.Unlock()

	return mpHandle(id)
}

// Keyframe resolves a keyframe by id directly, bypassing a handle.
func (m *Map) Keyframe(id ID) (*Keyframe, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[id]
	return kf, ok
}

// MapPoint resolves a map point by id directly, bypassing a handle.
func (m *Map) MapPoint(id ID) (*MapPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.mapPoints[id]
	return mp, ok
}

// AllKeyframes returns every non-bad keyframe currently in the arena.
func (m *Map) AllKeyframes() []*Keyframe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Keyframe, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		if !kf.IsBad() {
			out = append(out, kf)
		}
	}
	return out
}

// AllMapPoints returns every non-bad map point currently in the arena.
func (m *Map) AllMapPoints() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPoint, 0, len(m.mapPoints))
	for _, mp := range m.mapPoints {
		if !mp.IsBad() {
			out = append(out, mp)
		}
	}
	return out
}

// KeyframeCount returns the number of non-bad keyframes in the arena.
func (m *Map) KeyframeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, kf := range m.keyframes {
		if !kf.IsBad() {
			n++
		}
	}
	return n
}

// SetReferenceMapPoints replaces the map's current tracking working set.
func (m *Map) SetReferenceMapPoints(points []MapPointHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referenceMapPoints = points
}

// ReferenceMapPoints returns the map's current tracking working set.
func (m *Map) ReferenceMapPoints() []MapPointHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MapPointHandle, len(m.referenceMapPoints))
	copy(out, m.referenceMapPoints)
	return out
}

// Link records that map point mp was observed at feature index leftIdx (and, for a stereo
// observation, rightIdx; pass -1 if there is none) on keyframe kf, in both directions.
func (m *Map) Link(mpH MapPointHandle, kfH KeyframeHandle, leftIdx, rightIdx int) error {
	mp, ok := mpH.Resolve(m)
	if !ok {
		return errors.Errorf("map point %d no longer exists", mpH.ID())
	}
	kf, ok := kfH.Resolve(m)
	if !ok {
		return errors.Errorf("keyframe %d no longer exists", kfH.ID())
	}
	kf.setObservation(leftIdx, rightIdx, mpH)
	mp.addObservation(kf.id, Observation{Left: leftIdx, Right: rightIdx})
	return nil
}

// Unlink removes the observation edge between mp and kf, in both directions.
func (m *Map) Unlink(mpH MapPointHandle, kfH KeyframeHandle) {
	mp, ok := mpH.Resolve(m)
	if !ok {
		return
	}
	kf, ok := kfH.Resolve(m)
	if !ok {
		return
	}
	obs := mp.Observations()
	o, ok := obs[kf.id]
	if !ok {
		return
	}
	kf.eraseObservation(o.Left, o.Right)
	mp.eraseObservation(kf.id)
}

// ReplaceMapPoint fuses old into new: every keyframe observing old is relinked to observe new
// instead (old's observation wins at a feature index only when new has no observation there
// already), old's found/visible counters are folded into new, and old is marked bad.
func (m *Map) ReplaceMapPoint(oldH, newH MapPointHandle) {
	if oldH.ID() == newH.ID() {
		return
	}
	oldMP, ok := oldH.Resolve(m)
	if !ok {
		return
	}
	newMP, ok := newH.Resolve(m)
	if !ok {
		return
	}

	obsSnapshot := oldMP.Observations()
	for kfID, obs := range obsSnapshot {
		kf, ok := m.Keyframe(kfID)
		if !ok || kf.IsBad() {
			continue
		}
		if existing, has := kf.ObservationAt(obs.Left); has && existing.ID() == newH.ID() {
			oldMP.eraseObservation(kfID)
			continue
		}
		kf.eraseObservation(obs.Left, obs.Right)
		kf.setObservation(obs.Left, obs.Right, newH)
		newMP.addObservation(kfID, obs)
		oldMP.eraseObservation(kfID)
	}

	visible, found := oldMP.VisibleFoundCounts()
	newMP.IncreaseVisible(visible)
	newMP.IncreaseFound(found)
	oldMP.setReplacedBy(newH)
	oldMP.setBad()
}

// MarkKeyframeBad removes kf from the graph: every map point it observes is unlinked from it,
// its covisibility edges are torn down symmetrically, and it is spliced out of the spanning
// tree by re-parenting each child to kf's own parent; when kf has no parent, its children are
// left without one. The temporal prev/next chain, if any, is stitched across the removed
// keyframe.
func (m *Map) MarkKeyframeBad(h KeyframeHandle) {
	kf, ok := h.Resolve(m)
	if !ok || kf.IsBad() {
		return
	}

	for leftIdx, mpH := range kf.Observations() {
		if mp, ok := mpH.Resolve(m); ok {
			mp.eraseObservation(kf.id)
		}
		_ = leftIdx
	}

	for _, neighborID := range kf.AllCovisible() {
		if neighbor, ok := m.Keyframe(neighborID); ok {
			neighbor.setCovisibility(kf.id, 0)
		}
	}

	parent := kf.Parent()
	for _, childID := range kf.Children() {
		child, ok := m.Keyframe(childID)
		if !ok {
			continue
		}
		child.setParent(parent)
		if !parent.IsZero() {
			if p, ok := parent.Resolve(m); ok {
				p.addChild(childID)
			}
		}
	}
	if !parent.IsZero() {
		if p, ok := parent.Resolve(m); ok {
			p.removeChild(kf.id)
		}
	}

	prev, next := kf.Prev(), kf.Next()
	if pkf, ok := prev.Resolve(m); ok {
		pkf.setNext(next)
	}
	if nkf, ok := next.Resolve(m); ok {
		nkf.setPrev(prev)
	}

	kf.setBad()

	m.mu.Lock()
	delete(m.keyframes, kf.id)
	m.mu.Unlock()
}

// MarkMapPointBad removes mp from the graph: every observing keyframe's observation of it is
// erased, and the point is marked bad.
func (m *Map) MarkMapPointBad(h MapPointHandle) {
	mp, ok := h.Resolve(m)
	if !ok || mp.IsBad() {
		return
	}

	for kfID, obs := range mp.Observations() {
		if kf, ok := m.Keyframe(kfID); ok {
			kf.eraseObservation(obs.Left, obs.Right)
		}
	}

	mp.setBad()

	m.mu.Lock()
	delete(m.mapPoints, mp.id)
	m.mu.Unlock()
}

// UpdateConnections recomputes kf's covisibility edges from its current observations: for every
// other keyframe sharing at least minWeight observed map points with kf, the edge weight is set
// to the shared count (0 tears the edge down). If no neighbor clears minWeight, the single
// strongest neighbor is kept regardless, so every non-origin keyframe stays connected to the
// graph. When kf has no parent yet, the strongest neighbor also becomes its spanning-tree parent.
func (m *Map) UpdateConnections(h KeyframeHandle, minWeight int) {
	kf, ok := h.Resolve(m)
	if !ok || kf.IsBad() {
		return
	}

	counts := make(map[ID]int)
	for _, mpH := range kf.Observations() {
		mp, ok := mpH.Resolve(m)
		if !ok || mp.IsBad() {
			continue
		}
		for otherID := range mp.Observations() {
			if otherID == kf.id {
				continue
			}
			counts[otherID]++
		}
	}

	var bestID ID
	bestWeight := -1
	for otherID, weight := range counts {
		other, ok := m.Keyframe(otherID)
		if !ok || other.IsBad() {
			continue
		}
		if weight > bestWeight {
			bestWeight = weight
			bestID = otherID
		}
		if weight >= minWeight {
			kf.setCovisibility(otherID, weight)
			other.setCovisibility(kf.id, weight)
		} else {
			kf.setCovisibility(otherID, 0)
			other.setCovisibility(kf.id, 0)
		}
	}

	if bestWeight >= 0 && bestWeight < minWeight {
		if best, ok := m.Keyframe(bestID); ok {
			kf.setCovisibility(bestID, bestWeight)
			best.setCovisibility(kf.id, bestWeight)
		}
	}

	if kf.Parent().IsZero() && bestWeight >= 0 {
		if best, ok := m.Keyframe(bestID); ok {
			kf.setParent(kfHandle(bestID))
			best.addChild(kf.id)
		}
	}
}

// LinkTemporal records that nextH was inserted immediately after prevH in the active map's
// temporal sequence, the chain the inertial pipeline walks for keyframe collection and
// preintegration bookkeeping.
func (m *Map) LinkTemporal(prevH, nextH KeyframeHandle) {
	prevKF, okPrev := prevH.Resolve(m)
	nextKF, okNext := nextH.Resolve(m)
	if !okPrev || !okNext {
		return
	}
	prevKF.setNext(nextH)
	nextKF.setPrev(prevH)
}

// SpanningTreeChildren returns the spanning-tree children of kf.
func (m *Map) SpanningTreeChildren(h KeyframeHandle) []KeyframeHandle {
	kf, ok := h.Resolve(m)
	if !ok {
		return nil
	}
	children := kf.Children()
	out := make([]KeyframeHandle, len(children))
	for i, id := range children {
		out[i] = kfHandle(id)
	}
	return out
}

// ApplySimilarity rewrites every keyframe pose and map point position in the active map under
// the similarity transform x' = s*R*x + t, as a scale-correction or loop-closure step would. It
// must be called with external synchronization against concurrent structural edits (the caller
// holds whatever map-update lock guards the control loop).
func (m *Map) ApplySimilarity(r *spatialmath.Pose, scale float64) {
	m.mu.RLock()
	keyframes := make([]*Keyframe, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		keyframes = append(keyframes, kf)
	}
	mapPoints := make([]*MapPoint, 0, len(m.mapPoints))
	for _, mp := range m.mapPoints {
		mapPoints = append(mapPoints, mp)
	}
	m.mu.RUnlock()

	for _, kf := range keyframes {
		twc := kf.GetPose().Inverse()
		twc.Translation = r.Transform(twc.Translation.Mul(scale))
		twc.Rotation = quat.Mul(r.Rotation, twc.Rotation)
		kf.SetPose(twc.Inverse())
	}
	for _, mp := range mapPoints {
		pos := mp.GetPosition()
		mp.SetPosition(r.Transform(pos.Mul(scale)))
	}
}
