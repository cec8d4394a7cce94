package triangulate

import "go.viam.com/localmap/mapgraph"

// RecentMapPoints is the probation list: every MapPoint triangulated since the last culling
// pass, held until it proves itself by accumulating enough observations (graduates into the map
// unconditionally) or fails probation (is marked bad and removed from the map too).
type RecentMapPoints struct {
	handles []mapgraph.MapPointHandle
}

// NewRecentMapPoints returns an empty probation list.
func NewRecentMapPoints() *RecentMapPoints {
	return &RecentMapPoints{}
}

// Add appends a newly triangulated map point to the probation list.
func (r *RecentMapPoints) Add(h mapgraph.MapPointHandle) {
	r.handles = append(r.handles, h)
}

// Len reports how many map points are currently on probation.
func (r *RecentMapPoints) Len() int { return len(r.handles) }

// Clear empties the list, as a map or active-map reset does.
func (r *RecentMapPoints) Clear() { r.handles = nil }

// Cull runs one pass of MapPointCulling against m, using currentKFID as the current keyframe id
// n in the age comparisons and theta as the minimum-observation threshold (2 for a monocular
// point, 3 for a stereo one).
func (r *RecentMapPoints) Cull(m *mapgraph.Map, currentKFID mapgraph.ID, theta int) {
	kept := r.handles[:0]
	for _, h := range r.handles {
		mp, ok := h.Resolve(m)
		if !ok || mp.IsBad() {
			continue
		}

		if mp.FoundRatio() < 0.25 {
			m.MarkMapPointBad(h)
			continue
		}

		age := int64(currentKFID) - int64(mp.FirstKeyframeID())
		observations := mp.NumFeatureSlots()

		switch {
		case age >= 2 && observations <= theta:
			m.MarkMapPointBad(h)
		case age >= 3:
			// graduated: stays in the map, just leaves probation.
		default:
			kept = append(kept, h)
		}
	}
	r.handles = kept
}
