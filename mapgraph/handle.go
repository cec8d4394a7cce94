// Package mapgraph implements the map graph: Keyframes, MapPoints, and the
// covisibility/observation/spanning-tree relations between them. Both entity kinds are owned by
// a Map arena; cross-references between them are stable integer ids rather than pointers, so a
// Keyframe and a MapPoint can each reference the other without creating a reference cycle the
// garbage collector cannot reason about, and a reference to an entity that has since been marked
// bad and removed resolves to "gone" instead of a dangling pointer.
package mapgraph

// ID is a stable, monotonically assigned identifier for a Keyframe or a MapPoint. The two id
// spaces are independent: a Keyframe and a MapPoint may share the same numeric id.
type ID uint64

// KeyframeHandle is a weak reference to a Keyframe: it resolves against a Map and reports
// whether the keyframe still exists and is not bad.
type KeyframeHandle struct {
	id    ID
	valid bool
}

// Resolve looks up the keyframe the handle refers to. ok is false if the handle is zero-valued,
// or the keyframe has been removed from m.
func (h KeyframeHandle) Resolve(m *Map) (*Keyframe, bool) {
	if !h.valid {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	kf, ok := m.keyframes[h.id]
	return kf, ok
}

// ID returns the underlying identifier, even if the handle no longer resolves.
func (h KeyframeHandle) ID() ID { return h.id }

// IsZero reports whether the handle was never assigned.
func (h KeyframeHandle) IsZero() bool { return !h.valid }

func kfHandle(id ID) KeyframeHandle { return KeyframeHandle{id: id, valid: true} }

// MapPointHandle is a weak reference to a MapPoint. It resolves as long as the point is in the
// map's arena; a point that ReplaceMapPoint merged away stays there, marked bad, so it still
// resolves.
type MapPointHandle struct {
	id    ID
	valid bool
}

// Resolve looks up the map point the handle refers to.
func (h MapPointHandle) Resolve(m *Map) (*MapPoint, bool) {
	if !h.valid {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.mapPoints[h.id]
	return mp, ok
}

// ID returns the underlying identifier, even if the handle no longer resolves.
func (h MapPointHandle) ID() ID { return h.id }

// IsZero reports whether the handle was never assigned.
func (h MapPointHandle) IsZero() bool { return !h.valid }

func mpHandle(id ID) MapPointHandle { return MapPointHandle{id: id, valid: true} }
