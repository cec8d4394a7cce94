package fuse

import (
	"go.viam.com/localmap/logging"
	"go.viam.com/localmap/mapgraph"
)

// Fuser runs the neighborhood fusion pass (SearchInNeighbors) against a current keyframe: it
// identifies a target set of nearby keyframes, projects map points between the current keyframe
// and each target in both directions, and merges any duplicate landmarks a projection turns up.
type Fuser struct {
	log       logging.Logger
	matcher   Matcher
	monocular bool
	inertial  bool
}

// NewFuser constructs a Fuser against the given matcher collaborator.
func NewFuser(log logging.Logger, matcher Matcher, monocular, inertial bool) *Fuser {
	return &Fuser{log: log, matcher: matcher, monocular: monocular, inertial: inertial}
}

// SearchInNeighbors runs the forward and backward fuse passes against currentKF's neighborhood,
// then refreshes every surviving map point's descriptor and normal/depth and updates currentKF's
// covisibility edges. abortBA is polled between targets; when it returns true the pass in
// progress finishes its current target and then stops early.
func (f *Fuser) SearchInNeighbors(m *mapgraph.Map, currentH mapgraph.KeyframeHandle, abortBA func() bool) (int, error) {
	currentKF, ok := currentH.Resolve(m)
	if !ok || currentKF.IsBad() {
		return 0, nil
	}

	targets := f.buildTargetSet(m, currentKF)

	fused := 0
	currentPoints := observedPoints(currentKF)

	for _, targetH := range targets {
		target, ok := targetH.Resolve(m)
		if !ok || target.IsBad() {
			continue
		}
		n, err := f.fuseInto(m, target, mapgraph.CameraLeft, currentPoints)
		if err != nil {
			return fused, err
		}
		fused += n
		if target.Baseline > 0 {
			n, err := f.fuseInto(m, target, mapgraph.CameraRight, currentPoints)
			if err != nil {
				return fused, err
			}
			fused += n
		}
		if abortBA != nil && abortBA() {
			break
		}
	}

	candidateSet := f.collectBackwardCandidates(m, currentKF.ID(), targets)
	n, err := f.fuseInto(m, currentKF, mapgraph.CameraLeft, candidateSet)
	if err != nil {
		return fused, err
	}
	fused += n
	if currentKF.Baseline > 0 {
		n, err := f.fuseInto(m, currentKF, mapgraph.CameraRight, candidateSet)
		if err != nil {
			return fused, err
		}
		fused += n
	}

	for _, h := range observedPoints(currentKF) {
		mp, ok := h.Resolve(m)
		if !ok {
			continue
		}
		mapgraph.RefreshDescriptor(m, mp)
		mapgraph.UpdateNormalAndDepth(m, mp)
	}
	m.UpdateConnections(currentH, 15)

	return fused, nil
}

// buildTargetSet constructs the deduplicated neighborhood of keyframes to fuse against: the
// current keyframe's best covisibles extended by their own best covisibles (second order),
// padded by walking temporal prev links when inertial and the set is too small.
func (f *Fuser) buildTargetSet(m *mapgraph.Map, currentKF *mapgraph.Keyframe) []mapgraph.KeyframeHandle {
	nn := 10
	if f.monocular {
		nn = 30
	}

	var targets []mapgraph.KeyframeHandle
	currentKF.SetFuseTargetForKF(currentKF.ID())

	firstOrder := currentKF.BestCovisible(nn)
	for _, id := range firstOrder {
		kf, ok := m.Keyframe(id)
		if !ok || kf.IsBad() || kf.FuseTargetForKF() == currentKF.ID() {
			continue
		}
		kf.SetFuseTargetForKF(currentKF.ID())
		targets = append(targets, kf.Handle())

		for _, secondID := range kf.BestCovisible(20) {
			second, ok := m.Keyframe(secondID)
			if !ok || second.IsBad() || second.ID() == currentKF.ID() || second.FuseTargetForKF() == currentKF.ID() {
				continue
			}
			second.SetFuseTargetForKF(currentKF.ID())
			targets = append(targets, second.Handle())
		}
	}

	if f.inertial {
		walk := currentKF.Prev()
		for len(targets) < 20 {
			kf, ok := walk.Resolve(m)
			if !ok {
				break
			}
			if !kf.IsBad() && kf.FuseTargetForKF() != currentKF.ID() {
				kf.SetFuseTargetForKF(currentKF.ID())
				targets = append(targets, kf.Handle())
			}
			walk = kf.Prev()
		}
	}

	return targets
}

// collectBackwardCandidates gathers the deduplicated union of map points observed by every
// target keyframe, for the backward fuse pass that projects them into the current keyframe.
func (f *Fuser) collectBackwardCandidates(m *mapgraph.Map, currentID mapgraph.ID, targets []mapgraph.KeyframeHandle) []mapgraph.MapPointHandle {
	var out []mapgraph.MapPointHandle
	for _, targetH := range targets {
		target, ok := targetH.Resolve(m)
		if !ok {
			continue
		}
		for _, h := range observedPoints(target) {
			mp, ok := h.Resolve(m)
			if !ok || mp.IsBad() || mp.FuseCandidateForKF() == currentID {
				continue
			}
			mp.SetFuseCandidateForKF(currentID)
			out = append(out, h)
		}
	}
	return out
}

// fuseInto calls the matcher for the given target/side and applies the resulting candidates:
// empty slots get a fresh link, occupied slots get resolved by survivor selection.
func (f *Fuser) fuseInto(m *mapgraph.Map, target *mapgraph.Keyframe, side mapgraph.CameraSide, points []mapgraph.MapPointHandle) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}
	candidates, err := f.matcher.Fuse(target, side, points)
	if err != nil {
		return 0, err
	}

	fused := 0
	for _, c := range candidates {
		if _, ok := c.Point.Resolve(m); !ok {
			continue
		}
		if c.Existing.IsZero() {
			left, right := sideIndex(side, c.Idx)
			if err := m.Link(c.Point, target.Handle(), left, right); err == nil {
				fused++
			}
			continue
		}
		if c.Existing.ID() == c.Point.ID() {
			continue
		}
		if resolveFuse(m, c.Point, c.Existing) {
			fused++
		}
	}
	return fused, nil
}

// resolveFuse decides the survivor between two map points claiming the same feature slot,
// preferring the one with more observations, and merges the other into it.
func resolveFuse(m *mapgraph.Map, a, b mapgraph.MapPointHandle) bool {
	mpA, okA := a.Resolve(m)
	mpB, okB := b.Resolve(m)
	if !okA || !okB {
		return false
	}
	survivor, loser := a, b
	if mpB.NumObservations() > mpA.NumObservations() {
		survivor, loser = b, a
	}
	m.ReplaceMapPoint(loser, survivor)
	return true
}

func sideIndex(side mapgraph.CameraSide, idx int) (left, right int) {
	if side == mapgraph.CameraLeft {
		return idx, -1
	}
	return -1, idx
}

func observedPoints(kf *mapgraph.Keyframe) []mapgraph.MapPointHandle {
	obs := kf.Observations()
	out := make([]mapgraph.MapPointHandle, 0, len(obs))
	for _, h := range obs {
		out = append(out, h)
	}
	return out
}
