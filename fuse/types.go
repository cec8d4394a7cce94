// Package fuse implements the neighborhood map-point fusion pass (SearchInNeighbors): after a new
// keyframe is triangulated, its map points and those of its covisible neighbors are projected into
// each other's views to merge duplicate landmarks that independent triangulation created twice.
package fuse

import (
	"go.viam.com/localmap/mapgraph"
)

// Candidate is a single fuse opportunity the Matcher reports: Point, observed somewhere else in
// the map, projects into target's given camera side at feature slot Idx with compatible
// descriptor and reprojection error. Existing is the map point already linked at that slot, zero
// if the slot is currently empty.
type Candidate struct {
	Point    mapgraph.MapPointHandle
	Idx      int
	Existing mapgraph.MapPointHandle
}

// Matcher is the collaborator that searches, for each of a set of map points, a compatible
// feature slot on a target keyframe. It reports geometric and
// descriptor compatibility only; the survivor-selection when a slot is already occupied is the
// Fuser's own responsibility so that it is exercised by this package's tests rather than hidden
// inside a test double.
type Matcher interface {
	Fuse(target *mapgraph.Keyframe, side mapgraph.CameraSide, points []mapgraph.MapPointHandle) ([]Candidate, error)
}
