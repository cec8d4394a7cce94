package mapgraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Preintegration is the accumulated IMU measurement summary between a keyframe and its temporal
// predecessor: delta rotation, velocity, and position over the elapsed time, plus the
// accelerometer/gyroscope bias the samples were preintegrated against. Computing this from raw
// inertial samples is the preintegration collaborator's job, out of scope here;
// Local Mapping only ever reads the finished blob, most directly to seed the gravity-direction
// estimate in the inertial initializer's first stage.
type Preintegration struct {
	DeltaR quat.Number
	DeltaV r3.Vector
	DeltaP r3.Vector
	Dt     float64
}

// Preintegration returns the IMU summary between kf.Prev() and kf, nil if kf carries none (a
// non-inertial session, or the very first keyframe of a map segment).
func (kf *Keyframe) Preintegration() *Preintegration {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.preintegration
}

// SetPreintegration attaches the IMU summary between kf.Prev() and kf.
func (kf *Keyframe) SetPreintegration(p *Preintegration) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.preintegration = p
}
