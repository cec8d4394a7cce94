package mapgraph

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/localmap/spatialmath"
)

// Keypoint is a single undistorted feature observation on a keyframe: its image position, the
// pyramid level it was detected at, and (for a stereo or RGB-D rig) its right-image disparity or
// depth. URight and Depth are -1 when the feature has no stereo information.
type Keypoint struct {
	X, Y       float64
	Octave     int
	URight     float64
	Depth      float64
	Descriptor []byte
}

// HasStereo reports whether this keypoint carries a valid stereo disparity or depth.
func (k Keypoint) HasStereo() bool { return k.URight >= 0 || k.Depth >= 0 }

// Intrinsics holds the pinhole parameters a keyframe's features were extracted under: focal
// lengths and principal point, with no image or point-cloud projection machinery attached.
type Intrinsics struct {
	Fx, Fy float64
	Cx, Cy float64
}

// Observation identifies the feature slot(s) on a keyframe that observe a MapPoint: Left is the
// left-image feature index and Right the right-image one, each -1 when that side has no
// feature (an observation made through the right camera alone has Left -1).
type Observation struct {
	Left, Right int
}

// Keyframe is a vertex of the map graph: a camera observation retained as a landmark anchor.
type Keyframe struct {
	mu sync.RWMutex

	id        ID
	Timestamp float64

	// Tcw: the rigid transform taking world points into this keyframe's camera frame.
	Intrinsics Intrinsics
	Tcw        spatialmath.Pose

	Baseline float64 // b
	BF       float64 // b * fx

	LeftFeatures  []Keypoint
	RightFeatures []Keypoint

	ScaleFactors []float64 // per pyramid level
	LevelSigma2  []float64 // per pyramid level, squared

	obsLeft  map[int]MapPointHandle
	obsRight map[int]MapPointHandle

	covisibility map[ID]int

	parent   KeyframeHandle
	children map[ID]bool

	prev, next KeyframeHandle

	preintegration *Preintegration

	bad      bool
	imuReady bool

	fuseTargetForKF ID
	baGlobalForKF   ID

	// Inertial state. Velocity is in the world frame; Bias is (accel_xyz, gyro_xyz).
	Velocity r3.Vector
	Bias     [6]float64

	// Staging area for an in-flight global bundle adjustment; committed to Tcw/Velocity/Bias
	// only after the spanning-tree propagation visits this keyframe.
	TcwGBA      spatialmath.Pose
	VelocityGBA r3.Vector
	BiasGBA     [6]float64
	hasGBAStage bool
}

// ID returns the keyframe's stable identifier.
func (kf *Keyframe) ID() ID { return kf.id }

// Handle returns a stable handle resolving back to this keyframe.
func (kf *Keyframe) Handle() KeyframeHandle { return kfHandle(kf.id) }

// CameraCenter returns the keyframe's optical center in world coordinates.
func (kf *Keyframe) CameraCenter() r3.Vector {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.Tcw.Inverse().Translation
}

// SetPose replaces the keyframe's Tcw.
func (kf *Keyframe) SetPose(p spatialmath.Pose) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.Tcw = p
}

// GetPose returns the keyframe's current Tcw.
func (kf *Keyframe) GetPose() spatialmath.Pose {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.Tcw
}

// IsBad reports whether the keyframe has been culled.
func (kf *Keyframe) IsBad() bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.bad
}

func (kf *Keyframe) setBad() {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.bad = true
}

// FuseTargetForKF / SetFuseTargetForKF implement the dedup id SearchInNeighbors uses to avoid
// projecting the same keyframe's map points into a target twice in one fuse pass.
func (kf *Keyframe) FuseTargetForKF() ID { kf.mu.RLock(); defer kf.mu.RUnlock(); return kf.fuseTargetForKF }
func (kf *Keyframe) SetFuseTargetForKF(id ID) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.fuseTargetForKF = id
}

// BAGlobalForKF / SetBAGlobalForKF tag which global bundle adjustment round last touched this
// keyframe's staged GBA pose.
func (kf *Keyframe) BAGlobalForKF() ID { kf.mu.RLock(); defer kf.mu.RUnlock(); return kf.baGlobalForKF }
func (kf *Keyframe) SetBAGlobalForKF(id ID) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.baGlobalForKF = id
}

// IMUReady reports whether this keyframe's velocity and bias have been set from a completed
// inertial initialization (as opposed to still carrying their zero-value default).
func (kf *Keyframe) IMUReady() bool { kf.mu.RLock(); defer kf.mu.RUnlock(); return kf.imuReady }

// SetIMUReady marks whether this keyframe's inertial state is valid.
func (kf *Keyframe) SetIMUReady(v bool) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.imuReady = v
}

// SetVelocity replaces the keyframe's world-frame velocity estimate.
func (kf *Keyframe) SetVelocity(v r3.Vector) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.Velocity = v
}

// GetVelocity returns the keyframe's current world-frame velocity estimate.
func (kf *Keyframe) GetVelocity() r3.Vector {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.Velocity
}

// SetBias replaces the keyframe's accelerometer/gyroscope bias estimate.
func (kf *Keyframe) SetBias(b [6]float64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.Bias = b
}

// SetGBAStage records a pending pose/velocity/bias correction from a full inertial bundle
// adjustment, to be applied by CommitGBAStage once the spanning-tree propagation reaches this
// keyframe.
func (kf *Keyframe) SetGBAStage(pose spatialmath.Pose, velocity r3.Vector, bias [6]float64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.TcwGBA = pose
	kf.VelocityGBA = velocity
	kf.BiasGBA = bias
	kf.hasGBAStage = true
}

// GBAStage returns the currently staged pose/velocity/bias correction, if any.
func (kf *Keyframe) GBAStage() (spatialmath.Pose, r3.Vector, [6]float64, bool) {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.TcwGBA, kf.VelocityGBA, kf.BiasGBA, kf.hasGBAStage
}

// CommitGBAStage moves the staged pose/velocity/bias onto the keyframe's live state and clears
// the staging flag, returning the pose that was live immediately before the commit (the
// "before-GBA pose" map points re-backproject against).
func (kf *Keyframe) CommitGBAStage() spatialmath.Pose {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	before := kf.Tcw
	if kf.hasGBAStage {
		kf.Tcw = kf.TcwGBA
		kf.Velocity = kf.VelocityGBA
		kf.Bias = kf.BiasGBA
		kf.imuReady = true
		kf.hasGBAStage = false
	}
	return before
}

// Prev / Next are the temporal links used in inertial mode.
func (kf *Keyframe) Prev() KeyframeHandle { kf.mu.RLock(); defer kf.mu.RUnlock(); return kf.prev }
func (kf *Keyframe) Next() KeyframeHandle { kf.mu.RLock(); defer kf.mu.RUnlock(); return kf.next }

func (kf *Keyframe) setPrev(h KeyframeHandle) { kf.mu.Lock(); defer kf.mu.Unlock(); kf.prev = h }
func (kf *Keyframe) setNext(h KeyframeHandle) { kf.mu.Lock(); defer kf.mu.Unlock(); kf.next = h }

// ObservationAt returns the MapPoint handle observed at the given left feature index, if any.
func (kf *Keyframe) ObservationAt(leftIdx int) (MapPointHandle, bool) {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	h, ok := kf.obsLeft[leftIdx]
	return h, ok
}

// Observations returns a copy of the left-feature-index to MapPoint observation map.
func (kf *Keyframe) Observations() map[int]MapPointHandle {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make(map[int]MapPointHandle, len(kf.obsLeft))
	for k, v := range kf.obsLeft {
		out[k] = v
	}
	return out
}

func (kf *Keyframe) setObservation(leftIdx int, rightIdx int, mp MapPointHandle) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if leftIdx >= 0 {
		kf.obsLeft[leftIdx] = mp
	}
	if rightIdx >= 0 {
		kf.obsRight[rightIdx] = mp
	}
}

func (kf *Keyframe) eraseObservation(leftIdx int, rightIdx int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if leftIdx >= 0 {
		delete(kf.obsLeft, leftIdx)
	}
	if rightIdx >= 0 {
		delete(kf.obsRight, rightIdx)
	}
}

// CovisibilityWeight returns the shared-observation count with the given neighbor, 0 if not
// connected.
func (kf *Keyframe) CovisibilityWeight(neighbor ID) int {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.covisibility[neighbor]
}

// BestCovisible returns up to n neighbor ids ordered by descending covisibility weight.
func (kf *Keyframe) BestCovisible(n int) []ID {
	kf.mu.RLock()
	type pair struct {
		id     ID
		weight int
	}
	pairs := make([]pair, 0, len(kf.covisibility))
	for id, w := range kf.covisibility {
		pairs = append(pairs, pair{id, w})
	}
	kf.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].weight != pairs[j].weight {
			return pairs[i].weight > pairs[j].weight
		}
		return pairs[i].id < pairs[j].id
	})
	if n > len(pairs) || n < 0 {
		n = len(pairs)
	}
	out := make([]ID, n)
	for i := 0; i < n; i++ {
		out[i] = pairs[i].id
	}
	return out
}

// AllCovisible returns every connected neighbor id, in no particular order.
func (kf *Keyframe) AllCovisible() []ID {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]ID, 0, len(kf.covisibility))
	for id := range kf.covisibility {
		out = append(out, id)
	}
	return out
}

func (kf *Keyframe) setCovisibility(neighbor ID, weight int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if weight <= 0 {
		delete(kf.covisibility, neighbor)
		return
	}
	kf.covisibility[neighbor] = weight
}

// Parent returns the spanning-tree parent handle; zero-valued for an origin keyframe.
func (kf *Keyframe) Parent() KeyframeHandle { kf.mu.RLock(); defer kf.mu.RUnlock(); return kf.parent }

func (kf *Keyframe) setParent(h KeyframeHandle) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.parent = h
}

// Children returns the spanning-tree children ids.
func (kf *Keyframe) Children() []ID {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]ID, 0, len(kf.children))
	for id := range kf.children {
		out = append(out, id)
	}
	return out
}

func (kf *Keyframe) addChild(id ID) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.children[id] = true
}

func (kf *Keyframe) removeChild(id ID) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	delete(kf.children, id)
}

// MedianSceneDepth returns the median depth, along this keyframe's optical axis from its own
// camera center, of the non-bad map points it observes through left-image features (the upper
// middle value for an even count). Returns 0 if there are none.
func (kf *Keyframe) MedianSceneDepth(m *Map) float64 {
	kf.mu.RLock()
	center := kf.Tcw.Inverse().Translation
	axis := kf.Tcw.RotationMatrix() // row 2 of R gives the camera's forward (z) axis in world coords
	obs := make([]MapPointHandle, 0, len(kf.obsLeft))
	for _, h := range kf.obsLeft {
		obs = append(obs, h)
	}
	kf.mu.RUnlock()

	zRow := []float64{axis.At(2, 0), axis.At(2, 1), axis.At(2, 2)}
	depths := make([]float64, 0, len(obs))
	for _, h := range obs {
		mp, ok := h.Resolve(m)
		if !ok || mp.IsBad() {
			continue
		}
		pos := mp.GetPosition()
		rel := pos.Sub(center)
		z := zRow[0]*rel.X + zRow[1]*rel.Y + zRow[2]*rel.Z
		depths = append(depths, z)
	}
	if len(depths) == 0 {
		return 0
	}
	sort.Float64s(depths)
	return depths[len(depths)/2]
}
