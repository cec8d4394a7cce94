// Package localmap is the Local Mapping subsystem of a visual-inertial SLAM engine: it ingests
// keyframes from a Tracker, integrates them into a map graph, triangulates and fuses landmarks,
// runs local (and periodically inertial) bundle adjustment, and hands processed keyframes to a
// Loop Closer. See the package's interfaces.go for the external collaborator contracts.
package localmap

import (
	"github.com/pkg/errors"
)

// Configuration holds the enumerated options a System is constructed with. The fields mirror the
// sensor-mode and far-point options a tracker negotiates with its mapping backend at startup.
type Configuration struct {
	Monocular          bool    `json:"monocular" mapstructure:"monocular"`
	Inertial           bool    `json:"inertial" mapstructure:"inertial"`
	FarPoints          bool    `json:"far_points" mapstructure:"far_points"`
	FarPointsThreshold float64 `json:"far_points_threshold" mapstructure:"far_points_threshold"`
	SeqName            string  `json:"seq_name" mapstructure:"seq_name"`

	// ThDepth is the stereo close-point depth gate used by keyframe culling; ignored in
	// monocular mode.
	ThDepth float64 `json:"th_depth" mapstructure:"th_depth"`

	// InputQueueCapacity bounds the number of keyframes waiting in the input queue; once it is
	// full, further inserts are rejected. 0 means unbounded.
	InputQueueCapacity int `json:"input_queue_capacity" mapstructure:"input_queue_capacity"`
}

// Validate checks that the configuration is internally consistent, returning the first violation
// found.
func (c *Configuration) Validate() error {
	if c.FarPointsThreshold < 0 {
		return errors.Errorf("far_points_threshold must be non-negative, got %v", c.FarPointsThreshold)
	}
	if !c.Monocular && c.ThDepth <= 0 {
		return errors.Errorf("th_depth must be positive in stereo/RGB-D mode, got %v", c.ThDepth)
	}
	if c.InputQueueCapacity < 0 {
		return errors.Errorf("input_queue_capacity must be non-negative, got %v", c.InputQueueCapacity)
	}
	if c.SeqName == "" {
		return errors.New("seq_name is required")
	}
	return nil
}

// DefaultConfiguration returns the configuration a monocular, non-inertial session uses absent
// any explicit overrides.
func DefaultConfiguration(seqName string) Configuration {
	return Configuration{
		Monocular:          true,
		FarPoints:          false,
		FarPointsThreshold: 40,
		SeqName:            seqName,
		ThDepth:            35,
		InputQueueCapacity: 256,
	}
}
