package localmap

import (
	"testing"

	"go.viam.com/test"
)

func TestDefaultConfigurationValidates(t *testing.T) {
	cfg := DefaultConfiguration("seq-01")
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Monocular, test.ShouldBeTrue)
	test.That(t, cfg.InputQueueCapacity, test.ShouldEqual, 256)
}

func TestValidateRejectsNegativeFarPointsThreshold(t *testing.T) {
	cfg := DefaultConfiguration("seq-01")
	cfg.FarPointsThreshold = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestValidateRequiresThDepthInStereoMode(t *testing.T) {
	cfg := DefaultConfiguration("seq-01")
	cfg.Monocular = false
	cfg.ThDepth = 0
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg.ThDepth = 35
	test.That(t, cfg.Validate(), test.ShouldBeNil)
}

func TestValidateRejectsNegativeQueueCapacity(t *testing.T) {
	cfg := DefaultConfiguration("seq-01")
	cfg.InputQueueCapacity = -1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestValidateRequiresSeqName(t *testing.T) {
	cfg := DefaultConfiguration("")
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}
