package logging

import (
	"testing"

	"go.viam.com/test"
)

func TestSubloggerName(t *testing.T) {
	base := NewTestLogger(t)
	sub := base.Sublogger("triangulator")
	test.That(t, sub, test.ShouldNotBeNil)
	test.That(t, sub.AsZap().Desugar().Name(), test.ShouldEqual, "triangulator")
}

func TestLevelFromString(t *testing.T) {
	level, err := LevelFromString("debug")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, DEBUG)

	_, err = LevelFromString("bogus")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestObservedLoggerCapturesEntries(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	logger.Infow("triangulated new point", "keyframeID", 7, "count", 12)

	entries := observed.All()
	test.That(t, len(entries), test.ShouldEqual, 1)
	test.That(t, entries[0].Message, test.ShouldEqual, "triangulated new point")
}

func TestSetLevelGatesDebug(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	logger.SetLevel(WARN)
	logger.Debug("should be suppressed")
	logger.Warn("should appear")

	entries := observed.All()
	test.That(t, len(entries), test.ShouldEqual, 1)
	test.That(t, entries[0].Message, test.ShouldEqual, "should appear")
}
