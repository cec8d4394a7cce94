package localmap

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/localmap/mapgraph"
)

func TestControlStateStartsAcceptingKeyFrames(t *testing.T) {
	s := newControlState()
	test.That(t, s.AcceptKeyFrames(), test.ShouldBeTrue)
	s.setAcceptKeyFrames(false)
	test.That(t, s.AcceptKeyFrames(), test.ShouldBeFalse)
}

func TestControlStateRequestStopRaisesAbortBA(t *testing.T) {
	s := newControlState()
	test.That(t, s.AbortBA(), test.ShouldBeFalse)
	s.RequestStop()
	test.That(t, s.StopRequested(), test.ShouldBeTrue)
	test.That(t, s.AbortBA(), test.ShouldBeTrue)
}

func TestControlStateTryStopHonorsNotStopVeto(t *testing.T) {
	s := newControlState()
	s.SetNotStop(true)
	s.RequestStop()
	test.That(t, s.tryStop(), test.ShouldBeFalse)
	test.That(t, s.IsStopped(), test.ShouldBeFalse)

	s.SetNotStop(false)
	test.That(t, s.tryStop(), test.ShouldBeTrue)
	test.That(t, s.IsStopped(), test.ShouldBeTrue)
}

func TestControlStateSetNotStopFailsOnceStopped(t *testing.T) {
	s := newControlState()
	s.RequestStop()
	test.That(t, s.tryStop(), test.ShouldBeTrue)
	test.That(t, s.SetNotStop(true), test.ShouldBeFalse)
}

func TestControlStateReleaseClearsStop(t *testing.T) {
	s := newControlState()
	s.RequestStop()
	s.tryStop()
	s.Release()
	test.That(t, s.IsStopped(), test.ShouldBeFalse)
	test.That(t, s.StopRequested(), test.ShouldBeFalse)
}

func TestControlStateClearAbortBALowersFlag(t *testing.T) {
	s := newControlState()
	s.InterruptBA()
	test.That(t, s.AbortBA(), test.ShouldBeTrue)
	s.clearAbortBA()
	test.That(t, s.AbortBA(), test.ShouldBeFalse)
}

func TestControlStateConsumeResetRequests(t *testing.T) {
	s := newControlState()
	full, activeMap := s.consumeResetRequests()
	test.That(t, full, test.ShouldBeFalse)
	test.That(t, activeMap, test.ShouldBeNil)

	m := mapgraph.NewMap()
	s.RequestReset()
	s.RequestResetActiveMap(m)
	full, activeMap = s.consumeResetRequests()
	test.That(t, full, test.ShouldBeTrue)
	test.That(t, activeMap, test.ShouldEqual, m)

	full, activeMap = s.consumeResetRequests()
	test.That(t, full, test.ShouldBeFalse)
	test.That(t, activeMap, test.ShouldBeNil)
}

func TestControlStateFinish(t *testing.T) {
	s := newControlState()
	test.That(t, s.checkFinish(), test.ShouldBeFalse)
	s.RequestFinish()
	test.That(t, s.checkFinish(), test.ShouldBeTrue)
	s.setFinished()
	test.That(t, s.IsFinished(), test.ShouldBeTrue)
	test.That(t, s.IsStopped(), test.ShouldBeTrue)
}
