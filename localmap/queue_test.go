package localmap

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/localmap/mapgraph"
	"go.viam.com/localmap/spatialmath"
)

func newTestKeyframe(m *mapgraph.Map, ts float64) mapgraph.KeyframeHandle {
	return m.AddKeyframe(ts, spatialmath.Identity(), mapgraph.Intrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, 0,
		nil, nil, []float64{1, 1.2}, []float64{1, 1.44})
}

func TestInputQueuePushPopOrder(t *testing.T) {
	m := mapgraph.NewMap()
	q := NewInputQueue(0)
	test.That(t, q.Empty(), test.ShouldBeTrue)

	h1 := newTestKeyframe(m, 0)
	h2 := newTestKeyframe(m, 1)
	test.That(t, q.Push(h1), test.ShouldBeTrue)
	test.That(t, q.Push(h2), test.ShouldBeTrue)
	test.That(t, q.Len(), test.ShouldEqual, 2)

	got1, ok := q.Pop()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got1, test.ShouldResemble, h1)

	got2, ok := q.Pop()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got2, test.ShouldResemble, h2)

	test.That(t, q.Empty(), test.ShouldBeTrue)
}

func TestInputQueuePopEmptyReportsFalse(t *testing.T) {
	q := NewInputQueue(0)
	_, ok := q.Pop()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestInputQueueRejectsPushAtCapacity(t *testing.T) {
	m := mapgraph.NewMap()
	q := NewInputQueue(1)
	test.That(t, q.Push(newTestKeyframe(m, 0)), test.ShouldBeTrue)
	test.That(t, q.Push(newTestKeyframe(m, 1)), test.ShouldBeFalse)
	test.That(t, q.Len(), test.ShouldEqual, 1)
}

func TestInputQueueClearEmptiesQueue(t *testing.T) {
	m := mapgraph.NewMap()
	q := NewInputQueue(0)
	q.Push(newTestKeyframe(m, 0))
	q.Push(newTestKeyframe(m, 1))
	q.Clear()
	test.That(t, q.Empty(), test.ShouldBeTrue)
	test.That(t, q.Len(), test.ShouldEqual, 0)
}
