package derive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeasParams_GetOrCreate(t *testing.T) {
	mp := NewMeasParams()
	key := MeasKey{ParentPlot: "P", ChildPlot: "F"}

	idx, ok := mp.Index(key, MeasParam{ChildCurve: "spec", GroupID: 1, CurveSize: 64, PointIndex: 10})
	assert.False(t, ok)
	assert.Equal(t, 10, idx)

	idx, ok = mp.Index(key, MeasParam{ChildCurve: "spec", GroupID: 1, CurveSize: 64, PointIndex: 3})
	assert.True(t, ok)
	assert.Equal(t, 10, idx)

	idx, ok = mp.Index(key, MeasParam{ChildCurve: "spec", GroupID: -1, CurveSize: 64, PointIndex: 3})
	assert.True(t, ok, "a new child plot reuses the stored index")
	assert.Equal(t, 10, idx)

	idx, ok = mp.Index(key, MeasParam{ChildCurve: "spec", GroupID: 1, CurveSize: 8, PointIndex: 3})
	assert.False(t, ok, "size change resets the entry")
	assert.Equal(t, 3, idx)
}

func TestMeasParams_PlotRemoved(t *testing.T) {
	mp := NewMeasParams()
	mp.Index(MeasKey{"P", "F"}, MeasParam{CurveSize: 1})
	mp.Index(MeasKey{"Q", "P"}, MeasParam{CurveSize: 1})
	mp.Index(MeasKey{"Q", "R"}, MeasParam{CurveSize: 1})

	mp.PlotRemoved("P")
	assert.Equal(t, 1, mp.Len())
}
