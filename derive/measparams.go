package derive

import "sync"

// MeasKey identifies a spectrum measurement between a parent plot and the
// child plot showing its marker.
type MeasKey struct {
	ParentPlot string
	ChildPlot  string
}

// MeasParam remembers where a measurement marker sat on a child curve.
type MeasParam struct {
	ChildCurve string
	GroupID    int64
	CurveSize  int
	PointIndex int
}

// MeasParams keeps FFT measurement markers stable across recomputes. It is
// owned by the registry and passed in where needed.
type MeasParams struct {
	mu sync.Mutex
	m  map[MeasKey]MeasParam
}

// NewMeasParams returns an empty table.
func NewMeasParams() *MeasParams {
	return &MeasParams{m: make(map[MeasKey]MeasParam)}
}

// Index returns the stored marker index for key when it is still usable
// for p: same group (or p.GroupID < 0 for a freshly created child plot),
// same curve size, and an index inside the curve. Otherwise p is stored
// and its own PointIndex returned with ok=false.
func (mp *MeasParams) Index(key MeasKey, p MeasParam) (index int, ok bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if cur, exists := mp.m[key]; exists {
		sameGroup := cur.GroupID == p.GroupID || p.GroupID < 0
		if sameGroup && cur.CurveSize == p.CurveSize && cur.CurveSize >= 0 && cur.PointIndex < p.CurveSize {
			return cur.PointIndex, true
		}
	}
	mp.m[key] = p
	return p.PointIndex, false
}

// PlotRemoved drops every entry that mentions plot on either side.
func (mp *MeasParams) PlotRemoved(plot string) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for k := range mp.m {
		if k.ParentPlot == plot || k.ChildPlot == plot {
			delete(mp.m, k)
		}
	}
}

// Len returns the number of entries.
func (mp *MeasParams) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.m)
}
