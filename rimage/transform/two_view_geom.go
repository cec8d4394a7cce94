package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// TriangulateDLT triangulates a 3D point from a pair of image correspondences and their camera
// projection matrices, via the direct linear transform: each view contributes two constraint
// rows x_i * P_row2 - P_rowN = 0, and the point is the smallest right singular vector of the
// stacked 4x4 system, dehomogenized.
func TriangulateDLT(x1, x2 r2.Point, p1, p2 *mat.Dense) (r3.Vector, bool) {
	a := mat.NewDense(4, 4, nil)
	fillDLTRow(a, 0, x1.X, p1.RawRowView(2), p1.RawRowView(0))
	fillDLTRow(a, 1, x1.Y, p1.RawRowView(2), p1.RawRowView(1))
	fillDLTRow(a, 2, x2.X, p2.RawRowView(2), p2.RawRowView(0))
	fillDLTRow(a, 3, x2.Y, p2.RawRowView(2), p2.RawRowView(1))

	v := performSVD(a)
	if v == nil {
		return r3.Vector{}, false
	}
	lastCol := v.ColView(3)
	w := lastCol.AtVec(3)
	if w == 0 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: lastCol.AtVec(0) / w, Y: lastCol.AtVec(1) / w, Z: lastCol.AtVec(2) / w}, true
}

func fillDLTRow(a *mat.Dense, row int, coord float64, pRow2, pRowN []float64) {
	for col := 0; col < 4; col++ {
		a.Set(row, col, coord*pRow2[col]-pRowN[col])
	}
}

// ProjectionMatrix builds the 3x4 camera projection matrix K*[R|t] from intrinsics and an
// SE(3) world-to-camera transform supplied as a 3x3 rotation and translation.
func ProjectionMatrix(k *mat.Dense, r *mat.Dense, t r3.Vector) *mat.Dense {
	p := mat.NewDense(3, 4, nil)
	var rt mat.Dense
	rt.Augment(r, mat.NewDense(3, 1, []float64{t.X, t.Y, t.Z}))
	p.Mul(k, &rt)
	return p
}

// performSVD returns the right-singular-vector matrix V of inputMatrix's SVD, nil if the
// factorization fails. TriangulateDLT is the only caller, and only ever reads V.
func performSVD(inputMatrix *mat.Dense) *mat.Dense {
	var svd mat.SVD
	ok := svd.Factorize(inputMatrix, mat.SVDFull)
	if !ok {
		return nil
	}
	v := &mat.Dense{}
	svd.VTo(v)
	return v
}
