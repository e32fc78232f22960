package deconv

import (
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/lox/sensorcast/internal/models"
)

// trendFilterCV picks the penalty by walk-forward validation: for each fold i
// the model is fit on all but the last i days, extended one day flat, and
// scored on how well it predicts the held-out report.
func (e *Engine) trendFilterCV(sp span, kernel []float64) ([]float64, error) {
	n := len(sp.y)
	lambdas := e.cfg.Lambdas
	loss := make([]float64, len(lambdas))

	minTrain := e.cfg.Order + 2
	for i := 1; i <= e.cfg.Folds; i++ {
		train := n - i
		if train < minTrain || !sp.mask[train] {
			continue
		}
		head := span{start: sp.start, y: sp.y[:train], mask: sp.mask[:train]}
		if observedCount(head) == 0 {
			continue
		}
		for j, lam := range lambdas {
			x, err := trendFilter(head, kernel, lam, e.cfg.MaxIterations, e.cfg.Order)
			if err != nil {
				loss[j] = math.Inf(1)
				continue
			}
			ext := append(append(make([]float64, 0, train+1), x...), x[train-1])
			pred := make([]float64, train+1)
			convolveInto(pred, ext, kernel)
			r := sp.y[train] - pred[train]
			loss[j] += r * r
		}
	}

	lam := lambdas[floats.MinIdx(loss)]
	log.Debugf("deconv: trend filter lambda %.4g", lam)
	return trendFilter(sp, kernel, lam, e.cfg.MaxIterations, e.cfg.Order)
}

func observedCount(sp span) int {
	c := 0
	for _, ok := range sp.mask {
		if ok {
			c++
		}
	}
	return c
}

// trendFilter solves
//
//	minimize (1/2n)||y - Cx||² + λ||D^(k+1) x||₁
//
// by ADMM, where C holds the convolution rows of the observed days and
// D^(k+1) is the (k+1)-th order difference operator. Each iterate is
// projected onto x >= 0.
func trendFilter(sp span, kernel []float64, lam float64, iters, k int) ([]float64, error) {
	n := len(sp.y)
	q := k + 1
	if n <= q {
		return nil, &models.DeconvolutionError{Reason: fmt.Sprintf("trend filter needs more than %d days, have %d", q, n)}
	}

	rows := observedCount(sp)
	C := mat.NewDense(rows, n, nil)
	y := mat.NewVecDense(rows, nil)
	r := 0
	for t := 0; t < n; t++ {
		if !sp.mask[t] {
			continue
		}
		for d := 0; d < len(kernel) && d <= t; d++ {
			C.Set(r, t-d, kernel[d])
		}
		y.SetVec(r, sp.y[t])
		r++
	}

	D := differenceMatrix(n, q)
	m, _ := D.Dims()

	rho := lam
	var CtC, DtD, A mat.Dense
	CtC.Mul(C.T(), C)
	CtC.Scale(1/float64(rows), &CtC)
	DtD.Mul(D.T(), D)
	DtD.Scale(rho, &DtD)
	A.Add(&CtC, &DtD)

	var Ainv mat.Dense
	if err := Ainv.Inverse(&A); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			log.Warnf("deconv: trend filter system is ill-conditioned (%v)", err)
		} else {
			return nil, &models.DeconvolutionError{Reason: fmt.Sprintf("trend filter system is singular: %v", err)}
		}
	}

	var Cty mat.VecDense
	Cty.MulVec(C.T(), y)
	Cty.ScaleVec(1/float64(rows), &Cty)

	x := mat.NewVecDense(n, nil)
	alpha := mat.NewVecDense(m, nil)
	u := mat.NewVecDense(m, nil)
	var diff, rhs, dx mat.VecDense
	for it := 0; it < iters; it++ {
		diff.SubVec(alpha, u)
		rhs.MulVec(D.T(), &diff)
		rhs.ScaleVec(rho, &rhs)
		rhs.AddVec(&Cty, &rhs)
		x.MulVec(&Ainv, &rhs)
		for i := 0; i < n; i++ {
			if x.AtVec(i) < 0 {
				x.SetVec(i, 0)
			}
		}

		dx.MulVec(D, x)
		dx.AddVec(&dx, u)
		for i := 0; i < m; i++ {
			alpha.SetVec(i, softThreshold(dx.AtVec(i), lam/rho))
		}
		u.SubVec(&dx, alpha)
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = x.AtVec(i)
	}
	return out, nil
}

// differenceMatrix returns the q-th order forward difference operator with
// shape (n-q) x n.
func differenceMatrix(n, q int) *mat.Dense {
	coef := make([]float64, q+1)
	for l := 0; l <= q; l++ {
		c := binomial(q, l)
		if (q-l)%2 == 1 {
			c = -c
		}
		coef[l] = c
	}
	D := mat.NewDense(n-q, n, nil)
	for i := 0; i < n-q; i++ {
		for l, c := range coef {
			D.Set(i, i+l, c)
		}
	}
	return D
}

func binomial(n, k int) float64 {
	r := 1.0
	for i := 1; i <= k; i++ {
		r = r * float64(n-k+i) / float64(i)
	}
	return r
}

func softThreshold(v, t float64) float64 {
	switch {
	case v > t:
		return v - t
	case v < -t:
		return v + t
	}
	return 0
}
