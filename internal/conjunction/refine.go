package conjunction

import (
	"math"
	"time"
)

var invPhi = (math.Sqrt(5) - 1) / 2

// minimum is the outcome of a bracketed minimization.
type minimum struct {
	t         time.Time
	value     float64
	converged bool
	lo, hi    time.Time // final bracket
}

// goldenSection minimizes f over [lo, hi] until the bracket is narrower than
// tol or maxIter evaluations have been spent. f is assumed unimodal on the
// bracket, which holds for a coarse bracket around a sampled local minimum.
// The reported point is the best one evaluated, so it always lies inside the
// final bracket.
func goldenSection(f func(time.Time) (float64, error), lo, hi time.Time, tol time.Duration, maxIter int) (minimum, error) {
	at := func(x float64) time.Time {
		return lo.Add(time.Duration(x * float64(time.Second)))
	}

	a, b := 0.0, hi.Sub(lo).Seconds()
	tolS := tol.Seconds()

	c := b - invPhi*(b-a)
	d := a + invPhi*(b-a)
	fc, err := f(at(c))
	if err != nil {
		return minimum{}, err
	}
	fd, err := f(at(d))
	if err != nil {
		return minimum{}, err
	}

	for i := 0; b-a > tolS; i++ {
		if i >= maxIter {
			break
		}
		if fc < fd {
			b, d, fd = d, c, fc
			c = b - invPhi*(b-a)
			if fc, err = f(at(c)); err != nil {
				return minimum{}, err
			}
		} else {
			a, c, fc = c, d, fd
			d = a + invPhi*(b-a)
			if fd, err = f(at(d)); err != nil {
				return minimum{}, err
			}
		}
	}

	m := minimum{t: at(c), value: fc, converged: b-a <= tolS, lo: at(a), hi: at(b)}
	if fd < fc {
		m.t, m.value = at(d), fd
	}
	return m, nil
}
