package autoencoder

import "math"

// adam holds first and second moment estimates for a fixed list of parameter slices.
type adam struct {
	lr   float64
	t    int
	m, v [][]float64
}

func newAdam(lr float64, sizes ...int) *adam {
	o := &adam{lr: lr}
	for _, n := range sizes {
		o.m = append(o.m, make([]float64, n))
		o.v = append(o.v, make([]float64, n))
	}
	return o
}

// update applies one bias-corrected Adam step in place. params and grads
// must match the sizes given to newAdam.
func (o *adam) update(params, grads [][]float64) {
	o.t++
	c1 := 1 - math.Pow(adamBeta1, float64(o.t))
	c2 := 1 - math.Pow(adamBeta2, float64(o.t))
	for k, p := range params {
		g, m, v := grads[k], o.m[k], o.v[k]
		for i := range p {
			m[i] = adamBeta1*m[i] + (1-adamBeta1)*g[i]
			v[i] = adamBeta2*v[i] + (1-adamBeta2)*g[i]*g[i]
			p[i] -= o.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + adamEps)
		}
	}
}
