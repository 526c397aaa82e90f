package quant

// Calibration accumulates second-order activation statistics for one layer
// input dimension: the Gram matrix H = Σ x·xᵀ over the observed calibration
// activations. Column j's diagonal entry estimates how sensitive the layer
// output is to rounding error in weight column j.
type Calibration struct {
	dim int
	n   int
	h   []float64 // dim*dim, row-major
}

func NewCalibration(dim int) *Calibration {
	return &Calibration{dim: dim, h: make([]float64, dim*dim)}
}

func (c *Calibration) Dim() int     { return c.dim }
func (c *Calibration) Samples() int { return c.n }

// Observe accumulates one activation vector. len(x) must equal Dim.
func (c *Calibration) Observe(x []float32) {
	for i := 0; i < c.dim; i++ {
		xi := float64(x[i])
		if xi == 0 {
			continue
		}
		row := c.h[i*c.dim : (i+1)*c.dim]
		for j := 0; j < c.dim; j++ {
			row[j] += xi * float64(x[j])
		}
	}
	c.n++
}

// damped returns the damped diagonal and a row accessor over the mean
// Hessian. Damping by a fraction of the mean diagonal keeps the compensation
// ratios bounded when a column was never activated.
func (c *Calibration) damped(frac float64) (diag []float64, row func(i int) []float64) {
	var mean float64
	for i := 0; i < c.dim; i++ {
		mean += c.h[i*c.dim+i]
	}
	mean /= float64(c.dim)
	lambda := frac * mean

	diag = make([]float64, c.dim)
	for i := 0; i < c.dim; i++ {
		diag[i] = c.h[i*c.dim+i] + lambda
	}
	return diag, func(i int) []float64 {
		return c.h[i*c.dim : (i+1)*c.dim]
	}
}
