package layer

import "github.com/lattice-ml/lattice/internal/tensor"

// Gradient clipping policies. Convolution clips to fixed L2 ceilings; Dense
// uses an adaptive ceiling proportional to the parameter's own norm, so a
// gradient already below the ceiling is never shrunk.

// adaptiveClipEpsilon scales the adaptive ceiling relative to the parameter
// norm.
const adaptiveClipEpsilon = 1e-2

// clipL2 rescales t uniformly so its L2 norm does not exceed maxNorm.
func clipL2(t *tensor.Tensor, maxNorm float64) {
	norm := t.L2Norm()
	if norm > maxNorm {
		t.Scale(maxNorm / norm)
	}
}

// clipAdaptive rescales grad only when its norm exceeds eps times the
// parameter's current norm.
func clipAdaptive(grad, param *tensor.Tensor, eps float64) {
	gradNorm := grad.L2Norm()
	ceiling := eps * param.L2Norm()
	if ceiling > 0 && gradNorm > ceiling {
		grad.Scale(ceiling / gradNorm)
	}
}

// clampRange limits every element of t to [lo, hi] in place.
func clampRange(t *tensor.Tensor, lo, hi float64) {
	data := t.Data()
	for i, v := range data {
		if v < lo {
			data[i] = lo
		} else if v > hi {
			data[i] = hi
		}
	}
}
