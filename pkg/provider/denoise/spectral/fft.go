package spectral

import (
	"math"
	"math/bits"
)

// fft is an in-place iterative radix-2 transform with precomputed tables.
type fft struct {
	n   int
	rev []int
	cos []float32
	sin []float32
}

func newFFT(n int) *fft {
	f := &fft{
		n:   n,
		rev: make([]int, n),
		cos: make([]float32, n/2),
		sin: make([]float32, n/2),
	}
	shift := bits.UintSize - bits.TrailingZeros(uint(n))
	for i := range n {
		f.rev[i] = int(bits.Reverse(uint(i)) >> shift)
	}
	for i := range n / 2 {
		a := -2 * math.Pi * float64(i) / float64(n)
		f.cos[i] = float32(math.Cos(a))
		f.sin[i] = float32(math.Sin(a))
	}
	return f
}

// forward transforms re/im in place.
func (f *fft) forward(re, im []float32) {
	for i, j := range f.rev {
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for size := 2; size <= f.n; size <<= 1 {
		half := size / 2
		step := f.n / size
		for start := 0; start < f.n; start += size {
			for k := range half {
				wr, wi := f.cos[k*step], f.sin[k*step]
				a, b := start+k, start+k+half
				tr := re[b]*wr - im[b]*wi
				ti := re[b]*wi + im[b]*wr
				re[b] = re[a] - tr
				im[b] = im[a] - ti
				re[a] += tr
				im[a] += ti
			}
		}
	}
}

// inverse transforms re/im in place and scales by 1/n.
func (f *fft) inverse(re, im []float32) {
	for i := range im {
		im[i] = -im[i]
	}
	f.forward(re, im)
	scale := 1 / float32(f.n)
	for i := range re {
		re[i] *= scale
		im[i] = -im[i] * scale
	}
}
