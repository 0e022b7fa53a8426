package fft

import (
	"math"

	"github.com/MeKo-Christian/algo-convolve/internal/vec"
)

// The pass kernels below follow the decimation-in-time split-radix
// structure. Passes one and two are fused with a 4-way shuffle that
// also pre-orders data for the following pass. Pass three uses
// hard-coded twiddles. Later passes read the precomputed tables, in
// a reordering variant while bit-reversal is still being resolved and
// a linear variant once it is.
//
// The table passes take a lane width chosen per pass: deeper passes
// have longer contiguous butterfly runs, so they are given wider
// blocks, bounded by the vector width the CPU reports. Pass one and
// two always move quads; that is the shape of the shuffle itself.

// passWidth bounds the hardware lane count for one pass level.
func passWidth[T Float](limit int) int {
	w := vec.Width[T]()
	if w > limit {
		w = limit
	}
	if w < 1 {
		w = 1
	}

	return w
}

const sqrt2Over2 = 0.70710678118654752440084436210484904

// quad is four consecutive lanes of a split array, the unit moved
// through the pass one and two shuffler.
type quad[T Float] [4]T

func loadQuad[T Float](a []T, at int) quad[T] {
	return quad[T]{a[at], a[at+1], a[at+2], a[at+3]}
}

func storeQuad[T Float](a []T, at int, q quad[T]) {
	a[at] = q[0]
	a[at+1] = q[1]
	a[at+2] = q[2]
	a[at+3] = q[3]
}

// shuffle4 distributes butterfly outputs a, b, c, d across the four
// quarter positions so the next pass can read linearly.
func shuffle4[T Float](a, b, c, d quad[T]) (p1, p2, p3, p4 quad[T]) {
	p1 = quad[T]{a[0], c[0], b[0], d[0]}
	p2 = quad[T]{a[2], c[2], b[2], d[2]}
	p3 = quad[T]{a[1], c[1], b[1], d[1]}
	p4 = quad[T]{a[3], c[3], b[3], d[3]}

	return p1, p2, p3, p4
}

// pass12 fuses the first two radix-2 passes over 2^log2 >= 16 points.
func pass12[T Float](x *Split[T], length int) {
	quarter := length >> 2

	re, im := x.Re, x.Im

	for o := 0; o < quarter; o += 4 {
		var rA, rB, rC, rD, iA, iB, iC, iD quad[T]

		for j := 0; j < 4; j++ {
			r1 := re[o+j]
			r2 := re[quarter+o+j]
			r3 := re[2*quarter+o+j]
			r4 := re[3*quarter+o+j]

			i1 := im[o+j]
			i2 := im[quarter+o+j]
			i3 := im[2*quarter+o+j]
			i4 := im[3*quarter+o+j]

			r5 := r1 + r3
			r6 := r2 + r4
			r7 := r1 - r3
			r8 := r2 - r4

			i5 := i1 + i3
			i6 := i2 + i4
			i7 := i1 - i3
			i8 := i2 - i4

			rA[j] = r5 + r6
			rB[j] = r5 - r6
			rC[j] = r7 + i8
			rD[j] = r7 - i8

			iA[j] = i5 + i6
			iB[j] = i5 - i6
			iC[j] = i7 - r8
			iD[j] = i7 + r8
		}

		q1, q2, q3, q4 := shuffle4(rA, rB, rC, rD)
		storeQuad(re, o, q1)
		storeQuad(re, quarter+o, q2)
		storeQuad(re, 2*quarter+o, q3)
		storeQuad(re, 3*quarter+o, q4)

		q1, q2, q3, q4 = shuffle4(iA, iB, iC, iD)
		storeQuad(im, o, q1)
		storeQuad(im, quarter+o, q2)
		storeQuad(im, 2*quarter+o, q3)
		storeQuad(im, 3*quarter+o, q4)
	}
}

// pass3Twiddle returns the fixed twiddle quads for pass three.
func pass3Twiddle[T Float]() (tr, ti quad[T]) {
	s := T(sqrt2Over2)

	tr = quad[T]{1, s, 0, -s}
	ti = quad[T]{0, -s, -1, -s}

	return tr, ti
}

// pass3 applies the third pass without reordering.
func pass3[T Float](x *Split[T], length int) {
	tr, ti := pass3Twiddle[T]()

	re, im := x.Re, x.Im

	for p := 0; p < length; p += 8 {
		r1 := loadQuad(re, p)
		r2 := loadQuad(re, p+4)
		i1 := loadQuad(im, p)
		i2 := loadQuad(im, p+4)

		var r3, i3 quad[T]
		for j := 0; j < 4; j++ {
			r3[j] = r2[j]*tr[j] - i2[j]*ti[j]
			i3[j] = r2[j]*ti[j] + i2[j]*tr[j]
		}

		for j := 0; j < 4; j++ {
			re[p+j] = r1[j] + r3[j]
			re[p+4+j] = r1[j] - r3[j]
			im[p+j] = i1[j] + i3[j]
			im[p+4+j] = i1[j] - i3[j]
		}
	}
}

// pass3Reorder applies the third pass while interleaving outputs for
// the following pass.
func pass3Reorder[T Float](x *Split[T], length int) {
	tr, ti := pass3Twiddle[T]()

	offset := length >> 3
	outerLoop := length >> 6

	re, im := x.Re, x.Im

	p1, p2 := 0, offset

	for i, j := 0, 0; i < length>>1; i += 8 {
		r1 := loadQuad(re, p1)
		r2 := loadQuad(re, p1+4)
		i1 := loadQuad(im, p1)
		i2 := loadQuad(im, p1+4)

		r3 := loadQuad(re, p2)
		r4 := loadQuad(re, p2+4)
		i3 := loadQuad(im, p2)
		i4 := loadQuad(im, p2+4)

		var r5, i5, r6, i6 quad[T]
		for k := 0; k < 4; k++ {
			r5[k] = r3[k]*tr[k] - i3[k]*ti[k]
			i5[k] = r3[k]*ti[k] + i3[k]*tr[k]
			r6[k] = r4[k]*tr[k] - i4[k]*ti[k]
			i6[k] = r4[k]*ti[k] + i4[k]*tr[k]
		}

		for k := 0; k < 4; k++ {
			re[p1+k] = r1[k] + r5[k]
			re[p1+4+k] = r1[k] - r5[k]
			im[p1+k] = i1[k] + i5[k]
			im[p1+4+k] = i1[k] - i5[k]

			re[p2+k] = r2[k] + r6[k]
			re[p2+4+k] = r2[k] - r6[k]
			im[p2+k] = i2[k] + i6[k]
			im[p2+4+k] = i2[k] - i6[k]
		}

		p1 += 8
		p2 += 8

		j++
		if j%outerLoop == 0 {
			p1 += offset
			p2 += offset
		}
	}
}

// passTrigTable applies pass p (butterfly span 2^(p+1)) using the
// precomputed table, without reordering. Butterflies are processed in
// blocks of width independent lanes; width is capped at the run
// length so it always divides it.
func passTrigTable[T Float](x *Split[T], setup *Setup[T], length, pass, width int) {
	size := 2 << pass
	incr := size >> 1

	w := width
	if w > incr {
		w = incr
	}

	table := setup.table(pass)

	re, im := x.Re, x.Im

	p1, p2 := 0, size>>1

	for i, loop := 0, size; i < length; loop += size {
		t := 0

		for ; i < loop; i += 2 * w {
			for lane := 0; lane < w; lane++ {
				tr := table.Re[t+lane]
				ti := table.Im[t+lane]

				r1 := re[p1+lane]
				i1 := im[p1+lane]
				r2 := re[p2+lane]
				i2 := im[p2+lane]

				r3 := r2*tr - i2*ti
				i3 := r2*ti + i2*tr

				re[p1+lane] = r1 + r3
				im[p1+lane] = i1 + i3

				re[p2+lane] = r1 - r3
				im[p2+lane] = i1 - i3
			}

			t += w
			p1 += w
			p2 += w
		}

		p1 += incr
		p2 += incr
	}
}

// passTrigTableReorder applies pass p using the precomputed table,
// writing stride-interleaved outputs for the following pass. Lane
// blocking matches passTrigTable; lanes stay below incr so the
// interleaved writes never land inside the block being read.
func passTrigTableReorder[T Float](x *Split[T], setup *Setup[T], length, pass, width int) {
	size := 2 << pass
	incr := size >> 1
	offset := (length >> pass) >> 1
	outerLoop := ((length >> 1) / size) >> pass

	w := width
	if w > incr {
		w = incr
	}

	table := setup.table(pass)

	re, im := x.Re, x.Im

	p1, p2 := 0, offset

	for i, j, loop := 0, 0, size; i < length>>1; loop += size {
		t := 0

		for ; i < loop; i += 2 * w {
			for lane := 0; lane < w; lane++ {
				tr := table.Re[t+lane]
				ti := table.Im[t+lane]

				r1 := re[p1+lane]
				i1 := im[p1+lane]
				r2 := re[p2+lane]
				i2 := im[p2+lane]

				r3 := re[p1+incr+lane]
				i3 := im[p1+incr+lane]
				r4 := re[p2+incr+lane]
				i4 := im[p2+incr+lane]

				r5 := r2*tr - i2*ti
				i5 := r2*ti + i2*tr
				r6 := r4*tr - i4*ti
				i6 := r4*ti + i4*tr

				re[p1+lane] = r1 + r5
				re[p1+incr+lane] = r1 - r5
				im[p1+lane] = i1 + i5
				im[p1+incr+lane] = i1 - i5

				re[p2+lane] = r3 + r6
				re[p2+incr+lane] = r3 - r6
				im[p2+lane] = i3 + i6
				im[p2+incr+lane] = i3 - i6
			}

			t += w
			p1 += w
			p2 += w
		}

		p1 += incr
		p2 += incr

		j++
		if j%outerLoop == 0 {
			p1 += offset
			p2 += offset
		}
	}
}

// passRealTrig combines (forward) or uncombines (inverse) the two
// half-length complex spectra of a real transform via the even/odd
// decomposition. DC and Nyquist need no branch: the half-spectrum is
// periodic, so the final iteration writes the same values twice.
//
// The forward direction yields the plain unscaled spectrum; the
// inverse carries the whole 4*N round-trip factor, which downstream
// code removes after transforming back.
func passRealTrig[T Float](x *Split[T], setup *Setup[T], log2 int, inverse bool) {
	length := 1 << (log2 - 1)

	table := setup.realTable(log2)

	scale := T(0.5)
	if inverse {
		scale = 4
	}

	re, im := x.Re, x.Im

	p1 := 0
	p2 := length - 1

	// DC and Nyquist are already real sums of the half spectra, so the
	// forward direction stores them as they are.
	dcScale := scale
	if !inverse {
		dcScale = 1
	}

	t1 := re[0] + im[0]
	t2 := re[0] - im[0]

	re[0] = t1 * dcScale
	im[0] = t2 * dcScale

	p1++

	t := 1

	for i := 0; i < length>>1; i++ {
		tr := table.Re[t]
		if inverse {
			tr = -tr
		}
		ti := table.Im[t]
		t++

		r1 := re[p1]
		i1 := im[p1]
		r2 := re[p2]
		i2 := im[p2]

		r3 := r1 + r2
		i3 := i1 + i2
		r4 := r1 - r2
		i4 := i1 - i2

		u1 := tr*i3 + ti*r4
		u2 := ti*i3 - tr*r4

		re[p1] = (r3 + u1) * scale
		im[p1] = (u2 + i4) * scale
		p1++

		re[p2] = (r3 - u1) * scale
		im[p2] = (u2 - i4) * scale
		p2--
	}
}

// fftPasses sequences the passes for a 2^log2 >= 16 point transform.
// Pass widths grow with depth, each bounded by the hardware width for
// the sample type.
func fftPasses[T Float](setup *Setup[T], x *Split[T], log2 int) {
	fftPassesWidth(setup, x, log2, passWidth[T](8), passWidth[T](16))
}

func fftPassesWidth[T Float](setup *Setup[T], x *Split[T], log2, widthB, widthC int) {
	length := 1 << log2

	pass12(x, length)

	if log2 > 5 {
		pass3Reorder(x, length)
	} else {
		pass3(x, length)
	}

	if 3 < log2>>1 {
		passTrigTableReorder(x, setup, length, 3, widthB)
	} else {
		passTrigTable(x, setup, length, 3, widthB)
	}

	i := 4
	for ; i < log2>>1; i++ {
		passTrigTableReorder(x, setup, length, i, widthC)
	}

	for ; i < log2; i++ {
		passTrigTable(x, setup, length, i, widthC)
	}
}

// smallFFT open-codes complex transforms of 2, 4 and 8 points. A
// single point is left untouched.
func smallFFT[T Float](x *Split[T], log2 int) {
	re, im := x.Re, x.Im

	switch log2 {
	case 1:
		r1 := re[0]
		r2 := re[1]
		i1 := im[0]
		i2 := im[1]

		re[0] = r1 + r2
		re[1] = r1 - r2
		im[0] = i1 + i2
		im[1] = i1 - i2

	case 2:
		r5 := re[0]
		r6 := re[1]
		r7 := re[2]
		r8 := re[3]
		i5 := im[0]
		i6 := im[1]
		i7 := im[2]
		i8 := im[3]

		r1 := r5 + r7
		r2 := r5 - r7
		r3 := r6 + r8
		r4 := r6 - r8
		i1 := i5 + i7
		i2 := i5 - i7
		i3 := i6 + i8
		i4 := i6 - i8

		re[0] = r1 + r3
		re[1] = r2 + i4
		re[2] = r1 - r3
		re[3] = r2 - i4
		im[0] = i1 + i3
		im[1] = i2 - r4
		im[2] = i1 - i3
		im[3] = i2 + r4

	case 3:
		r1 := re[0] + re[4]
		r2 := re[0] - re[4]
		r3 := re[2] + re[6]
		r4 := re[2] - re[6]
		r5 := re[1] + re[5]
		r6 := re[1] - re[5]
		r7 := re[3] + re[7]
		r8 := re[3] - re[7]

		i1 := im[0] + im[4]
		i2 := im[0] - im[4]
		i3 := im[2] + im[6]
		i4 := im[2] - im[6]
		i5 := im[1] + im[5]
		i6 := im[1] - im[5]
		i7 := im[3] + im[7]
		i8 := im[3] - im[7]

		re[0] = r1 + r3
		re[1] = r2 + i4
		re[2] = r1 - r3
		re[3] = r2 - i4
		re[4] = r5 + r7
		re[5] = r6 + i8
		re[6] = r5 - r7
		re[7] = r6 - i8

		im[0] = i1 + i3
		im[1] = i2 - r4
		im[2] = i1 - i3
		im[3] = i2 + r4
		im[4] = i5 + i7
		im[5] = i6 - r8
		im[6] = i5 - i7
		im[7] = i6 + r8

		pass3(x, 8)
	}
}

// smallRealFFT open-codes real transforms of 2 and 4 points in both
// directions, following the same scaling convention as the real pass:
// the forward spectrum is unscaled and the inverse carries 4*N.
func smallRealFFT[T Float](x *Split[T], log2 int, inverse bool) {
	re, im := x.Re, x.Im

	switch log2 {
	case 1:
		r1 := re[0]
		r2 := im[0]

		if !inverse {
			re[0] = r1 + r2
			im[0] = r1 - r2
		} else {
			re[0] = 4 * (r1 + r2)
			im[0] = 4 * (r1 - r2)
		}

	case 2:
		if !inverse {
			r1 := re[0] + re[1]
			r2 := re[0] - re[1]
			i1 := im[0] + im[1]
			i2 := im[1] - im[0]

			re[0] = r1 + i1
			re[1] = r2
			im[0] = r1 - i1
			im[1] = i2
		} else {
			i1 := re[0]
			r2 := re[1] + re[1]
			i2 := im[0]
			r4 := im[1] + im[1]

			r1 := i1 + i2
			r3 := i1 - i2

			re[0] = 4 * (r1 + r2)
			re[1] = 4 * (r1 - r2)
			im[0] = 4 * (r3 - r4)
			im[1] = 4 * (r3 + r4)
		}
	}
}

// twiddle computes a unit-magnitude factor directly. Kept for table
// verification in tests.
func twiddle[T Float](j, length int) (T, T) {
	angle := -float64(j) * math.Pi / float64(length)
	return T(math.Cos(angle)), T(math.Sin(angle))
}
