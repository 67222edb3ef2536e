// Package gf implements GF(2⁸) arithmetic for the parity codec: the
// field tables, the Cauchy-1 encode matrix, precomputed coefficient
// tables, the encode kernel, and Gauss-Jordan matrix inversion.
//
// The field is generated by the polynomial x⁸+x⁴+x³+x²+1 (0x1d reduced
// form), the same field ISA-L and the Linux RAID-6 code use.
package gf

import "errors"

// ErrSingular is returned when a decode submatrix cannot be inverted.
// With a Cauchy encode matrix this indicates corrupt inputs rather than
// an unlucky failure pattern.
var ErrSingular = errors.New("gf: singular matrix")

const polynomial = 0x1d

var (
	expTable [510]byte // doubled so Mul can skip one modulo
	logTable [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		expTable[i] = x
		expTable[i+255] = x
		logTable[x] = byte(i)
		// multiply by the generator 0x02
		carry := x & 0x80
		x <<= 1
		if carry != 0 {
			x ^= polynomial
		}
	}
}

// Mul multiplies two field elements.
func Mul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[int(logTable[a])+int(logTable[b])]
}

// Inv returns the multiplicative inverse. Inv(0) is undefined and
// returns 0.
func Inv(a byte) byte {
	if a == 0 {
		return 0
	}
	return expTable[255-int(logTable[a])]
}

// GenCauchyMatrix builds the (nd+np)×nd encode matrix, row-major: the
// first nd rows are the identity, and parity row p has coefficients
// 1/(p XOR (np+j)) for column j. Row and column index sets are disjoint
// bytes, so every nd×nd submatrix is invertible; this requires
// nd+np <= 256.
func GenCauchyMatrix(nd, np int) []byte {
	m := make([]byte, (nd+np)*nd)
	for i := 0; i < nd; i++ {
		m[i*nd+i] = 1
	}
	for p := 0; p < np; p++ {
		row := m[(nd+p)*nd : (nd+p+1)*nd]
		for j := 0; j < nd; j++ {
			row[j] = Inv(byte(p) ^ byte(np+j))
		}
	}
	return m
}

// InitTables expands rows×nd coefficients into per-coefficient 256-entry
// multiplication tables for the encode kernel. coeffs is row-major.
func InitTables(nd, rows int, coeffs []byte) [][]byte {
	tables := make([][]byte, rows*nd)
	for i, c := range coeffs[:rows*nd] {
		tbl := make([]byte, 256)
		for v := 1; v < 256; v++ {
			tbl[v] = Mul(c, byte(v))
		}
		tables[i] = tbl
	}
	return tables
}

// EncodeData computes rows output blocks from nd input blocks using the
// tables produced by InitTables. Every src and dst block must have the
// same length. dst blocks are overwritten.
func EncodeData(nd, rows int, tables [][]byte, src, dst [][]byte) {
	blockSize := len(src[0])
	for r := 0; r < rows; r++ {
		out := dst[r][:blockSize]
		first := tables[r*nd]
		in := src[0][:blockSize]
		for i := range out {
			out[i] = first[in[i]]
		}
		for c := 1; c < nd; c++ {
			tbl := tables[r*nd+c]
			in := src[c][:blockSize]
			for i := range out {
				out[i] ^= tbl[in[i]]
			}
		}
	}
}

// InvertMatrix inverts an n×n row-major matrix by Gauss-Jordan
// elimination. The input is left in an undefined state.
func InvertMatrix(m []byte, n int) ([]byte, error) {
	inv := make([]byte, n*n)
	for i := 0; i < n; i++ {
		inv[i*n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivot := -1
		for row := col; row < n; row++ {
			if m[row*n+col] != 0 {
				pivot = row
				break
			}
		}
		if pivot < 0 {
			return nil, ErrSingular
		}
		if pivot != col {
			swapRows(m, n, pivot, col)
			swapRows(inv, n, pivot, col)
		}

		// Scale the pivot row to 1.
		if v := m[col*n+col]; v != 1 {
			s := Inv(v)
			scaleRow(m, n, col, s)
			scaleRow(inv, n, col, s)
		}

		// Eliminate the column from every other row.
		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			f := m[row*n+col]
			if f == 0 {
				continue
			}
			addScaledRow(m, n, row, col, f)
			addScaledRow(inv, n, row, col, f)
		}
	}
	return inv, nil
}

func swapRows(m []byte, n, a, b int) {
	ra, rb := m[a*n:(a+1)*n], m[b*n:(b+1)*n]
	for i := range ra {
		ra[i], rb[i] = rb[i], ra[i]
	}
}

func scaleRow(m []byte, n, row int, s byte) {
	r := m[row*n : (row+1)*n]
	for i := range r {
		r[i] = Mul(r[i], s)
	}
}

// addScaledRow adds f times row src into row dst (XOR accumulate).
func addScaledRow(m []byte, n, dst, src int, f byte) {
	rd, rs := m[dst*n:(dst+1)*n], m[src*n:(src+1)*n]
	for i := range rd {
		rd[i] ^= Mul(f, rs[i])
	}
}
