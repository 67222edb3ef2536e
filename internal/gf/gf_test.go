package gf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulProperties(t *testing.T) {
	// Spot-check against hand-computed products in this field.
	assert.Equal(t, byte(0), Mul(0, 0x53))
	assert.Equal(t, byte(0x53), Mul(1, 0x53))
	assert.Equal(t, byte(6), Mul(2, 3))

	// Commutativity and distributivity over a sample of the field.
	for a := 0; a < 256; a += 7 {
		for b := 0; b < 256; b += 11 {
			assert.Equal(t, Mul(byte(a), byte(b)), Mul(byte(b), byte(a)))
			for c := 0; c < 256; c += 63 {
				left := Mul(byte(a), byte(b)^byte(c))
				right := Mul(byte(a), byte(b)) ^ Mul(byte(a), byte(c))
				assert.Equal(t, left, right)
			}
		}
	}
}

func TestInv(t *testing.T) {
	for a := 1; a < 256; a++ {
		inv := Inv(byte(a))
		require.Equal(t, byte(1), Mul(byte(a), inv), "a=%d", a)
	}
	assert.Equal(t, byte(0), Inv(0))
}

func TestGenCauchyMatrix(t *testing.T) {
	const nd, np = 5, 3
	m := GenCauchyMatrix(nd, np)
	require.Len(t, m, (nd+np)*nd)

	// Identity prefix.
	for i := 0; i < nd; i++ {
		for j := 0; j < nd; j++ {
			want := byte(0)
			if i == j {
				want = 1
			}
			assert.Equal(t, want, m[i*nd+j])
		}
	}

	// Parity rows: 1/(p XOR (np+j)), all nonzero.
	for p := 0; p < np; p++ {
		for j := 0; j < nd; j++ {
			v := m[(nd+p)*nd+j]
			require.NotZero(t, v)
			assert.Equal(t, byte(1), Mul(v, byte(p)^byte(np+j)))
		}
	}
}

func TestInvertMatrix(t *testing.T) {
	// Any parity submatrix of a Cauchy matrix must invert.
	const nd, np = 4, 2
	m := GenCauchyMatrix(nd, np)

	// Take rows 0, 2 (data) and the two parity rows: simulates drives
	// 1 and 3 failed.
	sub := make([]byte, nd*nd)
	rows := []int{0, 2, nd, nd + 1}
	for i, r := range rows {
		copy(sub[i*nd:(i+1)*nd], m[r*nd:(r+1)*nd])
	}

	work := append([]byte(nil), sub...)
	inv, err := InvertMatrix(work, nd)
	require.NoError(t, err)

	// sub × inv must be the identity.
	for i := 0; i < nd; i++ {
		for j := 0; j < nd; j++ {
			var acc byte
			for k := 0; k < nd; k++ {
				acc ^= Mul(sub[i*nd+k], inv[k*nd+j])
			}
			want := byte(0)
			if i == j {
				want = 1
			}
			require.Equal(t, want, acc, "cell %d,%d", i, j)
		}
	}
}

func TestInvertMatrixSingular(t *testing.T) {
	m := []byte{
		1, 2,
		1, 2,
	}
	_, err := InvertMatrix(m, 2)
	require.ErrorIs(t, err, ErrSingular)
}

func TestEncodeData(t *testing.T) {
	const nd, rows, bs = 3, 2, 64
	coeffs := []byte{
		1, 1, 1, // XOR row
		1, 2, 4,
	}
	tables := InitTables(nd, rows, coeffs)

	src := make([][]byte, nd)
	for d := range src {
		src[d] = make([]byte, bs)
		for i := range src[d] {
			src[d][i] = byte(d*31 + i)
		}
	}
	dst := [][]byte{make([]byte, bs), make([]byte, bs)}

	EncodeData(nd, rows, tables, src, dst)

	for i := 0; i < bs; i++ {
		assert.Equal(t, src[0][i]^src[1][i]^src[2][i], dst[0][i])
		want := Mul(1, src[0][i]) ^ Mul(2, src[1][i]) ^ Mul(4, src[2][i])
		assert.Equal(t, want, dst[1][i])
	}
}
