// Copyright 2025 Takhin Data, Inc.

// Package cityhash implements the 64-bit CityHash algorithm (CityHash64 and
// its seeded variant) used to derive the stable routing hash of a primary
// key tuple. This is a from-scratch Go port of the public-domain algorithm,
// since xxhash (a different, incompatible hash family) would change which
// partition a given key routes to.
package cityhash

import "encoding/binary"

const (
	k0 = uint64(0xc3a5c85c97cb3127)
	k1 = uint64(0xb492b66fbe98f273)
	k2 = uint64(0x9ae16a3b2f90404f)
)

func fetch64(p []byte) uint64 {
	return binary.LittleEndian.Uint64(p)
}

func fetch32(p []byte) uint32 {
	return binary.LittleEndian.Uint32(p)
}

func rotate(val uint64, shift uint) uint64 {
	if shift == 0 {
		return val
	}
	return (val >> shift) | (val << (64 - shift))
}

func shiftMix(val uint64) uint64 {
	return val ^ (val >> 47)
}

func hashLen16(u, v uint64) uint64 {
	return hash128to64(u, v)
}

func hash128to64(lo, hi uint64) uint64 {
	const mul = uint64(0x9ddfea08eb382d69)
	a := (lo ^ hi) * mul
	a ^= a >> 47
	b := (hi ^ a) * mul
	b ^= b >> 47
	b *= mul
	return b
}

func hashLen0to16(s []byte) uint64 {
	length := uint64(len(s))
	if length >= 8 {
		mul := k2 + length*2
		a := fetch64(s) + k2
		b := fetch64(s[len(s)-8:])
		c := rotate(b, 37)*mul + a
		d := (rotate(a, 25) + b) * mul
		return hashLen16Mul(c, d, mul)
	}
	if length >= 4 {
		mul := k2 + length*2
		a := uint64(fetch32(s))
		return hashLen16Mul(length+(a<<3), uint64(fetch32(s[len(s)-4:])), mul)
	}
	if length > 0 {
		a := s[0]
		b := s[length>>1]
		c := s[length-1]
		y := uint32(a) + (uint32(b) << 8)
		z := uint32(length) + (uint32(c) << 2)
		return shiftMix(uint64(y)*k2^uint64(z)*k0) * k2
	}
	return k2
}

func hashLen16Mul(u, v, mul uint64) uint64 {
	a := (u ^ v) * mul
	a ^= a >> 47
	b := (v ^ a) * mul
	b ^= b >> 47
	b *= mul
	return b
}

func hashLen17to32(s []byte) uint64 {
	length := uint64(len(s))
	mul := k2 + length*2
	a := fetch64(s) * k1
	b := fetch64(s[8:])
	c := fetch64(s[len(s)-8:]) * mul
	d := fetch64(s[len(s)-16:]) * k2
	return hashLen16Mul(rotate(a+b, 43)+rotate(c, 30)+d, a+rotate(b+k2, 18)+c, mul)
}

func weakHashLen32WithSeeds(w, x, y, z, a, b uint64) (uint64, uint64) {
	a += w
	b = rotate(b+a+z, 21)
	c := a
	a += x
	a += y
	b += rotate(a, 44)
	return a + z, b + c
}

func weakHashLen32WithSeedsBytes(s []byte, a, b uint64) (uint64, uint64) {
	return weakHashLen32WithSeeds(fetch64(s), fetch64(s[8:]), fetch64(s[16:]), fetch64(s[24:]), a, b)
}

func bswap64(x uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	for i, j := 0, 7; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return binary.LittleEndian.Uint64(b[:])
}

func hashLen33to64(s []byte) uint64 {
	length := uint64(len(s))
	mul := k2 + length*2
	a := fetch64(s) * k2
	b := fetch64(s[8:])
	c := fetch64(s[len(s)-24:])
	d := fetch64(s[len(s)-32:])
	e := fetch64(s[16:]) * k2
	f := fetch64(s[24:]) * 9
	g := fetch64(s[len(s)-8:])
	h := fetch64(s[len(s)-16:]) * mul
	u := rotate(a+g, 43) + (rotate(b, 30)+c)*9
	v := ((a + g) ^ d) + f + 1
	w := bswap64((u+v)*mul) + h
	x := rotate(e+f, 42) + c
	y := (bswap64((v+w)*mul) + g) * mul
	z := e + f + c
	a = bswap64((x+z)*mul+y) + b
	b = shiftMix((z+a)*mul+d+h) * mul
	return b + x
}

// Hash64 returns the 64-bit CityHash of s (unseeded, i.e. seeded with the
// algorithm's fixed internal constants).
func Hash64(s []byte) uint64 {
	length := len(s)
	if length <= 32 {
		if length <= 16 {
			return hashLen0to16(s)
		}
		return hashLen17to32(s)
	}
	if length <= 64 {
		return hashLen33to64(s)
	}

	x := fetch64(s[length-40:])
	y := fetch64(s[length-16:]) + fetch64(s[length-56:])
	z := hashLen16(fetch64(s[length-48:])+uint64(length), fetch64(s[length-24:]))

	vFirst, vSecond := weakHashLen32WithSeedsBytes(s[length-64:], uint64(length), z)
	wFirst, wSecond := weakHashLen32WithSeedsBytes(s[length-32:], y+k1, x)
	x = x*k1 + fetch64(s)

	remaining := (length - 1) &^ 63
	i := 0
	for {
		chunk := s[i:]
		x = rotate(x+y+vFirst+fetch64(chunk[8:]), 37) * k1
		y = rotate(y+vSecond+fetch64(chunk[48:]), 42) * k1
		x ^= wSecond
		y += vFirst + fetch64(chunk[40:])
		z = rotate(z+wFirst, 33) * k1
		vFirst, vSecond = weakHashLen32WithSeedsBytes(chunk, vSecond*k1, x+wFirst)
		wFirst, wSecond = weakHashLen32WithSeedsBytes(chunk[32:], z+wSecond, y+fetch64(chunk[16:]))
		z, x = x, z
		i += 64
		remaining -= 64
		if remaining == 0 {
			break
		}
	}

	return hashLen16(hashLen16(vFirst, wFirst)+shiftMix(y)*k1+z, hashLen16(vSecond, wSecond)+x)
}

// Hash64WithSeed returns CityHash64 of s combined with a single seed, the
// variant used to fold successive primary-key components into one stable
// hash: h = Hash64WithSeed(component, h).
func Hash64WithSeed(s []byte, seed uint64) uint64 {
	return Hash64WithSeeds(s, k2, seed)
}

// Hash64WithSeeds returns CityHash64 of s combined with two seeds.
func Hash64WithSeeds(s []byte, seed0, seed1 uint64) uint64 {
	return hashLen16(Hash64(s)-seed0, seed1)
}

// KeyHash folds CityHash64WithSeed iteratively over each primary-key
// component: the first component seeds with k2, each subsequent component
// seeds with the running hash.
func KeyHash(primaryKeys []string) uint64 {
	h := k2
	for _, pk := range primaryKeys {
		h = Hash64WithSeed([]byte(pk), h)
	}
	return h
}
