// Package sss implements CoralKM's Shamir secret sharing over the raw
// 32-byte DEK (spec §4.2): split(dek, n, t) -> n shares, any t of which
// combine back to dek; fewer than t leak nothing.
//
// Grounded on the retrieval pack's spike-sdk-go/crypto/shamir.go, which
// shares a root key by treating it as a github.com/cloudflare/circl/group
// P-256 scalar and drives github.com/cloudflare/circl/secretsharing's
// New/Share/Recover. CoralKM follows the same shape, adding a per-share
// checksum (spec requires SssCorruptShare to be distinguishable from
// SssInsufficientShares, which plain Lagrange interpolation alone cannot
// tell apart) and carrying the threshold inside each share's metadata so
// combine() can enforce it without an external side channel.
package sss

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/secretsharing"

	"github.com/coralstack/coralkm/pkg/coralerr"
	"github.com/coralstack/coralkm/pkg/random"
)

// suite is the group CoralKM shares DEKs over. P-256's scalar field is large
// enough that a uniformly random 32-byte DEK almost always unmarshals
// cleanly; Split returns a wrapped internal error on the astronomically
// unlikely case it doesn't (spec has no behavior defined for that case).
var suite = group.P256

// DEKSize is the length in bytes of a CoralKM data-encryption key.
const DEKSize = 32

// Share is one Shamir share of a DEK, self-describing enough that
// Combine can enforce the threshold and detect bit-level corruption
// without consulting anything but the shares themselves.
type Share struct {
	Index     uint8
	Threshold uint8
	Value     []byte
	Checksum  [32]byte
}

func checksum(index, threshold uint8, value []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{index, threshold})
	h.Write(value)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func newShare(index, threshold uint8, value []byte) Share {
	return Share{
		Index:     index,
		Threshold: threshold,
		Value:     value,
		Checksum:  checksum(index, threshold, value),
	}
}

func (s Share) verify() bool {
	want := checksum(s.Index, s.Threshold, s.Value)
	return subtle.ConstantTimeCompare(want[:], s.Checksum[:]) == 1
}

// Split divides dek into n shares such that any t reconstruct it and fewer
// than t reveal nothing, per spec §4.2 (1 ≤ t ≤ n ≤ 255).
func Split(src random.Source, dek [DEKSize]byte, n, t uint8) ([]Share, error) {
	if t < 1 || t > n {
		return nil, fmt.Errorf("sss: invalid threshold t=%d n=%d: %w", t, n, coralerr.ErrInvalidArgument)
	}

	secret := suite.NewScalar()
	if err := secret.UnmarshalBinary(dek[:]); err != nil {
		return nil, fmt.Errorf("sss: dek out of field range, regenerate and retry: %w", coralerr.ErrInternal)
	}

	ss := secretsharing.New(src, uint(t-1), secret)
	circlShares := ss.Share(uint(n))

	shares := make([]Share, 0, len(circlShares))
	for _, cs := range circlShares {
		valueBytes, err := cs.Value.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("sss: marshal share value: %w", err)
		}
		shares = append(shares, newShare(uint8(cs.ID), t, valueBytes))
	}
	return shares, nil
}

// Combine reconstructs the DEK from shares. It fails with
// SssInsufficientShares if fewer than the encoded threshold are supplied,
// or SssCorruptShare if any supplied share fails its integrity check or
// the shares disagree on their threshold.
func Combine(shares []Share) ([DEKSize]byte, error) {
	var dek [DEKSize]byte
	if len(shares) == 0 {
		return dek, fmt.Errorf("sss: no shares: %w", coralerr.ErrSssInsufficientShares)
	}

	threshold := shares[0].Threshold
	for _, s := range shares {
		if !s.verify() {
			return dek, fmt.Errorf("sss: share %d failed integrity check: %w", s.Index, coralerr.ErrSssCorruptShare)
		}
		if s.Threshold != threshold {
			return dek, fmt.Errorf("sss: inconsistent threshold across shares: %w", coralerr.ErrSssCorruptShare)
		}
	}

	if uint8(len(shares)) < threshold {
		return dek, fmt.Errorf("sss: have %d shares, need %d: %w", len(shares), threshold, coralerr.ErrSssInsufficientShares)
	}

	circlShares := make([]secretsharing.Share, 0, threshold)
	for _, s := range shares[:threshold] {
		value := suite.NewScalar()
		if err := value.UnmarshalBinary(s.Value); err != nil {
			return dek, fmt.Errorf("sss: unmarshal share %d: %w", s.Index, coralerr.ErrSssCorruptShare)
		}
		circlShares = append(circlShares, secretsharing.Share{ID: uint(s.Index), Value: value})
	}

	secret, err := secretsharing.Recover(uint(threshold-1), circlShares)
	if err != nil {
		return dek, fmt.Errorf("sss: recover: %w", coralerr.ErrSssCorruptShare)
	}

	raw, err := secret.MarshalBinary()
	if err != nil {
		return dek, fmt.Errorf("sss: marshal recovered secret: %w", err)
	}
	copy(dek[:], raw)
	return dek, nil
}
