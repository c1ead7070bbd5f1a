package solana

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// ErrNoViableBump is returned when no bump seed yields an off-curve address.
var ErrNoViableBump = errors.New("unable to find a viable program address bump seed")

// IsOnCurve reports whether the bytes decode to a point on the ed25519 curve.
func IsOnCurve(b []byte) bool {
	_, err := edwards25519.NewIdentityPoint().SetBytes(b)
	return err == nil
}

// CreateProgramAddress derives the address for seeds under programID.
// Fails when the resulting hash lies on the curve.
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	var pk PublicKey
	if len(seeds) > maxSeeds {
		return pk, fmt.Errorf("too many seeds: %d", len(seeds))
	}

	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLength {
			return pk, fmt.Errorf("seed length %d exceeds %d", len(s), maxSeedLength)
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(programDerivedAddressLabel))

	sum := h.Sum(nil)
	if IsOnCurve(sum) {
		return pk, errors.New("derived address is on curve")
	}
	copy(pk[:], sum)
	return pk, nil
}

// FindProgramAddress searches bumps from 255 down and returns the first off-curve address.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		pk, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return pk, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}

var (
	pumpProgram            = MustParsePublicKey(PumpProgramID)
	tokenProgram           = MustParsePublicKey(TokenProgramID)
	associatedTokenProgram = MustParsePublicKey(AssociatedTokenProgramID)
)

// BondingCurveAddress derives the pump bonding-curve account of a mint.
func BondingCurveAddress(mint string) (string, error) {
	m, err := ParsePublicKey(mint)
	if err != nil {
		return "", err
	}
	pk, _, err := FindProgramAddress([][]byte{[]byte("bonding-curve"), m[:]}, pumpProgram)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

// AssociatedTokenAddress derives the associated token account of owner for mint.
func AssociatedTokenAddress(owner, mint string) (string, error) {
	o, err := ParsePublicKey(owner)
	if err != nil {
		return "", err
	}
	m, err := ParsePublicKey(mint)
	if err != nil {
		return "", err
	}
	pk, _, err := FindProgramAddress([][]byte{o[:], tokenProgram[:], m[:]}, associatedTokenProgram)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

// CurveAccounts derives the bonding curve and its associated token account for a mint.
func CurveAccounts(mint string) (curve, associated string, err error) {
	curve, err = BondingCurveAddress(mint)
	if err != nil {
		return "", "", err
	}
	associated, err = AssociatedTokenAddress(curve, mint)
	if err != nil {
		return "", "", err
	}
	return curve, associated, nil
}
