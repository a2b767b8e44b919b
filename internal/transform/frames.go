// Package transform provides the reference-frame conversions used by the
// engine.
//
// Propagation and screening happen in TEME (the inertial frame SGP4 produces).
// Display snapshots convert to ECEF with a GMST-only rotation (no polar motion
// or equation of the equinoxes, roughly 50 m of error) and to geodetic
// altitude. Maneuvers are expressed in the spacecraft-centred RIC frame.
//
// Reference: Vallado, "Fundamentals of Astrodynamics and Applications", Ch. 3.
package transform

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// TEMEToECEF rotates a TEME position (km) and velocity (km/s) into ECEF at t.
func TEMEToECEF(pos, vel r3.Vec, t time.Time) (r3.Vec, r3.Vec) {
	return TEMEToECEFWithGMST(pos, vel, GMST(t))
}

// TEMEToECEFWithGMST is TEMEToECEF with a precomputed GMST angle (radians),
// for converting many objects at the same instant.
//
//	r_ECEF = R3(θ)·r_TEME
//	v_ECEF = R3(θ)·v_TEME − ω × r_ECEF
func TEMEToECEFWithGMST(pos, vel r3.Vec, gmst float64) (r3.Vec, r3.Vec) {
	cosG, sinG := math.Cos(gmst), math.Sin(gmst)

	p := r3.Vec{
		X: pos.X*cosG + pos.Y*sinG,
		Y: -pos.X*sinG + pos.Y*cosG,
		Z: pos.Z,
	}
	v := r3.Vec{
		X: vel.X*cosG + vel.Y*sinG + OmegaEarth*p.Y,
		Y: -vel.X*sinG + vel.Y*cosG - OmegaEarth*p.X,
		Z: vel.Z,
	}
	return p, v
}
