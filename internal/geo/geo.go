// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package geo provides great-circle distance computation and coordinate
// validation for proximity checks against group beacons.
package geo

import "math"

const earthRadiusM = 6371000.0

// CoordinateEpsilon is the tolerance below which a coordinate pair is
// treated as unknown. (0, 0) is in the Gulf of Guinea, not a plausible
// member position; profiles without a stored location report exactly zero.
const CoordinateEpsilon = 1e-9

// DistanceMeters returns the great-circle distance between two coordinate
// pairs in meters, using the haversine formula.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// ValidCoordinates reports whether both values are finite numbers inside
// the WGS84 envelope. Rejects NaN and infinities from malformed client
// payloads before they reach presence state or the store.
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// IsUnknownLocation reports whether a coordinate pair is the zero-value
// "no position stored" marker, within epsilon.
func IsUnknownLocation(lat, lon float64) bool {
	return math.Abs(lat) < CoordinateEpsilon && math.Abs(lon) < CoordinateEpsilon
}
