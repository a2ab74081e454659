package geoindex

import "strings"

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the standard base32 geohash of a coordinate pair at the
// given precision (number of output characters).
func Encode(lat, lng float64, precision int) string {
	latMin, latMax := -90.0, 90.0
	lngMin, lngMax := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)

	bit := 0
	ch := 0
	even := true

	for sb.Len() < precision {
		if even {
			mid := (lngMin + lngMax) / 2
			if lng >= mid {
				ch |= 1 << (4 - bit)
				lngMin = mid
			} else {
				lngMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				latMin = mid
			} else {
				latMax = mid
			}
		}
		even = !even

		if bit < 4 {
			bit++
		} else {
			sb.WriteByte(base32[ch])
			bit = 0
			ch = 0
		}
	}

	return sb.String()
}

// cellSize returns the height and width in degrees of one geohash cell at
// the given precision. Longitude gets the extra bit on odd totals.
func cellSize(precision int) (latDeg, lngDeg float64) {
	totalBits := 5 * precision
	lngBits := (totalBits + 1) / 2
	latBits := totalBits / 2

	latDeg = 180.0
	for i := 0; i < latBits; i++ {
		latDeg /= 2
	}
	lngDeg = 360.0
	for i := 0; i < lngBits; i++ {
		lngDeg /= 2
	}
	return latDeg, lngDeg
}

// neighborhood returns the distinct bucket keys of the 3x3 cell grid
// centered on the given point.
func neighborhood(lat, lng float64, precision int) []string {
	latCell, lngCell := cellSize(precision)

	seen := make(map[string]struct{}, 9)
	var keys []string
	for _, dlat := range []float64{-latCell, 0, latCell} {
		for _, dlng := range []float64{-lngCell, 0, lngCell} {
			nlat := clamp(lat+dlat, -90, 90)
			nlng := wrapLongitude(lng + dlng)
			key := Encode(nlat, nlng, precision)
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func wrapLongitude(lng float64) float64 {
	for lng < -180 {
		lng += 360
	}
	for lng >= 180 {
		lng -= 360
	}
	return lng
}
