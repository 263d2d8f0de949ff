// Package geo provides geohash encoding, circular range-query coverage and
// great-circle distance for proximity matching.
package geo

import (
	"fmt"
	"strings"

	"nearby-alerts/pkg/notifier"
)

// StoredPrecision is the geohash length persisted on reports and alert
// subscriptions. Ten characters is roughly a 1.2m x 0.6m cell.
const StoredPrecision = 10

// MaxPrecision is the longest geohash Encode will produce.
const MaxPrecision = 12

// base32 is the geohash base32 alphabet ('a', 'i', 'l' and 'o' are excluded).
const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode encodes a point into a geohash of the given length.
// Truncating the result to a shorter prefix yields the geohash of the enclosing cell.
func Encode(p notifier.GeoPoint, precision int) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if precision < 1 || precision > MaxPrecision {
		return "", fmt.Errorf("%w: precision %d outside 1..%d", notifier.ErrInvalidArgument, precision, MaxPrecision)
	}
	return encode(p.Latitude, p.Longitude, precision), nil
}

// encode is Encode without validation; callers guarantee valid input.
func encode(lat, lng float64, precision int) string {
	latRange := [2]float64{-90.0, 90.0}
	lngRange := [2]float64{-180.0, 180.0}

	var geohash strings.Builder
	geohash.Grow(precision)

	bits := 0
	var ch uint

	even := true
	for geohash.Len() < precision {
		if even {
			mid := (lngRange[0] + lngRange[1]) / 2
			if lng > mid {
				ch |= (1 << (4 - bits))
				lngRange[0] = mid
			} else {
				lngRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if lat > mid {
				ch |= (1 << (4 - bits))
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}

		even = !even
		bits++

		if bits == 5 {
			geohash.WriteByte(base32[ch])
			bits = 0
			ch = 0
		}
	}

	return geohash.String()
}

// Cell is the latitude/longitude rectangle a geohash denotes.
type Cell struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Center returns the midpoint of the cell.
func (c Cell) Center() notifier.GeoPoint {
	return notifier.GeoPoint{
		Latitude:  (c.MinLat + c.MaxLat) / 2,
		Longitude: (c.MinLng + c.MaxLng) / 2,
	}
}

// Decode returns the cell denoted by a geohash.
func Decode(geohash string) (Cell, error) {
	cell := Cell{MinLat: -90, MaxLat: 90, MinLng: -180, MaxLng: 180}
	even := true
	for _, c := range strings.ToLower(geohash) {
		idx := strings.IndexRune(base32, c)
		if idx < 0 {
			return Cell{}, fmt.Errorf("%w: invalid geohash character %q", notifier.ErrInvalidArgument, c)
		}
		for bit := 4; bit >= 0; bit-- {
			set := idx&(1<<bit) != 0
			if even {
				mid := (cell.MinLng + cell.MaxLng) / 2
				if set {
					cell.MinLng = mid
				} else {
					cell.MaxLng = mid
				}
			} else {
				mid := (cell.MinLat + cell.MaxLat) / 2
				if set {
					cell.MinLat = mid
				} else {
					cell.MaxLat = mid
				}
			}
			even = !even
		}
	}
	return cell, nil
}
