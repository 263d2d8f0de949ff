package geo

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/twpayne/go-geom"

	"nearby-alerts/pkg/notifier"
)

const (
	// kmPerDegreeLat is the shortest meridional degree (at the equator), so the
	// latitude extent it yields always contains the spherical disc.
	kmPerDegreeLat = 110.574

	// kmPerDegreeLng is one degree of longitude at the equator on the sphere.
	kmPerDegreeLng = 2 * math.Pi * EarthRadiusKm / 360

	// lngMargin widens the longitude extent against rounding near the edges.
	lngMargin = 1.01

	maxQueryBits = StoredPrecision * 5

	// maxFullLngBits bounds the cell count when a disc spans every longitude
	// (it reaches a pole): 5 longitude bits is 32 columns.
	maxFullLngBits = 10
)

// Range is an inclusive lexicographic geohash range.
type Range struct {
	Lower string `json:"lower"`
	Upper string `json:"upper"`
}

// Contains reports whether a stored geohash falls inside the range.
func (r Range) Contains(geohash string) bool {
	return geohash >= r.Lower && geohash <= r.Upper
}

// Bounds is the ordered set of ranges covering a disc.
type Bounds []Range

// Contains reports whether any range contains geohash.
func (b Bounds) Contains(geohash string) bool {
	for _, r := range b {
		if r.Contains(geohash) {
			return true
		}
	}
	return false
}

// ValidateRadius returns ErrInvalidArgument unless radiusKm is a finite positive number.
func ValidateRadius(radiusKm float64) error {
	if !(radiusKm > 0) || math.IsInf(radiusKm, 1) {
		return fmt.Errorf("%w: radius %v km must be > 0", notifier.ErrInvalidArgument, radiusKm)
	}
	return nil
}

// QueryBounds returns geohash ranges whose union covers the disc of radiusKm
// around center. The coverage may include points outside the disc but never
// omits one inside it, including across the antimeridian and over the poles.
func QueryBounds(center notifier.GeoPoint, radiusKm float64) (Bounds, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateRadius(radiusKm); err != nil {
		return nil, err
	}

	boxes, fullLng := BoundingBoxes(center, radiusKm)

	latSpan := boxes[0].Max(1) - boxes[0].Min(1)
	var lngSpan float64
	for _, b := range boxes {
		lngSpan += b.Max(0) - b.Min(0)
	}
	bits := queryBits(latSpan, lngSpan, fullLng)
	precision := (bits + 4) / 5

	var ranges []Range
	for _, b := range boxes {
		for _, lat := range steps(b.Min(1), b.Max(1), cellLat(bits)) {
			for _, lng := range steps(b.Min(0), b.Max(0), cellLng(bits)) {
				ranges = append(ranges, cellRange(encode(lat, lng, precision), bits))
			}
		}
	}
	return merge(ranges), nil
}

// BoundingBoxes returns the latitude/longitude boxes (X = longitude,
// Y = latitude) enclosing the disc. A disc crossing the antimeridian yields two
// boxes; a disc reaching a pole yields one box spanning every longitude and
// fullLng is true.
func BoundingBoxes(center notifier.GeoPoint, radiusKm float64) (boxes []*geom.Bounds, fullLng bool) {
	latDelta := radiusKm / kmPerDegreeLat
	north := math.Min(90, center.Latitude+latDelta)
	south := math.Max(-90, center.Latitude-latDelta)
	if north >= 90 || south <= -90 {
		return []*geom.Bounds{geom.NewBounds(geom.XY).Set(-180, south, 180, north)}, true
	}

	edge := math.Max(math.Abs(north), math.Abs(south))
	lngDelta := radiusKm / (kmPerDegreeLng * math.Cos(toRadians(edge))) * lngMargin
	if lngDelta >= 180 {
		return []*geom.Bounds{geom.NewBounds(geom.XY).Set(-180, south, 180, north)}, true
	}

	west := center.Longitude - lngDelta
	east := center.Longitude + lngDelta
	switch {
	case west < -180:
		return []*geom.Bounds{
			geom.NewBounds(geom.XY).Set(west+360, south, 180, north),
			geom.NewBounds(geom.XY).Set(-180, south, east, north),
		}, false
	case east > 180:
		return []*geom.Bounds{
			geom.NewBounds(geom.XY).Set(west, south, 180, north),
			geom.NewBounds(geom.XY).Set(-180, south, east-360, north),
		}, false
	}
	return []*geom.Bounds{geom.NewBounds(geom.XY).Set(west, south, east, north)}, false
}

// Covers reports whether p lies in one of boxes, border included. Boxes from
// BoundingBoxes enclose their disc, so false means p is outside it.
func Covers(boxes []*geom.Bounds, p notifier.GeoPoint) bool {
	pt := geom.Coord{p.Longitude, p.Latitude}
	for _, b := range boxes {
		if b.OverlapsPoint(geom.XY, pt) {
			return true
		}
	}
	return false
}

// queryBits picks the finest bit depth whose cells are at least as large as
// the box, so the box touches at most two cells per axis.
func queryBits(latSpan, lngSpan float64, fullLng bool) int {
	if fullLng {
		for b := maxFullLngBits; b > 0; b-- {
			if cellLat(b) >= latSpan {
				return b
			}
		}
		return 0
	}
	for b := maxQueryBits; b > 0; b-- {
		if cellLat(b) >= latSpan && cellLng(b) >= lngSpan {
			return b
		}
	}
	return 0
}

// cellLat is the cell height in degrees at the given bit depth.
// Longitude takes the even (first) bits, latitude the odd ones.
func cellLat(bits int) float64 {
	return 180 / math.Pow(2, float64(bits/2))
}

func cellLng(bits int) float64 {
	return 360 / math.Pow(2, float64((bits+1)/2))
}

// steps samples [lo, hi] every step, always including both ends.
func steps(lo, hi, step float64) []float64 {
	out := []float64{lo}
	for v := lo + step; v < hi; v += step {
		out = append(out, v)
	}
	if hi > lo {
		out = append(out, hi)
	}
	return out
}

// cellRange turns the geohash of a point into the range of all geohashes
// sharing its first bits bits.
func cellRange(geohash string, bits int) Range {
	if bits <= 0 {
		return Range{Lower: "", Upper: "~"}
	}
	precision := (bits + 4) / 5
	geohash = geohash[:precision]
	base := geohash[:precision-1]
	last := strings.IndexByte(base32, geohash[precision-1])

	significant := bits - len(base)*5
	unused := uint(5 - significant)
	start := (last >> unused) << unused
	end := start + 1<<unused
	if end > 31 {
		return Range{Lower: base + string(base32[start]), Upper: base + "~"}
	}
	return Range{Lower: base + string(base32[start]), Upper: base + string(base32[end])}
}

// merge sorts ranges and coalesces the overlapping ones.
func merge(ranges []Range) Bounds {
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Lower != ranges[j].Lower {
			return ranges[i].Lower < ranges[j].Lower
		}
		return ranges[i].Upper < ranges[j].Upper
	})

	var out Bounds
	for _, r := range ranges {
		if n := len(out); n > 0 && out[n-1].Upper >= r.Lower {
			if r.Upper > out[n-1].Upper {
				out[n-1].Upper = r.Upper
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
