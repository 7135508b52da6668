// Package geo derives geohashes for requests and answers the coarse
// proximity questions behind the open-requests map.
package geo

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mmcloughlin/geohash"

	"neighborly/api/internal/model"
)

const (
	// Precision of the stored geohash, roughly 5m cells.
	Precision uint = 9
	// NeighborhoodPrecision is used for "near me" queries, roughly 5km cells.
	NeighborhoodPrecision uint = 5
)

var ErrInvalidBounds = errors.New("invalid bounds")

func ValidLocation(loc model.Location) bool {
	return loc.Lat >= -90 && loc.Lat <= 90 && loc.Lng >= -180 && loc.Lng <= 180
}

func Hash(loc model.Location) string {
	return geohash.EncodeWithPrecision(loc.Lat, loc.Lng, Precision)
}

// Neighborhood returns the cell containing loc at the given precision plus
// its eight neighbors.
func Neighborhood(loc model.Location, precision uint) []string {
	if precision == 0 || precision > Precision {
		precision = NeighborhoodPrecision
	}
	center := geohash.EncodeWithPrecision(loc.Lat, loc.Lng, precision)
	return append([]string{center}, geohash.Neighbors(center)...)
}

func HasAnyPrefix(hash string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(hash, prefix) {
			return true
		}
	}
	return false
}

// Bounds is a map viewport. West may exceed East when the viewport crosses
// the antimeridian.
type Bounds struct {
	West  float64
	South float64
	East  float64
	North float64
}

func (b Bounds) Validate() error {
	if b.South > b.North {
		return ErrInvalidBounds
	}
	if b.South < -90 || b.North > 90 || b.West < -180 || b.West > 180 || b.East < -180 || b.East > 180 {
		return ErrInvalidBounds
	}
	return nil
}

// ParseBBox reads "west,south,east,north" and validates the result.
func ParseBBox(raw string) (Bounds, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return Bounds{}, ErrInvalidBounds
	}
	var values [4]float64
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return Bounds{}, ErrInvalidBounds
		}
		values[i] = v
	}
	b := Bounds{West: values[0], South: values[1], East: values[2], North: values[3]}
	if err := b.Validate(); err != nil {
		return Bounds{}, err
	}
	return b, nil
}

func (b Bounds) CrossesAntimeridian() bool {
	return b.West > b.East
}

func (b Bounds) Contains(loc model.Location) bool {
	if loc.Lat < b.South || loc.Lat > b.North {
		return false
	}
	if b.CrossesAntimeridian() {
		return loc.Lng >= b.West || loc.Lng <= b.East
	}
	return loc.Lng >= b.West && loc.Lng <= b.East
}
