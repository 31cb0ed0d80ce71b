// Package geo assigns notes to countries by point-in-polygon lookup. The
// fast path consults a fixed-cell grid index over land polygon bounding
// boxes; points the fast path cannot place (coastal points, polygon
// topology gaps, antimeridian cases) fall back to an exhaustive search
// across every polygon including maritime boundaries.
package geo

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"

	"github.com/geonotes/notesync/internal/metrics"
	"github.com/geonotes/notesync/pkg/note"
)

// ErrNoCountry is returned when no polygon contains or neighbors the point.
var ErrNoCountry = errors.New("no country contains the point")

// Assigner resolves coordinates to country ids.
type Assigner struct {
	countries []indexedCountry
	grid      map[cellKey][]int
	cellSize  float64
	tolerance float64
	logger    *zap.Logger
}

type indexedCountry struct {
	id       int64
	name     string
	maritime bool
	geom     orb.MultiPolygon
	bound    orb.Bound
}

type cellKey struct {
	x, y int
}

// NewAssigner builds the in-memory spatial index from the country set.
// Geometry is parsed once; a country with unparseable geometry is skipped
// with a warning rather than poisoning every lookup.
func NewAssigner(countries []note.Country, cellSize, tolerance float64, logger *zap.Logger) (*Assigner, error) {
	if cellSize <= 0 {
		cellSize = 1.0
	}
	if tolerance <= 0 {
		tolerance = 1e-9
	}

	a := &Assigner{
		grid:      make(map[cellKey][]int),
		cellSize:  cellSize,
		tolerance: tolerance,
		logger:    logger,
	}

	for _, c := range countries {
		geom, err := parseGeometry(c.GeoJSON)
		if err != nil {
			logger.Warn("Skipping country with invalid geometry",
				zap.Int64("country_id", c.ID),
				zap.String("name", c.Name),
				zap.Error(err))
			continue
		}
		idx := len(a.countries)
		a.countries = append(a.countries, indexedCountry{
			id:       c.ID,
			name:     c.Name,
			maritime: c.IsMaritime,
			geom:     geom,
			bound:    geom.Bound(),
		})
		// Maritime polygons are fallback-only.
		if !c.IsMaritime {
			a.index(idx)
		}
	}

	if len(a.countries) == 0 {
		return nil, fmt.Errorf("no usable country geometry")
	}

	logger.Info("Country index built",
		zap.Int("countries", len(a.countries)),
		zap.Int("grid_cells", len(a.grid)))
	return a, nil
}

// Assign returns the id of the country containing (lat, lon). The fast path
// and the fallback agree on boundary points: a point sitting exactly on a
// shared land/maritime boundary resolves to the land polygon.
func (a *Assigner) Assign(ctx context.Context, lat, lon float64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := orb.Point{lon, lat}

	if id, ok := a.fastPath(p); ok {
		metrics.CountryAssignments.WithLabelValues("fast").Inc()
		return id, nil
	}

	id, err := a.fallback(p)
	if err != nil {
		return 0, err
	}
	metrics.CountryAssignments.WithLabelValues("fallback").Inc()
	return id, nil
}

func (a *Assigner) fastPath(p orb.Point) (int64, bool) {
	key := a.cellOf(p)
	for _, idx := range a.grid[key] {
		c := &a.countries[idx]
		if !c.bound.Contains(p) {
			continue
		}
		if planar.MultiPolygonContains(c.geom, p) {
			return c.id, true
		}
	}
	return 0, false
}

// fallback scans every polygon, maritime included. Containment with
// tolerance wins; among ties the non-maritime polygon is preferred. When
// nothing contains the point the nearest polygon within one grid cell of
// distance is used, again preferring land.
func (a *Assigner) fallback(p orb.Point) (int64, error) {
	var landHit, seaHit *indexedCountry
	for i := range a.countries {
		c := &a.countries[i]
		if !paddedBound(c.bound, a.tolerance).Contains(p) {
			continue
		}
		if !a.containsWithTolerance(c, p) {
			continue
		}
		if c.maritime {
			if seaHit == nil {
				seaHit = c
			}
		} else if landHit == nil {
			landHit = c
		}
	}
	if landHit != nil {
		return landHit.id, nil
	}
	if seaHit != nil {
		return seaHit.id, nil
	}

	// Nothing contains the point; pick the nearest polygon boundary.
	best := -1
	bestDist := a.cellSize
	for i := range a.countries {
		c := &a.countries[i]
		d := planar.DistanceFrom(c.geom, p)
		if d < bestDist || (best >= 0 && d == bestDist && a.countries[best].maritime && !c.maritime) {
			best = i
			bestDist = d
		}
	}
	if best < 0 {
		return 0, ErrNoCountry
	}
	return a.countries[best].id, nil
}

func (a *Assigner) containsWithTolerance(c *indexedCountry, p orb.Point) bool {
	if planar.MultiPolygonContains(c.geom, p) {
		return true
	}
	// On-boundary points can fail the ray cast on either side; a distance
	// check within tolerance counts as containment.
	return planar.DistanceFrom(c.geom, p) <= a.tolerance
}

func (a *Assigner) index(idx int) {
	b := a.countries[idx].bound
	minKey := a.cellOf(b.Min)
	maxKey := a.cellOf(b.Max)
	for x := minKey.x; x <= maxKey.x; x++ {
		for y := minKey.y; y <= maxKey.y; y++ {
			key := cellKey{x, y}
			a.grid[key] = append(a.grid[key], idx)
		}
	}
}

func (a *Assigner) cellOf(p orb.Point) cellKey {
	return cellKey{
		x: int(math.Floor(p[0] / a.cellSize)),
		y: int(math.Floor(p[1] / a.cellSize)),
	}
}

func paddedBound(b orb.Bound, pad float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.Min[0] - pad, b.Min[1] - pad},
		Max: orb.Point{b.Max[0] + pad, b.Max[1] + pad},
	}
}

// parseGeometry accepts polygon and multipolygon GeoJSON.
func parseGeometry(raw string) (orb.MultiPolygon, error) {
	g, err := geojson.UnmarshalGeometry([]byte(raw))
	if err != nil {
		return nil, err
	}
	switch geom := g.Geometry().(type) {
	case orb.Polygon:
		return orb.MultiPolygon{geom}, nil
	case orb.MultiPolygon:
		return geom, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %T", geom)
	}
}
