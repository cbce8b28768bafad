package response

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/autograder/internal/correctmap"
)

type point struct{ x, y float64 }

type rect struct{ min, max point }

func (r rect) contains(p point) bool {
	return p.x >= r.min.x && p.x <= r.max.x && p.y >= r.min.y && p.y <= r.max.y
}

type polygon []point

// contains reports whether p lies inside pg or on its boundary.
func (pg polygon) contains(p point) bool {
	n := len(pg)
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := pg[j], pg[i]
		if onSegment(a, b, p) {
			return true
		}
		if (b.y > p.y) != (a.y > p.y) {
			x := (a.x-b.x)*(p.y-b.y)/(a.y-b.y) + b.x
			if p.x < x {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(a, b, p point) bool {
	cross := (b.x-a.x)*(p.y-a.y) - (b.y-a.y)*(p.x-a.x)
	scale := math.Max(1, math.Max(math.Abs(b.x-a.x), math.Abs(b.y-a.y)))
	if math.Abs(cross) > 1e-9*scale*scale {
		return false
	}
	return p.x >= math.Min(a.x, b.x) && p.x <= math.Max(a.x, b.x) &&
		p.y >= math.Min(a.y, b.y) && p.y <= math.Max(a.y, b.y)
}

// Image grades a clicked point against rectangles and polygons; any region
// containing the point makes it correct.
type Image struct {
	base
	rects    []rect
	polygons []polygon
}

func newImage(b base, def Definition) (*Image, error) {
	img := &Image{base: b}
	var err error
	if img.rects, err = parseRectangles(def.Rectangles); err != nil {
		return nil, invalid(b.kind, "%v", err)
	}
	if img.polygons, err = parseRegions(def.Regions); err != nil {
		return nil, invalid(b.kind, "%v", err)
	}
	if len(img.rects) == 0 && len(img.polygons) == 0 {
		return nil, invalid(b.kind, "no rectangles or regions")
	}
	return img, nil
}

func (img *Image) Grade(_ context.Context, subs Submissions) (*Outcome, error) {
	return img.gradeEach(subs, func(s Submission) correctmap.Entry {
		p, err := parsePoint(s.String())
		if err != nil {
			return img.entry(correctmap.Incorrect)
		}
		return img.entry(verdict(img.contains(p)))
	}), nil
}

func (img *Image) contains(p point) bool {
	for _, r := range img.rects {
		if r.contains(p) {
			return true
		}
	}
	for _, pg := range img.polygons {
		if pg.contains(p) {
			return true
		}
	}
	return false
}

var rectPattern = regexp.MustCompile(`^\(\s*([-+0-9.eE]+)\s*,\s*([-+0-9.eE]+)\s*\)\s*-\s*\(\s*([-+0-9.eE]+)\s*,\s*([-+0-9.eE]+)\s*\)$`)

// parseRectangles reads "(x1,y1)-(x2,y2);(x3,y3)-(x4,y4)".
func parseRectangles(s string) ([]rect, error) {
	var out []rect
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m := rectPattern.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("malformed rectangle %q", part)
		}
		var v [4]float64
		for i := range v {
			f, err := strconv.ParseFloat(m[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("malformed rectangle %q: %w", part, err)
			}
			v[i] = f
		}
		out = append(out, rect{
			min: point{math.Min(v[0], v[2]), math.Min(v[1], v[3])},
			max: point{math.Max(v[0], v[2]), math.Max(v[1], v[3])},
		})
	}
	return out, nil
}

// parseRegions reads one polygon "[[x,y],...]" or a list of them.
func parseRegions(s string) ([]polygon, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var many [][][2]float64
	if err := json.Unmarshal([]byte(s), &many); err == nil {
		out := make([]polygon, 0, len(many))
		for _, pts := range many {
			pg, err := toPolygon(pts)
			if err != nil {
				return nil, err
			}
			out = append(out, pg)
		}
		return out, nil
	}
	var one [][2]float64
	if err := json.Unmarshal([]byte(s), &one); err != nil {
		return nil, fmt.Errorf("malformed regions %q: %w", s, err)
	}
	pg, err := toPolygon(one)
	if err != nil {
		return nil, err
	}
	return []polygon{pg}, nil
}

func toPolygon(pts [][2]float64) (polygon, error) {
	if len(pts) < 3 {
		return nil, fmt.Errorf("region needs at least 3 points, got %d", len(pts))
	}
	pg := make(polygon, len(pts))
	for i, p := range pts {
		pg[i] = point{p[0], p[1]}
	}
	return pg, nil
}

// parsePoint reads a submission such as "[12,19]" or "[120, 130]".
func parsePoint(s string) (point, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return point{}, fmt.Errorf("malformed point %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return point{}, err
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return point{}, err
	}
	return point{x, y}, nil
}
