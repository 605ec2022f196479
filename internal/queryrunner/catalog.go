package queryrunner

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Source is one row of the source catalog.
type Source struct {
	ID  string
	RA  float64
	Dec float64
	Mag float64
}

// Catalog is an in-memory source catalog supporting cone searches.
type Catalog struct {
	sources []Source
}

// LoadCatalog reads a CSV catalog. The header must carry id, ra and dec
// columns; mag is optional. Column order is free.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return ReadCatalog(f)
}

// ReadCatalog parses catalog CSV from a reader.
func ReadCatalog(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "ra", "dec"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("catalog header missing %q column", required)
		}
	}

	c := &Catalog{}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read catalog line %d: %w", line, err)
		}

		ra, err := strconv.ParseFloat(rec[cols["ra"]], 64)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: bad ra: %w", line, err)
		}
		dec, err := strconv.ParseFloat(rec[cols["dec"]], 64)
		if err != nil {
			return nil, fmt.Errorf("catalog line %d: bad dec: %w", line, err)
		}
		s := Source{ID: rec[cols["id"]], RA: ra, Dec: dec}
		if i, ok := cols["mag"]; ok && i < len(rec) && rec[i] != "" {
			if mag, err := strconv.ParseFloat(rec[i], 64); err == nil {
				s.Mag = mag
			}
		}
		c.sources = append(c.sources, s)
	}
	return c, nil
}

// Len returns the number of catalog sources.
func (c *Catalog) Len() int { return len(c.sources) }

// ConeSearch returns every source within radius degrees of the given
// position, in catalog order.
func (c *Catalog) ConeSearch(ra, dec, radius float64) []Source {
	var out []Source
	for _, s := range c.sources {
		if Separation(ra, dec, s.RA, s.Dec) <= radius {
			out = append(out, s)
		}
	}
	return out
}

// Separation returns the angular distance in degrees between two
// positions, via the haversine formula.
func Separation(ra1, dec1, ra2, dec2 float64) float64 {
	const deg = math.Pi / 180

	dRA := (ra2 - ra1) * deg
	dDec := (dec2 - dec1) * deg
	a := math.Sin(dDec/2)*math.Sin(dDec/2) +
		math.Cos(dec1*deg)*math.Cos(dec2*deg)*math.Sin(dRA/2)*math.Sin(dRA/2)
	return 2 * math.Asin(math.Min(1, math.Sqrt(a))) / deg
}
