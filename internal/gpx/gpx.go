// Package gpx reads GPX 1.1 track files for replay.
//
// Only the fields the replay pipeline needs are parsed: per-point latitude,
// longitude, elevation, and timestamp. Waypoints, routes, and extensions are
// ignored.
package gpx

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"time"
)

// Point is one track point. Ele is only meaningful when HasEle is set; GPX
// elevation is optional and many exports omit it.
type Point struct {
	Lat    float64
	Lon    float64
	Ele    float64
	HasEle bool
	Time   time.Time
}

// Track is a flattened GPX track: all segments of all <trk> elements, in
// document order.
type Track struct {
	Name   string
	Points []Point
}

// Duration returns the time span between the first and last point.
func (t Track) Duration() time.Duration {
	if len(t.Points) < 2 {
		return 0
	}
	return t.Points[len(t.Points)-1].Time.Sub(t.Points[0].Time)
}

type gpxFile struct {
	XMLName xml.Name `xml:"gpx"`
	Tracks  []gpxTrk `xml:"trk"`
}

type gpxTrk struct {
	Name     string   `xml:"name"`
	Segments []gpxSeg `xml:"trkseg"`
}

type gpxSeg struct {
	Points []gpxPt `xml:"trkpt"`
}

type gpxPt struct {
	Lat  float64  `xml:"lat,attr"`
	Lon  float64  `xml:"lon,attr"`
	Ele  *float64 `xml:"ele"`
	Time string   `xml:"time"`
}

// ReadFile parses the GPX file at path.
func ReadFile(path string) (Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return Track{}, fmt.Errorf("open gpx file: %w", err)
	}
	defer f.Close()

	track, err := Read(f)
	if err != nil {
		return Track{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return track, nil
}

// Read parses GPX from r.
func Read(r io.Reader) (Track, error) {
	var doc gpxFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return Track{}, fmt.Errorf("decode gpx: %w", err)
	}

	var track Track
	for _, trk := range doc.Tracks {
		if track.Name == "" {
			track.Name = trk.Name
		}
		for _, seg := range trk.Segments {
			for i, pt := range seg.Points {
				if pt.Time == "" {
					return Track{}, fmt.Errorf("trkpt %d: missing time", len(track.Points)+i)
				}
				ts, err := time.Parse(time.RFC3339, pt.Time)
				if err != nil {
					return Track{}, fmt.Errorf("trkpt %d: bad time %q: %w", len(track.Points)+i, pt.Time, err)
				}

				p := Point{Lat: pt.Lat, Lon: pt.Lon, Time: ts}
				if pt.Ele != nil {
					p.Ele = *pt.Ele
					p.HasEle = true
				}
				track.Points = append(track.Points, p)
			}
		}
	}

	if len(track.Points) == 0 {
		return Track{}, fmt.Errorf("gpx contains no track points")
	}
	return track, nil
}
