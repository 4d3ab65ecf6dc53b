// Package report renders post-session charts from persisted session data.
//
// WriteHTML produces a self-contained ECharts page (elevation profile, pace,
// grade, terrain segments) suitable for opening in a browser; WriteElevationPNG
// produces a static elevation profile image for embedding elsewhere.
package report

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/lelanhus/ruck-map-sub009/internal/session"
	"github.com/lelanhus/ruck-map-sub009/internal/store"
	"github.com/lelanhus/ruck-map-sub009/internal/terrain"
	"github.com/lelanhus/ruck-map-sub009/internal/units"
)

// maxChartPoints caps the number of points per chart. Multi-hour sessions can
// persist tens of thousands of rows; beyond this the page gets slow to open
// without looking any different.
const maxChartPoints = 4000

// viridisRamp is the colour ramp used for visual-map encoded series.
var viridisRamp = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// SummaryFromRecord rebuilds a session summary from its persisted rows so
// reports can be rendered long after the session process exited. Diagnostics
// and tier-change counts are not persisted and come back zero.
func SummaryFromRecord(rec store.SessionRecord, segs []store.SegmentRecord) session.Summary {
	sum := session.Summary{
		SessionID:           rec.ID,
		StartedAt:           rec.StartedAt,
		StoppedAt:           rec.StoppedAt,
		AveragePaceSecPerKm: rec.AvgPaceSecPerKm,
		LoadWeight:          rec.LoadWeightKg,
		Totals: session.Accumulators{
			Distance:    rec.DistanceM,
			Gain:        rec.GainM,
			Loss:        rec.LossM,
			MinAltitude: rec.MinAltM,
			MaxAltitude: rec.MaxAltM,
			Duration:    time.Duration(rec.DurationS * float64(time.Second)),
			EffortWork:  rec.EffortWork,
			SampleCount: rec.SampleCount,
		},
	}
	for _, seg := range segs {
		sum.Terrain = append(sum.Terrain, terrain.Segment{
			Start:      seg.StartTS,
			End:        seg.EndTS,
			Label:      terrain.Label(seg.Label),
			Confidence: seg.Confidence,
			Manual:     seg.Manual,
		})
	}
	return sum
}

// WriteHTML renders the full session report page to w: elevation profile over
// distance, pace over distance, grade scatter coloured by effort multiplier,
// and one bar per terrain segment.
func WriteHTML(w io.Writer, sum session.Summary, points []store.Point) error {
	pts := downsample(points, maxChartPoints)
	km := cumulativeKm(pts)

	subtitle := fmt.Sprintf(
		"session=%s distance=%.2fkm duration=%s pace=%s/km points=%d",
		sum.SessionID,
		units.MetresToKm(sum.Totals.Distance),
		sum.Totals.Duration.Round(time.Second),
		units.FormatPace(sum.AveragePaceSecPerKm),
		len(points),
	)

	page := components.NewPage()
	page.AddCharts(
		elevationChart(subtitle, km, pts),
		paceChart(km, pts),
		gradeChart(km, pts),
		terrainChart(sum),
	)

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report page: %w", err)
	}
	return nil
}

// WriteElevationPNG saves a static elevation profile (fused altitude against
// cumulative distance) to path.
func WriteElevationPNG(path string, points []store.Point) error {
	if len(points) == 0 {
		return fmt.Errorf("no points to plot")
	}

	km := cumulativeKm(points)

	xys := make(plotter.XYs, 0, len(points))
	for i, pt := range points {
		xys = append(xys, plotter.XY{X: km[i], Y: pt.AltM})
	}

	p := plot.New()
	p.Title.Text = "Elevation Profile"
	p.X.Label.Text = "Distance (km)"
	p.Y.Label.Text = "Altitude (m)"

	line, err := plotter.NewLine(xys)
	if err != nil {
		return fmt.Errorf("build elevation line: %w", err)
	}
	line.Color = color.RGBA{R: 0x1f, G: 0x9e, B: 0x89, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save elevation plot: %w", err)
	}
	return nil
}

// elevationChart plots fused altitude against cumulative distance.
func elevationChart(subtitle string, km []float64, pts []store.Point) *charts.Line {
	x := make([]string, 0, len(pts))
	y := make([]opts.LineData, 0, len(pts))
	for i, pt := range pts {
		x = append(x, fmt.Sprintf("%.2f", km[i]))
		y = append(y, opts.LineData{Value: pt.AltM})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Ruck Session Report", Theme: "dark", Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Elevation Profile", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Distance (km)", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Altitude (m)", Scale: opts.Bool(true)}),
	)
	line.SetXAxis(x).AddSeries("altitude", y,
		charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
	)
	return line
}

// paceChart plots pace (min/km) against cumulative distance. Points where the
// pace is unknown (stationary, predicted drift) render as gaps.
func paceChart(km []float64, pts []store.Point) *charts.Line {
	x := make([]string, 0, len(pts))
	y := make([]opts.LineData, 0, len(pts))
	for i, pt := range pts {
		x = append(x, fmt.Sprintf("%.2f", km[i]))
		if sec := units.PaceSecPerKm(pt.SpeedMps); sec > 0 {
			y = append(y, opts.LineData{Value: sec / 60.0})
		} else {
			y = append(y, opts.LineData{Value: nil})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Pace"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Distance (km)", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Pace (min/km)", Scale: opts.Bool(true)}),
	)
	line.SetXAxis(x).AddSeries("pace", y)
	return line
}

// gradeChart scatters smoothed grade against distance, coloured by the effort
// multiplier so steep costly stretches stand out.
func gradeChart(km []float64, pts []store.Point) *charts.Scatter {
	data := make([]opts.ScatterData, 0, len(pts))
	maxAbsGrade := 0.0
	maxMult := 0.0
	maxKm := 0.0
	for i, pt := range pts {
		if math.Abs(pt.GradeSmoothedPct) > maxAbsGrade {
			maxAbsGrade = math.Abs(pt.GradeSmoothedPct)
		}
		if pt.Multiplier > maxMult {
			maxMult = pt.Multiplier
		}
		if km[i] > maxKm {
			maxKm = km[i]
		}
		data = append(data, opts.ScatterData{Value: []interface{}{km[i], pt.GradeSmoothedPct, pt.Multiplier}})
	}

	pad := maxAbsGrade * 1.05
	if pad == 0 {
		pad = 1.0
	}
	if maxMult == 0 {
		maxMult = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Grade", Subtitle: "colour = effort multiplier"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0.0, Max: maxKm * 1.05, Name: "Distance (km)", NameLocation: "middle", NameGap: 30}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Grade (%)"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxMult),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridisRamp},
		}),
	)
	scatter.AddSeries("grade", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	return scatter
}

// terrainChart draws one bar per terrain segment, in session order, sized by
// the segment's duration.
func terrainChart(sum session.Summary) *charts.Bar {
	x := make([]string, 0, len(sum.Terrain))
	y := make([]opts.BarData, 0, len(sum.Terrain))
	for _, seg := range sum.Terrain {
		label := string(seg.Label)
		if seg.Manual {
			label += " (manual)"
		}
		x = append(x, fmt.Sprintf("%s +%dm", label, int(seg.Start.Sub(sum.StartedAt).Minutes())))

		minutes := seg.End.Sub(seg.Start).Minutes()
		if minutes < 0 {
			minutes = 0
		}
		y = append(y, opts.BarData{Value: math.Round(minutes*10) / 10})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Terrain Segments", Subtitle: fmt.Sprintf("segments=%d", len(sum.Terrain))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Duration (min)"}),
	)
	bar.SetXAxis(x).AddSeries("terrain", y,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return bar
}

// cumulativeKm returns the running geodesic distance, in kilometres, at each
// point.
func cumulativeKm(points []store.Point) []float64 {
	km := make([]float64, len(points))
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += geo.Distance(
			orb.Point{points[i-1].Lon, points[i-1].Lat},
			orb.Point{points[i].Lon, points[i].Lat},
		)
		km[i] = units.MetresToKm(total)
	}
	return km
}

// downsample strides over points so charts stay under max entries.
func downsample(points []store.Point, max int) []store.Point {
	if len(points) <= max {
		return points
	}
	stride := int(math.Ceil(float64(len(points)) / float64(max)))
	out := make([]store.Point, 0, len(points)/stride+1)
	for i := 0; i < len(points); i += stride {
		out = append(out, points[i])
	}
	return out
}
