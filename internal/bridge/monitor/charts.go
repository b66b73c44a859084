package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/cloudbridge/internal/bridge/render"
	"github.com/banshee-data/cloudbridge/internal/httputil"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleLatencyChart renders the recent per-frame processing latency as a
// line chart.
func (ws *WebServer) handleLatencyChart(w http.ResponseWriter, r *http.Request) {
	lat := ws.cfg.Pipeline.RecentLatencies()
	st := ws.cfg.Pipeline.Stats()

	x := make([]int, len(lat))
	y := make([]opts.LineData, len(lat))
	for i, d := range lat {
		x[i] = i + 1
		y[i] = opts.LineData{Value: float64(d) / float64(time.Millisecond)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Processing latency", Theme: "dark", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Processing latency",
			Subtitle: fmt.Sprintf("frames=%d p50=%v p95=%v max=%v", len(lat), st.Latency.P50, st.Latency.P95, st.Latency.Max),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).AddSeries("latency", y, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleSnapshotPlot draws the latest processed frame from above: points in
// grey, occupied cells as squares, feature centroids as crosses.
// Query params:
//
//	size (optional, inches, default 8)
func (ws *WebServer) handleSnapshotPlot(w http.ResponseWriter, r *http.Request) {
	snap, ok := ws.latestSnapshot()
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no processed frame yet")
		return
	}
	size := httputil.QueryFloat(r, "size", 8, 2, 30)
	p, err := SnapshotPlot(snap)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wt, err := p.WriterTo(vg.Length(size)*vg.Inch, vg.Length(size)*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("encode plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

// maxPlotPoints caps the scatter so large clouds still render quickly.
const maxPlotPoints = 20000

// SnapshotPlot builds the top-down plot of a render snapshot.
func SnapshotPlot(snap *render.Snapshot) (*plot.Plot, error) {
	pf := snap.Frame
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s #%d (%s pose, %d points)", pf.Source.SourceID, pf.Source.Sequence, snap.PoseSource, len(pf.Points))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(pf.Occupancy) > 0 && pf.OccupancyCellSize > 0 {
		cells := make(plotter.XYs, len(pf.Occupancy))
		for i, c := range pf.Occupancy {
			cells[i] = plotter.XY{X: (float64(c.X) + 0.5) * pf.OccupancyCellSize, Y: (float64(c.Y) + 0.5) * pf.OccupancyCellSize}
		}
		sc, err := plotter.NewScatter(cells)
		if err != nil {
			return nil, fmt.Errorf("occupancy scatter: %w", err)
		}
		sc.GlyphStyle.Shape = draw.BoxGlyph{}
		sc.GlyphStyle.Color = color.RGBA{R: 70, G: 110, B: 200, A: 255}
		sc.GlyphStyle.Radius = vg.Points(2)
		p.Add(sc)
		p.Legend.Add("occupied", sc)
	}

	if len(pf.Points) > 0 {
		stride := int(math.Ceil(float64(len(pf.Points)) / maxPlotPoints))
		pts := make(plotter.XYs, 0, len(pf.Points)/stride+1)
		for i := 0; i < len(pf.Points); i += stride {
			pts = append(pts, plotter.XY{X: pf.Points[i].X, Y: pf.Points[i].Y})
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("point scatter: %w", err)
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Color = color.Gray{Y: 90}
		sc.GlyphStyle.Radius = vg.Points(0.6)
		p.Add(sc)
		p.Legend.Add("points", sc)
	}

	if len(pf.Features) > 0 {
		centroids := make(plotter.XYs, 0, len(pf.Features))
		for _, f := range pf.Features {
			centroids = append(centroids, plotter.XY{X: f.Centroid.X, Y: f.Centroid.Y})
		}
		sc, err := plotter.NewScatter(centroids)
		if err != nil {
			return nil, fmt.Errorf("feature scatter: %w", err)
		}
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Color = color.RGBA{R: 220, G: 60, B: 40, A: 255}
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add("features", sc)
	}

	if snap.PoseSource != render.PoseIdentity {
		t := snap.Pose.Translation()
		sensor, err := plotter.NewScatter(plotter.XYs{{X: t.X, Y: t.Y}})
		if err != nil {
			return nil, fmt.Errorf("pose scatter: %w", err)
		}
		sensor.GlyphStyle.Shape = draw.TriangleGlyph{}
		sensor.GlyphStyle.Color = color.RGBA{R: 30, G: 160, B: 70, A: 255}
		sensor.GlyphStyle.Radius = vg.Points(5)
		p.Add(sensor)
		p.Legend.Add("pose", sensor)
	}
	p.Legend.Top = true
	return p, nil
}
