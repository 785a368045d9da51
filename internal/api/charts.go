package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/report"
)

const defaultAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleTrailChart renders the recent trail as a scatter over the site with
// the anchors and zone centres marked.
// Query params:
//   - limit (optional; default 600) number of trail points
func (s *Server) handleTrailChart(w http.ResponseWriter, r *http.Request) {
	limit := 600
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= maxLimit {
			limit = v
		}
	}
	sys := s.engine.System()
	trail := s.engine.Trail(limit)

	trailPts := make([]opts.ScatterData, 0, len(trail))
	for _, p := range trail {
		trailPts = append(trailPts, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Speed}})
	}
	anchorPts := make([]opts.ScatterData, 0, len(sys.Anchors))
	for _, a := range sys.Anchors {
		anchorPts = append(anchorPts, opts.ScatterData{Name: fmt.Sprintf("A%d", a.ID), Value: []interface{}{a.Position.X, a.Position.Y}})
	}
	zonePts := make([]opts.ScatterData, 0, len(sys.Zones))
	for _, z := range sys.Zones {
		zonePts = append(zonePts, opts.ScatterData{Name: z.Name, Value: []interface{}{z.Center.X, z.Center.Y}})
	}

	st := s.engine.Status()
	subtitle := fmt.Sprintf("session=%s points=%d zone=%s", s.engine.SessionID(), len(trail), st.Record.Zone)
	if !st.Record.Timestamp.IsZero() {
		subtitle += " ts=" + st.Record.Timestamp.UTC().Format(time.RFC3339)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "UWB Trail", Theme: "dark", Width: "1000px", Height: "600px", AssetsHost: s.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Tag Trail", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: sys.Bounds.MinX - 2, Max: sys.Bounds.MaxX + 2, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: sys.Bounds.MinY - 2, Max: sys.Bounds.MaxY + 6, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("trail", trailPts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#4fc3f7"}))
	scatter.AddSeries("zones", zonePts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#66bb6a"}))
	scatter.AddSeries("anchors", anchorPts,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top", Formatter: "{b}"}),
	)

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render trail chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleDistanceChart renders per-anchor raw and filtered distances next to
// the exchange success rates.
func (s *Server) handleDistanceChart(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()

	ids := make([]string, 0, len(st.Anchors))
	raw := make([]opts.BarData, 0, len(st.Anchors))
	filtered := make([]opts.BarData, 0, len(st.Anchors))
	success := make([]opts.BarData, 0, len(st.Anchors))
	for _, a := range st.Anchors {
		ids = append(ids, fmt.Sprintf("A%d", a.ID))
		raw = append(raw, opts.BarData{Value: a.LastRaw})
		filtered = append(filtered, opts.BarData{Value: a.Distance})
		success = append(success, opts.BarData{Value: 100 * a.SuccessRate})
	}

	dist := charts.NewBar()
	dist.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: s.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Anchor Distances (m)", Subtitle: fmt.Sprintf("cycle=%d", st.Cycle)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	dist.SetXAxis(ids).
		AddSeries("raw", raw).
		AddSeries("filtered", filtered,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	rate := charts.NewBar()
	rate.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px", AssetsHost: s.AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Exchange Success (%)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100}),
	)
	rate.SetXAxis(ids).AddSeries("success", success)

	page := components.NewPage()
	page.SetAssetsHost(s.AssetsHost)
	page.AddCharts(dist, rate)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleHeatmap renders the session's positions as an occupancy heatmap PNG.
// Positions come from the database when one is configured, otherwise from
// the in-memory trail.
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	if !s.getOnly(w, r) {
		return
	}
	var points []geom.Point
	if s.db != nil {
		positions, err := s.db.Positions(r.Context(), s.engine.SessionID(), maxLimit)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve positions: %v", err))
			return
		}
		for _, p := range positions {
			points = append(points, geom.Point{X: p.X, Y: p.Y})
		}
	} else {
		for _, p := range s.engine.Trail(0) {
			points = append(points, geom.Point{X: p.X, Y: p.Y})
		}
	}

	o := report.OptionsFor(s.engine.System(), fmt.Sprintf("Session %s (%d positions)", s.engine.SessionID(), len(points)))
	o.Trail = r.URL.Query().Get("trail") != "0"
	p, _, err := report.Render(points, o)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render heatmap: %v", err))
		return
	}
	var buf bytes.Buffer
	if err := report.WritePNG(&buf, p); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
