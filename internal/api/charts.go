package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/fallmark-data/fallmark/internal/httputil"
)

// showSessionChart renders a line chart (HTML) of one session's
// acceleration trace using go-echarts. This is a quick-look endpoint
// for reviewing a capture without pulling the CSV into a notebook.
func (s *Server) showSessionChart(w http.ResponseWriter, id string) {
	readings, err := s.db.SessionReadings(id)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load readings: %v", err))
		return
	}
	if len(readings) == 0 {
		httputil.NotFound(w, fmt.Sprintf("no readings for session %s", id))
		return
	}

	axisName := "acceleration (m/s^2)"
	if s.units == "g" {
		axisName = "acceleration (g)"
	}

	xs := make([]string, len(readings))
	ax := make([]opts.LineData, len(readings))
	ay := make([]opts.LineData, len(readings))
	az := make([]opts.LineData, len(readings))
	mag := make([]opts.LineData, len(readings))
	for i, r := range readings {
		r = s.convertReading(r)
		xs[i] = strconv.FormatUint(uint64(r.SensorTimestamp), 10)
		ax[i] = opts.LineData{Value: r.AX}
		ay[i] = opts.LineData{Value: r.AY}
		az[i] = opts.LineData{Value: r.AZ}
		m := math.Sqrt(float64(r.AX)*float64(r.AX) + float64(r.AY)*float64(r.AY) + float64(r.AZ)*float64(r.AZ))
		mag[i] = opts.LineData{Value: m}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session Trace", Theme: "dark", Width: "1400px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Acceleration Trace", Subtitle: fmt.Sprintf("session=%s readings=%d", id, len(readings))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sensor time (ms)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: axisName}),
	)

	line.SetXAxis(xs).
		AddSeries("ax", ax).
		AddSeries("ay", ay).
		AddSeries("az", az).
		AddSeries("magnitude", mag)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
