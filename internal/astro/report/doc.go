// Package report draws the detections and tracklets of a run on the
// sky plane, as a PNG through gonum/plot or as an interactive echarts
// HTML page. Positions are plotted as arcsecond offsets from the chart
// centre, RA scaled by cos(Dec).
package report
