// Package astro owns the detection and tracklet model.
//
// Responsibilities: building detections from pixel sets (barycenter,
// ellipse fits, flux), merging detections that describe one object, and
// fitting constant-velocity tracklets across observation epochs.
// Key types: Detection, Tracklet, Star.
//
// Dependency rule: astro may depend on geom and imaging, but never on
// detect, pairing or pipeline.
package astro
