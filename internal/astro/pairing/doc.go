// Package pairing links detections into tracklets.
//
// A Pool accumulates detections, is frozen by GeneratePool into a
// quad-tree over the sky, and is then searched by a strategy:
// LinePoolSimple links any detection pair that extends to a third epoch
// along a straight line, PoolMDMerger applies separate rules to dots and
// trails. PrePair merges fragments on one frame before linking,
// Deduplicate drops tracklets explained better by another, and
// Recoverer re-detects a tracklet on frames where it was missed.
package pairing
