// Package detect finds sources on images: dot (point-like) sources by
// hysteresis flood fill, long trails by RLHT line scanning followed by the
// same fill, and fixed stars on a median background image.
//
// Detectors run per tile through the scheduler. A tile reports a blob only
// when the blob's barycenter lies in the tile core, so blobs crossing tile
// borders are found once provided the margin exceeds their radius.
package detect
