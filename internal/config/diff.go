package config

import (
	"maps"
	"slices"
	"strconv"

	"github.com/smazurov/camfeed/internal/stream"
)

// Change names a (controller, quality) pair whose streams must be reconfigured.
type Change struct {
	Controller int
	Quality    stream.Quality
}

func (c Change) String() string {
	return strconv.Itoa(c.Controller) + "/" + c.Quality.String()
}

// ChangedQualities compares two catalogs. A quality changes when its profile
// differs, or when a camera present before was removed or now reads another
// source URL for it. Adding a camera changes nothing since it has no running
// streams. Adding or removing a controller changes all of its qualities.
// Either catalog may be nil. The result is ordered by controller then quality.
func ChangedQualities(prev, next *Catalog) []Change {
	ids := make(map[int]struct{})
	for _, c := range []*Catalog{prev, next} {
		if c == nil {
			continue
		}
		for _, ctrl := range c.Controllers {
			ids[ctrl.ID] = struct{}{}
		}
	}

	var changes []Change
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		before, errBefore := prev.Controller(id)
		after, errAfter := next.Controller(id)
		for _, q := range stream.Qualities {
			if errBefore != nil || errAfter != nil || qualityDiffers(before, after, q) {
				changes = append(changes, Change{Controller: id, Quality: q})
			}
		}
	}
	return changes
}

func qualityDiffers(before, after *Controller, q stream.Quality) bool {
	if before.Profile(q) != after.Profile(q) {
		return true
	}
	for _, cam := range before.Cameras {
		now, ok := after.Camera(cam.ID)
		if !ok || now.SourceURL(q) != cam.SourceURL(q) {
			return true
		}
	}
	return false
}
