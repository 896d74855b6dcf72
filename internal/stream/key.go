package stream

import (
	"fmt"
	"strings"
)

// Quality selects one rendition of a camera.
type Quality int

// Renditions. Primary and Secondary are re-encoded from the main source,
// Auxiliary is copied from the camera's sub stream.
const (
	Primary Quality = iota
	Secondary
	Auxiliary
)

// Qualities lists every rendition in order.
var Qualities = []Quality{Primary, Secondary, Auxiliary}

func (q Quality) String() string {
	switch q {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	case Auxiliary:
		return "auxiliary"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// ParseQuality accepts the rendition name or the legacy q1/q2/q3 alias.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "q1":
		return Primary, nil
	case "secondary", "q2":
		return Secondary, nil
	case "auxiliary", "q3":
		return Auxiliary, nil
	}
	return 0, fmt.Errorf("unknown quality %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) {
	if q < Primary || q > Auxiliary {
		return nil, fmt.Errorf("invalid quality %d", int(q))
	}
	return []byte(q.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(text []byte) error {
	parsed, err := ParseQuality(string(text))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Key identifies one live rendition.
type Key struct {
	Controller int     `json:"controller"`
	Camera     int     `json:"camera"`
	Quality    Quality `json:"quality"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s", k.Controller, k.Camera, k.Quality)
}
