package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/camfeed/internal/stream"
)

// Catalog lookup errors.
var (
	ErrControllerNotFound = errors.New("controller not found")
	ErrCameraNotFound     = errors.New("camera not found")
)

// Profile holds the encoding parameters of one quality on a controller.
type Profile struct {
	FPS     int    `toml:"fps" json:"fps"`
	Width   int    `toml:"width" json:"width"`
	Height  int    `toml:"height" json:"height"`
	Codec   string `toml:"codec" json:"codec"`
	Bitrate string `toml:"bitrate,omitempty" json:"bitrate,omitempty"`
}

// Camera is one video source attached to a controller.
type Camera struct {
	ID      int    `toml:"id" json:"id"`
	Name    string `toml:"name,omitempty" json:"name,omitempty"`
	MainURL string `toml:"main_url" json:"main_url"`
	SubURL  string `toml:"sub_url,omitempty" json:"sub_url,omitempty"`
}

// SourceURL returns the RTSP address used for quality q. Auxiliary reads the
// sub stream and falls back to the main one when no sub stream is configured.
func (c Camera) SourceURL(q stream.Quality) string {
	if q == stream.Auxiliary && c.SubURL != "" {
		return c.SubURL
	}
	return c.MainURL
}

// Controller groups cameras that share per-quality encoding parameters.
type Controller struct {
	ID        int      `toml:"id" json:"id"`
	Name      string   `toml:"name,omitempty" json:"name,omitempty"`
	Primary   Profile  `toml:"primary" json:"primary"`
	Secondary Profile  `toml:"secondary" json:"secondary"`
	Auxiliary Profile  `toml:"auxiliary" json:"auxiliary"`
	Cameras   []Camera `toml:"cameras" json:"cameras"`
}

// Profile returns the encoding parameters for q.
func (c *Controller) Profile(q stream.Quality) Profile {
	switch q {
	case stream.Secondary:
		return c.Secondary
	case stream.Auxiliary:
		return c.Auxiliary
	default:
		return c.Primary
	}
}

// Camera finds a camera by id.
func (c *Controller) Camera(id int) (Camera, bool) {
	i := slices.IndexFunc(c.Cameras, func(cam Camera) bool { return cam.ID == id })
	if i < 0 {
		return Camera{}, false
	}
	return c.Cameras[i], true
}

// Catalog is the parsed controllers file. It is immutable once loaded.
type Catalog struct {
	Controllers []Controller `toml:"controllers" json:"controllers"`
	index       map[int]int
}

// LoadControllers reads and validates a controllers TOML file.
func LoadControllers(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read controllers file: %w", err)
	}
	return ParseControllers(data)
}

// ParseControllers decodes a controllers document and applies defaults.
func ParseControllers(data []byte) (*Catalog, error) {
	var c Catalog
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse controllers file: %w", err)
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return &c, nil
}

// NewCatalog builds a catalog from values, mostly for tests and tooling.
func NewCatalog(controllers ...Controller) (*Catalog, error) {
	c := &Catalog{Controllers: controllers}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	c.index = make(map[int]int, len(c.Controllers))
	for i := range c.Controllers {
		ctrl := &c.Controllers[i]
		if _, dup := c.index[ctrl.ID]; dup {
			return fmt.Errorf("duplicate controller id %d", ctrl.ID)
		}
		c.index[ctrl.ID] = i

		seen := make(map[int]bool, len(ctrl.Cameras))
		for _, cam := range ctrl.Cameras {
			if seen[cam.ID] {
				return fmt.Errorf("controller %d: duplicate camera id %d", ctrl.ID, cam.ID)
			}
			if cam.MainURL == "" {
				return fmt.Errorf("controller %d camera %d: main_url is required", ctrl.ID, cam.ID)
			}
			seen[cam.ID] = true
		}

		applyProfileDefaults(&ctrl.Primary, "mjpeg", "")
		applyProfileDefaults(&ctrl.Secondary, "mjpeg", "2M")
		applyProfileDefaults(&ctrl.Auxiliary, "copy", "")
	}
	return nil
}

func applyProfileDefaults(p *Profile, codec, bitrate string) {
	if p.Codec == "" {
		p.Codec = codec
	}
	if p.Bitrate == "" {
		p.Bitrate = bitrate
	}
}

// Controller returns the controller with the given id.
func (c *Catalog) Controller(id int) (*Controller, error) {
	if c == nil {
		return nil, fmt.Errorf("controller %d: %w", id, ErrControllerNotFound)
	}
	i, ok := c.index[id]
	if !ok {
		return nil, fmt.Errorf("controller %d: %w", id, ErrControllerNotFound)
	}
	return &c.Controllers[i], nil
}

// Camera returns a controller together with one of its cameras.
func (c *Catalog) Camera(controllerID, cameraID int) (*Controller, Camera, error) {
	ctrl, err := c.Controller(controllerID)
	if err != nil {
		return nil, Camera{}, err
	}
	cam, ok := ctrl.Camera(cameraID)
	if !ok {
		return nil, Camera{}, fmt.Errorf("controller %d camera %d: %w", controllerID, cameraID, ErrCameraNotFound)
	}
	return ctrl, cam, nil
}

// CatalogStore holds the current catalog and swaps it atomically on reload.
type CatalogStore struct {
	current atomic.Pointer[Catalog]
}

// NewCatalogStore creates a store holding initial, which may be nil.
func NewCatalogStore(initial *Catalog) *CatalogStore {
	s := &CatalogStore{}
	if initial != nil {
		s.current.Store(initial)
	}
	return s
}

// Current returns the catalog in effect, nil if none was loaded.
func (s *CatalogStore) Current() *Catalog {
	return s.current.Load()
}

// Replace installs next and returns the qualities whose parameters changed.
func (s *CatalogStore) Replace(next *Catalog) []Change {
	prev := s.current.Swap(next)
	return ChangedQualities(prev, next)
}
