package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/smazurov/camfeed/internal/stream"
)

const controllersTOML = `
[[controllers]]
id = 1
name = "lobby"
primary = { fps = 15, width = 1920, height = 1080 }
secondary = { fps = 5, width = 640, height = 360 }

[[controllers.cameras]]
id = 5
main_url = "rtsp://10.0.0.5/main"
sub_url = "rtsp://10.0.0.5/sub"

[[controllers.cameras]]
id = 6
main_url = "rtsp://10.0.0.6/main"

[[controllers]]
id = 2
auxiliary = { codec = "mjpeg" }
`

func TestParseControllers(t *testing.T) {
	c, err := ParseControllers([]byte(controllersTOML))
	if err != nil {
		t.Fatalf("ParseControllers failed: %v", err)
	}

	ctrl, err := c.Controller(1)
	if err != nil {
		t.Fatal(err)
	}
	if ctrl.Name != "lobby" || len(ctrl.Cameras) != 2 {
		t.Errorf("unexpected controller: %+v", ctrl)
	}

	tests := []struct {
		quality stream.Quality
		want    Profile
	}{
		{stream.Primary, Profile{FPS: 15, Width: 1920, Height: 1080, Codec: "mjpeg"}},
		{stream.Secondary, Profile{FPS: 5, Width: 640, Height: 360, Codec: "mjpeg", Bitrate: "2M"}},
		{stream.Auxiliary, Profile{Codec: "copy"}},
	}
	for _, tt := range tests {
		t.Run(tt.quality.String(), func(t *testing.T) {
			if got := ctrl.Profile(tt.quality); got != tt.want {
				t.Errorf("Profile(%s) = %+v, want %+v", tt.quality, got, tt.want)
			}
		})
	}

	other, err := c.Controller(2)
	if err != nil {
		t.Fatal(err)
	}
	if other.Auxiliary.Codec != "mjpeg" {
		t.Errorf("explicit codec overwritten: %q", other.Auxiliary.Codec)
	}
}

func TestParseControllersValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "duplicate controller",
			doc:  "[[controllers]]\nid = 1\n[[controllers]]\nid = 1\n",
			want: "duplicate controller id 1",
		},
		{
			name: "duplicate camera",
			doc: `[[controllers]]
id = 1
[[controllers.cameras]]
id = 2
main_url = "rtsp://a"
[[controllers.cameras]]
id = 2
main_url = "rtsp://b"
`,
			want: "duplicate camera id 2",
		},
		{
			name: "missing main url",
			doc:  "[[controllers]]\nid = 3\n[[controllers.cameras]]\nid = 1\n",
			want: "main_url is required",
		},
		{
			name: "invalid toml",
			doc:  "[[controllers]\n",
			want: "failed to parse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseControllers([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestCatalogCameraLookup(t *testing.T) {
	c, err := ParseControllers([]byte(controllersTOML))
	if err != nil {
		t.Fatal(err)
	}

	if _, cam, err := c.Camera(1, 5); err != nil || cam.MainURL != "rtsp://10.0.0.5/main" {
		t.Errorf("Camera(1, 5) = %+v, %v", cam, err)
	}
	if _, _, err := c.Camera(1, 99); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("Camera(1, 99) error = %v, want ErrCameraNotFound", err)
	}
	if _, _, err := c.Camera(9, 5); !errors.Is(err, ErrControllerNotFound) {
		t.Errorf("Camera(9, 5) error = %v, want ErrControllerNotFound", err)
	}

	var empty *Catalog
	if _, err := empty.Controller(1); !errors.Is(err, ErrControllerNotFound) {
		t.Errorf("nil catalog error = %v", err)
	}
}

func TestCameraSourceURL(t *testing.T) {
	withSub := Camera{MainURL: "rtsp://main", SubURL: "rtsp://sub"}
	mainOnly := Camera{MainURL: "rtsp://main"}

	tests := []struct {
		name string
		cam  Camera
		q    stream.Quality
		want string
	}{
		{"primary uses main", withSub, stream.Primary, "rtsp://main"},
		{"secondary uses main", withSub, stream.Secondary, "rtsp://main"},
		{"auxiliary uses sub", withSub, stream.Auxiliary, "rtsp://sub"},
		{"auxiliary falls back to main", mainOnly, stream.Auxiliary, "rtsp://main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cam.SourceURL(tt.q); got != tt.want {
				t.Errorf("SourceURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCatalogStoreReplace(t *testing.T) {
	first, err := ParseControllers([]byte(controllersTOML))
	if err != nil {
		t.Fatal(err)
	}
	store := NewCatalogStore(nil)
	if store.Current() != nil {
		t.Fatal("empty store should have no catalog")
	}

	changes := store.Replace(first)
	if len(changes) != 6 {
		t.Errorf("initial load reported %d changes, want 6", len(changes))
	}
	if store.Current() != first {
		t.Error("Current did not return the installed catalog")
	}

	if changes := store.Replace(first); len(changes) != 0 {
		t.Errorf("replacing with same catalog reported %v", changes)
	}
}
