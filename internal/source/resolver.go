// Package source resolves stream keys to transcoder commands using the
// controllers catalog.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/ffmpeg"
	"github.com/smazurov/camfeed/internal/process"
	"github.com/smazurov/camfeed/internal/stream"
)

// Options tunes the generated ffmpeg command.
type Options struct {
	// FFmpegPath is the transcoder binary. Default "ffmpeg".
	FFmpegPath string
	// RTSPTimeout defaults to ffmpeg.DefaultRTSPTimeout.
	RTSPTimeout time.Duration
	// LogLevel is the ffmpeg -loglevel value. Default "warning".
	LogLevel string
}

// Resolver reads the catalog currently held by a CatalogStore, so a reload is
// picked up by the next resolution.
type Resolver struct {
	store *config.CatalogStore
	opts  Options
}

var _ stream.Resolver = (*Resolver)(nil)

// NewResolver creates a resolver over store.
func NewResolver(store *config.CatalogStore, opts Options) *Resolver {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	return &Resolver{store: store, opts: opts}
}

// Params returns the ffmpeg parameters for key.
func (r *Resolver) Params(key stream.Key) (ffmpeg.Params, error) {
	ctrl, cam, err := r.store.Current().Camera(key.Controller, key.Camera)
	if err != nil {
		return ffmpeg.Params{}, err
	}

	url := cam.SourceURL(key.Quality)
	if url == "" {
		return ffmpeg.Params{}, fmt.Errorf("controller %d camera %d: no source for %s", key.Controller, key.Camera, key.Quality)
	}

	profile := ctrl.Profile(key.Quality)
	return ffmpeg.Params{
		InputURL:    url,
		RTSPTimeout: r.opts.RTSPTimeout,
		Codec:       profile.Codec,
		FPS:         profile.FPS,
		Width:       profile.Width,
		Height:      profile.Height,
		Bitrate:     profile.Bitrate,
		LogLevel:    r.opts.LogLevel,
	}, nil
}

// Resolve implements stream.Resolver.
func (r *Resolver) Resolve(ctx context.Context, key stream.Key) (process.Spec, error) {
	if err := ctx.Err(); err != nil {
		return process.Spec{}, err
	}
	params, err := r.Params(key)
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Name: key.String(),
		Path: r.opts.FFmpegPath,
		Args: ffmpeg.BuildArgs(params),
	}, nil
}
