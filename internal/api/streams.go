package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camfeed/internal/api/models"
	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/stream"
)

// registerControllerRoutes registers catalog and reconfiguration endpoints
func (s *Server) registerControllerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-controllers",
		Method:      http.MethodGet,
		Path:        "/api/controllers",
		Summary:     "List Controllers",
		Description: "Get the controllers catalog currently in effect",
		Tags:        []string{"controllers"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.ControllerListResponse, error) {
		resp := &models.ControllerListResponse{}
		resp.Body.Controllers = []models.ControllerData{}
		if s.catalog == nil {
			return resp, nil
		}
		if catalog := s.catalog.Current(); catalog != nil {
			for i := range catalog.Controllers {
				resp.Body.Controllers = append(resp.Body.Controllers, controllerToAPI(&catalog.Controllers[i]))
			}
		}
		resp.Body.Count = len(resp.Body.Controllers)
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "reconfigure-quality",
		Method:        http.MethodPost,
		Path:          "/api/controllers/{controller}/qualities/{quality}/reconfigure",
		Summary:       "Reconfigure Quality",
		Description:   "Restart every live stream of a controller quality with the current parameters, keeping subscribers attached",
		Tags:          []string{"controllers"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 404, 422},
		Security:      withAuth(),
	}, func(_ context.Context, input *models.QualityInput) (*models.ActionResponse, error) {
		if err := s.checkController(input.Controller); err != nil {
			return nil, err
		}
		quality := input.ParsedQuality()

		affected := s.streams.OnConfigChanged(input.Controller, quality)

		resp := &models.ActionResponse{}
		resp.Body.Message = "reconfiguration scheduled"
		resp.Body.Streams = affected
		return resp, nil
	})
}

// registerStreamRoutes registers all stream-related endpoints
func (s *Server) registerStreamRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-streams",
		Method:      http.MethodGet,
		Path:        "/api/streams",
		Summary:     "List Streams",
		Description: "Get the process table: every stream that is starting, running or being replaced",
		Tags:        []string{"streams"},
		Errors:      []int{401},
		Security:    withAuth(),
	}, func(_ context.Context, _ *struct{}) (*models.StreamListResponse, error) {
		infos := s.streams.Streams()
		data := make([]models.StreamData, len(infos))
		for i, info := range infos {
			data[i] = streamToAPI(info)
		}
		return &models.StreamListResponse{
			Body: models.StreamListData{
				Streams: data,
				Count:   len(data),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "start-stream",
		Method:        http.MethodPost,
		Path:          "/api/controllers/{controller}/cameras/{camera}/qualities/{quality}/start",
		Summary:       "Start Stream",
		Description:   "Start the transcoder for a key if none is running. Used by a live subscriber to retry after an error.",
		Tags:          []string{"streams"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 404, 422},
		Security:      withAuth(),
	}, func(_ context.Context, input *models.StreamKeyInput) (*models.ActionResponse, error) {
		if err := s.checkCamera(input.Controller, input.Camera); err != nil {
			return nil, err
		}
		s.streams.Create(input.Key())

		resp := &models.ActionResponse{}
		resp.Body.Message = "stream start requested"
		resp.Body.Streams = 1
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "kill-stream",
		Method:        http.MethodDelete,
		Path:          "/api/controllers/{controller}/cameras/{camera}/qualities/{quality}",
		Summary:       "Kill Stream",
		Description:   "Stop the transcoder for a key and detach its subscriber",
		Tags:          []string{"streams"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 422},
		Security:      withAuth(),
	}, func(_ context.Context, input *models.StreamKeyInput) (*models.ActionResponse, error) {
		key := input.Key()
		affected := 0
		for _, info := range s.streams.Streams() {
			if info.Key == key {
				affected = 1
			}
		}
		s.streams.Kill(key)

		resp := &models.ActionResponse{}
		resp.Body.Message = "stream stop requested"
		resp.Body.Streams = affected
		return resp, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-stream-command",
		Method:      http.MethodGet,
		Path:        "/api/controllers/{controller}/cameras/{camera}/qualities/{quality}/command",
		Summary:     "Get Transcoder Command",
		Description: "Get the ffmpeg command a stream would run with the current catalog",
		Tags:        []string{"streams"},
		Errors:      []int{401, 404, 422, 501},
		Security:    withAuth(),
	}, func(ctx context.Context, input *models.StreamKeyInput) (*models.CommandResponse, error) {
		if s.resolver == nil {
			return nil, huma.Error501NotImplemented("command resolution is not configured")
		}
		key := input.Key()
		spec, err := s.resolver.Resolve(ctx, key)
		if err != nil {
			return nil, mapCatalogError(err)
		}
		return &models.CommandResponse{
			Body: models.CommandData{
				Key:     key.String(),
				Path:    spec.Path,
				Args:    spec.Args,
				Command: spec.String(),
			},
		}, nil
	})
}

func (s *Server) checkController(id int) error {
	if s.catalog == nil {
		return nil
	}
	_, err := s.catalog.Current().Controller(id)
	return mapCatalogError(err)
}

func (s *Server) checkCamera(controller, camera int) error {
	if s.catalog == nil {
		return nil
	}
	_, _, err := s.catalog.Current().Camera(controller, camera)
	return mapCatalogError(err)
}

// mapCatalogError maps catalog lookups to HTTP errors
func mapCatalogError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, config.ErrControllerNotFound), errors.Is(err, config.ErrCameraNotFound):
		return huma.Error404NotFound(err.Error(), err)
	default:
		return huma.Error500InternalServerError("internal server error", err)
	}
}

func streamToAPI(info stream.StreamInfo) models.StreamData {
	return models.StreamData{
		Key:           info.Key.String(),
		Controller:    info.Key.Controller,
		Camera:        info.Key.Camera,
		Quality:       info.Key.Quality.String(),
		Instance:      info.Instance,
		PID:           info.PID,
		Running:       info.Running,
		Streaming:     info.Streaming,
		Reconfiguring: info.Reconfiguring,
		Frames:        info.Frames,
		Discarded:     info.Discarded,
		Buffered:      info.Buffered,
		Subscribed:    info.Subscribed,
		CreatedAt:     info.CreatedAt,
		StartedAt:     info.StartedAt,
	}
}

func controllerToAPI(c *config.Controller) models.ControllerData {
	data := models.ControllerData{
		ID:       c.ID,
		Name:     c.Name,
		Profiles: make([]models.ProfileData, 0, len(stream.Qualities)),
		Cameras:  make([]models.CameraData, 0, len(c.Cameras)),
	}
	for _, q := range stream.Qualities {
		p := c.Profile(q)
		data.Profiles = append(data.Profiles, models.ProfileData{
			Quality: q.String(),
			Codec:   p.Codec,
			FPS:     p.FPS,
			Width:   p.Width,
			Height:  p.Height,
			Bitrate: p.Bitrate,
		})
	}
	for _, cam := range c.Cameras {
		data.Cameras = append(data.Cameras, models.CameraData{
			ID:     cam.ID,
			Name:   cam.Name,
			HasSub: cam.SubURL != "",
		})
	}
	return data
}
