package main

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/chatmemory/internal/api"
	"github.com/blueberrycongee/chatmemory/internal/config"
)

var errNilConfig = errors.New("config is required")

func buildMux(cfg *config.Config, handler *api.Handler) (*http.ServeMux, error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	var limiter *api.RoomLimiter
	if cfg.Server.RoomLimit.Enabled {
		limiter = api.NewRoomLimiter(cfg.Server.RoomLimit.RequestsPerSecond, cfg.Server.RoomLimit.Burst)
	}

	mux := http.NewServeMux()
	if handler != nil {
		handler.RegisterRoutes(mux, limiter)
	}
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
	return mux, nil
}
