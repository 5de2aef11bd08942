package main

import (
	"log/slog"

	"github.com/tuzkov/habitCam/device"
)

func newWebcamSource(log *slog.Logger, cfg device.WebcamConfig) (device.Source, error) {
	return device.NewWebcamSource(log, cfg), nil
}
