//go:build !linux

package main

import (
	"errors"
	"log/slog"

	"github.com/tuzkov/habitCam/device"
)

func newWebcamSource(log *slog.Logger, cfg device.WebcamConfig) (device.Source, error) {
	return nil, errors.New("webcam source requires linux")
}
