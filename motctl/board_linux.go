//go:build linux

package main

import (
	"github.com/itohio/gomsc/pkg/hal/gpio"
)

func openBoard(chipName string) (board, error) {
	return gpio.Open(chipName)
}
