//go:build !linux

package main

import "errors"

func openBoard(string) (board, error) {
	return nil, errors.New("hardware mode needs linux GPIO support, use --sim")
}
