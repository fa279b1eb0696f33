package handlers

import "errors"

var (
	errClientGone           = errors.New("client disconnected")
	errStreamingUnsupported = errors.New("streaming not supported")
)
