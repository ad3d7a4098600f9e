package downloader

import "errors"

// ErrTransport classifies an HTTP open/read failure while fetching a
// segment body, or a malformed nested-playlist response.
var ErrTransport = errors.New("segment downloader: transport error")
