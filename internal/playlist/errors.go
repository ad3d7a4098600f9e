package playlist

import "errors"

// ErrMalformedPlaylist classifies a playlist missing a required tag or
// carrying an unparsable numeric field.
var ErrMalformedPlaylist = errors.New("malformed playlist")

// ErrTransport classifies an HTTP open/read failure while fetching a
// playlist.
var ErrTransport = errors.New("playlist transport error")
