package connectors

import "errors"

// ErrNoStructuredReply is returned when a JSON reply was expected but none was found.
var ErrNoStructuredReply = errors.New("reply contains no JSON object")
