package command

import "errors"

// ErrInvalidCommand is returned when a command is unknown, not valid for the
// device's type, or carries a value outside its legal range. The registry
// and the bridge are untouched when it is returned.
var ErrInvalidCommand = errors.New("command: invalid command")
