package config

import "errors"

// ErrInvalidConfig indicates a config file parsed but failed validation.
var ErrInvalidConfig = errors.New("config: invalid")
