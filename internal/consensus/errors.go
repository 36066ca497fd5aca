package consensus

import "fmt"

// ConfigError marks the spec's "Configuration" error taxonomy entry: a
// cluster shape the node must refuse to start with rather than run
// unsafely.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func errConfigf(format string, args ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}
