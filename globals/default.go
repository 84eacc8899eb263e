package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "lightspeed-rooms",
	Level: hclog.LevelFromString("DEBUG"),
})

// Logger returns a named sub-logger of AppLogger, or l itself if it is set.
func Logger(l hclog.Logger, name string) hclog.Logger {
	if l != nil {
		return l
	}
	return AppLogger.Named(name)
}
