package log

import (
	"fmt"

	"github.com/spf13/pflag"
)

type Config struct {
	// Level is the minimum record level to log. Either 'debug', 'info', 'warn'
	// or 'error'.
	Level string `json:"level" yaml:"level"`

	// Subsystems enables debug logging on log records whose 'subsystem'
	// matches one of the given values (overrides `Level`).
	Subsystems []string `json:"subsystems" yaml:"subsystems"`

	// Output is where logs are written. Either 'stderr', 'stdout' or a file
	// path.
	Output string `json:"output" yaml:"output"`
}

func (c *Config) Validate() error {
	if c.Level == "" {
		return fmt.Errorf("missing level")
	}
	if _, err := zapLevelFromString(c.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Level,
		"log.level",
		c.Level,
		`
Minimum log level to output.

The available levels are 'debug', 'info', 'warn' and 'error'.`,
	)
	fs.StringSliceVar(
		&c.Subsystems,
		"log.subsystems",
		c.Subsystems,
		`
Each log has a 'subsystem' field where the log occured.

'--log.subsystems' enables all log levels for those given subsystems. This
can be useful to debug a particular subsystem without having to enable all
debug logs.

Such as you can enable 'validator' logs with '--log.subsystems validator' to
see every rejected message.`,
	)
	fs.StringVar(
		&c.Output,
		"log.output",
		c.Output,
		`
Where to write logs. Either 'stderr', 'stdout' or a file path.`,
	)
}

// AccessLogConfig configures logging requests to the admin server.
type AccessLogConfig struct {
	// Enabled logs every request at 'info' level. Otherwise requests are
	// logged at 'debug' level, except server errors which are always logged.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

func (c *AccessLogConfig) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	fs.BoolVar(
		&c.Enabled,
		prefix+".access-log",
		c.Enabled,
		`
Whether to log every admin request at 'info' level.`,
	)
}
