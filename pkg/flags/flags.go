package flags

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// LogOptions holds the logging flags common to all commands.
type LogOptions struct {
	Level  string
	Format string
}

// AddLogFlags adds the log-level and log-format flags to fs.
func AddLogFlags(fs *pflag.FlagSet) *LogOptions {
	opts := &LogOptions{}
	levels := make([]string, len(log.AllLevels))
	for i, l := range log.AllLevels {
		levels[i] = l.String()
	}
	fs.StringVar(&opts.Level, "log-level", log.InfoLevel.String(),
		fmt.Sprintf("log level, must be one of: %s", strings.Join(levels, ", ")))
	fs.StringVar(&opts.Format, "log-format", "plain",
		"log format, must be one of: plain, json")
	return opts
}

// Configure applies the options to the standard logger.
func (o *LogOptions) Configure() error {
	level, err := log.ParseLevel(o.Level)
	if err != nil {
		return fmt.Errorf("invalid log-level: %s", o.Level)
	}
	formatter, err := getFormatter(o.Format)
	if err != nil {
		return err
	}

	log.SetLevel(level)
	log.SetFormatter(formatter)
	return nil
}

func getFormatter(format string) (log.Formatter, error) {
	switch format {
	case "json":
		return &log.JSONFormatter{}, nil
	case "plain", "":
		return &log.TextFormatter{FullTimestamp: true}, nil
	default:
		return nil, fmt.Errorf("invalid log-format: %s", format)
	}
}
