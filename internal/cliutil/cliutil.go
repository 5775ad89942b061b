// Package cliutil holds flag and logging setup shared by the binaries.
package cliutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes the environment variables read by SetFlagsFromEnvVars.
const EnvPrefix = "RELAY_"

// SetFlagsFromEnvVars sets every flag of cmd that was not given on the command
// line from the matching environment variable, e.g. --relay-host from
// RELAY_RELAY_HOST.
func SetFlagsFromEnvVars(cmd *cobra.Command, logger *slog.Logger) {
	for _, flags := range []*pflag.FlagSet{cmd.PersistentFlags(), cmd.Flags()} {
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				return
			}
			envName := FlagNameToEnvVar(f.Name)
			value, present := os.LookupEnv(envName)
			if !present {
				return
			}
			if err := flags.Set(f.Name, value); err != nil {
				logger.Info(fmt.Sprintf("unable to configure flag %s using variable %s", f.Name, envName), "error", err)
			}
		})
	}
}

// FlagNameToEnvVar converts a flag name to its environment variable, replacing
// dashes by underscores and upper-casing it.
func FlagNameToEnvVar(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// NewLogger returns a text logger whose source attribute is shortened to
// file:line (function).
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: level <= slog.LevelDebug,
		Level:     level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					a.Value = slog.StringValue(fmt.Sprintf("%s:%d (%s)", filepath.Base(src.File), src.Line, src.Function))
				}
			}
			return a
		},
	})
	return slog.New(handler)
}
