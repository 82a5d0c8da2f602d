package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seantiz/anvil/internal/actions"
)

// Options configures the default host methods.
type Options struct {
	Logger *slog.Logger

	// HTTPAllowHosts lists the hosts http.* may reach. An entry starting with
	// "." also matches every subdomain. Empty denies all requests.
	HTTPAllowHosts []string
	HTTPTimeout    time.Duration
}

// NewDefaultRegistry returns a registry with every builtin method registered.
func NewDefaultRegistry(opts Options) (*Registry, error) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, opts); err != nil {
		return nil, err
	}
	return r, nil
}

// RegisterBuiltins registers the default implementation of every method.
func RegisterBuiltins(r *Registry, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := Register(r, actions.UnitModelCreate, createUnitModel); err != nil {
		return err
	}

	for _, spec := range actions.All() {
		if level, ok := actions.LogLevel(spec.Method); ok {
			if err := Register(r, spec.Method, scriptLogger(logger, level)); err != nil {
				return err
			}
		}
	}

	hc := newHTTPCaller(opts.HTTPAllowHosts, opts.HTTPTimeout)
	for _, spec := range actions.All() {
		if verb, ok := actions.HTTPVerb(spec.Method); ok {
			if err := Register(r, spec.Method, hc.handler(verb)); err != nil {
				return err
			}
		}
	}
	return nil
}

func createUnitModel(_ context.Context, _ actions.UnitModel) (actions.UnitModelCreated, error) {
	return actions.UnitModelCreated{
		ID:     "um_" + ulid.Make().String(),
		Status: "created",
	}, nil
}

// slogLevels maps script log levels onto slog. audit and emergency keep their
// name in the script_level attribute.
var slogLevels = map[string]slog.Level{
	"debug":     slog.LevelDebug,
	"info":      slog.LevelInfo,
	"warn":      slog.LevelWarn,
	"error":     slog.LevelError,
	"audit":     slog.LevelInfo,
	"emergency": slog.LevelError,
}

func scriptLogger(logger *slog.Logger, level string) func(context.Context, actions.LogEntry) (struct{}, error) {
	return func(ctx context.Context, e actions.LogEntry) (struct{}, error) {
		line := formatLogLine(e)

		args := append([]any{"script_level", level}, logAttrs(ctx)...)
		logger.Log(ctx, slogLevels[level], line, args...)

		if sink := LogSinkFrom(ctx); sink != nil {
			sink(level, line)
		}
		return struct{}{}, nil
	}
}

// formatLogLine renders the message, followed by the context as JSON when set.
func formatLogLine(e actions.LogEntry) string {
	var line string
	switch m := e.Message.(type) {
	case string:
		line = m
	case nil:
		line = ""
	default:
		b, err := json.Marshal(m)
		if err != nil {
			line = fmt.Sprint(m)
		} else {
			line = string(b)
		}
	}

	if len(e.Context) > 0 {
		if b, err := json.Marshal(e.Context); err == nil {
			line += " " + string(b)
		}
	}
	return line
}
