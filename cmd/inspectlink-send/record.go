package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/inspectlink/inspectlink/client"
)

type recordFlags struct {
	kind        string
	level       string
	tag         string
	message     string
	destination string
	data        map[string]string
}

// sender validates the flags and returns the call that enqueues it.
func (s recordFlags) sender() (func(*client.Client), error) {
	data := make(map[string]any, len(s.data))
	for k, v := range s.data {
		data[k] = v
	}

	switch strings.ToLower(strings.TrimSpace(s.kind)) {
	case "", "log":
		level, err := parseLevel(s.level)
		if err != nil {
			return nil, err
		}
		return func(c *client.Client) { c.LogGenericLog(level, s.tag, s.message, data) }, nil
	case "analytics":
		return func(c *client.Client) { c.LogAnalyticsEvent(s.destination, s.message, data) }, nil
	case "exception":
		return func(c *client.Client) { c.LogException(errors.New(s.message)) }, nil
	case "crash":
		return func(c *client.Client) { c.LogCrashReport(errors.New(s.message)) }, nil
	default:
		return nil, fmt.Errorf("unknown record kind: %q", s.kind)
	}
}

func parseLevel(raw string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "v", "verbose":
		return client.LogVerbose, nil
	case "d", "debug":
		return client.LogDebug, nil
	case "", "i", "info":
		return client.LogInfo, nil
	case "w", "warn", "warning":
		return client.LogWarn, nil
	case "e", "error":
		return client.LogError, nil
	case "a", "assert":
		return client.LogAssert, nil
	default:
		return 0, fmt.Errorf("unknown log level: %q", raw)
	}
}
