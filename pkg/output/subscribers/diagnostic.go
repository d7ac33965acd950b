// Copyright 2025 Lanscout Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package subscribers

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/lanscout/lanscout/pkg/output"
)

// DiagnosticSubscriber renders diagnostic events to a writer, normally
// stderr so they never mix with machine-readable stdout. The configured
// level gates visibility: -v shows verbose, -vv debug, -vvv trace.
type DiagnosticSubscriber struct {
	maxLevel output.OutputLevel
	writer   io.Writer
}

// NewDiagnosticSubscriber creates a subscriber showing diagnostic events up
// to and including maxLevel.
func NewDiagnosticSubscriber(maxLevel output.OutputLevel, writer io.Writer) *DiagnosticSubscriber {
	return &DiagnosticSubscriber{
		maxLevel: maxLevel,
		writer:   writer,
	}
}

// Name returns the subscriber identifier.
func (s *DiagnosticSubscriber) Name() string {
	return "diagnostic-subscriber"
}

// ShouldHandle accepts only diagnostic events at or below the configured level.
func (s *DiagnosticSubscriber) ShouldHandle(event output.OutputEvent) bool {
	return event.Type == output.EventDiag && event.Level <= s.maxLevel
}

// Handle renders one diagnostic line: level tag, wall-clock time, message,
// then metadata as key:value pairs in sorted key order.
func (s *DiagnosticSubscriber) Handle(event output.OutputEvent) {
	var b strings.Builder
	b.WriteString(levelTag(event.Level))
	b.WriteString(" ")
	b.WriteString(event.Timestamp.Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(event.Message)

	if len(event.Metadata) > 0 {
		keys := make([]string, 0, len(event.Metadata))
		for key := range event.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, " %s:%v", key, event.Metadata[key])
		}
	}

	_, _ = fmt.Fprintln(s.writer, b.String())
}

func levelTag(level output.OutputLevel) string {
	switch level {
	case output.LevelVerbose:
		return "[VERBOSE]"
	case output.LevelDebug:
		return "[DEBUG]"
	case output.LevelTrace:
		return "[TRACE]"
	default:
		return "[DIAG]"
	}
}
