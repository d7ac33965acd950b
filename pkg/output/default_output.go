// Copyright 2025 Lanscout Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package output

import "time"

// DefaultOutput is the standard implementation of the Output interface.
// It converts method calls into OutputEvent structs and emits them to the stream.
type DefaultOutput struct {
	stream *OutputEventStream
}

// NewDefaultOutput creates a new DefaultOutput that emits events to the given stream.
func NewDefaultOutput(stream *OutputEventStream) *DefaultOutput {
	return &DefaultOutput{
		stream: stream,
	}
}

// Info emits a general information message (always visible).
func (o *DefaultOutput) Info(message string) {
	o.emit(EventInfo, LevelNormal, message, nil, nil)
}

// Error emits an error message.
func (o *DefaultOutput) Error(err error) {
	o.emit(EventError, LevelNormal, err.Error(), nil, nil)
}

// Warning emits a warning message.
func (o *DefaultOutput) Warning(message string) {
	o.emit(EventWarning, LevelNormal, message, nil, nil)
}

// Table emits tabular data with headers and rows.
func (o *DefaultOutput) Table(headers []string, rows [][]string) {
	o.emit(EventTable, LevelNormal, "", map[string]any{
		"headers": headers,
		"rows":    rows,
	}, nil)
}

// Progress emits a progress update.
func (o *DefaultOutput) Progress(current, total int, message string) {
	o.emit(EventProgress, LevelNormal, message, map[string]any{
		"current": current,
		"total":   total,
	}, nil)
}

// Diag emits diagnostic information (only visible with -v/-vv/-vvv).
func (o *DefaultOutput) Diag(level OutputLevel, message string, metadata map[string]any) {
	o.emit(EventDiag, level, message, nil, metadata)
}

func (o *DefaultOutput) emit(t OutputEventType, level OutputLevel, message string, data any, metadata map[string]any) {
	o.stream.Emit(OutputEvent{
		Type:      t,
		Level:     level,
		Message:   message,
		Data:      data,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
}
