// Copyright 2025 Lanscout Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package subscribers

import (
	"encoding/json"
	"io"
	"time"

	"github.com/lanscout/lanscout/pkg/output"
)

// JSONFormatter emits structured output as JSON Lines, one object per line,
// for piping scan results into other tools.
type JSONFormatter struct {
	encoder *json.Encoder
}

// jsonLine is the wire shape of one emitted event.
type jsonLine struct {
	Type      output.OutputEventType `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	Data      any                    `json:"data,omitempty"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// NewJSONFormatter creates a new JSONFormatter subscriber.
func NewJSONFormatter(writer io.Writer) *JSONFormatter {
	// No indentation; compact JSON Lines
	return &JSONFormatter{
		encoder: json.NewEncoder(writer),
	}
}

// Name returns the subscriber identifier.
func (s *JSONFormatter) Name() string {
	return "json-formatter"
}

// ShouldHandle decides if this subscriber cares about the event.
// JSONFormatter handles everything EXCEPT diagnostic events.
func (s *JSONFormatter) ShouldHandle(event output.OutputEvent) bool {
	// Diagnostic events are handled by DiagnosticSubscriber
	return event.Type != output.EventDiag
}

// Handle processes an output event and renders it as one JSON line.
func (s *JSONFormatter) Handle(event output.OutputEvent) {
	line := jsonLine{
		Type:      event.Type,
		Timestamp: event.Timestamp.Format(time.RFC3339),
		Message:   event.Message,
		Data:      event.Data,
	}
	if len(event.Metadata) > 0 {
		line.Metadata = event.Metadata
	}

	// Subscribers cannot propagate errors; drop the event on encoding
	// failures such as a broken pipe.
	if err := s.encoder.Encode(line); err != nil {
		return
	}
}
