package fingerprint

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTelemetryWriter(t *testing.T) {
	t.Run("disabled when empty path", func(t *testing.T) {
		writer, err := NewTelemetryWriter("")
		require.NoError(t, err)
		require.NotNil(t, writer)
		require.False(t, writer.IsEnabled())
	})

	t.Run("creates file successfully", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "telemetry-*.jsonl")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		writer, err := NewTelemetryWriter(tmpFile.Name())
		require.NoError(t, err)
		require.NotNil(t, writer)
		require.True(t, writer.IsEnabled())

		err = writer.Close()
		require.NoError(t, err)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		writer, err := NewTelemetryWriter("/nonexistent/directory/telemetry.jsonl")
		require.Error(t, err)
		require.Nil(t, writer)
	})
}

func TestTelemetryWriter_Write(t *testing.T) {
	t.Run("writes event to file", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "telemetry-*.jsonl")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		writer, err := NewTelemetryWriter(tmpFile.Name())
		require.NoError(t, err)
		defer writer.Close()

		event := ClassificationEvent{
			Timestamp:      time.Now(),
			RunID:          "run-1",
			Address:        "192.168.1.10",
			OpenPorts:      []int{80, 554},
			DeviceType:     "DVR/NVR",
			Vendor:         "Dahua",
			RuleID:         "dvr.dahua.dvr4104he-s",
			RiskScore:      65,
			RiskLevel:      "high",
			MatchType:      MatchTypeMatch,
			CatalogSource:  "builtin",
			CatalogVersion: "2025.08.1",
		}

		err = writer.Write(event)
		require.NoError(t, err)

		// Read back and verify
		data, err := os.ReadFile(tmpFile.Name())
		require.NoError(t, err)

		var readEvent ClassificationEvent
		err = json.Unmarshal(data, &readEvent)
		require.NoError(t, err)

		require.Equal(t, event.Address, readEvent.Address)
		require.Equal(t, event.OpenPorts, readEvent.OpenPorts)
		require.Equal(t, event.DeviceType, readEvent.DeviceType)
		require.Equal(t, event.RiskScore, readEvent.RiskScore)
		require.Equal(t, event.MatchType, readEvent.MatchType)
	})

	t.Run("skips write when disabled", func(t *testing.T) {
		writer, err := NewTelemetryWriter("")
		require.NoError(t, err)
		require.False(t, writer.IsEnabled())

		event := ClassificationEvent{
			Timestamp:  time.Now(),
			Address:    "192.168.1.10",
			DeviceType: "IP Camera",
		}

		err = writer.Write(event)
		require.NoError(t, err) // Should not error
	})

	t.Run("writes multiple events", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "telemetry-*.jsonl")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		writer, err := NewTelemetryWriter(tmpFile.Name())
		require.NoError(t, err)
		defer writer.Close()

		// Write multiple events
		for i := 0; i < 5; i++ {
			event := ClassificationEvent{
				Timestamp:  time.Now(),
				Address:    "192.168.1.10",
				OpenPorts:  []int{80 + i},
				DeviceType: "IP Camera",
				MatchType:  MatchTypeMatch,
			}
			err = writer.Write(event)
			require.NoError(t, err)
		}

		// Read back and count lines
		file, err := os.Open(tmpFile.Name())
		require.NoError(t, err)
		defer file.Close()

		lines := 0
		decoder := json.NewDecoder(file)
		for decoder.More() {
			var event ClassificationEvent
			err := decoder.Decode(&event)
			require.NoError(t, err)
			lines++
		}

		require.Equal(t, 5, lines)
	})
}

func TestTelemetryWriter_WriteClassification(t *testing.T) {
	t.Run("matched verdict", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "telemetry-*.jsonl")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		writer, err := NewTelemetryWriter(tmpFile.Name())
		require.NoError(t, err)
		defer writer.Close()

		catalog := &Catalog{Source: "builtin", Version: "2025.08.1"}
		verdict := Classification{
			DeviceType: "DVR/NVR",
			RiskScore:  65,
			RuleID:     "dvr.dahua.dvr4104he-s",
			Vendor:     "Dahua",
		}

		err = writer.WriteClassification("run-1", "192.168.1.10", []int{80, 554}, verdict, "high", catalog)
		require.NoError(t, err)

		// Read back and verify
		data, err := os.ReadFile(tmpFile.Name())
		require.NoError(t, err)

		var event ClassificationEvent
		err = json.Unmarshal(data, &event)
		require.NoError(t, err)

		require.Equal(t, "run-1", event.RunID)
		require.Equal(t, "192.168.1.10", event.Address)
		require.Equal(t, []int{80, 554}, event.OpenPorts)
		require.Equal(t, "DVR/NVR", event.DeviceType)
		require.Equal(t, "Dahua", event.Vendor)
		require.Equal(t, "dvr.dahua.dvr4104he-s", event.RuleID)
		require.Equal(t, 65, event.RiskScore)
		require.Equal(t, "high", event.RiskLevel)
		require.Equal(t, MatchTypeMatch, event.MatchType)
		require.Equal(t, "builtin", event.CatalogSource)
		require.Equal(t, "2025.08.1", event.CatalogVersion)
		require.False(t, event.Timestamp.IsZero())
	})

	t.Run("unknown verdict", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "telemetry-*.jsonl")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		writer, err := NewTelemetryWriter(tmpFile.Name())
		require.NoError(t, err)
		defer writer.Close()

		verdict := Classification{DeviceType: DeviceTypeUnknown, RiskScore: 20}

		err = writer.WriteClassification("run-1", "192.168.1.12", []int{80, 8080}, verdict, "elevated", nil)
		require.NoError(t, err)

		data, err := os.ReadFile(tmpFile.Name())
		require.NoError(t, err)

		var event ClassificationEvent
		err = json.Unmarshal(data, &event)
		require.NoError(t, err)

		require.Equal(t, DeviceTypeUnknown, event.DeviceType)
		require.Empty(t, event.RuleID)
		require.Equal(t, MatchTypeUnknown, event.MatchType)
		require.Empty(t, event.CatalogSource)
	})
}

func TestTelemetryWriter_Close(t *testing.T) {
	t.Run("closes file successfully", func(t *testing.T) {
		tmpFile, err := os.CreateTemp("", "telemetry-*.jsonl")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())
		tmpFile.Close()

		writer, err := NewTelemetryWriter(tmpFile.Name())
		require.NoError(t, err)

		err = writer.Close()
		require.NoError(t, err)

		// Verify file is closed by trying to write
		event := ClassificationEvent{
			Timestamp:  time.Now(),
			Address:    "192.168.1.10",
			DeviceType: "IP Camera",
		}
		err = writer.Write(event)
		require.Error(t, err) // Should error because file is closed
	})

	t.Run("safe to close when disabled", func(t *testing.T) {
		writer, err := NewTelemetryWriter("")
		require.NoError(t, err)

		err = writer.Close()
		require.NoError(t, err) // Should not error
	})
}

func TestTelemetryWriter_ThreadSafety(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "telemetry-*.jsonl")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	writer, err := NewTelemetryWriter(tmpFile.Name())
	require.NoError(t, err)
	defer writer.Close()

	// Write events concurrently
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(port int) {
			event := ClassificationEvent{
				Timestamp:  time.Now(),
				Address:    "192.168.1.10",
				OpenPorts:  []int{port},
				DeviceType: "IP Camera",
				MatchType:  MatchTypeMatch,
			}
			err := writer.Write(event)
			require.NoError(t, err)
			done <- true
		}(8000 + i)
	}

	// Wait for all goroutines to complete
	for i := 0; i < 10; i++ {
		<-done
	}

	// Verify all events were written
	file, err := os.Open(tmpFile.Name())
	require.NoError(t, err)
	defer file.Close()

	decoder := json.NewDecoder(file)
	count := 0
	for decoder.More() {
		var event ClassificationEvent
		err := decoder.Decode(&event)
		require.NoError(t, err)
		count++
	}

	require.Equal(t, 10, count)
}
