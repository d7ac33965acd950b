package fingerprint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

// ClassificationStats represents aggregated statistics from a classification
// telemetry file.
type ClassificationStats struct {
	// Overall statistics
	TotalEvents int     `json:"total_events"`
	Matched     int     `json:"matched"`
	Unknown     int     `json:"unknown"`
	MatchRate   float64 `json:"match_rate"`

	// Per device type breakdown
	DeviceTypes map[string]*DeviceTypeStat `json:"device_types"`

	// Most frequently firing rules
	TopRules []RuleCount `json:"top_rules"`

	// Risk level distribution, e.g. "baseline" -> 12
	RiskLevels map[string]int `json:"risk_levels"`

	// Risk score distribution across all events
	RiskStats RiskStat `json:"risk_stats"`

	// Time range
	StartTime time.Time `json:"start_time,omitzero"`
	EndTime   time.Time `json:"end_time,omitzero"`
}

// DeviceTypeStat represents statistics for a specific device type.
type DeviceTypeStat struct {
	TotalEvents int     `json:"total_events"`
	AvgRisk     float64 `json:"avg_risk"`

	riskSum int
}

// RuleCount represents a rule and how often it fired.
type RuleCount struct {
	RuleID string `json:"rule_id"`
	Vendor string `json:"vendor,omitempty"`
	Count  int    `json:"count"`
}

// RiskStat represents risk score distribution.
type RiskStat struct {
	Min     int     `json:"min"`
	Max     int     `json:"max"`
	Average float64 `json:"average"`
	Median  float64 `json:"median"`
}

// StatsFilter provides filtering options for telemetry analysis.
type StatsFilter struct {
	DeviceType string     // Filter by device type (e.g., "IP Camera")
	Since      *time.Time // Start time filter
	Until      *time.Time // End time filter
	TopN       int        // Number of top rules to include (default: 10)
}

// AnalyzeTelemetry reads a JSONL classification telemetry file and computes
// aggregate statistics.
func AnalyzeTelemetry(filePath string, filter *StatsFilter) (*ClassificationStats, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	defer func() { _ = file.Close() }()

	stats := &ClassificationStats{
		DeviceTypes: make(map[string]*DeviceTypeStat),
		RiskLevels:  make(map[string]int),
	}

	if filter == nil {
		filter = &StatsFilter{TopN: 10}
	}
	if filter.TopN == 0 {
		filter.TopN = 10
	}

	ruleCounts := make(map[string]*RuleCount)
	var riskScores []int

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var event ClassificationEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", lineNum, err)
		}

		if filter.DeviceType != "" && event.DeviceType != filter.DeviceType {
			continue
		}
		if filter.Since != nil && event.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && event.Timestamp.After(*filter.Until) {
			continue
		}

		if stats.StartTime.IsZero() || event.Timestamp.Before(stats.StartTime) {
			stats.StartTime = event.Timestamp
		}
		if stats.EndTime.IsZero() || event.Timestamp.After(stats.EndTime) {
			stats.EndTime = event.Timestamp
		}

		stats.TotalEvents++
		switch event.MatchType {
		case MatchTypeMatch:
			stats.Matched++
			if event.RuleID != "" {
				if rc, exists := ruleCounts[event.RuleID]; exists {
					rc.Count++
				} else {
					ruleCounts[event.RuleID] = &RuleCount{
						RuleID: event.RuleID,
						Vendor: event.Vendor,
						Count:  1,
					}
				}
			}
		case MatchTypeUnknown:
			stats.Unknown++
		}

		riskScores = append(riskScores, event.RiskScore)
		if event.RiskLevel != "" {
			stats.RiskLevels[event.RiskLevel]++
		}

		typeStat, exists := stats.DeviceTypes[event.DeviceType]
		if !exists {
			typeStat = &DeviceTypeStat{}
			stats.DeviceTypes[event.DeviceType] = typeStat
		}
		typeStat.TotalEvents++
		typeStat.riskSum += event.RiskScore
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading telemetry file: %w", err)
	}

	if stats.TotalEvents > 0 {
		stats.MatchRate = float64(stats.Matched) / float64(stats.TotalEvents)
	}

	for _, typeStat := range stats.DeviceTypes {
		if typeStat.TotalEvents > 0 {
			typeStat.AvgRisk = float64(typeStat.riskSum) / float64(typeStat.TotalEvents)
		}
	}

	if len(riskScores) > 0 {
		sort.Ints(riskScores)
		stats.RiskStats.Min = riskScores[0]
		stats.RiskStats.Max = riskScores[len(riskScores)-1]

		sum := 0
		for _, score := range riskScores {
			sum += score
		}
		stats.RiskStats.Average = float64(sum) / float64(len(riskScores))

		mid := len(riskScores) / 2
		if len(riskScores)%2 == 0 {
			stats.RiskStats.Median = float64(riskScores[mid-1]+riskScores[mid]) / 2
		} else {
			stats.RiskStats.Median = float64(riskScores[mid])
		}
	}

	// Sort and limit top rules; ties break on rule id for deterministic output.
	ruleList := make([]RuleCount, 0, len(ruleCounts))
	for _, rc := range ruleCounts {
		ruleList = append(ruleList, *rc)
	}
	sort.Slice(ruleList, func(i, j int) bool {
		if ruleList[i].Count != ruleList[j].Count {
			return ruleList[i].Count > ruleList[j].Count
		}
		return ruleList[i].RuleID < ruleList[j].RuleID
	})
	if len(ruleList) > filter.TopN {
		ruleList = ruleList[:filter.TopN]
	}
	stats.TopRules = ruleList

	return stats, nil
}
