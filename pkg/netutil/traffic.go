package netutil

import (
	"context"
	"fmt"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/lanscout/lanscout/pkg/engine"
)

// CounterSampler gathers per-interface counter deltas at a fixed interval.
// Its samples carry no destination, so they feed interface-level rate
// heuristics rather than per-destination ones; operators who want
// destination analysis supply recorded samples instead.
type CounterSampler struct {
	Interval time.Duration // delay between readings; default 1s
	Rounds   int           // number of delta readings; default 5
}

// Collect takes Rounds+1 counter readings and converts each consecutive pair
// into one sample per interface that moved outbound traffic. On cancellation
// it returns the samples gathered so far together with the context error so
// the caller can decide whether a shortened window is still worth analyzing.
func (s CounterSampler) Collect(ctx context.Context) ([]engine.TrafficSample, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	rounds := s.Rounds
	if rounds <= 0 {
		rounds = 5
	}

	prev, err := gnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("reading interface counters: %w", err)
	}

	var samples []engine.TrafficSample
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < rounds; i++ {
		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case <-ticker.C:
		}
		cur, err := gnet.IOCountersWithContext(ctx, true)
		if err != nil {
			return samples, fmt.Errorf("reading interface counters: %w", err)
		}
		samples = append(samples, counterDeltas(prev, cur, time.Now())...)
		prev = cur
	}
	return samples, nil
}

// counterDeltas diffs two consecutive readings. Loopback interfaces, idle
// interfaces, and counter resets (current below previous) produce no sample.
func counterDeltas(prev, cur []gnet.IOCountersStat, at time.Time) []engine.TrafficSample {
	prevByName := make(map[string]gnet.IOCountersStat, len(prev))
	for _, c := range prev {
		prevByName[c.Name] = c
	}

	var samples []engine.TrafficSample
	for _, c := range cur {
		if isLoopbackName(c.Name) {
			continue
		}
		p, ok := prevByName[c.Name]
		if !ok || c.BytesSent < p.BytesSent || c.PacketsSent < p.PacketsSent {
			continue
		}
		bytesDelta := c.BytesSent - p.BytesSent
		packetsDelta := c.PacketsSent - p.PacketsSent
		if bytesDelta == 0 && packetsDelta == 0 {
			continue
		}
		samples = append(samples, engine.TrafficSample{
			Timestamp: at,
			Interface: c.Name,
			Bytes:     bytesDelta,
			Packets:   packetsDelta,
		})
	}
	return samples
}

func isLoopbackName(name string) bool {
	return name == "lo" || name == "lo0"
}
