// Soak test runner for long-duration send-side congestion control testing.
//
// This tool drives the full send-side stack - paced sender, simulated link,
// feedback recorder and congestion controller - and monitors it for memory
// leaks, sequence-wraparound failures and estimate anomalies over extended
// periods (up to 24 hours or more).
//
// Usage:
//
//	go run ./cmd/soak -duration 24h
//	go run ./cmd/soak -duration 1h  # shorter test
//
// Exposes pprof endpoint at :6060 for live profiling:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
//	go tool pprof heap.pprof
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	_ "net/http/pprof" // Enable pprof endpoints
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/thesyncim/gcc/pkg/gcc"
	"github.com/thesyncim/gcc/pkg/gcc/pacer"
	"github.com/thesyncim/gcc/pkg/gcc/twcc"
)

const (
	packetSize            = 1200 // bytes
	packetIntervalMs      = 10   // 100 pps nominal media
	linkCapacity          = 2 * gcc.MegabitPerSecond
	oneWayDelay           = 30 * time.Millisecond
	statusIntervalMinutes = 5
)

// SoakResult contains the results of a soak test run.
type SoakResult struct {
	Duration         time.Duration
	TotalPackets     int
	FinalTarget      gcc.DataRate
	PeakHeapMB       float64
	TotalGCCycles    uint32
	SuspiciousEvents int
	Status           string
}

// simulatedLink is the pacer transport: released packets are serialized at
// the link capacity, arrive after a fixed one-way delay, and are recorded
// for feedback generation.
type simulatedLink struct {
	recorder  *twcc.Recorder
	adapter   *gcc.TransportFeedbackAdapter
	nextSeq   uint16
	busyUntil time.Time
}

func (l *simulatedLink) deliver(size gcc.DataSize, now time.Time) {
	seq := l.nextSeq
	l.nextSeq++

	l.adapter.AddPacket(gcc.SentPacket{
		TransportSeq: int64(seq),
		SSRC:         0x12345678,
		Size:         size,
		Info:         gcc.PacedInfo{ProbeClusterID: gcc.NoProbeCluster},
	}, now)
	l.adapter.OnSentPacket(seq, now)

	// Serialize over the link, then propagate.
	serialization := time.Duration(float64(size.Bits()) / float64(linkCapacity) * float64(time.Second))
	departure := now
	if l.busyUntil.After(now) {
		departure = l.busyUntil
	}
	l.busyUntil = departure.Add(serialization)
	arrival := l.busyUntil.Add(oneWayDelay)

	l.recorder.Record(0x12345678, seq, arrival.UnixMicro())
}

func (l *simulatedLink) SendPacket(pkt *pacer.Packet, _ gcc.PacedInfo) bool {
	l.deliver(pkt.Size, time.Now())
	return true
}

func (l *simulatedLink) SendPadding(bytes gcc.DataSize, _ gcc.PacedInfo) gcc.DataSize {
	l.deliver(bytes, time.Now())
	return bytes
}

func main() {
	duration := flag.Duration("duration", 24*time.Hour, "Test duration (e.g., 1h, 24h)")
	pprofPort := flag.Int("pprof-port", 6060, "Port for pprof HTTP server")
	flag.Parse()

	fmt.Printf("GCC Soak Test Runner\n")
	fmt.Printf("====================\n")
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Pprof:    http://localhost:%d/debug/pprof/\n", *pprofPort)
	fmt.Printf("\n")

	go func() {
		addr := fmt.Sprintf(":%d", *pprofPort)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("Warning: pprof server failed: %v\n", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived %v, shutting down gracefully...\n", sig)
		cancel()
	}()

	result := runSoakTest(ctx, *duration)
	printSummary(result)

	if result.Status == "PASS" {
		os.Exit(0)
	}
	os.Exit(1)
}

func runSoakTest(ctx context.Context, duration time.Duration) SoakResult {
	controller := gcc.NewSendSideController(gcc.DefaultControllerConfig())
	adapter := gcc.NewTransportFeedbackAdapter(gcc.DefaultFeedbackAdapterConfig())
	link := &simulatedLink{
		recorder: twcc.NewRecorder(twcc.RecorderConfig{SenderSSRC: 1}),
		adapter:  adapter,
	}
	sender := pacer.NewPacedSender(pacer.DefaultConfig(), link, 750*gcc.KilobitPerSecond)

	controller.OnPacingRates(func(pacing, padding gcc.DataRate) {
		sender.SetPacingRates(pacing, padding)
	})

	result := SoakResult{Status: "PASS"}
	var memStats runtime.MemStats
	var seq uint16

	startTime := time.Now()
	lastStatusTime := startTime
	statusInterval := time.Duration(statusIntervalMinutes) * time.Minute

	ticker := time.NewTicker(packetIntervalMs * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("[%s] Starting soak test...\n", formatDuration(0))

	for {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(startTime)
			return result

		case now := <-ticker.C:
			elapsed := now.Sub(startTime)
			if elapsed >= duration {
				result.Duration = elapsed
				return result
			}

			// Produce one media packet and run a pacer tick.
			sender.InsertPacket(&pacer.Packet{
				Priority: pacer.PriorityNormal,
				SSRC:     0x12345678,
				SeqNum:   seq,
				Size:     packetSize,
			})
			seq++
			sender.Process()
			result.TotalPackets++

			// Feedback path: the receiver reports on schedule.
			if link.recorder.ShouldSend(now) {
				for _, pkt := range link.recorder.BuildFeedback(now) {
					raw, err := pkt.Marshal()
					if err != nil {
						continue
					}
					fbs, err := twcc.ParseRTCP(raw)
					if err != nil {
						continue
					}
					for _, fb := range fbs {
						results := adapter.ProcessFeedback(fb, now)
						controller.OnTransportFeedback(results, now)
					}
				}
				sender.UpdateOutstandingData(adapter.OutstandingData())
			}

			target := controller.TargetRate()
			result.FinalTarget = target

			if math.IsNaN(float64(target)) || math.IsInf(float64(target), 0) {
				fmt.Printf("[%s] ERROR: bogus target detected: %v\n", formatDuration(elapsed), target)
				result.SuspiciousEvents++
				result.Status = "FAIL"
			}
			if target < 0 {
				fmt.Printf("[%s] WARNING: negative target: %v\n", formatDuration(elapsed), target)
				result.SuspiciousEvents++
			}

			if now.Sub(lastStatusTime) >= statusInterval {
				lastStatusTime = now
				runtime.ReadMemStats(&memStats)

				heapMB := float64(memStats.HeapAlloc) / (1024 * 1024)
				if heapMB > result.PeakHeapMB {
					result.PeakHeapMB = heapMB
				}
				result.TotalGCCycles = memStats.NumGC

				fmt.Printf("[%s] Packets: %d, Target: %v, Sent: %d bytes, HeapAlloc: %.2f MB, NumGC: %d\n",
					formatDuration(elapsed),
					result.TotalPackets,
					target,
					sender.SentBytes(),
					heapMB,
					memStats.NumGC)

				// Memory limit check (100 MB)
				if heapMB > 100 {
					fmt.Printf("[%s] ERROR: Memory limit exceeded: %.2f MB\n", formatDuration(elapsed), heapMB)
					result.Status = "FAIL"
				}
			}
		}
	}
}

func printSummary(result SoakResult) {
	fmt.Printf("\n")
	fmt.Printf("Soak Test Summary\n")
	fmt.Printf("=================\n")
	fmt.Printf("Status:            %s\n", result.Status)
	fmt.Printf("Duration:          %v\n", result.Duration)
	fmt.Printf("Total packets:     %d\n", result.TotalPackets)
	fmt.Printf("Final target:      %v\n", result.FinalTarget)
	fmt.Printf("Peak heap:         %.2f MB\n", result.PeakHeapMB)
	fmt.Printf("GC cycles:         %d\n", result.TotalGCCycles)
	fmt.Printf("Suspicious events: %d\n", result.SuspiciousEvents)
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
