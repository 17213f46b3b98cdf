package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/PeerHub-Engine/network"
	"github.com/VanDung-dev/PeerHub-Engine/node"
	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address     string
	Clients     int
	Duration    time.Duration
	PayloadSize int
	Ordered     bool
	Compression string
	AuthToken   string
	ReportFile  string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	Sent            int64
	Delivered       int64
	Expected        int64
	Lost            int64
	TotalDuration   time.Duration
	SentPerSec      float64
	DeliveredPerSec float64
}

func main() {
	config := parseFlags()
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	fmt.Println("=== PeerHub Broadcast Stress Test ===")
	fmt.Printf("Target: %s\n", config.Address)
	fmt.Printf("Clients: %d\n", config.Clients)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Printf("Payload: %d bytes (ordered=%v, compression=%s)\n", config.PayloadSize, config.Ordered, config.Compression)
	fmt.Println()

	result, err := runStressTest(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Stress test failed")
	}

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Address, "addr", "127.0.0.1:3300", "Hub address")
	flag.IntVar(&config.Clients, "c", 10, "Number of concurrent clients")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.IntVar(&config.PayloadSize, "size", 256, "Payload size in bytes")
	flag.BoolVar(&config.Ordered, "ordered", false, "Mark payloads as ordered")
	flag.StringVar(&config.Compression, "compression", "none", "Frame compression: none, zstd or s2")
	flag.StringVar(&config.AuthToken, "token", "", "Authentication token")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

func runStressTest(config StressTestConfig) (StressTestResult, error) {
	compression, err := wire.ParseCompression(config.Compression)
	if err != nil {
		return StressTestResult{}, err
	}
	wireOpts := wire.DefaultOptions()
	wireOpts.Compression = compression

	var sent, delivered, lost int64

	clients := make([]*network.ClientMessenger, 0, config.Clients)
	defer func() {
		for _, c := range clients {
			c.ShutDown()
		}
	}()

	for i := 0; i < config.Clients; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c, err := network.DialClient(ctx, config.Address, fmt.Sprintf("stress-%d", i),
			network.WithCredential(config.AuthToken),
			network.WithWireOptions(wireOpts),
			network.WithWorkers(2))
		cancel()
		if err != nil {
			return StressTestResult{}, fmt.Errorf("client %d: %w", i, err)
		}
		c.AddMessageListener(network.MessageListenerFunc(func(network.Message) {
			atomic.AddInt64(&delivered, 1)
		}))
		c.AddErrorListener(network.ErrorListenerFunc(func(_ node.Node, _ error, unsent []wire.Payload) {
			atomic.AddInt64(&lost, int64(len(unsent)))
		}))
		clients = append(clients, c)
	}

	payload := wire.Payload{Type: "stress", Data: make([]byte, config.PayloadSize), Ordered: config.Ordered}
	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()

	startTime := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			for ctx.Err() == nil && c.IsConnected() {
				c.Broadcast(payload)
				atomic.AddInt64(&sent, 1)
			}
			c.Flush()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StressTestResult{}, err
	}
	duration := time.Since(startTime)

	// Give in-flight broadcasts a moment to land.
	time.Sleep(time.Second)

	total := atomic.LoadInt64(&sent)
	got := atomic.LoadInt64(&delivered)
	return StressTestResult{
		Sent:            total,
		Delivered:       got,
		Expected:        total * int64(config.Clients-1),
		Lost:            atomic.LoadInt64(&lost),
		TotalDuration:   duration,
		SentPerSec:      float64(total) / duration.Seconds(),
		DeliveredPerSec: float64(got) / duration.Seconds(),
	}, nil
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Sent:            %d\n", result.Sent)
	fmt.Printf("Delivered:       %d of %d expected\n", result.Delivered, result.Expected)
	fmt.Printf("Lost (unsent):   %d\n", result.Lost)
	fmt.Printf("Sent/sec:        %.2f\n", result.SentPerSec)
	fmt.Printf("Delivered/sec:   %.2f\n", result.DeliveredPerSec)
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":      config.Address,
			"clients":      config.Clients,
			"duration":     config.Duration.String(),
			"payload_size": config.PayloadSize,
			"ordered":      config.Ordered,
			"compression":  config.Compression,
		},
		"results": map[string]interface{}{
			"sent":              result.Sent,
			"delivered":         result.Delivered,
			"expected":          result.Expected,
			"lost":              result.Lost,
			"sent_per_sec":      result.SentPerSec,
			"delivered_per_sec": result.DeliveredPerSec,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Error().Err(err).Msg("Failed to write report")
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
