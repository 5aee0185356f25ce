// Command loadbench ramps up concurrent raw-TCP connections against chatd
// and prints running attempted/active/skipped connection counts (it does
// not measure message throughput), adapted from
// sairash-chitosocket/benchmark/Benchmark.go's WebSocket dialer: the wire
// protocol here has no HTTP-upgrade handshake, so it dials plain TCP and
// sends a framed \listall command line at a fixed interval instead of
// WebSocket pings.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

func main() {
	serverAddr := flag.String("addr", "127.0.0.1:8080", "chatd address to connect to")
	totalConns := flag.Int("conns", 1000, "total connections to ramp up to")
	rampUpRate := flag.Int("rate", 100, "connections dialed per second during ramp-up")
	pingInterval := flag.Duration("interval", 30*time.Second, "interval between keep-alive \\listall lines per connection")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var activeConns int64
	var attemptedConns int64
	var skippedConns int64

	isLocal := strings.HasPrefix(*serverAddr, "127.") || strings.HasPrefix(*serverAddr, "localhost")
	fmt.Printf("Starting loadbench against %s (Mode: %s)\n", *serverAddr, map[bool]string{true: "Local", false: "Remote"}[isLocal])

	dialer := &net.Dialer{Timeout: 10 * time.Second}

	numIPs := 1
	if isLocal {
		numIPs = 16
	}

	for i := 1; i <= numIPs; i++ {
		localDialer := dialer
		if isLocal {
			localIP := fmt.Sprintf("127.0.0.%d", i)
			localDialer = &net.Dialer{
				Timeout:   10 * time.Second,
				LocalAddr: &net.TCPAddr{IP: net.ParseIP(localIP)},
			}
		}

		connsForThisIP := *totalConns / numIPs
		for j := 0; j < connsForThisIP; j++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			go runConn(ctx, localDialer, *serverAddr, *pingInterval, &activeConns, &skippedConns, cancel)
			atomic.AddInt64(&attemptedConns, 1)

			if attemptedConns%500 == 0 {
				fmt.Printf("\rAttempted: %d | Active: %d | Skipped: %d",
					atomic.LoadInt64(&attemptedConns),
					atomic.LoadInt64(&activeConns),
					atomic.LoadInt64(&skippedConns))
			}
			if *rampUpRate > 0 {
				time.Sleep(time.Second / time.Duration(*rampUpRate))
			}
		}
	}

	<-ctx.Done()
	fmt.Printf("\nStopped. Final Active: %d\n", atomic.LoadInt64(&activeConns))
}

func runConn(ctx context.Context, dialer *net.Dialer, addr string, pingInterval time.Duration, activeConns, skippedConns *int64, cancel context.CancelFunc) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			atomic.AddInt64(skippedConns, 1)
			return
		}
		fmt.Printf("\n[FATAL ERROR] %v\n", err)
		cancel()
		return
	}

	atomic.AddInt64(activeConns, 1)
	defer func() {
		atomic.AddInt64(activeConns, -1)
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	go drainResponses(reader)

	for {
		if _, err := conn.Write([]byte("\\listall\n")); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pingInterval):
		}
	}
}

// drainResponses discards server output on the connection so the socket
// buffer never backs up during a long-lived benchmark run.
func drainResponses(r *bufio.Reader) {
	for {
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
	}
}
