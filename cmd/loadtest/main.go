// Command loadtest drives a fixed number of concurrent GET requests through
// a locally wired proxy core (pool/dialer/engine/acceptor, no config file,
// no listeners beyond loopback) at a synthetic data server, and reports
// throughput. Adapted from the teacher's throughput-test harness onto the
// new core's wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/mstausch/openrelay/internal/acceptor"
	"github.com/mstausch/openrelay/internal/config"
	"github.com/mstausch/openrelay/internal/dialer"
	"github.com/mstausch/openrelay/internal/engine"
	"github.com/mstausch/openrelay/internal/logger"
	"github.com/mstausch/openrelay/internal/pool"
)

var (
	numRequests = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
)

type result struct {
	bytes int64
	err   error
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string, wg *sync.WaitGroup, results chan<- result) {
	defer wg.Done()
	req, err := http.NewRequestWithContext(ctx, "GET", targetURL, http.NoBody)
	if err != nil {
		results <- result{0, fmt.Errorf("new request: %w", err)}
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		results <- result{0, fmt.Errorf("do request: %w", err)}
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		results <- result{0, fmt.Errorf("status %d", resp.StatusCode)}
		return
	}

	buffer := make([]byte, 1024*1024)
	bytesRead := int64(0)
	for {
		bytesReadPart, err := resp.Body.Read(buffer)

		bytesRead += int64(bytesReadPart)
		if err != nil {
			if err == io.EOF {
				break
			}

			results <- result{bytesRead, fmt.Errorf("read body: %w", err)}
			return
		}

		if bytesRead > int64(*dataSize) {
			results <- result{bytesRead, fmt.Errorf("read too much data: %d", bytesRead)}
			return
		}
	}

	results <- result{bytesRead, nil}
}

// startProxy wires a bare pool/dialer/engine/acceptor stack around ln, with
// no forward rules and no stats backend, the minimal core needed to relay
// requests for this harness.
func startProxy(ln net.Listener) error {
	cfg := &config.Config{DialTimeoutSeconds: 5}
	p := pool.New(nil)
	d, err := dialer.New(cfg, p)
	if err != nil {
		return fmt.Errorf("failed to create dialer: %w", err)
	}
	eng := engine.New(p, d, nil)
	a := acceptor.New(ln, eng, 0)
	go func() {
		if err := a.Serve(); err != nil {
			log.Printf("Proxy server stopped: %v", err)
		}
	}()
	return nil
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	targetLn, _ := net.Listen("tcp", "127.0.0.1:0")
	targetAddr := targetLn.Addr().String()
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			log.Printf("Data server error: %v", err)
		}
	}()

	proxyLn, _ := net.Listen("tcp", "127.0.0.1:0")
	if err := startProxy(proxyLn); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	proxyURL, _ := url.Parse("http://" + proxyLn.Addr().String())
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	targetURL := "http://" + targetAddr + "/data"

	var wg sync.WaitGroup
	results := make(chan result, *numRequests)
	perWorker := *numRequests / *concurrency
	extra := *numRequests % *concurrency
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		cnt := perWorker
		if i < extra {
			cnt++
		}
		if cnt == 0 {
			continue
		}
		wg.Add(cnt)
		go func(cnt int) {
			for j := 0; j < cnt; j++ {
				sendRequest(ctx, client, targetURL, &wg, results)
			}
		}(cnt)
	}
	wg.Wait()
	close(results)

	success, errors, total := 0, 0, int64(0)
	for res := range results {
		if res.err != nil {
			errors++
		} else {
			success++
			total += res.bytes
		}
	}
	dur := time.Since(start)
	rps := float64(success) / dur.Seconds()
	mbps := float64(total) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success, errors)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)

	if errors > 0 || ctx.Err() == context.DeadlineExceeded {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		return
	}
	os.Exit(0)
}
