package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/benchmark/client"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Result summarises one split race
type Result struct {
	Attempts  int
	Accepted  int
	Conflicts int
	Retryable int
	Failed    int
	Duration  time.Duration
	Latencies []time.Duration
}

func (r *Result) percentile(p float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.Latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:6000", "Trace node base URL")
	workers := flag.Int("workers", 25, "Number of concurrent workers")
	splits := flag.Int("splits", 4, "Split attempts per worker")
	quantity := flag.String("quantity", "1000", "Quantity of the raced batch")
	amount := flag.String("amount", "70", "Amount carved off per split")
	phonePrefix := flag.String("phone-prefix", "+6200", "Phone number prefix of the benchmark users")
	flag.Parse()

	qty, err := decimal.NewFromString(*quantity)
	if err != nil {
		fmt.Printf("Invalid -quantity: %v\n", err)
		os.Exit(2)
	}
	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		fmt.Printf("Invalid -amount: %v\n", err)
		os.Exit(2)
	}

	fmt.Println("========================================")
	fmt.Println("   SPLIT CONCURRENCY BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Trace node: %s\n", *baseURL)
	fmt.Printf("Workers:    %d x %d splits\n", *workers, *splits)
	fmt.Printf("Batch:      %s, splits of %s\n", qty, amt)
	fmt.Println("========================================")

	ctx := context.Background()
	c := client.NewHTTPClient(*baseURL)

	producer, err := c.EnsureSession(ctx, "bench producer", *phonePrefix+"1", "Producer")
	if err != nil {
		fmt.Printf("Producer session: %v\n", err)
		os.Exit(1)
	}
	distributor, err := c.EnsureSession(ctx, "bench distributor", *phonePrefix+"2", "Distributor")
	if err != nil {
		fmt.Printf("Distributor session: %v\n", err)
		os.Exit(1)
	}
	gov, err := c.EnsureSession(ctx, "bench authority", *phonePrefix+"3", "Gov Authority")
	if err != nil {
		fmt.Printf("Authority session: %v\n", err)
		fmt.Println("The trace node must run with FOODTRACE_IDENTITY_ALLOW_AUTHORITY_SIGNUP=true")
		os.Exit(1)
	}

	registered, err := c.WithToken(producer).RegisterBatch(ctx, qty)
	if err != nil {
		fmt.Printf("Registering batch: %v\n", err)
		os.Exit(1)
	}
	batch := registered.BatchNumber
	fmt.Printf("Racing splits against %s...\n", batch)

	result, err := runRace(ctx, c.WithToken(distributor), batch, *workers, *splits, amt)
	if err != nil {
		fmt.Printf("Race aborted: %v\n", err)
		os.Exit(1)
	}

	lineage, err := c.WithToken(gov).Lineage(ctx, batch)
	if err != nil {
		fmt.Printf("Fetching lineage: %v\n", err)
		os.Exit(1)
	}
	conservation := checkConservation(qty, amt, result.Accepted, lineage)

	fmt.Println("\n========================================")
	fmt.Println("   BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Attempts:          %d\n", result.Attempts)
	fmt.Printf("Accepted:          %d\n", result.Accepted)
	fmt.Printf("Conflicts:         %d\n", result.Conflicts)
	fmt.Printf("Retryable (503):   %d\n", result.Retryable)
	fmt.Printf("Other failures:    %d\n", result.Failed)
	fmt.Printf("Duration:          %v\n", result.Duration)
	fmt.Printf("Throughput:        %.2f req/s\n", float64(result.Attempts)/result.Duration.Seconds())
	fmt.Printf("p50 / p99 latency: %v / %v\n", result.percentile(0.5), result.percentile(0.99))
	if conservation != nil {
		fmt.Printf("Conservation:      VIOLATED (%v)\n", conservation)
	} else {
		fmt.Printf("Conservation:      ok\n")
	}
	fmt.Println("========================================")

	if err := writeCSV(*workers, *splits, result, conservation == nil); err != nil {
		fmt.Printf("Error writing results: %v\n", err)
	}
	if conservation != nil {
		os.Exit(1)
	}
}

// runRace fires splits of amount at one batch from workers goroutines.
// A CONFLICT answer is an expected loss of the race; transport errors
// abort the run.
func runRace(ctx context.Context, c *client.HTTPClient, batch string, workers, perWorker int, amount decimal.Decimal) (*Result, error) {
	var (
		mu     sync.Mutex
		result Result
	)
	record := func(status int, latency time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		result.Attempts++
		result.Latencies = append(result.Latencies, latency)
		switch {
		case status == http.StatusCreated:
			result.Accepted++
		case status == http.StatusConflict:
			result.Conflicts++
		case status == http.StatusServiceUnavailable:
			result.Retryable++
		default:
			result.Failed++
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			for i := range perWorker {
				began := time.Now()
				resp, err := c.POST(gctx, "/batches/"+batch+"/split", map[string]any{
					"seller":       fmt.Sprintf("0xseller-%d-%d", w, i),
					"seller_label": fmt.Sprintf("Seller %d/%d", w, i),
					"amount":       amount,
				})
				if err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
				resp.Body.Close()
				record(resp.StatusCode, time.Since(began))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	return &result, nil
}

// checkConservation verifies that the parent plus all children still add
// up to the registered quantity and that every accepted split left a child.
func checkConservation(initial, amount decimal.Decimal, accepted int, l *client.Lineage) error {
	if len(l.Children) != accepted {
		return fmt.Errorf("%d splits accepted but %d children exist", accepted, len(l.Children))
	}
	total := l.Batch.Quantity
	for _, child := range l.Children {
		if !child.Quantity.Equal(amount) {
			return fmt.Errorf("child %s holds %s, expected %s", child.BatchNumber, child.Quantity, amount)
		}
		total = total.Add(child.Quantity)
	}
	if !total.Equal(initial) {
		return fmt.Errorf("parent plus children hold %s, registered %s", total, initial)
	}
	if l.Batch.Quantity.IsNegative() {
		return fmt.Errorf("parent quantity went negative: %s", l.Batch.Quantity)
	}
	return nil
}

func writeCSV(workers, splits int, r *Result, conserved bool) error {
	recordsDir := "./records"
	if err := os.MkdirAll(recordsDir, 0o755); err != nil {
		return err
	}
	filename := filepath.Join(recordsDir, fmt.Sprintf(
		"split_race_%s_w%d_s%d.csv", time.Now().Format("2006-01-02_15-04-05"), workers, splits,
	))
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	writer.Write([]string{
		"Workers", "Splits_Per_Worker", "Attempts", "Accepted", "Conflicts", "Retryable", "Failed",
		"Duration_ms", "P50_ms", "P99_ms", "Conserved",
	})
	writer.Write([]string{
		fmt.Sprint(workers),
		fmt.Sprint(splits),
		fmt.Sprint(r.Attempts),
		fmt.Sprint(r.Accepted),
		fmt.Sprint(r.Conflicts),
		fmt.Sprint(r.Retryable),
		fmt.Sprint(r.Failed),
		fmt.Sprint(r.Duration.Milliseconds()),
		fmt.Sprint(r.percentile(0.5).Milliseconds()),
		fmt.Sprint(r.percentile(0.99).Milliseconds()),
		fmt.Sprint(conserved),
	})
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	fmt.Printf("\nResults saved to: %s\n", filename)
	return nil
}
