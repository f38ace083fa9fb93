package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/benchmark/client"
	"github.com/shopspring/decimal"
)

type Result struct {
	Step    string
	Latency time.Duration
}

type sessions struct {
	producer     *client.HTTPClient
	intermediate *client.HTTPClient
	distributor  *client.HTTPClient
	gov          *client.HTTPClient
}

func main() {
	iterations := flag.Int("n", 100, "Number of iterations")
	baseURL := flag.String("url", "http://127.0.0.1:6000", "Trace node base URL")
	store := flag.String("store", "ledger", "Store label written into the output file name")
	phonePrefix := flag.String("phone-prefix", "+6201", "Phone number prefix of the benchmark users")
	flag.Parse()

	recordsDir := "./records"
	os.MkdirAll(recordsDir, 0755)

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join(recordsDir, fmt.Sprintf(
		"latency_%s_n%d_%s.csv",
		timestamp, *iterations, *store,
	))

	file, err := os.Create(filename)
	if err != nil {
		fmt.Printf("Error creating file: %v\n", err)
		return
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	writer.Write([]string{"Iteration", "Step", "Latency_ms"})

	fmt.Println("========================================")
	fmt.Println("   LATENCY BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Trace node: %s\n", *baseURL)
	fmt.Printf("Store:      %s\n", *store)
	fmt.Printf("Iterations: %d\n", *iterations)
	fmt.Printf("Output:     %s\n", filename)
	fmt.Println("========================================")
	fmt.Println("")

	ctx := context.Background()
	s, err := login(ctx, client.NewHTTPClient(*baseURL), *phonePrefix)
	if err != nil {
		fmt.Printf("Sessions: %v\n", err)
		fmt.Println("The trace node must run with FOODTRACE_IDENTITY_ALLOW_AUTHORITY_SIGNUP=true")
		os.Exit(1)
	}

	successCount := 0
	failCount := 0

	for i := 0; i < *iterations; i++ {
		fmt.Printf("\r[%d/%d] ", i+1, *iterations)

		results, err := runLifecycle(ctx, s)
		for _, r := range results {
			writer.Write([]string{
				strconv.Itoa(i + 1),
				r.Step,
				strconv.FormatInt(r.Latency.Milliseconds(), 10),
			})
		}
		if err != nil {
			failCount++
			fmt.Printf("✗ %v\n", err)
		} else {
			successCount++
			fmt.Print("✓")
		}

		time.Sleep(50 * time.Millisecond)
	}

	fmt.Printf("\n\n========================================\n")
	fmt.Printf("Success: %d/%d\n", successCount, *iterations)
	if failCount > 0 {
		fmt.Printf("Failed:  %d\n", failCount)
	}
	fmt.Printf("Results: %s\n", filename)
	fmt.Println("========================================")
}

func login(ctx context.Context, c *client.HTTPClient, prefix string) (*sessions, error) {
	s := &sessions{}
	roles := []struct {
		role string
		dst  **client.HTTPClient
	}{
		{"Producer", &s.producer},
		{"Intermediate", &s.intermediate},
		{"Distributor", &s.distributor},
		{"Gov Authority", &s.gov},
	}
	for i, r := range roles {
		token, err := c.EnsureSession(ctx, "latency "+r.role, prefix+strconv.Itoa(i+1), r.role)
		if err != nil {
			return nil, err
		}
		*r.dst = c.WithToken(token)
	}
	return s, nil
}

// runLifecycle walks one batch through register, border crossing, receipt,
// split and the history read, timing each step.
func runLifecycle(ctx context.Context, s *sessions) ([]Result, error) {
	var results []Result
	totalStart := time.Now()

	step := func(name string, fn func() error) error {
		start := time.Now()
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		results = append(results, Result{name, time.Since(start)})
		return nil
	}

	var batch string
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Register Batch", func() error {
			b, err := s.producer.RegisterBatch(ctx, decimal.NewFromInt(500))
			if err != nil {
				return err
			}
			batch = b.BatchNumber
			return nil
		}},
		{"Border Crossing", func() error {
			return post(ctx, s.intermediate, "/batches/"+batch+"/border", map[string]any{
				"location": "Port of Tanjung Priok", "outcome": "pass",
			})
		}},
		{"Distributor Receive", func() error {
			return post(ctx, s.distributor, "/batches/"+batch+"/receive", map[string]any{
				"location": "Jakarta DC",
			})
		}},
		{"Split And Assign", func() error {
			return post(ctx, s.distributor, "/batches/"+batch+"/split", map[string]any{
				"seller": "0xseller", "seller_label": "Pasar Minggu", "amount": "120",
			})
		}},
		{"History Parallel", func() error {
			resp, err := s.gov.GET(ctx, "/batches/"+batch+"/history?format=parallel")
			if err != nil {
				return err
			}
			return client.UnmarshalBody(resp, nil)
		}},
	}
	for _, st := range steps {
		if err := step(st.name, st.fn); err != nil {
			return results, err
		}
	}

	results = append(results, Result{"Complete Lifecycle", time.Since(totalStart)})
	return results, nil
}

func post(ctx context.Context, c *client.HTTPClient, endpoint string, body any) error {
	resp, err := c.POST(ctx, endpoint, body)
	if err != nil {
		return err
	}
	return client.UnmarshalBody(resp, nil)
}
