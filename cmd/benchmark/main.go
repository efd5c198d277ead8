package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings. Account and work-record ID ranges
// assume a database populated by cmd/seeder.
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	totalPairs  int
	workPerPair int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // accepted or replayed
	fail422       uint64 // business rejections
	fail503       uint64 // transient conflicts
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "pay", "Workload type: pay | deposit | hotspot")
	flag.IntVar(&totalPairs, "pairs", 200, "Seeded payer/payee pair count")
	flag.IntVar(&workPerPair, "work-per-pair", 5, "Seeded work records per pair")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		var req *http.Request
		if workload == "deposit" {
			req = depositRequest()
		} else {
			req = payRequest()
		}

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 200:
			atomic.AddUint64(&success200, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		case 503:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// pickPair returns a seeded pair index. The hotspot workload concentrates
// 90% of traffic on the first pair to force lock and serialization conflicts.
func pickPair() int {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return 0
	}
	return rand.Intn(totalPairs)
}

func payRequest() *http.Request {
	pair := pickPair()
	payerID := int64(2 + pair*2) // admin is id 1, pairs follow
	workID := int64(pair*workPerPair + 1 + rand.Intn(workPerPair))

	req, _ := http.NewRequest("POST",
		fmt.Sprintf("%s/api/v1/work/%d/pay", targetURL, workID), nil)
	req.Header.Set("X-Account-ID", strconv.FormatInt(payerID, 10))
	req.Header.Set("Idempotency-Key", uuid.NewString())
	return req
}

func depositRequest() *http.Request {
	pair := pickPair()
	payerID := int64(2 + pair*2)

	payload := map[string]interface{}{"amount": "5.00"}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST",
		fmt.Sprintf("%s/api/v1/balances/%d/deposit", targetURL, payerID), bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-ID", strconv.FormatInt(payerID, 10))
	return req
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&success200)
	f422 := atomic.LoadUint64(&fail422)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := float64(f503) / float64(total) * 100

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success":           s200,
		"business_rejects":  f422,
		"conflicts":         f503,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
