// migrate-costs is a one-shot tool converting v1 billing exports, which
// recorded amounts as floating-point dollars, into the v2 integer
// micro-USD form. It refuses to emit a batch whose accumulated rounding
// error exceeds one micro-USD per entry.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"

	"github.com/dekapay/gateway/internal/money"
)

type v1Record struct {
	ID         string    `json:"id"`
	AccountKey string    `json:"account_key"`
	Method     string    `json:"method"`
	AmountUSD  float64   `json:"amount_usd"`
	At         time.Time `json:"at"`
}

type v2Record struct {
	ID          string    `json:"id"`
	AccountKey  string    `json:"account_key"`
	Method      string    `json:"method"`
	AmountMicro int64     `json:"amount_micro"`
	At          time.Time `json:"at"`
}

type batchSummary struct {
	Entries      int
	V1TotalUSD   float64
	V2TotalMicro int64
}

// errorBound is the acceptance check: the converted total may differ from
// the rounded v1 total by at most one micro-USD per entry.
func (b batchSummary) withinBound() bool {
	expected := int64(math.Round(b.V1TotalUSD * money.MicrosPerUSD))
	drift := b.V2TotalMicro - expected
	if drift < 0 {
		drift = -drift
	}
	return drift <= int64(b.Entries)
}

// migrate streams v1 JSONL records from r, writes v2 records to w, and
// returns the batch totals for the bound check.
func migrate(r io.Reader, w io.Writer) (batchSummary, error) {
	var summary batchSummary
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v1 v1Record
		if err := json.Unmarshal(line, &v1); err != nil {
			return summary, fmt.Errorf("line %d: %w", summary.Entries+1, err)
		}
		micro, err := money.FromUSD(v1.AmountUSD)
		if err != nil {
			return summary, fmt.Errorf("record %s: %w", v1.ID, err)
		}
		if err := enc.Encode(v2Record{
			ID:          v1.ID,
			AccountKey:  v1.AccountKey,
			Method:      v1.Method,
			AmountMicro: micro.Micros(),
			At:          v1.At,
		}); err != nil {
			return summary, err
		}
		summary.Entries++
		summary.V1TotalUSD += v1.AmountUSD
		summary.V2TotalMicro += micro.Micros()
	}
	return summary, scanner.Err()
}

func main() {
	in := flag.String("in", "", "v1 billing export (JSONL, amount_usd floats)")
	out := flag.String("out", "", "v2 output path (JSONL, amount_micro integers)")
	flag.Parse()

	if *in == "" || *out == "" {
		log.Fatal("both -in and -out are required")
	}

	src, err := os.Open(*in)
	if err != nil {
		log.Fatalf("open input: %v", err)
	}
	defer src.Close()

	// Write to a temp file first; the output only appears once the batch
	// passes the rounding bound.
	tmp, err := os.CreateTemp("", "migrate-costs-*.jsonl")
	if err != nil {
		log.Fatalf("create temp output: %v", err)
	}
	defer os.Remove(tmp.Name())

	summary, err := migrate(src, tmp)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	if err := tmp.Close(); err != nil {
		log.Fatalf("flush output: %v", err)
	}

	if !summary.withinBound() {
		log.Fatalf("rounding bound exceeded: %d entries, v1 total %.6f USD, v2 total %d micro",
			summary.Entries, summary.V1TotalUSD, summary.V2TotalMicro)
	}

	if err := os.Rename(tmp.Name(), *out); err != nil {
		log.Fatalf("finalize output: %v", err)
	}
	log.Printf("migrated %d entries, v2 total %d micro-USD", summary.Entries, summary.V2TotalMicro)
}
