package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"xswap/services/htlcd/config"
	"xswap/services/htlcd/confirmations"
)

type swapAudit struct {
	SwapID    string `json:"swapId"`
	Records   int    `json:"records"`
	Confirmed int    `json:"confirmed"`
	Failed    int    `json:"failed"`
	Verified  bool   `json:"verified"`
	Error     string `json:"error,omitempty"`
}

type auditReport struct {
	Swaps    []swapAudit `json:"swaps"`
	Broken   int         `json:"broken"`
	Export   string      `json:"export,omitempty"`
	Exported int         `json:"exported,omitempty"`
}

type confirmationLog interface {
	SwapIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, swapID string) ([]confirmations.Record, error)
}

func main() {
	configPath := flag.String("config", "services/htlcd/config.yaml", "Path to htlcd configuration file")
	swapID := flag.String("swap", "", "Audit a single swap instead of every recorded swap")
	exportPath := flag.String("export", "", "Write records in [from, to) to this Parquet file")
	fromFlag := flag.String("from", "", "Export window start (RFC3339)")
	toFlag := flag.String("to", "", "Export window end (RFC3339, defaults to now)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	recorder, err := confirmations.Open(cfg.Confirmations.Driver, cfg.Confirmations.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open confirmation log: %v\n", err)
		os.Exit(1)
	}
	defer recorder.Close()

	from, to, err := parseWindow(*fromFlag, *toFlag, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid export window: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	report, err := audit(ctx, recorder, strings.TrimSpace(*swapID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}
	if path := strings.TrimSpace(*exportPath); path != "" {
		n, err := recorder.ExportParquet(ctx, path, from, to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to export records: %v\n", err)
			os.Exit(1)
		}
		report.Export = path
		report.Exported = n
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
	if report.Broken > 0 {
		os.Exit(2)
	}
}

func audit(ctx context.Context, log confirmationLog, swapID string) (auditReport, error) {
	ids := []string{swapID}
	if swapID == "" {
		var err error
		ids, err = log.SwapIDs(ctx)
		if err != nil {
			return auditReport{}, err
		}
	}
	report := auditReport{Swaps: make([]swapAudit, 0, len(ids))}
	for _, id := range ids {
		records, err := log.Get(ctx, id)
		if err != nil {
			return auditReport{}, err
		}
		entry := swapAudit{SwapID: id, Records: len(records), Verified: true}
		for _, rec := range records {
			switch rec.Status {
			case confirmations.StatusConfirmed:
				entry.Confirmed++
			case confirmations.StatusFailed:
				entry.Failed++
			}
		}
		if err := confirmations.VerifyChain(records); err != nil {
			entry.Verified = false
			entry.Error = err.Error()
			report.Broken++
		}
		report.Swaps = append(report.Swaps, entry)
	}
	return report, nil
}

func parseWindow(rawFrom, rawTo string, now time.Time) (time.Time, time.Time, error) {
	to := now
	if raw := strings.TrimSpace(rawTo); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
		}
		to = parsed
	}
	from := to.Add(-24 * time.Hour)
	if raw := strings.TrimSpace(rawFrom); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
		}
		from = parsed
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must precede to")
	}
	return from, to, nil
}
