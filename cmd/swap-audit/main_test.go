package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"xswap/services/htlcd/confirmations"
)

type tamperedLog struct {
	*confirmations.Recorder
	tamper string
}

func (l tamperedLog) Get(ctx context.Context, swapID string) ([]confirmations.Record, error) {
	records, err := l.Recorder.Get(ctx, swapID)
	if err != nil || swapID != l.tamper || len(records) == 0 {
		return records, err
	}
	records[0].TxHash = "0xforged"
	return records, nil
}

func TestAuditFlagsBrokenChains(t *testing.T) {
	ctx := context.Background()
	recorder, err := confirmations.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	defer recorder.Close()
	for _, entry := range []confirmations.Entry{
		{SwapID: "swap-1", Leg: 1, Chain: "chain-b", Status: confirmations.StatusConfirmed, TxHash: "0x01"},
		{SwapID: "swap-1", Leg: 0, Chain: "chain-a", Status: confirmations.StatusConfirmed, TxHash: "0x02"},
		{SwapID: "swap-2", Leg: 1, Chain: "chain-b", Status: confirmations.StatusFailed, Reason: "lock rejected"},
	} {
		if _, err := recorder.Append(ctx, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	report, err := audit(ctx, recorder, "")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(report.Swaps) != 2 || report.Broken != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Swaps[0].Confirmed != 2 || report.Swaps[1].Failed != 1 {
		t.Fatalf("unexpected counts %+v", report.Swaps)
	}

	report, err = audit(ctx, tamperedLog{Recorder: recorder, tamper: "swap-1"}, "swap-1")
	if err != nil {
		t.Fatalf("audit tampered: %v", err)
	}
	if report.Broken != 1 || report.Swaps[0].Verified {
		t.Fatalf("expected tampering detected, got %+v", report)
	}
}

func TestParseWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	from, to, err := parseWindow("", "", now)
	if err != nil {
		t.Fatalf("default window: %v", err)
	}
	if !to.Equal(now) || !from.Equal(now.Add(-24*time.Hour)) {
		t.Fatalf("unexpected default window %s - %s", from, to)
	}
	if _, _, err := parseWindow("2024-05-02T00:00:00Z", "2024-05-01T00:00:00Z", now); err == nil {
		t.Fatalf("expected inverted window to fail")
	}
	if _, _, err := parseWindow("yesterday", "", now); err == nil {
		t.Fatalf("expected malformed time to fail")
	}
}
