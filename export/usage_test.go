package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"docbackend/domain"
)

func completedJob(id string, pages int, in, out int64, total string) *domain.ProcessingJob {
	done := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	t, _ := decimal.NewFromString(total)
	return &domain.ProcessingJob{
		ID:        id,
		TenantID:  "acme",
		Category:  domain.CategoryEOB,
		State:     domain.JobStateCompleted,
		PageCount: pages,
		Tokens:    domain.TokenUsage{Input: in, Output: out},
		Cost: &domain.CostBreakdown{
			Extraction: decimal.RequireFromString("0.15"),
			LLM:        t.Sub(decimal.RequireFromString("0.15")),
			Total:      t,
			Model:      "extract-v2",
		},
		CompletedAt: &done,
	}
}

func TestWriteUsageWorkbook(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	jobs := []*domain.ProcessingJob{
		completedJob("j1", 10, 5000, 800, "0.1705"),
		completedJob("j2", 3, 1200, 90, "0.05"),
		{ID: "j3", TenantID: "acme", State: domain.JobStateFailed},
	}

	var buf bytes.Buffer
	if err := WriteUsageWorkbook(&buf, "acme", from, to, jobs); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(usageSheet)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	// header + two completed jobs; the failed one is skipped.
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][0] != "Job ID" || rows[0][8] != "Total Cost" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][0] != "j1" || rows[1][8] != "0.1705" {
		t.Fatalf("j1 row = %v", rows[1])
	}
	if rows[2][0] != "j2" || rows[2][3] != "3" {
		t.Fatalf("j2 row = %v", rows[2])
	}

	sum, err := f.GetRows(summarySheet)
	if err != nil {
		t.Fatalf("summary rows: %v", err)
	}
	got := make(map[string]string, len(sum))
	for _, r := range sum {
		if len(r) >= 2 {
			got[r[0]] = r[1]
		}
	}
	if got["Tenant"] != "acme" || got["Completed Jobs"] != "2" {
		t.Fatalf("summary = %v", got)
	}
	if got["Total Cost"] != "0.2205" {
		t.Fatalf("total cost = %q", got["Total Cost"])
	}
	if got["Total Pages"] != "13" || got["Total Input Tokens"] != "6200" {
		t.Fatalf("totals = %v", got)
	}
}

func TestWriteUsageWorkbookEmptyRange(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUsageWorkbook(&buf, "acme", time.Now().AddDate(0, -1, 0), time.Now(), nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, _ := f.GetRows(usageSheet)
	if len(rows) != 2 || len(rows[1]) == 0 || rows[1][0] == "" {
		t.Fatalf("empty marker missing: %v", rows)
	}
}
