// Package export renders per-tenant usage workbooks for billing review.
package export

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"docbackend/domain"
)

const (
	usageSheet   = "用量明细"
	summarySheet = "汇总"
)

var usageHeaders = []string{
	"Job ID", "Category", "Completed At", "Pages",
	"Input Tokens", "Output Tokens",
	"Extraction Cost", "LLM Cost", "Total Cost", "Model",
}

// WriteUsageWorkbook streams a two-sheet workbook to w: one row per
// completed job plus a totals sheet. Jobs are expected pre-filtered to
// the tenant and range; non-completed jobs are skipped defensively.
func WriteUsageWorkbook(w io.Writer, tenantID string, from, to time.Time, jobs []*domain.ProcessingJob) error {
	if w == nil {
		return errors.New("输出为空")
	}

	f := excelize.NewFile()
	defSheet := f.GetSheetName(0)
	if defSheet == "" {
		defSheet = "Sheet1"
	}
	_ = f.SetSheetName(defSheet, usageSheet)
	f.NewSheet(summarySheet)
	f.SetActiveSheet(0)

	var (
		totalPages  int
		totalInput  int64
		totalOutput int64
		totalExtr   = decimal.Zero
		totalLLM    = decimal.Zero
		totalCost   = decimal.Zero
		rowCount    int
	)

	sw, err := f.NewStreamWriter(usageSheet)
	if err != nil {
		return err
	}
	rowNum := 1
	headerRow := make([]interface{}, len(usageHeaders))
	for i, h := range usageHeaders {
		headerRow[i] = h
	}
	if err := sw.SetRow(cellAxis(rowNum, 1), headerRow); err != nil {
		return err
	}
	rowNum++

	for _, j := range jobs {
		if j == nil || j.State != domain.JobStateCompleted {
			continue
		}
		completedAt := ""
		if j.CompletedAt != nil {
			completedAt = j.CompletedAt.UTC().Format("2006-01-02 15:04:05")
		}
		extr, llm, total, model := costCells(j.Cost)
		row := []interface{}{
			j.ID,
			string(j.Category),
			completedAt,
			j.PageCount,
			j.Tokens.Input,
			j.Tokens.Output,
			extr, llm, total, model,
		}
		if err := sw.SetRow(cellAxis(rowNum, 1), row); err != nil {
			return err
		}
		rowNum++
		rowCount++

		totalPages += j.PageCount
		totalInput += j.Tokens.Input
		totalOutput += j.Tokens.Output
		if j.Cost != nil {
			totalExtr = totalExtr.Add(j.Cost.Extraction)
			totalLLM = totalLLM.Add(j.Cost.LLM)
			totalCost = totalCost.Add(j.Cost.Total)
		}
	}
	if rowCount == 0 {
		if err := sw.SetRow(cellAxis(rowNum, 1), []interface{}{"所选时间段内无已完成任务"}); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	if err := writeSummarySheet(f, tenantID, from, to, rowCount, totalPages, totalInput, totalOutput, totalExtr, totalLLM, totalCost); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("写入结果文件失败: %w", err)
	}
	return nil
}

func writeSummarySheet(f *excelize.File, tenantID string, from, to time.Time, rowCount, totalPages int, totalInput, totalOutput int64, totalExtr, totalLLM, totalCost decimal.Decimal) error {
	sw, err := f.NewStreamWriter(summarySheet)
	if err != nil {
		return err
	}
	rows := [][]interface{}{
		{"Tenant", tenantID},
		{"From", from.UTC().Format("2006-01-02")},
		{"To", to.UTC().Format("2006-01-02")},
		{"Completed Jobs", rowCount},
		{"Total Pages", totalPages},
		{"Total Input Tokens", totalInput},
		{"Total Output Tokens", totalOutput},
		{"Total Extraction Cost", totalExtr.String()},
		{"Total LLM Cost", totalLLM.String()},
		{"Total Cost", totalCost.String()},
	}
	for i, r := range rows {
		if err := sw.SetRow(cellAxis(i+1, 1), r); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func costCells(c *domain.CostBreakdown) (extr, llm, total, model string) {
	if c == nil {
		return "", "", "", ""
	}
	return c.Extraction.String(), c.LLM.String(), c.Total.String(), strings.TrimSpace(c.Model)
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}
