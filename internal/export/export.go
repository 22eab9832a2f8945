// Package export 将发票列表导出为 XLSX 表格。
package export

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"invoice-intake/internal/model"
)

// SheetName 为导出表名。
const SheetName = "Invoices"

var headers = []string{
	"Date", "Vendor", "Invoice Number", "Client", "Amount", "VAT",
	"Company", "Status", "Category", "Confidence", "IBAN", "SIRET",
	"File", "Uploaded At",
}

var colWidths = map[string]float64{
	"A": 12, "B": 30, "C": 18, "D": 24, "E": 12, "F": 12,
	"G": 20, "H": 12, "I": 16, "J": 12, "K": 34, "L": 16,
	"M": 32, "N": 18,
}

// WriteInvoices 生成 XLSX 并写入 w，金额列为数值单元格。
func WriteInvoices(w io.Writer, invoices []model.Invoice) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetRowStyle(SheetName, 1, 1, style)
	}

	for i, inv := range invoices {
		row := i + 2
		values := []any{
			dateCell(inv),
			str(inv.Vendor),
			str(inv.InvoiceNumber),
			str(inv.ClientName),
			amount(inv.Amount),
			amount(inv.VatAmount),
			string(inv.Company),
			string(inv.Status),
			str(inv.Category),
			confidence(inv.Confidence),
			str(inv.Iban),
			str(inv.Siret),
			inv.OriginalName,
			inv.CreatedAt.Format("2006-01-02 15:04"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return fmt.Errorf("write row %d: %w", row, err)
			}
		}
	}

	for col, width := range colWidths {
		_ = f.SetColWidth(SheetName, col, col, width)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func dateCell(inv model.Invoice) string {
	if inv.Date == nil {
		return ""
	}
	return inv.Date.Format("2006-01-02")
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func amount(d decimal.NullDecimal) any {
	if !d.Valid {
		return ""
	}
	return d.Decimal.InexactFloat64()
}

func confidence(c *int) any {
	if c == nil {
		return ""
	}
	return *c
}
