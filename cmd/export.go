package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/config"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/store"
)

var exportHeader = []string{
	"Certificate ID", "Product SKU", "HS6", "Agreement", "Status",
	"Conform", "Confidence", "RVC %", "Max NOM %", "Tariff Shift",
	"Review Required", "Evidence Status", "Ledger Reference",
	"Created At", "Updated At",
}

var exportCmd = &cobra.Command{
	Use:         "export",
	Short:       "Export certificates to an Excel workbook",
	Annotations: withMode(config.ModeExport),
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		out, _ := cmd.Flags().GetString("out")
		status, _ := cmd.Flags().GetString("status")
		agreement, _ := cmd.Flags().GetString("agreement")
		sinceHours, _ := cmd.Flags().GetInt("since-hours")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.CertificateFilter{
			Status:    model.CertificateStatus(status),
			Agreement: agreement,
			Limit:     limit,
		}
		if sinceHours > 0 {
			filter.Since = time.Now().Add(-time.Duration(sinceHours) * time.Hour)
		}

		certs, err := st.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "export: list certificates")
		}

		if err := writeWorkbook(out, certs); err != nil {
			return err
		}
		zap.L().Info("export complete", zap.String("path", out), zap.Int("certificates", len(certs)))
		fmt.Fprintf(os.Stderr, "Exported %d certificates to %s\n", len(certs), out)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "certificates.xlsx", "output workbook path")
	exportCmd.Flags().String("status", "", "filter by certificate status")
	exportCmd.Flags().String("agreement", "", "filter by trade agreement")
	exportCmd.Flags().Int("since-hours", 0, "only certificates updated in the last N hours")
	exportCmd.Flags().Int("limit", 1000, "max certificates to export")
	rootCmd.AddCommand(exportCmd)
}

// writeWorkbook writes one row per certificate. Certificates without a
// readable result keep their identity columns and leave the rest blank.
func writeWorkbook(path string, certs []model.Certificate) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Certificates")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range exportHeader {
		header.AddCell().SetString(h)
	}

	for _, c := range certs {
		row := sheet.AddRow()
		for _, v := range []string{c.ID, c.ProductSKU, c.HS6, c.Agreement, string(c.Status)} {
			row.AddCell().SetString(v)
		}

		p, err := c.Payload()
		if err != nil || p == nil {
			if err != nil {
				zap.L().Warn("export: unreadable result", zap.String("certificate_id", c.ID), zap.Error(err))
			}
			for range 8 {
				row.AddCell()
			}
		} else {
			row.AddCell().SetBool(p.IsConform)
			row.AddCell().SetFloat(p.Confidence)
			row.AddCell().SetFloat(p.Calculations.RVC)
			row.AddCell().SetFloat(p.Calculations.MaxNOM)
			row.AddCell().SetBool(p.Calculations.ChangeOfTariff)
			row.AddCell().SetBool(p.AIInsights.HumanReviewRequired)
			evidenceStatus, ledger := "", ""
			if p.Evidence != nil {
				evidenceStatus, ledger = p.Evidence.Status, p.Evidence.LedgerReference
			}
			row.AddCell().SetString(evidenceStatus)
			row.AddCell().SetString(ledger)
		}

		row.AddCell().SetString(c.CreatedAt.UTC().Format(time.RFC3339))
		row.AddCell().SetString(c.UpdatedAt.UTC().Format(time.RFC3339))
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}
