package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/audit"
	"github.com/sells-group/origin-engine/internal/config"
	"github.com/sells-group/origin-engine/internal/consensus"
	"github.com/sells-group/origin-engine/internal/determination"
	"github.com/sells-group/origin-engine/internal/dispatch"
	"github.com/sells-group/origin-engine/internal/escalation"
	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/rules"
	"github.com/sells-group/origin-engine/internal/store"
	"github.com/sells-group/origin-engine/internal/validate"
)

var checkCmd = &cobra.Command{
	Use:         "check",
	Short:       "Run an origin determination for a request file",
	Long:        "Evaluates a determination request against the rule catalog without a database. Use --partner for the partner origin-check payload. Reads stdin when --file is -.",
	Annotations: withMode(config.ModeCheck),
	RunE: func(cmd *cobra.Command, _ []string) error {
		file, _ := cmd.Flags().GetString("file")
		partner, _ := cmd.Flags().GetBool("partner")

		raw, err := readInput(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}

		catalog, err := rules.LoadCatalog(cfg.Rules.CatalogPath)
		if err != nil {
			return eris.Wrap(err, "load rule catalog")
		}

		var out any
		if partner {
			out, err = checkPartner(catalog, raw)
		} else {
			out, err = checkDetermination(cmd.Context(), catalog, raw)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	checkCmd.Flags().String("file", "", "path to the request JSON (- for stdin)")
	checkCmd.Flags().Bool("partner", false, "treat the file as a partner origin-check request")
	_ = checkCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(checkCmd)
}

func readInput(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		raw, err := io.ReadAll(stdin)
		return raw, eris.Wrap(err, "read stdin")
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", file)
	}
	return raw, nil
}

func checkPartner(catalog *rules.Catalog, raw []byte) (model.PartnerCheckResult, error) {
	req, err := validate.PartnerCheck(raw)
	if err != nil {
		return model.PartnerCheckResult{}, err
	}
	verdict, calcs := catalog.PartnerCheck(req)
	return model.PartnerCheckResult{
		RequestID:    req.RequestID,
		Result:       verdict,
		Calculations: calcs,
		Timestamp:    time.Now().UTC(),
	}, nil
}

type checkOutput struct {
	ProductSKU     string                   `json:"productSku"`
	HSCode         string                   `json:"hsCode"`
	TradeAgreement string                   `json:"tradeAgreement"`
	Result         model.CertificatePayload `json:"result"`
	HumanReview    *model.ReviewRef         `json:"humanReview"`
	Path           string                   `json:"path"`
}

// checkDetermination runs the full determination against an in-memory store
// with review jobs held in memory.
func checkDetermination(ctx context.Context, catalog *rules.Catalog, raw []byte) (*checkOutput, error) {
	d := dispatch.New(dispatch.Config{Workers: 1})
	d.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(shutdownCtx)
	}()

	svc := determination.New(determination.Config{
		ReviewThreshold: cfg.Rules.ConsensusThreshold,
		TenantID:        cfg.Determination.TenantID,
		ImportCountry:   cfg.Determination.ImportCountry,
		ExportCountry:   cfg.Determination.ExportCountry,
		Currency:        cfg.Determination.Currency,
	}, determination.Deps{
		Engine:       rules.NewEngine(catalog),
		Resolver:     consensus.NewResolver(catalog),
		Orchestrator: initOrchestrator(cfg),
		Store:        store.NewMemory(),
		Escalator:    escalation.NewAdapter(escalation.NewMemoryQueue(), d),
		Audit:        audit.NewRecorder(audit.NewLogPublisher(zap.L()), d),
	})

	out, err := svc.Determine(ctx, raw)
	if err != nil {
		return nil, err
	}
	return &checkOutput{
		ProductSKU:     out.Request.ProductSKU,
		HSCode:         out.Request.HSCode,
		TradeAgreement: out.Request.TradeAgreement,
		Result:         out.Result.Payload(),
		HumanReview:    out.HumanReview,
		Path:           out.Path,
	}, nil
}
