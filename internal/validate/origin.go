package validate

import (
	"strings"

	"github.com/sells-group/origin-engine/internal/model"
	"github.com/sells-group/origin-engine/internal/normalize"
)

// Messages returned for rejected origin requests.
const (
	MsgMissingFields = "Missing required fields: productSku, hsCode, tradeAgreement"
	MsgHSCode        = "HS code must contain exactly six digits"
	MsgProductSKU    = "productSku cannot be empty"
	MsgAgreement     = "tradeAgreement cannot be empty"
)

// OriginRequest validates an internal determination request. The first failed
// check decides the rejection reason. Materials are never rejected here; they
// are cleaned by the normalizer and invalid lines are dropped.
func OriginRequest(raw []byte) (model.OriginCalculationRequest, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return model.OriginCalculationRequest{}, err
	}

	var missing []Issue
	for _, key := range []string{"productSku", "hsCode", "tradeAgreement"} {
		if !truthy(obj[key]) {
			missing = append(missing, Issue{Path: key, Message: "Required"})
		}
	}
	if len(missing) > 0 {
		return model.OriginCalculationRequest{}, &Error{Summary: MsgMissingFields, Reason: ReasonMissingFields, Issues: missing}
	}

	hs := normalize.HSCode(obj["hsCode"])
	if !normalize.ValidHS6(hs) {
		return model.OriginCalculationRequest{}, &Error{
			Summary: MsgHSCode,
			Reason:  ReasonHSCode,
			Issues:  []Issue{{Path: "hsCode", Message: MsgHSCode}},
		}
	}

	agreement := strings.TrimSpace(text(obj["tradeAgreement"]))
	sku := strings.TrimSpace(text(obj["productSku"]))
	if sku == "" {
		return model.OriginCalculationRequest{}, &Error{
			Summary: MsgProductSKU,
			Reason:  ReasonProductSKU,
			Issues:  []Issue{{Path: "productSku", Message: MsgProductSKU}},
		}
	}
	if agreement == "" {
		return model.OriginCalculationRequest{}, &Error{
			Summary: MsgAgreement,
			Reason:  ReasonAgreement,
			Issues:  []Issue{{Path: "tradeAgreement", Message: MsgAgreement}},
		}
	}

	value := normalize.Number(obj["productValue"])
	defaulted := false
	if value <= 0 {
		value, defaulted = model.DefaultProductValue, true
	}

	return model.OriginCalculationRequest{
		ProductSKU:             sku,
		HSCode:                 hs,
		TradeAgreement:         agreement,
		Materials:              normalize.Materials(obj["materials"]),
		ProductValue:           value,
		ProductValueDefaulted:  defaulted,
		ManufacturingProcesses: processes(obj["manufacturingProcesses"]),
	}, nil
}

func processes(v any) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
