package validate

import (
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/sells-group/origin-engine/internal/model"
)

// Summaries for partner payload rejections.
const (
	MsgInvalidBody    = "Invalid request body"
	MsgInvalidWebhook = "Invalid webhook configuration"
	MsgWebhookHTTPS   = "Webhook URL must use HTTPS"
)

// PartnerCheck validates a partner origin-check request.
func PartnerCheck(raw []byte) (model.PartnerCheckRequest, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return model.PartnerCheckRequest{}, err
	}

	var c checker
	var req model.PartnerCheckRequest

	if s, ok := c.str(obj, "productSku", "productSku", true); ok && c.length(s, "productSku", 1, 100) {
		req.ProductSKU = s
	}
	if s, ok := c.str(obj, "hsCode", "hsCode", true); ok && c.match(s, "hsCode", partnerHS, "HS code must be 6-10 digits") {
		req.HSCode = s
	}

	agreementKey := "agreement"
	if _, ok := obj[agreementKey]; !ok {
		if _, alt := obj["tradeAgreement"]; alt {
			agreementKey = "tradeAgreement"
		}
	}
	if s, ok := c.str(obj, agreementKey, agreementKey, true); ok && c.oneOf(s, agreementKey, model.PartnerAgreements) {
		req.TradeAgreement = s
	}

	if v, ok := c.num(obj, "exWorksValue", "exWorksValue", true); ok {
		if v > 0 {
			req.ExWorksValue = v
		} else {
			c.add("exWorksValue", "Number must be greater than 0")
		}
	}

	if items, ok := c.arr(obj, "materials", "materials", 1, "Array must contain at least 1 element(s)"); ok {
		req.Materials = make([]model.PartnerMaterial, 0, len(items))
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				c.add(path("materials", i), "Expected object, received "+kind(item))
				continue
			}
			var pm model.PartnerMaterial
			if s, ok := c.str(m, "hsCode", path("materials", i, "hsCode"), true); ok &&
				c.match(s, path("materials", i, "hsCode"), partnerHS, "Invalid") {
				pm.HSCode = s
			}
			if s, ok := c.str(m, "origin", path("materials", i, "origin"), true); ok &&
				c.match(s, path("materials", i, "origin"), countryCode, "Expected ISO 3166-1 alpha-2 code") {
				pm.Origin = s
			}
			if v, ok := c.num(m, "value", path("materials", i, "value"), true); ok {
				if v >= 0 {
					pm.Value = v
				} else {
					c.add(path("materials", i, "value"), "Number must be greater than or equal to 0")
				}
			}
			if s, ok := c.str(m, "description", path("materials", i, "description"), false); ok {
				pm.Description = s
			}
			req.Materials = append(req.Materials, pm)
		}
	}

	if s, ok := c.str(obj, "requestId", "requestId", false); ok {
		req.RequestID = strings.TrimSpace(s)
	}

	if err := c.err(MsgInvalidBody); err != nil {
		return model.PartnerCheckRequest{}, err
	}
	return req, nil
}

// WebhookRegistration validates a partner webhook registration.
func WebhookRegistration(raw []byte) (model.WebhookRegistration, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return model.WebhookRegistration{}, err
	}

	var c checker
	var reg model.WebhookRegistration

	if s, ok := c.str(obj, "url", "url", true); ok {
		switch {
		case !govalidator.IsURL(s):
			c.add("url", "Invalid url")
		case !strings.HasPrefix(s, "https://"):
			c.add("url", MsgWebhookHTTPS)
		default:
			reg.URL = s
		}
	}

	if items, ok := c.arr(obj, "events", "events", 1, "At least one event type is required"); ok {
		for i, item := range items {
			s, isStr := item.(string)
			if !isStr {
				c.add(path("events", i), "Expected string, received "+kind(item))
				continue
			}
			if c.oneOf(s, path("events", i), model.WebhookEvents) {
				reg.Events = append(reg.Events, s)
			}
		}
	}

	if s, ok := c.str(obj, "secret", "secret", true); ok {
		if len([]rune(s)) < 32 {
			c.add("secret", "Secret must be at least 32 characters for security")
		} else {
			reg.Secret = s
		}
	}

	if s, ok := c.str(obj, "description", "description", false); ok && c.length(s, "description", 0, 255) {
		reg.Description = s
	}

	if err := c.err(MsgInvalidWebhook); err != nil {
		return model.WebhookRegistration{}, err
	}
	return reg, nil
}
