package model

import "time"

// Webhook events partners may subscribe to.
const (
	EventOriginChecked        = "origin.checked"
	EventCertificateGenerated = "certificate.generated"
	EventCertificateExpired   = "certificate.expired"
	EventLTSDValidated        = "ltsd.validated"
	EventLTSDRejected         = "ltsd.rejected"
)

// WebhookEvents lists every subscribable event.
var WebhookEvents = []string{
	EventOriginChecked,
	EventCertificateGenerated,
	EventCertificateExpired,
	EventLTSDValidated,
	EventLTSDRejected,
}

// DeliveryStats counts delivery attempts for a webhook.
type DeliveryStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Webhook is a partner callback registration. The secret is never serialized.
type Webhook struct {
	ID             string        `json:"id"`
	PartnerID      string        `json:"-"`
	URL            string        `json:"url"`
	Events         []string      `json:"events"`
	Secret         string        `json:"-"`
	Description    string        `json:"description,omitempty"`
	Active         bool          `json:"active"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastDeliveryAt *time.Time    `json:"lastDeliveryAt"`
	DeliveryStats  DeliveryStats `json:"deliveryStats"`
}

// WebhookRegistration is a validated registration request.
type WebhookRegistration struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret"`
	Description string   `json:"description,omitempty"`
}
