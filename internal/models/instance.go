package models

// Instance is one deployed backend (dev, staging, production) with its own push
// subscription on the shared Pub/Sub topic.
type Instance struct {
	ID                 string `json:"instanceId" mapstructure:"id"`
	Environment        string `json:"environment" mapstructure:"environment"`
	WebhookURL         string `json:"webhookUrl" mapstructure:"webhook_url"`
	SubscriptionName   string `json:"subscriptionName" mapstructure:"subscription"`
	PushServiceAccount string `json:"pushServiceAccount,omitempty" mapstructure:"push_service_account"`
	Active             bool   `json:"active" mapstructure:"active"`
}
