package resp

import "integrahub/internal/model"

// EndpointCreatedResponse is the only response that reveals the shared secret.
type EndpointCreatedResponse struct {
	*model.WebhookEndpoint
	SharedSecret string `json:"shared_secret"`
}

type ListEndpointsResponse struct {
	Data []model.WebhookEndpoint `json:"data"`
}

type ListDeadLettersResponse struct {
	Data  []model.DeadLetterEntry `json:"data"`
	Total int64                   `json:"total"`
}

type DeadLetterDetailResponse struct {
	*model.DeadLetterEntry
	Delivery *model.WebhookDelivery  `json:"delivery"`
	Attempts []model.DeliveryAttempt `json:"attempts"`
}
