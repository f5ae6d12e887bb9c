package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type SuccessResponse struct {
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
	Data any    `json:"data,omitempty"`
}

type InitEscrowResponse struct {
	Contract    any    `json:"contract"`
	CheckoutURL string `json:"checkout_url,omitempty"`
}
