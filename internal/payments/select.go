package payments

import "go.uber.org/zap"

// Provider kinds accepted by NewProvider.
const (
	KindMock   = "mock"
	KindStripe = "stripe"
)

type MockConfig struct {
	CheckoutBase  string
	AutoAuthorize bool
}

// NewProvider builds the adapter named by kind. Unknown kinds get the mock.
func NewProvider(kind string, stripe StripeConfig, mock MockConfig, log *zap.Logger) Provider {
	if kind == KindStripe {
		log.Info("payment provider: stripe", zap.String("base_url", stripe.BaseURL))
		return NewStripeClient(stripe, log)
	}
	log.Info("payment provider: mock", zap.Bool("auto_authorize", mock.AutoAuthorize))
	return NewMockProvider(mock.CheckoutBase, mock.AutoAuthorize, log)
}
