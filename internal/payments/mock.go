package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errUnknownIntent = errors.New("unknown intent")

// MockProvider is an in-process Provider for local runs and tests. Intents
// start in requires_action (checkout not completed) unless AutoAuthorize is
// set. Capture and cancel have effect once per idempotency key.
type MockProvider struct {
	mu            sync.Mutex
	checkoutBase  string
	autoAuthorize bool
	log           *zap.Logger

	intents  map[string]*mockIntent
	captures map[string]string // idempotency key -> ref
	cancels  map[string]string
	failNext map[string]error // op -> error for the next call

	calls map[string]int
}

type mockIntent struct {
	state     IntentState
	captured  bool
	cancelled bool
}

func NewMockProvider(checkoutBase string, autoAuthorize bool, log *zap.Logger) *MockProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &MockProvider{
		checkoutBase:  strings.TrimRight(checkoutBase, "/"),
		autoAuthorize: autoAuthorize,
		log:           log,
		intents:       make(map[string]*mockIntent),
		captures:      make(map[string]string),
		cancels:       make(map[string]string),
		failNext:      make(map[string]error),
		calls:         make(map[string]int),
	}
}

func (m *MockProvider) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["create_intent"]++
	if err := m.takeFailure("create_intent"); err != nil {
		return nil, err
	}

	ref := "mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if req.IdempotencyKey != "" {
		ref = "mock_" + strings.ReplaceAll(req.IdempotencyKey, ":", "_")
	}
	if _, ok := m.intents[ref]; !ok {
		state := StateRequiresAction
		if m.autoAuthorize {
			state = StateAuthorized
		}
		m.intents[ref] = &mockIntent{state: state}
	}

	m.log.Info("mock intent created", zap.String("ref", ref), zap.String("amount", req.Amount.String()))

	intent := &Intent{ExternalRef: ref}
	if m.checkoutBase != "" {
		intent.CheckoutURL = fmt.Sprintf("%s/%s", m.checkoutBase, ref)
	}
	return intent, nil
}

func (m *MockProvider) FetchIntentStatus(_ context.Context, ref string) (IntentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["fetch_intent_status"]++
	if err := m.takeFailure("fetch_intent_status"); err != nil {
		return "", err
	}
	in, ok := m.intents[ref]
	if !ok {
		return "", NewPermanent("fetch_intent_status", errUnknownIntent)
	}
	return in.state, nil
}

func (m *MockProvider) Capture(_ context.Context, ref, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["capture"]++
	if err := m.takeFailure("capture"); err != nil {
		return err
	}
	if prev, ok := m.captures[key]; ok && prev == ref {
		return nil
	}
	in, ok := m.intents[ref]
	if !ok {
		return NewPermanent("capture", errUnknownIntent)
	}
	if in.state != StateAuthorized {
		return NewPermanent("capture", fmt.Errorf("cannot capture intent in state %s", in.state))
	}
	in.state = StatePaid
	in.captured = true
	m.captures[key] = ref
	return nil
}

func (m *MockProvider) CancelAuthorization(_ context.Context, ref, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["cancel_authorization"]++
	if err := m.takeFailure("cancel_authorization"); err != nil {
		return err
	}
	if prev, ok := m.cancels[key]; ok && prev == ref {
		return nil
	}
	in, ok := m.intents[ref]
	if !ok {
		return NewPermanent("cancel_authorization", errUnknownIntent)
	}
	switch in.state {
	case StateCanceled:
		return nil
	case StatePaid:
		return NewPermanent("cancel_authorization", errors.New("intent already captured"))
	}
	in.state = StateCanceled
	in.cancelled = true
	m.cancels[key] = ref
	return nil
}

// SetState simulates an out-of-band step such as the buyer completing
// checkout.
func (m *MockProvider) SetState(ref string, state IntentState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.intents[ref]; ok {
		in.state = state
		return
	}
	m.intents[ref] = &mockIntent{state: state}
}

// FailNext makes the next call of op return err.
func (m *MockProvider) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

func (m *MockProvider) takeFailure(op string) error {
	err, ok := m.failNext[op]
	if !ok {
		return nil
	}
	delete(m.failNext, op)
	return err
}

// EffectiveCaptures counts intents actually moved to paid.
func (m *MockProvider) EffectiveCaptures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, in := range m.intents {
		if in.captured {
			n++
		}
	}
	return n
}

func (m *MockProvider) EffectiveCancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, in := range m.intents {
		if in.cancelled {
			n++
		}
	}
	return n
}

// Calls returns how many times op was invoked, including replays.
func (m *MockProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// CaptureKeys returns the idempotency keys that produced a capture.
func (m *MockProvider) CaptureKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.captures))
	for k := range m.captures {
		keys = append(keys, k)
	}
	return keys
}
