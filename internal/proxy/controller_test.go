package proxy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/writgo/aigateway/internal/account"
	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/ledger"
	"github.com/writgo/aigateway/internal/quota"
	"github.com/writgo/aigateway/internal/upstream"
)

type fakeResolver struct {
	acct *account.Account
	err  error
}

func (f *fakeResolver) Resolve(context.Context, string) (*account.Account, error) {
	return f.acct, f.err
}

type fakeLedger struct {
	mu          sync.Mutex
	counts      map[uint64]int64
	reserveErr  error
	rollbackErr error
	reserves    int
	rollbacks   int
	lastKey     string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{counts: map[uint64]int64{}}
}

func (f *fakeLedger) Snapshot(_ context.Context, accountID uint64) (ledger.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ledger.Snapshot{
		AccountID:    accountID,
		RequestCount: f.counts[accountID],
		PeriodStart:  ledger.PeriodStart(time.Now()),
	}, nil
}

func (f *fakeLedger) Reserve(_ context.Context, accountID uint64, amount, limit int64, key string) (ledger.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	f.lastKey = key
	if f.reserveErr != nil {
		return ledger.Reservation{}, f.reserveErr
	}
	snap := ledger.Snapshot{
		AccountID:    accountID,
		RequestCount: f.counts[accountID],
		PeriodStart:  ledger.PeriodStart(time.Now()),
	}
	if limit >= 0 && f.counts[accountID]+amount > limit {
		return ledger.Reservation{AccountID: accountID, IdempotencyKey: key, Snapshot: snap}, ledger.ErrLimitExceeded
	}
	f.counts[accountID] += amount
	snap.RequestCount = f.counts[accountID]
	return ledger.Reservation{AccountID: accountID, Amount: amount, IdempotencyKey: key, Snapshot: snap}, nil
}

func (f *fakeLedger) Rollback(_ context.Context, res ledger.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	if res.Amount > 0 {
		f.counts[res.AccountID] -= res.Amount
	}
	return nil
}

type fakeDispatcher struct {
	credErr     error
	dispatchErr error
	result      *upstream.Result
	calls       int
}

func (f *fakeDispatcher) ResolveCredential(string) (string, error) {
	if f.credErr != nil {
		return "", f.credErr
	}
	return "sk-test", nil
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req upstream.Request, _ string) (*upstream.Result, error) {
	f.calls++
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &upstream.Result{Action: req.Action, Model: "gpt-4o-mini", Content: "ok"}, nil
}

// gatedDispatcher blocks every call until released, so tests can hold
// requests in flight while others race through the quota check.
type gatedDispatcher struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int64
}

func (g *gatedDispatcher) ResolveCredential(string) (string, error) { return "sk-test", nil }

func (g *gatedDispatcher) Dispatch(_ context.Context, req upstream.Request, _ string) (*upstream.Result, error) {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return &upstream.Result{Action: req.Action, Model: "gpt-4o-mini", Content: "ok"}, nil
}

func testPolicy(t *testing.T) *quota.Policy {
	t.Helper()
	policy, err := quota.NewPolicy(quota.ModeRequests, map[string]int64{
		"trial":        3,
		"starter":      100,
		"professional": 500,
		"business":     2000,
		"enterprise":   10000,
	}, nil)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return policy
}

func starterAccount() *account.Account {
	return &account.Account{ID: 1, AccountID: "acct_1", Tier: quota.TierStarter}
}

func textInput() GenerateInput {
	return GenerateInput{Token: "wg_key", Action: config.ActionGenerateText, Prompt: "hello"}
}

func TestGenerateChargesOnSuccess(t *testing.T) {
	led := newFakeLedger()
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), &fakeDispatcher{}, nil)

	out, err := ctrl.Generate(context.Background(), textInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Result.Content != "ok" {
		t.Fatalf("content = %q", out.Result.Content)
	}
	if out.Usage.Used != 1 || out.Usage.Limit != 100 || out.Usage.Remaining != 99 {
		t.Fatalf("usage = %+v", out.Usage)
	}
	if led.counts[1] != 1 {
		t.Fatalf("ledger count = %d, want 1", led.counts[1])
	}
}

func TestGenerateAtLimitNeverDispatches(t *testing.T) {
	led := newFakeLedger()
	led.counts[1] = 100
	disp := &fakeDispatcher{}
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), disp, nil)

	_, err := ctrl.Generate(context.Background(), textInput())
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeRateLimited {
		t.Fatalf("error = %v, want rate_limited", err)
	}
	if perr.ResetAt.IsZero() {
		t.Fatal("rate_limited error missing ResetAt")
	}
	if perr.Usage == nil || perr.Usage.Remaining != 0 {
		t.Fatalf("rate_limited usage = %+v", perr.Usage)
	}
	if disp.calls != 0 {
		t.Fatalf("dispatcher called %d times, want 0", disp.calls)
	}
	if led.counts[1] != 100 {
		t.Fatalf("ledger count = %d, want 100", led.counts[1])
	}
}

func TestGenerateLastAllowanceUnit(t *testing.T) {
	led := newFakeLedger()
	led.counts[1] = 99
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), &fakeDispatcher{}, nil)

	out, err := ctrl.Generate(context.Background(), textInput())
	if err != nil {
		t.Fatalf("Generate at 99/100: %v", err)
	}
	if out.Usage.Used != 100 || out.Usage.Remaining != 0 {
		t.Fatalf("usage = %+v", out.Usage)
	}

	// The next one must be refused without reaching the provider.
	_, err = ctrl.Generate(context.Background(), textInput())
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeRateLimited {
		t.Fatalf("error = %v, want rate_limited", err)
	}
}

func TestGenerateConcurrentLastUnitChargesOnce(t *testing.T) {
	led := newFakeLedger()
	led.counts[1] = 99
	gate := &gatedDispatcher{entered: make(chan struct{}, 2), release: make(chan struct{})}
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), gate, nil)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := ctrl.Generate(context.Background(), textInput())
			results <- err
		}()
	}

	// Hold the winner inside the provider call; the loser must already have
	// been refused without dispatching.
	<-gate.entered
	close(gate.release)

	var successes, limited int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			successes++
			continue
		}
		var perr *Error
		if !errors.As(err, &perr) || perr.Code != CodeRateLimited {
			t.Fatalf("error = %v, want rate_limited", err)
		}
		limited++
	}
	if successes != 1 || limited != 1 {
		t.Fatalf("successes = %d, limited = %d, want 1 and 1", successes, limited)
	}
	if got := led.counts[1]; got != 100 {
		t.Fatalf("ledger count = %d, want 100", got)
	}
	if calls := gate.calls.Load(); calls != 1 {
		t.Fatalf("dispatcher called %d times, want 1", calls)
	}
}

func TestGenerateUpstreamFailureDoesNotCharge(t *testing.T) {
	led := newFakeLedger()
	disp := &fakeDispatcher{dispatchErr: upstream.ErrUpstream}
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), disp, nil)

	_, err := ctrl.Generate(context.Background(), textInput())
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeUpstream {
		t.Fatalf("error = %v, want upstream_error", err)
	}
	if led.counts[1] != 0 {
		t.Fatalf("ledger count = %d, want 0", led.counts[1])
	}
	if led.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", led.rollbacks)
	}
}

func TestGenerateInvalidResponseDoesNotCharge(t *testing.T) {
	led := newFakeLedger()
	disp := &fakeDispatcher{dispatchErr: upstream.ErrInvalidResponse}
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), disp, nil)

	_, err := ctrl.Generate(context.Background(), textInput())
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeInvalidResponse {
		t.Fatalf("error = %v, want invalid_response", err)
	}
	if led.counts[1] != 0 {
		t.Fatalf("ledger count = %d, want 0", led.counts[1])
	}
}

func TestGenerateNoCredentialFailsBeforeDispatch(t *testing.T) {
	led := newFakeLedger()
	disp := &fakeDispatcher{credErr: upstream.ErrNoCredential}
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), disp, nil)

	_, err := ctrl.Generate(context.Background(), textInput())
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeConfiguration {
		t.Fatalf("error = %v, want configuration_error", err)
	}
	if disp.calls != 0 {
		t.Fatalf("dispatcher called %d times, want 0", disp.calls)
	}
	if led.counts[1] != 0 {
		t.Fatalf("ledger count = %d, want 0", led.counts[1])
	}
}

func TestGenerateReserveErrorIsInternal(t *testing.T) {
	led := newFakeLedger()
	led.reserveErr = errors.New("database is locked")
	disp := &fakeDispatcher{}
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), disp, nil)

	_, err := ctrl.Generate(context.Background(), textInput())
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeInternal {
		t.Fatalf("error = %v, want internal_error", err)
	}
	if disp.calls != 0 {
		t.Fatalf("dispatcher called %d times, want 0", disp.calls)
	}
}

func TestGenerateRollbackFailureStillReportsUpstreamError(t *testing.T) {
	led := newFakeLedger()
	led.rollbackErr = errors.New("database is locked")
	disp := &fakeDispatcher{dispatchErr: upstream.ErrUpstream}
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), disp, nil)

	_, err := ctrl.Generate(context.Background(), textInput())
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeUpstream {
		t.Fatalf("error = %v, want upstream_error", err)
	}
}

func TestGenerateThreadsIdempotencyKey(t *testing.T) {
	led := newFakeLedger()
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), &fakeDispatcher{}, nil)

	in := textInput()
	in.IdempotencyKey = "retry-42"
	if _, err := ctrl.Generate(context.Background(), in); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if led.lastKey != "retry-42" {
		t.Fatalf("reserved key = %q", led.lastKey)
	}
}

func TestGenerateAdminUnlimited(t *testing.T) {
	led := newFakeLedger()
	led.counts[1] = 1_000_000
	admin := &account.Account{ID: 1, AccountID: "acct_admin", Tier: quota.TierAdmin}
	ctrl := NewController(&fakeResolver{acct: admin}, led, testPolicy(t), &fakeDispatcher{}, nil)

	out, err := ctrl.Generate(context.Background(), textInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Usage.Limit != quota.Unlimited || out.Usage.Remaining != quota.Unlimited {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestGenerateResolveErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"unauthenticated", account.ErrUnauthenticated, CodeUnauthenticated},
		{"forbidden", account.ErrForbidden, CodeForbidden},
		{"license", account.ErrLicenseInvalid, CodeLicenseInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			disp := &fakeDispatcher{}
			ctrl := NewController(&fakeResolver{acct: starterAccount(), err: tc.err}, newFakeLedger(), testPolicy(t), disp, nil)
			_, err := ctrl.Generate(context.Background(), textInput())
			var perr *Error
			if !errors.As(err, &perr) || perr.Code != tc.want {
				t.Fatalf("error = %v, want code %s", err, tc.want)
			}
			if disp.calls != 0 {
				t.Fatalf("dispatcher called for %s", tc.name)
			}
		})
	}
}

func TestGenerateValidation(t *testing.T) {
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, newFakeLedger(), testPolicy(t), &fakeDispatcher{}, nil)

	cases := []struct {
		name string
		in   GenerateInput
	}{
		{"unknown action", GenerateInput{Action: "summarize", Prompt: "x"}},
		{"empty prompt", GenerateInput{Action: config.ActionGenerateText, Prompt: "   "}},
		{"temperature out of range", func() GenerateInput {
			in := textInput()
			temp := 1.5
			in.Temperature = &temp
			return in
		}()},
		{"non-positive max_tokens", func() GenerateInput {
			in := textInput()
			n := 0
			in.MaxTokens = &n
			return in
		}()},
		{"unsupported image size", func() GenerateInput {
			in := textInput()
			in.Action = config.ActionGenerateImage
			in.Size = "640x480"
			return in
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ctrl.Generate(context.Background(), tc.in)
			var perr *Error
			if !errors.As(err, &perr) || perr.Code != CodeValidation {
				t.Fatalf("error = %v, want validation_error", err)
			}
		})
	}
}

func TestUsageActiveAccount(t *testing.T) {
	led := newFakeLedger()
	led.counts[1] = 40
	ctrl := NewController(&fakeResolver{acct: starterAccount()}, led, testPolicy(t), &fakeDispatcher{}, nil)

	stats, err := ctrl.Usage(context.Background(), "wg_key")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if stats.Used != 40 || stats.Remaining != 60 || stats.Limit != 100 || !stats.ServiceActive {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ResetAt.IsZero() {
		t.Fatal("missing ResetAt")
	}
}

func TestUsageLapsedAccountReportsInactive(t *testing.T) {
	ctrl := NewController(&fakeResolver{acct: starterAccount(), err: account.ErrLicenseInvalid}, newFakeLedger(), testPolicy(t), &fakeDispatcher{}, nil)

	stats, err := ctrl.Usage(context.Background(), "wg_key")
	if err != nil {
		t.Fatalf("Usage for lapsed account: %v", err)
	}
	if stats.ServiceActive {
		t.Fatal("ServiceActive = true for lapsed account")
	}
}

func TestUsageUnknownKeyRejected(t *testing.T) {
	ctrl := NewController(&fakeResolver{err: account.ErrUnauthenticated}, newFakeLedger(), testPolicy(t), &fakeDispatcher{}, nil)

	_, err := ctrl.Usage(context.Background(), "bogus")
	var perr *Error
	if !errors.As(err, &perr) || perr.Code != CodeUnauthenticated {
		t.Fatalf("error = %v, want unauthenticated", err)
	}
}

func TestErrorHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeUnauthenticated: 401,
		CodeForbidden:       403,
		CodeLicenseInvalid:  403,
		CodeRateLimited:     429,
		CodeValidation:      400,
		CodeConfiguration:   500,
		CodeUpstream:        502,
		CodeInvalidResponse: 502,
		CodeInternal:        500,
	}
	for code, want := range cases {
		if got := (&Error{Code: code}).HTTPStatus(); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}
