package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/writgo/aigateway/internal/account"
	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/ledger"
	"github.com/writgo/aigateway/internal/models"
	"github.com/writgo/aigateway/internal/quota"
	"github.com/writgo/aigateway/internal/upstream"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxPromptBytes caps prompt size before a request reaches the provider.
const maxPromptBytes = 32 * 1024

// Resolver authenticates an API token into an account identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*account.Account, error)
}

// Dispatcher forwards normalized requests to the upstream provider.
type Dispatcher interface {
	ResolveCredential(accountKey string) (string, error)
	Dispatch(ctx context.Context, req upstream.Request, credential string) (*upstream.Result, error)
}

// UsageStats is the quota position reported alongside every metered response.
type UsageStats struct {
	Used          int64
	Remaining     int64 // quota.Unlimited for admin accounts.
	Limit         int64 // quota.Unlimited for admin accounts.
	ResetAt       time.Time
	ServiceActive bool
}

// GenerateInput is one caller request through the pipeline.
type GenerateInput struct {
	Token          string
	IdempotencyKey string

	Action      string
	Prompt      string
	Model       string
	Temperature *float64
	MaxTokens   *int
	Size        string
	Quality     string
}

// GenerateOutput pairs the provider result with the post-charge quota position.
type GenerateOutput struct {
	Result *upstream.Result
	Usage  UsageStats
}

// Controller runs the generation pipeline. The order is fixed: identity,
// entitlement, reserve, dispatch. The quota charge is reserved atomically
// before the provider is called and refunded when the call fails, so only
// served requests stay charged and two requests racing for the last
// allowance unit cannot both get through.
type Controller struct {
	accounts Resolver
	usage    ledger.Ledger
	policy   *quota.Policy
	gateway  Dispatcher
	db       *gorm.DB

	// now is swappable in tests.
	now func() time.Time
}

// NewController constructs a Controller. db is used for the audit trail and
// may be nil in tests that do not assert on it.
func NewController(accounts Resolver, usage ledger.Ledger, policy *quota.Policy, gateway Dispatcher, db *gorm.DB) *Controller {
	return &Controller{
		accounts: accounts,
		usage:    usage,
		policy:   policy,
		gateway:  gateway,
		db:       db,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Generate runs one request through the pipeline. The charge is reserved
// before dispatch and refunded when the provider call fails, so failed
// requests never stay charged and a burst of parallel requests cannot
// overdraw the allowance.
func (c *Controller) Generate(ctx context.Context, in GenerateInput) (*GenerateOutput, error) {
	started := c.now()

	if errValidate := validateInput(in); errValidate != nil {
		return nil, errValidate
	}

	acct, errResolve := c.accounts.Resolve(ctx, in.Token)
	if errResolve != nil {
		return nil, c.resolveError(errResolve)
	}

	cost, errCost := c.policy.Cost(in.Action)
	if errCost != nil {
		log.WithError(errCost).Error("proxy: cost lookup failed")
		return nil, newError(CodeConfiguration, "the gateway is misconfigured")
	}

	reservation, errReserve := c.usage.Reserve(ctx, acct.ID, cost, c.policy.Limit(acct.Tier), in.IdempotencyKey)
	if errReserve != nil {
		if errors.Is(errReserve, ledger.ErrLimitExceeded) {
			decision := c.policy.Authorize(acct.Tier, reservation.Snapshot, cost)
			stats := statsFromDecision(decision, reservation.Snapshot.RequestCount, true)
			c.appendLog(acct, in, started, cost, string(CodeRateLimited))
			return nil, &Error{
				Code:    CodeRateLimited,
				Message: "usage limit reached for the current period",
				ResetAt: decision.ResetAt,
				Usage:   &stats,
			}
		}
		log.WithError(errReserve).WithField("account", acct.AccountID).Error("proxy: usage reserve failed")
		return nil, newError(CodeInternal, "usage accounting failed")
	}

	credential, errCred := c.gateway.ResolveCredential(acct.UpstreamKey)
	if errCred != nil {
		// Configuration faults are decided before any provider traffic.
		c.releaseReservation(ctx, acct, reservation)
		c.appendLog(acct, in, started, cost, string(CodeConfiguration))
		return nil, newError(CodeConfiguration, "no upstream credential configured")
	}

	// The caller has been charged by now; a client disconnect must not
	// abandon a generation that the provider will bill for anyway.
	dispatchCtx := context.WithoutCancel(ctx)

	result, errDispatch := c.gateway.Dispatch(dispatchCtx, upstream.Request{
		Action:      in.Action,
		Prompt:      in.Prompt,
		Model:       in.Model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Size:        in.Size,
		Quality:     in.Quality,
	}, credential)
	if errDispatch != nil {
		c.releaseReservation(dispatchCtx, acct, reservation)
		code := dispatchErrorCode(errDispatch)
		c.appendLog(acct, in, started, cost, string(code))
		return nil, newError(code, dispatchErrorMessage(code))
	}

	c.appendLog(acct, in, started, cost, "")

	final := c.policy.Authorize(acct.Tier, reservation.Snapshot, 0)
	return &GenerateOutput{
		Result: result,
		Usage:  statsFromDecision(final, reservation.Snapshot.RequestCount, true),
	}, nil
}

// releaseReservation refunds a charge whose request was never served. A
// failed refund leaves the account over-charged until the period resets, so
// it is logged at error level.
func (c *Controller) releaseReservation(ctx context.Context, acct *account.Account, res ledger.Reservation) {
	if errRollback := c.usage.Rollback(context.WithoutCancel(ctx), res); errRollback != nil {
		log.WithError(errRollback).WithField("account", acct.AccountID).Error("proxy: usage rollback failed")
	}
}

// Usage reports the caller's quota position without consuming anything.
// Lapsed or capability-stripped accounts still see their numbers, flagged
// inactive.
func (c *Controller) Usage(ctx context.Context, token string) (*UsageStats, error) {
	acct, errResolve := c.accounts.Resolve(ctx, token)
	active := true
	switch {
	case errResolve == nil:
	case errors.Is(errResolve, account.ErrForbidden), errors.Is(errResolve, account.ErrLicenseInvalid):
		active = false
	default:
		return nil, c.resolveError(errResolve)
	}
	if acct == nil {
		return nil, c.resolveError(errResolve)
	}

	snap, errSnap := c.usage.Snapshot(ctx, acct.ID)
	if errSnap != nil {
		log.WithError(errSnap).WithField("account", acct.AccountID).Error("proxy: usage snapshot failed")
		return nil, newError(CodeInternal, "usage lookup failed")
	}

	decision := c.policy.Authorize(acct.Tier, snap, 0)
	stats := statsFromDecision(decision, snap.RequestCount, active)
	return &stats, nil
}

// resolveError maps account sentinels onto the wire taxonomy.
func (c *Controller) resolveError(err error) *Error {
	switch {
	case errors.Is(err, account.ErrUnauthenticated):
		return newError(CodeUnauthenticated, "invalid or missing API key")
	case errors.Is(err, account.ErrForbidden):
		return newError(CodeForbidden, "generation is not enabled for this account")
	case errors.Is(err, account.ErrLicenseInvalid):
		return newError(CodeLicenseInvalid, "the account's subscription is not active")
	default:
		log.WithError(err).Error("proxy: account resolution failed")
		return newError(CodeInternal, "account lookup failed")
	}
}

// appendLog records an audit row. Best-effort: audit loss never fails a call.
func (c *Controller) appendLog(acct *account.Account, in GenerateInput, started time.Time, cost int64, errCode string) {
	if c.db == nil {
		return
	}

	row := models.GenerationLog{
		AccountID:   acct.ID,
		Action:      in.Action,
		Model:       in.Model,
		RequestedAt: started,
		Failed:      errCode != "",
		ErrorCode:   errCode,
		CostUnits:   cost,
		DurationMs:  c.now().Sub(started).Milliseconds(),
	}
	if detail, errMarshal := json.Marshal(map[string]any{
		"prompt_bytes": len(in.Prompt),
	}); errMarshal == nil {
		row.ErrorDetail = datatypes.JSON(detail)
	}

	if errCreate := c.db.Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).Debug("proxy: audit log append failed")
	}
}

func validateInput(in GenerateInput) *Error {
	switch in.Action {
	case config.ActionGenerateText, config.ActionGenerateImage:
	default:
		return newError(CodeValidation, "action must be generate_text or generate_image")
	}
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return newError(CodeValidation, "prompt is required")
	}
	if len(in.Prompt) > maxPromptBytes {
		return newError(CodeValidation, "prompt is too long")
	}
	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 1) {
		return newError(CodeValidation, "temperature must be within [0, 1]")
	}
	if in.MaxTokens != nil && *in.MaxTokens <= 0 {
		return newError(CodeValidation, "max_tokens must be positive")
	}
	if in.Size != "" && !config.ValidImageSize(in.Size) {
		return newError(CodeValidation, "unsupported image size")
	}
	return nil
}

func dispatchErrorCode(err error) Code {
	switch {
	case errors.Is(err, upstream.ErrInvalidResponse):
		return CodeInvalidResponse
	case errors.Is(err, upstream.ErrNoCredential):
		return CodeConfiguration
	default:
		return CodeUpstream
	}
}

func dispatchErrorMessage(code Code) string {
	switch code {
	case CodeInvalidResponse:
		return "the provider returned an unusable response"
	case CodeConfiguration:
		return "no upstream credential configured"
	default:
		return "the provider request failed"
	}
}

func statsFromDecision(d quota.Decision, used int64, active bool) UsageStats {
	return UsageStats{
		Used:          used,
		Remaining:     d.Remaining,
		Limit:         d.Limit,
		ResetAt:       d.ResetAt,
		ServiceActive: active,
	}
}
