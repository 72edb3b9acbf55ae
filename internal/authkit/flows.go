package authkit

import (
	"context"
	"errors"
	"strings"

	"github.com/tyemirov/shopauth/internal/accounts"
	"github.com/tyemirov/shopauth/internal/autherr"
	"github.com/tyemirov/shopauth/internal/identity"
	"go.uber.org/zap"
)

// Metric event names recorded by FlowService and the HTTP handlers.
const (
	MetricLoginSuccess   = "auth.login.success"
	MetricLoginFailure   = "auth.login.failure"
	MetricRefreshSuccess = "auth.refresh.success"
	MetricRefreshFailure = "auth.refresh.failure"
	MetricLogoutSuccess  = "auth.logout.success"
	MetricAccountCreated = "auth.account.created"
)

// FlowStage marks how far a login attempt progressed.
type FlowStage string

const (
	StageStart              FlowStage = "start"
	StageCredentialReceived FlowStage = "credential_received"
	StageIdentityVerified   FlowStage = "identity_verified"
	StageAccountResolved    FlowStage = "account_resolved"
	StageCredentialsIssued  FlowStage = "credentials_issued"
	StageResponded          FlowStage = "responded"
	StageFailed             FlowStage = "failed"
)

// CodeExchanger redeems authorization codes issued by the consent redirect.
type CodeExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (identity.ExternalIdentity, error)
}

// TokenVerifier verifies identity tokens obtained directly by native clients.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenID string, providerName string) (identity.ExternalIdentity, error)
}

// AccountReconciler resolves a verified identity to a local account.
type AccountReconciler interface {
	Reconcile(ctx context.Context, external identity.ExternalIdentity) (*accounts.Account, accounts.ReconcileOutcome, error)
}

// FlowDependencies are the constructed collaborators a FlowService sequences.
type FlowDependencies struct {
	CodeExchanger     CodeExchanger
	TokenVerifier     TokenVerifier
	Reconciler        AccountReconciler
	Issuer            *CredentialIssuer
	States            StateStore
	RequireOAuthState bool
	Metrics           MetricsRecorder
	Logger            *zap.Logger
}

// AccountSummary is the client-facing view of an account.
type AccountSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl"`
	Role        string `json:"role"`
	Provider    string `json:"provider,omitempty"`
}

// NewAccountSummary projects an account onto its client-facing fields. Provider is left for callers to echo.
func NewAccountSummary(account *accounts.Account) AccountSummary {
	return AccountSummary{
		ID:          account.ID,
		DisplayName: account.DisplayName,
		Email:       account.Email,
		AvatarURL:   account.AvatarURL,
		Role:        string(account.Role),
	}
}

// LoginResult is what a completed login responds with.
type LoginResult struct {
	Account    AccountSummary
	Credential SessionCredential
	Outcome    accounts.ReconcileOutcome
	Stage      FlowStage
}

// FlowService sequences identity verification, account reconciliation, and credential issuance.
type FlowService struct {
	codeExchanger     CodeExchanger
	tokenVerifier     TokenVerifier
	reconciler        AccountReconciler
	issuer            *CredentialIssuer
	states            StateStore
	requireOAuthState bool
	metrics           MetricsRecorder
	logger            *zap.Logger
}

var (
	errMissingReconciler = errors.New("flows.missing_reconciler")
	errMissingFlowIssuer = errors.New("flows.missing_issuer")
	errMissingVerifiers  = errors.New("flows.missing_verifiers")
	errStateRequired     = errors.New("flows.state_store_required")
)

// NewFlowService validates dependencies. At least one of the code exchanger or token verifier is required.
func NewFlowService(dependencies FlowDependencies) (*FlowService, error) {
	if dependencies.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if dependencies.Issuer == nil {
		return nil, errMissingFlowIssuer
	}
	if dependencies.CodeExchanger == nil && dependencies.TokenVerifier == nil {
		return nil, errMissingVerifiers
	}
	if dependencies.RequireOAuthState && dependencies.States == nil {
		return nil, errStateRequired
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlowService{
		codeExchanger:     dependencies.CodeExchanger,
		tokenVerifier:     dependencies.TokenVerifier,
		reconciler:        dependencies.Reconciler,
		issuer:            dependencies.Issuer,
		states:            dependencies.States,
		requireOAuthState: dependencies.RequireOAuthState,
		metrics:           metrics,
		logger:            logger,
	}, nil
}

// BeginCodeLogin returns the consent URL, bound to a fresh one-time state when a state store is configured.
func (service *FlowService) BeginCodeLogin(ctx context.Context) (string, error) {
	if service.codeExchanger == nil {
		return "", autherr.UnsupportedProvider(string(identity.ProviderGoogle))
	}
	state := ""
	if service.states != nil {
		issued, issueErr := service.states.Issue(ctx)
		if issueErr != nil {
			service.logger.Error("oauth state issue failed",
				zap.String("code", "auth.flow.state_issue_failed"),
				zap.Error(issueErr))
			return "", autherr.Internal(issueErr)
		}
		state = issued
	}
	return service.codeExchanger.AuthCodeURL(state), nil
}

// CompleteCodeLogin redeems an authorization code and signs the account in.
// A missing state is rejected only when RequireOAuthState is set.
func (service *FlowService) CompleteCodeLogin(ctx context.Context, code string, state string) (LoginResult, error) {
	return service.completeCodeLogin(ctx, code, state, service.requireOAuthState)
}

// CompleteBrowserCodeLogin handles the consent redirect. It always demands the state
// BeginCodeLogin issued when a state store is configured.
func (service *FlowService) CompleteBrowserCodeLogin(ctx context.Context, code string, state string) (LoginResult, error) {
	return service.completeCodeLogin(ctx, code, state, service.requireOAuthState || service.states != nil)
}

func (service *FlowService) completeCodeLogin(ctx context.Context, code string, state string, stateRequired bool) (LoginResult, error) {
	run := service.startRun("code")
	if strings.TrimSpace(code) == "" {
		return run.fail(autherr.MissingParameter("code"))
	}
	if service.codeExchanger == nil {
		return run.fail(autherr.UnsupportedProvider(string(identity.ProviderGoogle)))
	}
	if stateErr := service.consumeState(ctx, state, stateRequired); stateErr != nil {
		return run.fail(stateErr)
	}
	run.advance(StageCredentialReceived)

	external, exchangeErr := service.codeExchanger.Exchange(ctx, code)
	if exchangeErr != nil {
		return run.fail(exchangeErr)
	}
	return service.finishLogin(ctx, run, external)
}

// CompleteTokenLogin verifies an identity token and signs the account in.
func (service *FlowService) CompleteTokenLogin(ctx context.Context, tokenID string, providerName string) (LoginResult, error) {
	run := service.startRun("token")
	if strings.TrimSpace(tokenID) == "" {
		return run.fail(autherr.MissingParameter("tokenId"))
	}
	if strings.TrimSpace(providerName) == "" {
		return run.fail(autherr.MissingParameter("provider"))
	}
	if service.tokenVerifier == nil {
		return run.fail(autherr.UnsupportedProvider(providerName))
	}
	run.advance(StageCredentialReceived)

	external, verifyErr := service.tokenVerifier.Verify(ctx, tokenID, providerName)
	if verifyErr != nil {
		return run.fail(verifyErr)
	}
	result, err := service.finishLogin(ctx, run, external)
	if err == nil {
		result.Account.Provider = string(external.Provider)
	}
	return result, err
}

// RefreshSession exchanges a refresh token for a fresh token pair.
func (service *FlowService) RefreshSession(ctx context.Context, refreshToken string) (SessionCredential, error) {
	if strings.TrimSpace(refreshToken) == "" {
		service.metrics.Increment(MetricRefreshFailure)
		return SessionCredential{}, autherr.MissingParameter("refreshToken")
	}
	credential, claims, err := service.issuer.Refresh(refreshToken)
	if err != nil {
		classified := autherr.As(err)
		service.metrics.Increment(MetricRefreshFailure)
		service.logger.Warn("refresh rejected",
			zap.String("code", "auth.refresh.rejected"),
			zap.String("error_code", string(classified.Code)),
			zap.Error(classified.Cause))
		return SessionCredential{}, classified
	}
	service.metrics.Increment(MetricRefreshSuccess)
	service.logger.Debug("session refreshed",
		zap.String("code", "auth.refresh.success"),
		zap.String("account_id", claims.SubjectID))
	return credential, nil
}

func (service *FlowService) consumeState(ctx context.Context, state string, required bool) error {
	if strings.TrimSpace(state) == "" {
		if required {
			return autherr.MissingParameter("state")
		}
		return nil
	}
	if service.states == nil {
		return nil
	}
	consumeErr := service.states.Consume(ctx, state)
	switch {
	case consumeErr == nil:
		return nil
	case errors.Is(consumeErr, ErrStateNotFound), errors.Is(consumeErr, ErrStateExpired):
		return autherr.Wrap(autherr.CodeInvalidState, "OAuth state is unknown, expired, or already used", consumeErr)
	default:
		return autherr.Internal(consumeErr)
	}
}

// finishLogin runs the stages shared by both protocols. The account write is not rolled back if signing fails.
func (service *FlowService) finishLogin(ctx context.Context, run *flowRun, external identity.ExternalIdentity) (LoginResult, error) {
	run.advance(StageIdentityVerified)

	account, outcome, reconcileErr := service.reconciler.Reconcile(ctx, external)
	if reconcileErr != nil {
		return run.fail(reconcileErr)
	}
	if outcome == accounts.OutcomeCreated {
		service.metrics.Increment(MetricAccountCreated)
	}
	run.accountID = account.ID
	run.advance(StageAccountResolved)

	credential, issueErr := service.issuer.Issue(account)
	if issueErr != nil {
		return run.fail(autherr.Internal(issueErr))
	}
	run.advance(StageCredentialsIssued)

	run.advance(StageResponded)
	service.metrics.Increment(MetricLoginSuccess)
	service.logger.Info("login completed",
		zap.String("code", "auth.login.success"),
		zap.String("flow", run.flow),
		zap.String("account_id", account.ID),
		zap.String("outcome", string(outcome)))
	return LoginResult{
		Account:    NewAccountSummary(account),
		Credential: credential,
		Outcome:    outcome,
		Stage:      run.stage,
	}, nil
}

type flowRun struct {
	service   *FlowService
	flow      string
	stage     FlowStage
	accountID string
}

func (service *FlowService) startRun(flow string) *flowRun {
	return &flowRun{service: service, flow: flow, stage: StageStart}
}

func (run *flowRun) advance(stage FlowStage) {
	run.stage = stage
	run.service.logger.Debug("login stage",
		zap.String("flow", run.flow),
		zap.String("stage", string(stage)))
}

func (run *flowRun) fail(err error) (LoginResult, error) {
	classified := autherr.As(err)
	failedAt := run.stage
	run.stage = StageFailed
	run.service.metrics.Increment(MetricLoginFailure)

	fields := []zap.Field{
		zap.String("code", "auth.login.failure"),
		zap.String("flow", run.flow),
		zap.String("failed_at", string(failedAt)),
		zap.String("error_code", string(classified.Code)),
	}
	if run.accountID != "" {
		fields = append(fields, zap.String("account_id", run.accountID))
	}
	if classified.Cause != nil {
		fields = append(fields, zap.Error(classified.Cause))
	}
	if classified.HTTPStatus() >= 500 {
		run.service.logger.Error("login failed", fields...)
	} else {
		run.service.logger.Warn("login failed", fields...)
	}
	return LoginResult{Stage: StageFailed}, classified
}
