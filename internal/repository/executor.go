package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"RevEngine/internal/domain/models"
	domrepo "RevEngine/internal/domain/repository"
	"RevEngine/internal/service/retry"
	pkghttp "RevEngine/pkg/http"
	"RevEngine/pkg/logger"
)

// DryRunExecutor accepts every strategy and only logs it. It is the default
// when no execution endpoint is configured.
type DryRunExecutor struct {
	log *logger.Logger
}

var _ domrepo.Executor = (*DryRunExecutor)(nil)

func NewDryRunExecutor(log *logger.Logger) *DryRunExecutor {
	return &DryRunExecutor{log: log.With(logger.String("component", "executor"))}
}

func (e *DryRunExecutor) OnImplement(_ context.Context, s models.Strategy) error {
	e.log.Info("dry run implement",
		logger.String("strategy_id", s.ID),
		logger.String("symbol", s.Symbol),
		logger.String("kind", string(s.Kind)),
		logger.Any("parameters", s.Parameters),
	)
	return nil
}

// HTTPExecutor posts implemented strategies to an order-execution service.
// The strategy id is sent as the idempotency key so retried posts are safe.
type HTTPExecutor struct {
	client   *pkghttp.Client
	endpoint string
	policy   retry.Policy
	log      *logger.Logger
}

var _ domrepo.Executor = (*HTTPExecutor)(nil)

func NewHTTPExecutor(client *pkghttp.Client, baseURL string, policy retry.Policy, log *logger.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client:   client,
		endpoint: strings.TrimRight(baseURL, "/") + "/strategies",
		policy:   policy,
		log:      log.With(logger.String("component", "executor")),
	}
}

type implementRequest struct {
	StrategyID    string             `json:"strategy_id"`
	OpportunityID string             `json:"opportunity_id"`
	Symbol        string             `json:"symbol"`
	Kind          string             `json:"kind"`
	Parameters    map[string]float64 `json:"parameters,omitempty"`
}

// OnImplement fails fast on 4xx responses and retries everything else
// within the policy.
func (e *HTTPExecutor) OnImplement(ctx context.Context, s models.Strategy) error {
	body := implementRequest{
		StrategyID:    s.ID,
		OpportunityID: s.OpportunityID,
		Symbol:        s.Symbol,
		Kind:          string(s.Kind),
		Parameters:    s.Parameters,
	}
	attempts, err := retry.Do(ctx, e.policy, func(actx context.Context) error {
		err := e.client.SendAndParse(actx, &pkghttp.RequestOptions{
			Method:  pkghttp.MethodPost,
			URL:     e.endpoint,
			Headers: map[string]string{"Idempotency-Key": s.ID},
			Body:    body,
		}, nil)
		var se *pkghttp.StatusError
		if errors.As(err, &se) && se.ClientError() {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		e.log.Warn("execution failed",
			logger.String("strategy_id", s.ID),
			logger.Int("attempts", attempts),
			logger.Error(err),
		)
		return fmt.Errorf("post strategy after %d attempts: %w", attempts, err)
	}
	return nil
}
