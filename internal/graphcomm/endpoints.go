package graphcomm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/enforcement"
	"github.com/trimodal-rag/backend/internal/models"
)

// ConfigValidator gates configs received over the bus.
type ConfigValidator interface {
	ValidateDomainConfig(cfg *models.DomainConfig) (enforcement.Report, error)
}

type ConfigReader interface {
	GetConfig(ctx context.Context, domain string) (*models.DomainConfig, error)
}

type ConfigWriter interface {
	StoreConfig(ctx context.Context, domain string, cfg *models.DomainConfig) error
}

type ConfigRequest struct {
	Domain string `json:"domain"`
}

type ConfigResponse struct {
	Domain    string               `json:"domain"`
	Config    *models.DomainConfig `json:"config,omitempty"`
	ErrorKind apperrors.Kind       `json:"error_kind,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type StatusPayload struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

type FeedbackPayload struct {
	Feedback models.UserFeedback `json:"feedback"`
}

// PublishTelemetry forwards one execution's metrics to the peer.
func (b *Bus) PublishTelemetry(ctx context.Context, m *models.ExecutionMetrics) error {
	_, err := b.Send(ctx, b.opts.PeerIdentity, TypeTelemetry, m.Domain, m)
	return err
}

func (b *Bus) PublishStatus(ctx context.Context, domain, status string, details map[string]any) error {
	_, err := b.Send(ctx, b.opts.PeerIdentity, TypeStatus, domain, StatusPayload{Status: status, Details: details})
	return err
}

func (b *Bus) PublishFeedback(ctx context.Context, domain string, fb models.UserFeedback) error {
	_, err := b.Send(ctx, b.opts.PeerIdentity, TypeFeedback, domain, FeedbackPayload{Feedback: fb})
	return err
}

// RequestConfig asks the peer for the current config of domain. The answer
// is checked by the enforcer before it is returned.
func (b *Bus) RequestConfig(ctx context.Context, domain string) (*models.DomainConfig, error) {
	reply, err := b.Request(ctx, b.opts.PeerIdentity, TypeConfigRequest, domain, ConfigRequest{Domain: domain}, b.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var resp ConfigResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}
	switch {
	case resp.ErrorKind == apperrors.KindConfigurationNotAvailable:
		return nil, apperrors.NotAvailable("", domain, "peer has no config: "+resp.Error)
	case resp.Error != "":
		return nil, fmt.Errorf("peer failed to serve config for %s: %s", domain, resp.Error)
	case resp.Config == nil:
		return nil, apperrors.NotAvailable("", domain, "peer returned an empty config")
	case resp.Config.Domain != domain:
		return nil, fmt.Errorf("peer returned config for %q, requested %q", resp.Config.Domain, domain)
	}

	if b.enforcer != nil {
		if _, err := b.enforcer.ValidateDomainConfig(resp.Config); err != nil {
			return nil, err
		}
	}
	return resp.Config, nil
}

// SyncConfig copies the peer's config for domain into the local store.
func (b *Bus) SyncConfig(ctx context.Context, domain string, store ConfigWriter) error {
	cfg, err := b.RequestConfig(ctx, domain)
	if err != nil {
		return err
	}
	return store.StoreConfig(ctx, domain, cfg)
}

// ServeConfigs answers config requests from store. A missing config is
// reported to the requester, not retried.
func (b *Bus) ServeConfigs(store ConfigReader) {
	b.Handle(TypeConfigRequest, func(ctx context.Context, m Message) (any, error) {
		var req ConfigRequest
		if err := m.Decode(&req); err != nil {
			return ConfigResponse{Domain: m.Domain, ErrorKind: apperrors.KindInvalidInput, Error: err.Error()}, nil
		}
		cfg, err := store.GetConfig(ctx, req.Domain)
		if err != nil {
			return ConfigResponse{Domain: req.Domain, ErrorKind: apperrors.KindOf(err), Error: err.Error()}, nil
		}
		if cfg == nil {
			return ConfigResponse{
				Domain:    req.Domain,
				ErrorKind: apperrors.KindConfigurationNotAvailable,
				Error:     "no config stored for domain",
			}, nil
		}
		return ConfigResponse{Domain: req.Domain, Config: cfg}, nil
	})
}

func (b *Bus) OnStatus(fn func(ctx context.Context, domain string, s StatusPayload) error) {
	b.Handle(TypeStatus, func(ctx context.Context, m Message) (any, error) {
		var s StatusPayload
		if err := m.Decode(&s); err != nil {
			b.log.Error("Dropping undecodable status", zap.String("id", m.ID), zap.Error(err))
			return nil, nil
		}
		return nil, fn(ctx, m.Domain, s)
	})
}

func (b *Bus) OnTelemetry(fn func(ctx context.Context, m *models.ExecutionMetrics) error) {
	b.Handle(TypeTelemetry, func(ctx context.Context, m Message) (any, error) {
		var em models.ExecutionMetrics
		if err := m.Decode(&em); err != nil {
			b.log.Error("Dropping undecodable telemetry", zap.String("id", m.ID), zap.Error(err))
			return nil, nil
		}
		return nil, fn(ctx, &em)
	})
}

func (b *Bus) OnFeedback(fn func(ctx context.Context, domain string, fb models.UserFeedback) error) {
	b.Handle(TypeFeedback, func(ctx context.Context, m Message) (any, error) {
		var p FeedbackPayload
		if err := m.Decode(&p); err != nil {
			b.log.Error("Dropping undecodable feedback", zap.String("id", m.ID), zap.Error(err))
			return nil, nil
		}
		return nil, fn(ctx, m.Domain, p.Feedback)
	})
}
