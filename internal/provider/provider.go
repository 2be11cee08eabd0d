// Package provider is the single entry point for parameter values. It
// routes each name by kind: infrastructure values come from the
// environment, business-logic values from the learned domain config and
// performance values from the execution log. None of these paths falls back
// to a compiled-in number.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/enforcement"
	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/internal/params"
)

// ConfigStore persists domain configs.
type ConfigStore interface {
	GetConfig(ctx context.Context, domain string) (*models.DomainConfig, error)
	StoreConfig(ctx context.Context, domain string, cfg *models.DomainConfig) error
	Domains(ctx context.Context) ([]string, error)
}

// PerformanceSource derives performance parameters from observed executions.
type PerformanceSource interface {
	PerformanceParameter(ctx context.Context, name, domain string) (float64, string, error)
}

// Provenance tags for infrastructure values.
const (
	SourceEnvironment = "environment"
	SourceDeployment  = "deployment:declared"
)

// Resolution is a resolved parameter value with its provenance.
type Resolution struct {
	Name   string               `json:"name"`
	Kind   models.ParameterKind `json:"kind"`
	Number float64              `json:"number"`
	Text   string               `json:"text"`
	Source string               `json:"source"`
	// Numeric is false for infrastructure values that do not parse as numbers.
	Numeric bool `json:"numeric"`
}

func (r Resolution) String() string {
	if r.Text != "" {
		return r.Text
	}
	return strconv.FormatFloat(r.Number, 'f', -1, 64)
}

type Options struct {
	Registry    *params.Registry
	Store       ConfigStore
	Performance PerformanceSource
	Cache       Cache
	Enforcer    *enforcement.Enforcer
	LookupEnv   func(string) (string, bool)
	Logger      *zap.Logger
}

type Provider struct {
	registry  *params.Registry
	store     ConfigStore
	perf      PerformanceSource
	cache     Cache
	enforcer  *enforcement.Enforcer
	lookupEnv func(string) (string, bool)
	log       *zap.Logger
}

func New(opts Options) *Provider {
	p := &Provider{
		registry:  opts.Registry,
		store:     opts.Store,
		perf:      opts.Performance,
		cache:     opts.Cache,
		enforcer:  opts.Enforcer,
		lookupEnv: opts.LookupEnv,
		log:       opts.Logger,
	}
	if p.cache == nil {
		p.cache = NewMemoryCache()
	}
	if p.lookupEnv == nil {
		p.lookupEnv = os.LookupEnv
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// GetParameter resolves name for the given domain and query type. Domain
// and query type may be empty where the parameter kind does not need them.
func (p *Provider) GetParameter(ctx context.Context, name, domain string, queryType models.QueryType) (Resolution, error) {
	def, known := p.registry.Definition(name)
	if !known {
		return Resolution{}, &apperrors.ConfigurationNotAvailableError{
			Parameter: name,
			Domain:    domain,
			Reason:    "parameter is not registered and no learned source declares it",
		}
	}

	switch def.Kind {
	case models.KindInfrastructure:
		return p.infrastructure(def)
	case models.KindBusinessLogic:
		return p.businessLogic(ctx, def, domain, queryType)
	case models.KindPerformance:
		return p.performance(ctx, def, domain)
	}
	return Resolution{}, apperrors.NotAvailable(name, domain, fmt.Sprintf("unroutable parameter kind %q", def.Kind))
}

// Number resolves a numeric parameter.
func (p *Provider) Number(ctx context.Context, name, domain string, queryType models.QueryType) (float64, string, error) {
	res, err := p.GetParameter(ctx, name, domain, queryType)
	if err != nil {
		return 0, "", err
	}
	if !res.Numeric {
		return 0, "", apperrors.NotAvailable(name, domain, fmt.Sprintf("value %q is not numeric", res.Text))
	}
	return res.Number, res.Source, nil
}

func (p *Provider) infrastructure(def models.ParameterDefinition) (Resolution, error) {
	res := Resolution{Name: def.Name, Kind: def.Kind}
	if def.EnvVar == "" {
		return res, apperrors.NotAvailable(def.Name, "", "infrastructure parameter has no environment mapping")
	}

	if v, ok := p.lookupEnv(def.EnvVar); ok && v != "" {
		res.Text = v
		res.Source = SourceEnvironment + ":" + def.EnvVar
	} else if !def.MustBeLearned && def.Default != "" {
		res.Text = def.Default
		res.Source = SourceDeployment
	} else {
		return res, apperrors.NotAvailable(def.Name, "", fmt.Sprintf("environment variable %s is not set", def.EnvVar))
	}

	if f, err := strconv.ParseFloat(res.Text, 64); err == nil {
		res.Number = f
		res.Numeric = true
	}
	return res, nil
}

func (p *Provider) businessLogic(ctx context.Context, def models.ParameterDefinition, domain string, queryType models.QueryType) (Resolution, error) {
	res := Resolution{Name: def.Name, Kind: def.Kind, Numeric: true}
	if domain == "" {
		return res, apperrors.NotAvailable(def.Name, "", "business-logic parameters require a domain")
	}

	cfg, err := p.GetDomainConfig(ctx, domain)
	if err != nil {
		return res, err
	}

	if queryType != "" {
		if v, ok := cfg.QueryTypeOverrides[queryType][def.Name]; ok {
			key := string(queryType) + "." + def.Name
			res.Number = v
			res.Source = sourceOf(cfg, key)
			return res, p.checkUsage(def.Name, domain, res)
		}
	}

	v, ok := cfg.Value(def.Name)
	if !ok {
		return res, &apperrors.ConfigurationNotAvailableError{
			Parameter: def.Name,
			Domain:    domain,
			QueryType: string(queryType),
			Reason:    "the learned domain config does not carry this parameter",
		}
	}
	res.Number = v
	res.Source = sourceOf(cfg, def.Name)
	return res, p.checkUsage(def.Name, domain, res)
}

func sourceOf(cfg *models.DomainConfig, key string) string {
	if src, ok := cfg.FieldSources[key]; ok && src != "" {
		return src
	}
	return cfg.ConfigSource
}

func (p *Provider) performance(ctx context.Context, def models.ParameterDefinition, domain string) (Resolution, error) {
	res := Resolution{Name: def.Name, Kind: def.Kind, Numeric: true}
	if p.perf == nil {
		return res, apperrors.NotAvailable(def.Name, domain, "no performance metrics store is attached")
	}
	v, src, err := p.perf.PerformanceParameter(ctx, def.Name, domain)
	if err != nil {
		return res, err
	}
	res.Number = v
	res.Source = src
	return res, p.checkUsage(def.Name, domain, res)
}

func (p *Provider) checkUsage(name, domain string, res Resolution) error {
	if err := p.registry.ValidateUsage(name, res.Number, res.Source); err != nil {
		var na *apperrors.ConfigurationNotAvailableError
		if errors.As(err, &na) {
			na.Domain = domain
		}
		return err
	}
	return nil
}

// GetDomainConfig returns the learned config for domain, served from the
// cache when present. A domain that was never learned is an error.
func (p *Provider) GetDomainConfig(ctx context.Context, domain string) (*models.DomainConfig, error) {
	if domain == "" {
		return nil, apperrors.InvalidInput("domain is required")
	}
	if cfg, ok := p.cache.Get(domain); ok {
		return cfg.Clone(), nil
	}

	gen := p.cache.Generation(domain)
	cfg, err := p.store.GetConfig(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for %q: %w", domain, err)
	}
	if cfg == nil {
		return nil, apperrors.NotAvailable("", domain, "no configuration has been learned for this domain")
	}

	if p.enforcer != nil {
		if _, err := p.enforcer.ValidateDomainConfig(cfg); err != nil {
			return nil, err
		}
	}
	if p.cache.SetIfGeneration(domain, gen, cfg) {
		p.log.Debug("Domain config cached", zap.String("domain", domain))
	} else {
		// A commit landed while we were reading; the next read reloads.
		p.log.Debug("Domain config changed during load, not cached", zap.String("domain", domain))
	}
	return cfg.Clone(), nil
}

// StoreDomainConfig persists cfg through the store. The store's commit hooks
// invalidate the cache.
func (p *Provider) StoreDomainConfig(ctx context.Context, domain string, cfg *models.DomainConfig) error {
	return p.store.StoreConfig(ctx, domain, cfg)
}

// Invalidate drops the cached config for domain. It has the shape of a
// statebridge commit hook.
func (p *Provider) Invalidate(_ context.Context, domain string, _ *models.DomainConfig) {
	p.cache.Invalidate(domain)
	p.log.Debug("Domain config cache invalidated", zap.String("domain", domain))
}

// Domains lists every domain with a stored config.
func (p *Provider) Domains(ctx context.Context) ([]string, error) {
	return p.store.Domains(ctx)
}
