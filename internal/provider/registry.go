package provider

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cmux/cmux/internal/common/config"
	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/logger"
)

// Factory builds a provider client from an API key. Factories for
// keyless providers (mock) ignore the argument.
type Factory func(apiKey string) (Client, error)

// Registry resolves "provider:model" strings to clients and owns the
// outbound pacing shared by all streams: an optional request rate limit
// and a concurrency cap.
type Registry struct {
	secrets *Secrets
	logger  *logger.Logger

	limiter *rate.Limiter
	sem     *semaphore.Weighted

	mu        sync.Mutex
	factories map[string]Factory
	keyless   map[string]bool
	clients   map[string]Client
}

// NewRegistry creates a registry with the pacing from cfg. Providers
// are added with Register.
func NewRegistry(secrets *Secrets, cfg config.ProvidersConfig, log *logger.Logger) *Registry {
	r := &Registry{
		secrets:   secrets,
		logger:    log.WithComponent("provider"),
		factories: make(map[string]Factory),
		keyless:   make(map[string]bool),
		clients:   make(map[string]Client),
	}
	if cfg.RequestsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return r
}

// Register adds a provider factory. keyless providers skip the API key
// lookup entirely.
func (r *Registry) Register(name string, keyless bool, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.keyless[name] = keyless
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve parses a model string and returns the provider client plus
// the provider-native model id. Errors carry the tagged kinds clients
// switch on: invalid_model_string, provider_not_supported,
// api_key_not_found.
func (r *Registry) Resolve(modelString string) (Client, string, error) {
	providerName, model, err := ParseModelString(modelString)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	if client, ok := r.clients[providerName]; ok {
		r.mu.Unlock()
		return client, model, nil
	}
	factory, ok := r.factories[providerName]
	keyless := r.keyless[providerName]
	r.mu.Unlock()
	if !ok {
		return nil, "", cmuxerrors.ProviderNotSupported(providerName)
	}

	var apiKey string
	if !keyless {
		apiKey = r.secrets.APIKey(providerName)
		if apiKey == "" {
			return nil, "", cmuxerrors.APIKeyNotFound(providerName)
		}
	}
	client, err := factory(apiKey)
	if err != nil {
		return nil, "", cmuxerrors.Wrap(err, "building provider client")
	}

	r.mu.Lock()
	r.clients[providerName] = client
	r.mu.Unlock()
	return client, model, nil
}

// Invalidate drops the cached client for a provider so the next stream
// picks up changed credentials.
func (r *Registry) Invalidate(providerName string) {
	r.mu.Lock()
	delete(r.clients, providerName)
	r.mu.Unlock()
}

// Stream resolves the model and opens a provider stream, honoring the
// registry's rate limit and concurrency cap. The returned streamer
// releases the concurrency slot on Close.
func (r *Registry) Stream(ctx context.Context, modelString string, req Request) (Streamer, error) {
	client, model, err := r.Resolve(modelString)
	if err != nil {
		return nil, err
	}
	req.Model = model

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}

	streamer, err := client.Stream(ctx, req)
	if err != nil {
		if r.sem != nil {
			r.sem.Release(1)
		}
		return nil, err
	}
	if r.sem == nil {
		return streamer, nil
	}
	return &slotStreamer{Streamer: streamer, release: func() { r.sem.Release(1) }}, nil
}

// slotStreamer ties a concurrency slot to the streamer lifetime.
type slotStreamer struct {
	Streamer
	once    sync.Once
	release func()
}

func (s *slotStreamer) Close() error {
	err := s.Streamer.Close()
	s.once.Do(s.release)
	return err
}
