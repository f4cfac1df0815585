package enrich

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/runtime/lookup"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

const defaultLookupResultTTLSeconds = 300

// runLookup resolves the lookup service, extracts the key, fetches the
// result (through the lookup-result cache when enabled), and applies field
// mappings. A null key skips the fetch; default-valued mappings still apply.
func (p *Pipeline) runLookup(ctx context.Context, e config.Enrichment, record pipeline.Record, ambient map[string]any) ([]string, bool) {
	lc := e.LookupConfig
	if lc == nil {
		return []string{"enrichment '" + e.ID + "' has no lookup configuration"}, false
	}

	service, err := p.resolver.Resolve(lc)
	if err != nil {
		return []string{"enrichment '" + e.ID + "' lookup failed: " + err.Error()}, false
	}

	key, err := p.eval(lc.LookupKey, record, ambient)
	if err != nil {
		return []string{"enrichment '" + e.ID + "' lookup key failed: " + err.Error()}, false
	}
	if key == nil {
		// Null key skips the lookup; a non-record source applies defaults only.
		return p.applyMappings(e.ID, lc.FieldMappings, nil, record, ambient)
	}

	result, err := p.fetch(ctx, service, lc, key, record)
	if err != nil {
		// Transport failures degrade to a lookup miss: defaults apply, the
		// pipeline continues.
		var transport *lookup.TransportError
		if errors.As(err, &transport) {
			p.logger.Warn("enrich: lookup transport failed",
				slog.String("enrichment", e.ID), slog.String("error", err.Error()))
			return p.applyMappings(e.ID, lc.FieldMappings, nil, record, ambient)
		}
		return []string{"enrichment '" + e.ID + "' lookup failed: " + err.Error()}, false
	}

	return p.applyMappings(e.ID, lc.FieldMappings, result, record, ambient)
}

// fetch consults the lookup-result cache when the enrichment opts in. The
// cache stores the raw result; field mappings are re-applied on every hit.
func (p *Pipeline) fetch(ctx context.Context, service lookup.Service, lc *config.LookupConfig, key any, record pipeline.Record) (any, error) {
	if !lc.CacheEnabled || p.results == nil {
		return service.Transform(ctx, key, record)
	}

	cacheKey := lookup.ResultCacheKey(service.Name(), key)
	if cached, ok := p.results.Get(cacheKey); ok {
		return cached, nil
	}

	result, err := service.Transform(ctx, key, record)
	if err != nil {
		return nil, err
	}
	if result != nil {
		ttl := lc.CacheTTLSeconds
		if ttl <= 0 {
			ttl = defaultLookupResultTTLSeconds
		}
		p.results.PutTTL(cacheKey, result, ttl)
		p.logger.Debug("enrich: lookup result cached",
			slog.String("service", service.Name()), slog.String("key", cacheKey))
	}
	return result, nil
}
