package lookup

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/runtime/cache"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

// Resolver turns a lookup configuration into a Service. Named services come
// from the registry; dataset descriptors resolve through the dataset cache
// keyed by signature, so identical descriptors share one service instance.
type Resolver struct {
	cache    cache.Manager
	registry *Registry
	sources  map[string]config.DataSource
	logger   *slog.Logger
}

// NewResolver builds a resolver over the configured data sources.
func NewResolver(manager cache.Manager, registry *Registry, sources []config.DataSource, logger *slog.Logger) *Resolver {
	index := make(map[string]config.DataSource, len(sources))
	for _, source := range sources {
		index[source.Name] = source
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cache:    manager,
		registry: registry,
		sources:  index,
		logger:   logger,
	}
}

// Resolve applies the documented resolution order: registry by name, then
// dataset by signature, else a configuration error.
func (r *Resolver) Resolve(lc *config.LookupConfig) (Service, error) {
	if lc == nil {
		return nil, pipeline.ConfigErrorf("lookup configuration required")
	}
	if lc.LookupService != "" {
		service, ok := r.registry.Lookup(lc.LookupService)
		if !ok {
			return nil, pipeline.ConfigErrorf("lookup service %q not registered", lc.LookupService)
		}
		return service, nil
	}
	if lc.LookupDataset == nil {
		return nil, pipeline.ConfigErrorf("lookup requires lookupService or lookupDataset")
	}

	signature := SignatureFor(lc.LookupDataset)
	v, err := r.cache.GetOrCompute(cache.ScopeDataset, signature.Key(), func() (any, error) {
		r.logger.Debug("lookup: building dataset service",
			slog.String("signature", signature.Key()))
		return r.build(signature, lc.LookupDataset)
	})
	if err != nil {
		return nil, err
	}
	service, ok := v.(Service)
	if !ok {
		return nil, fmt.Errorf("lookup: dataset cache holds %T for %s", v, signature.Key())
	}
	return service, nil
}

func (r *Resolver) build(signature Signature, ds *config.LookupDataset) (Service, error) {
	name := signature.Key()
	switch ds.Type {
	case config.DatasetInline:
		records := make([]pipeline.Record, len(ds.Data))
		for i, row := range ds.Data {
			records[i] = row
		}
		return NewDatasetService(name, ds.KeyField, records), nil

	case config.DatasetFile:
		records, err := LoadFileDataset(ds.FilePath, ds.Format)
		if err != nil {
			return nil, err
		}
		return NewDatasetService(name, ds.KeyField, records), nil

	case config.DatasetDatabase:
		source, err := r.source(ds)
		if err != nil {
			return nil, err
		}
		query := ds.Query
		if query == "" {
			query = source.Queries[ds.QueryRef]
		}
		if query == "" {
			return nil, pipeline.ConfigErrorf("data source %q has no query %q", source.Name, ds.QueryRef)
		}
		db, err := sql.Open("postgres", source.DSN)
		if err != nil {
			return nil, fmt.Errorf("lookup: open data source %q: %w", source.Name, err)
		}
		return NewDatabaseService(name, db, query, ds.Parameters), nil

	case config.DatasetRESTAPI:
		source, err := r.source(ds)
		if err != nil {
			return nil, err
		}
		endpoint := ds.Endpoint
		if endpoint == "" {
			endpoint = source.Endpoints[ds.OperationRef]
		}
		if endpoint == "" {
			return nil, pipeline.ConfigErrorf("data source %q has no endpoint %q", source.Name, ds.OperationRef)
		}
		return NewRESTService(name, RESTOptions{
			BaseURL:   source.BaseURL,
			Endpoint:  endpoint,
			Headers:   source.Headers,
			Timeout:   time.Duration(source.TimeoutSeconds) * time.Second,
			RateLimit: source.RateLimit,
			RateBurst: source.RateBurst,
		}), nil
	}
	return nil, pipeline.ConfigErrorf("dataset type %q unsupported", ds.Type)
}

func (r *Resolver) source(ds *config.LookupDataset) (config.DataSource, error) {
	ref := ds.ConnectionName
	if ref == "" {
		ref = ds.DataSourceRef
	}
	source, ok := r.sources[ref]
	if !ok {
		return config.DataSource{}, pipeline.ConfigErrorf("data source %q not configured", ref)
	}
	return source, nil
}
