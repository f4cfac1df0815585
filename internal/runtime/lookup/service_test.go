package lookup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/runtime/cache"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
)

func TestDatasetServiceLookup(t *testing.T) {
	service := NewDatasetService("currencies", "code", []pipeline.Record{
		{"code": "USD", "name": "US Dollar"},
		{"code": "EUR", "name": "Euro"},
	})

	v, err := service.Transform(context.Background(), "EUR", nil)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	record, ok := v.(pipeline.Record)
	if !ok || record["name"] != "Euro" {
		t.Fatalf("lookup result = %#v", v)
	}

	// Miss and nil key both yield nil without error.
	if v, err := service.Transform(context.Background(), "GBP", nil); err != nil || v != nil {
		t.Fatalf("miss = %v, %v", v, err)
	}
	if v, err := service.Transform(context.Background(), nil, nil); err != nil || v != nil {
		t.Fatalf("nil key = %v, %v", v, err)
	}

	if len(service.AllRecords()) != 2 {
		t.Fatalf("AllRecords = %d", len(service.AllRecords()))
	}
}

func TestDatasetServiceLastWriteWins(t *testing.T) {
	service := NewDatasetService("dup", "code", []pipeline.Record{
		{"code": "USD", "name": "first"},
		{"code": "USD", "name": "second"},
	})
	v, _ := service.Transform(context.Background(), "USD", nil)
	if v.(pipeline.Record)["name"] != "second" {
		t.Fatalf("expected last record to win, got %#v", v)
	}
}

func TestDatasetServiceNumericKeys(t *testing.T) {
	service := NewDatasetService("tiers", "tier", []pipeline.Record{
		{"tier": 1, "label": "gold"},
	})
	// An int64 key from an expression matches the int-typed dataset key.
	v, _ := service.Transform(context.Background(), int64(1), nil)
	if v == nil {
		t.Fatal("numeric key should match across int widths")
	}
}

func TestLoadFileDatasetYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "currencies.yaml")
	doc := "data:\n  - code: USD\n    name: US Dollar\n  - code: EUR\n    name: Euro\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	records, err := LoadFileDataset(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 || records[0]["code"] != "USD" {
		t.Fatalf("records = %#v", records)
	}
}

func TestLoadFileDatasetJSONList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.json")
	if err := os.WriteFile(path, []byte(`[{"code":"USD","rate":1.0}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	records, err := LoadFileDataset(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 1 || records[0]["code"] != "USD" {
		t.Fatalf("records = %#v", records)
	}
}

func TestLoadFileDatasetCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.csv")
	doc := "tier,threshold,active,label\n1,1000.5,true,gold\n2,500,false,silver\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	records, err := LoadFileDataset(path, "csv")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}
	if records[0]["tier"] != int64(1) || records[0]["threshold"] != 1000.5 || records[0]["active"] != true || records[0]["label"] != "gold" {
		t.Fatalf("coercion = %#v", records[0])
	}
}

func TestRewriteNamedParams(t *testing.T) {
	query, order := rewriteNamedParams("select * from trades where cpty = :counterparty and ccy = :key and cpty2 = :counterparty")
	want := "select * from trades where cpty = $1 and ccy = $2 and cpty2 = $1"
	if query != want {
		t.Fatalf("rewritten = %q", query)
	}
	if len(order) != 2 || order[0] != "counterparty" || order[1] != "key" {
		t.Fatalf("order = %v", order)
	}

	// Postgres casts survive untouched.
	query, order = rewriteNamedParams("select amount::text from t where id = :key")
	if query != "select amount::text from t where id = $1" || len(order) != 1 {
		t.Fatalf("cast handling = %q %v", query, order)
	}
}

func TestRESTServiceLookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rates/USD":
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "USD", "rate": 1.0})
		case "/rates/XXX":
			http.NotFound(w, r)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	service := NewRESTService("fx", RESTOptions{
		BaseURL:  server.URL,
		Endpoint: "/rates/{key}",
	})

	v, err := service.Transform(context.Background(), "USD", nil)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	row, ok := v.(map[string]any)
	if !ok || row["code"] != "USD" {
		t.Fatalf("result = %#v", v)
	}

	// 404 is a miss.
	if v, err := service.Transform(context.Background(), "XXX", nil); err != nil || v != nil {
		t.Fatalf("404 = %v, %v", v, err)
	}

	// 5xx is a transport error.
	_, err = service.Transform(context.Background(), "ERR", nil)
	if _, ok := err.(*TransportError); !ok {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestRESTServiceConnectionErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	base := server.URL
	server.Close()

	service := NewRESTService("fx", RESTOptions{BaseURL: base, Endpoint: "/rates/{key}"})
	_, err := service.Transform(context.Background(), "USD", nil)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("connection refused must surface as TransportError, got %v", err)
	}
	if transport.Status != 0 {
		t.Fatalf("no response means no status, got %d", transport.Status)
	}
}

func TestDatabaseServiceConnectionErrorIsTransport(t *testing.T) {
	// An unreachable server fails on the first query, not at Open.
	db, err := sql.Open("postgres", "postgres://apex@127.0.0.1:1/apex?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	service := NewDatabaseService("trades", db, "select * from t where id = :key", nil)
	_, err = service.Transform(context.Background(), "X", nil)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("connection failure must surface as TransportError, got %v", err)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	registry := NewRegistry(cache.NewManager())
	service := NewDatasetService("currencies", "code", nil)
	registry.Register(service)

	got, ok := registry.Lookup("currencies")
	if !ok || got.Name() != "currencies" {
		t.Fatalf("lookup = %v, %v", got, ok)
	}
	if _, ok := registry.Lookup("absent"); ok {
		t.Fatal("expected miss for unregistered name")
	}
}

func TestResolverPrefersRegistry(t *testing.T) {
	manager := cache.NewManager()
	registry := NewRegistry(manager)
	registry.Register(NewDatasetService("named", "code", []pipeline.Record{{"code": "X"}}))
	resolver := NewResolver(manager, registry, nil, nil)

	service, err := resolver.Resolve(&config.LookupConfig{LookupKey: "k", LookupService: "named"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if service.Name() != "named" {
		t.Fatalf("service = %q", service.Name())
	}

	// An unregistered name is a configuration error, not a fallback.
	_, err = resolver.Resolve(&config.LookupConfig{LookupKey: "k", LookupService: "ghost"})
	var cfgErr *pipeline.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestResolverCoalescesDatasets(t *testing.T) {
	manager := cache.NewManager()
	resolver := NewResolver(manager, NewRegistry(manager), nil, nil)
	lc := &config.LookupConfig{LookupKey: "currency", LookupDataset: inlineDataset("code")}

	first, err := resolver.Resolve(lc)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := resolver.Resolve(&config.LookupConfig{LookupKey: "other", LookupDataset: inlineDataset("code")})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first != second {
		t.Fatal("identical signatures must share one service instance")
	}

	// A different keyField is a different service.
	third, err := resolver.Resolve(&config.LookupConfig{LookupKey: "k", LookupDataset: inlineDataset("name")})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if third == first {
		t.Fatal("distinct keyField must not share a service")
	}
}

func TestResolverWithoutServiceOrDataset(t *testing.T) {
	manager := cache.NewManager()
	resolver := NewResolver(manager, NewRegistry(manager), nil, nil)
	_, err := resolver.Resolve(&config.LookupConfig{LookupKey: "k"})
	var cfgErr *pipeline.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
