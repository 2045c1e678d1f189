package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/tracer"
)

const (
	defaultQueryLimit   = 100
	maxQueryLimit       = 1000
	defaultQueryTimeout = 15 * time.Second
)

// Host is one machine in the inventory.
type Host struct {
	Name        string `json:"name" yaml:"name"`
	Environment string `json:"environment" yaml:"environment"`
	Region      string `json:"region" yaml:"region"`
	OS          string `json:"os" yaml:"os"`
	Owner       string `json:"owner" yaml:"owner"`
}

// Service is one deployed service in the inventory.
type Service struct {
	Name  string `json:"name" yaml:"name"`
	Owner string `json:"owner" yaml:"owner"`
	Tier  string `json:"tier" yaml:"tier"`
	Host  string `json:"host" yaml:"host"`
}

// InventoryToolset answers fleet questions from an embedded SQLite store:
// read-only SQL, table discovery and service ownership lookups.
type InventoryToolset struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInventoryToolset opens (or creates) the inventory database at dbPath and
// runs the schema migration. Use ":memory:" for an ephemeral store.
func NewInventoryToolset(dbPath string, logger *slog.Logger) (*InventoryToolset, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open inventory db: %w", err)
	}
	// An in-memory database lives inside a single connection; pin the pool so
	// it cannot hand out fresh empty databases.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrateInventory(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate inventory db: %w", err)
	}
	return &InventoryToolset{db: db, logger: logger}, nil
}

func migrateInventory(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS hosts (
			name        TEXT PRIMARY KEY,
			environment TEXT NOT NULL,
			region      TEXT NOT NULL,
			os          TEXT NOT NULL,
			owner       TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS services (
			name  TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			tier  TEXT NOT NULL,
			host  TEXT NOT NULL REFERENCES hosts(name)
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (ts *InventoryToolset) Close() error {
	return ts.db.Close()
}

// Seed upserts hosts and services into the store.
func (ts *InventoryToolset) Seed(ctx context.Context, hosts []Host, services []Service) error {
	tx, err := ts.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapOp("Inventory.Seed", err)
	}
	defer tx.Rollback()

	for _, h := range hosts {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO hosts (name, environment, region, os, owner) VALUES (?, ?, ?, ?, ?)",
			h.Name, h.Environment, h.Region, h.OS, h.Owner,
		); err != nil {
			return domain.WrapOp("Inventory.Seed", err)
		}
	}
	for _, s := range services {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO services (name, owner, tier, host) VALUES (?, ?, ?, ?)",
			s.Name, s.Owner, s.Tier, s.Host,
		); err != nil {
			return domain.WrapOp("Inventory.Seed", err)
		}
	}
	return domain.WrapOp("Inventory.Seed", tx.Commit())
}

// DefaultInventory returns the starter fleet used when no inventory file is
// configured.
func DefaultInventory() ([]Host, []Service) {
	hosts := []Host{
		{Name: "web-01", Environment: "prod", Region: "us-east-1", OS: "ubuntu-22.04", Owner: "platform-team"},
		{Name: "web-02", Environment: "prod", Region: "us-east-1", OS: "ubuntu-22.04", Owner: "platform-team"},
		{Name: "db-01", Environment: "prod", Region: "us-east-1", OS: "debian-12", Owner: "data-team"},
		{Name: "cache-01", Environment: "prod", Region: "us-west-2", OS: "ubuntu-22.04", Owner: "platform-team"},
		{Name: "build-01", Environment: "staging", Region: "us-west-2", OS: "fedora-40", Owner: "infra-team"},
	}
	services := []Service{
		{Name: "checkout-api", Owner: "payments-team", Tier: "tier-1", Host: "web-01"},
		{Name: "catalog-api", Owner: "storefront-team", Tier: "tier-2", Host: "web-02"},
		{Name: "postgres-primary", Owner: "data-team", Tier: "tier-1", Host: "db-01"},
		{Name: "redis-cache", Owner: "platform-team", Tier: "tier-2", Host: "cache-01"},
		{Name: "ci-runner", Owner: "infra-team", Tier: "tier-3", Host: "build-01"},
	}
	return hosts, services
}

// Tools returns the toolset's tools for registration on the bridge.
func (ts *InventoryToolset) Tools() []domain.Tool {
	return []domain.Tool{
		&inventoryQueryTool{ts: ts},
		&inventoryTablesTool{ts: ts},
		&inventorySchemaTool{ts: ts},
		&serviceOwnersTool{ts: ts},
	}
}

// --- query_inventory ---

type inventoryQueryTool struct {
	ts *InventoryToolset
}

func (t *inventoryQueryTool) Name() string { return "query_inventory" }
func (t *inventoryQueryTool) Description() string {
	return "Run a read-only SQL query against the inventory database (SELECT or EXPLAIN only). Tables: hosts, services."
}

func (t *inventoryQueryTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"sql": {
					"type": "string",
					"description": "SQL query. Must start with SELECT or EXPLAIN; one statement only."
				},
				"limit": {
					"type": "integer",
					"minimum": 1,
					"maximum": 1000,
					"description": "Max rows to return. Defaults to 100."
				},
				"timeout_seconds": {
					"type": "integer",
					"minimum": 1,
					"maximum": 120,
					"description": "Statement timeout in seconds. Defaults to 15."
				}
			},
			"required": ["sql"]
		}`),
	}
}

type inventoryQueryParams struct {
	SQL            string `json:"sql"`
	Limit          int    `json:"limit"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type inventoryQueryResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	ElapsedMS int64            `json:"elapsed_ms"`
}

func (t *inventoryQueryTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.query_inventory", t.ts.logger, params,
		func(ctx context.Context, span trace.Span, p inventoryQueryParams) (any, error) {
			query := strings.TrimSpace(p.SQL)
			if err := validateReadOnlySQL(query); err != nil {
				return nil, err
			}
			if p.Limit == 0 {
				p.Limit = defaultQueryLimit
			}
			if err := ValidateRange("limit", p.Limit, 1, maxQueryLimit); err != nil {
				return nil, err
			}
			timeout := defaultQueryTimeout
			if p.TimeoutSeconds > 0 {
				if err := ValidateRange("timeout_seconds", p.TimeoutSeconds, 1, 120); err != nil {
					return nil, err
				}
				timeout = time.Duration(p.TimeoutSeconds) * time.Second
			}

			qctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			result, err := t.ts.runQuery(qctx, query, p.Limit)
			if err != nil {
				return nil, err
			}
			result.ElapsedMS = time.Since(start).Milliseconds()
			span.SetAttributes(tracer.IntAttr("inventory.rows", result.RowCount))
			return result, nil
		},
	)
}

// validateReadOnlySQL enforces the read-only contract: a single statement
// that starts with SELECT or EXPLAIN.
func validateReadOnlySQL(query string) error {
	if err := RequireField("sql", query); err != nil {
		return err
	}
	trimmed := strings.TrimSuffix(strings.TrimSpace(query), ";")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("only a single SQL statement is allowed")
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "EXPLAIN") {
		return fmt.Errorf("only SELECT or EXPLAIN queries are allowed")
	}
	return nil
}

func (ts *InventoryToolset) runQuery(ctx context.Context, query string, limit int) (*inventoryQueryResult, error) {
	rows, err := ts.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domain.NewSubSystemError("inventory", "Inventory.Query", domain.ErrProviderError, err.Error())
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, domain.NewSubSystemError("inventory", "Inventory.Query", domain.ErrProviderError, err.Error())
	}

	result := &inventoryQueryResult{Columns: columns, Rows: []map[string]any{}}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, domain.NewSubSystemError("inventory", "Inventory.Query", domain.ErrProviderError, err.Error())
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewSubSystemError("inventory", "Inventory.Query", domain.ErrProviderError, err.Error())
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// --- list_inventory_tables ---

type inventoryTablesTool struct {
	ts *InventoryToolset
}

func (t *inventoryTablesTool) Name() string { return "list_inventory_tables" }
func (t *inventoryTablesTool) Description() string {
	return "List the tables available in the inventory database."
}

func (t *inventoryTablesTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

func (t *inventoryTablesTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.list_inventory_tables", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, _ struct{}) (any, error) {
			rows, err := t.ts.db.QueryContext(ctx,
				"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
			if err != nil {
				return nil, domain.NewSubSystemError("inventory", "Inventory.Tables", domain.ErrProviderError, err.Error())
			}
			defer rows.Close()

			var tables []string
			for rows.Next() {
				var name string
				if err := rows.Scan(&name); err != nil {
					return nil, domain.NewSubSystemError("inventory", "Inventory.Tables", domain.ErrProviderError, err.Error())
				}
				tables = append(tables, name)
			}
			if err := rows.Err(); err != nil {
				return nil, domain.NewSubSystemError("inventory", "Inventory.Tables", domain.ErrProviderError, err.Error())
			}
			return map[string]any{"tables": tables, "count": len(tables)}, nil
		},
	)
}

// --- get_table_schema ---

// tableNameRe limits identifiers interpolated into PRAGMA statements, which
// cannot take bind parameters.
var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type inventorySchemaTool struct {
	ts *InventoryToolset
}

func (t *inventorySchemaTool) Name() string { return "get_table_schema" }
func (t *inventorySchemaTool) Description() string {
	return "Get column definitions (name, type, nullability, primary key) for an inventory table."
}

func (t *inventorySchemaTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"table": {
					"type": "string",
					"description": "Table name, e.g. 'hosts' or 'services'."
				}
			},
			"required": ["table"]
		}`),
	}
}

type tableSchemaParams struct {
	Table string `json:"table"`
}

type columnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	PrimaryKey bool   `json:"primary_key"`
}

func (t *inventorySchemaTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_table_schema", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, p tableSchemaParams) (any, error) {
			if err := RequireField("table", p.Table); err != nil {
				return nil, err
			}
			if !tableNameRe.MatchString(p.Table) {
				return nil, fmt.Errorf("invalid table name %q", p.Table)
			}

			rows, err := t.ts.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", p.Table))
			if err != nil {
				return nil, domain.NewSubSystemError("inventory", "Inventory.TableSchema", domain.ErrProviderError, err.Error())
			}
			defer rows.Close()

			var cols []columnInfo
			for rows.Next() {
				var (
					cid, notNull, pk int
					name, colType    string
					dflt             sql.NullString
				)
				if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
					return nil, domain.NewSubSystemError("inventory", "Inventory.TableSchema", domain.ErrProviderError, err.Error())
				}
				cols = append(cols, columnInfo{
					Name:       name,
					Type:       colType,
					NotNull:    notNull != 0,
					PrimaryKey: pk != 0,
				})
			}
			if err := rows.Err(); err != nil {
				return nil, domain.NewSubSystemError("inventory", "Inventory.TableSchema", domain.ErrProviderError, err.Error())
			}
			if len(cols) == 0 {
				return nil, domain.NewSubSystemError("inventory", "Inventory.TableSchema", domain.ErrNotFound,
					fmt.Sprintf("table %q", p.Table))
			}
			return map[string]any{"table": p.Table, "columns": cols}, nil
		},
	)
}

// --- get_service_owners ---

type serviceOwnersTool struct {
	ts *InventoryToolset
}

func (t *serviceOwnersTool) Name() string { return "get_service_owners" }
func (t *serviceOwnersTool) Description() string {
	return "Look up the owning team, tier and host for a service in the inventory."
}

func (t *serviceOwnersTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"service": {
					"type": "string",
					"description": "Exact service name, e.g. 'checkout-api'."
				}
			},
			"required": ["service"]
		}`),
	}
}

type serviceOwnersParams struct {
	Service string `json:"service"`
}

type serviceOwnership struct {
	Service   string `json:"service"`
	Owner     string `json:"owner"`
	Tier      string `json:"tier"`
	Host      string `json:"host"`
	HostOwner string `json:"host_owner,omitempty"`
}

func (t *serviceOwnersTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_service_owners", t.ts.logger, params,
		func(ctx context.Context, _ trace.Span, p serviceOwnersParams) (any, error) {
			if err := RequireField("service", p.Service); err != nil {
				return nil, err
			}

			row := t.ts.db.QueryRowContext(ctx, `
				SELECT s.name, s.owner, s.tier, s.host, COALESCE(h.owner, '')
				FROM services s
				LEFT JOIN hosts h ON h.name = s.host
				WHERE s.name = ?`, p.Service)

			var out serviceOwnership
			err := row.Scan(&out.Service, &out.Owner, &out.Tier, &out.Host, &out.HostOwner)
			if err == sql.ErrNoRows {
				known, _ := t.ts.serviceNames(ctx)
				detail := fmt.Sprintf("service %q", p.Service)
				if len(known) > 0 {
					detail += " (known: " + joinComma(known) + ")"
				}
				return nil, domain.NewSubSystemError("inventory", "Inventory.ServiceOwners", domain.ErrNotFound, detail)
			}
			if err != nil {
				return nil, domain.NewSubSystemError("inventory", "Inventory.ServiceOwners", domain.ErrProviderError, err.Error())
			}
			return out, nil
		},
	)
}

// serviceNames lists known service names for not-found hints.
func (ts *InventoryToolset) serviceNames(ctx context.Context) ([]string, error) {
	rows, err := ts.db.QueryContext(ctx, "SELECT name FROM services ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
