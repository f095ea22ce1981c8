package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// nodeColumns is the shared column list for node queries.
const nodeColumns = `id, name, host, port, active, available_models, created_at, updated_at`

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	channel string
}

// NewPostgresStore creates a registry Store backed by the given pool. channel
// is the Postgres NOTIFY channel the nodes table trigger publishes on.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger, channel string) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger, channel: channel}
}

func scanNode(row pgx.Row) (Node, error) {
	var n Node
	err := row.Scan(&n.ID, &n.Name, &n.Host, &n.Port, &n.Active, &n.AvailableModels, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

func scanNodes(rows pgx.Rows) ([]Node, error) {
	defer rows.Close()
	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Name, &n.Host, &n.Port, &n.Active, &n.AvailableModels, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node rows: %w", err)
	}
	return nodes, nil
}

func (s *PostgresStore) listWhere(ctx context.Context, where string) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE ` + where + ` ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: listing nodes: %v", ErrStoreUnavailable, err)
	}
	return scanNodes(rows)
}

// ListActive returns all nodes currently flagged active.
func (s *PostgresStore) ListActive(ctx context.Context) ([]Node, error) {
	return s.listWhere(ctx, "active = true")
}

// ListInactive returns all nodes currently flagged inactive.
func (s *PostgresStore) ListInactive(ctx context.Context) ([]Node, error) {
	return s.listWhere(ctx, "active = false")
}

// ListAll returns every node in the registry.
func (s *PostgresStore) ListAll(ctx context.Context) ([]Node, error) {
	return s.listWhere(ctx, "true")
}

// Get returns a single node by id.
func (s *PostgresStore) Get(ctx context.Context, id int64) (Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	n, err := scanNode(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("%w: getting node: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Create inserts a new node record.
func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (Node, error) {
	active := false
	if p.Active != nil {
		active = *p.Active
	}
	query := `INSERT INTO nodes (name, host, port, active, available_models)
		VALUES ($1, $2, $3, $4, '{}')
		RETURNING ` + nodeColumns
	n, err := scanNode(s.pool.QueryRow(ctx, query, p.Name, p.Host, p.Port, active))
	if err != nil {
		return Node{}, fmt.Errorf("%w: creating node: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Update mutates the editable fields of a node, leaving nil fields unchanged.
func (s *PostgresStore) Update(ctx context.Context, id int64, p UpdateParams) (Node, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return Node{}, err
	}
	if p.Name != nil {
		current.Name = *p.Name
	}
	if p.Host != nil {
		current.Host = *p.Host
	}
	if p.Port != nil {
		current.Port = *p.Port
	}
	if p.Active != nil {
		current.Active = *p.Active
	}

	query := `UPDATE nodes SET name = $2, host = $3, port = $4, active = $5, updated_at = now()
		WHERE id = $1 RETURNING ` + nodeColumns
	n, err := scanNode(s.pool.QueryRow(ctx, query, id, current.Name, current.Host, current.Port, current.Active))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Node{}, ErrNotFound
		}
		return Node{}, fmt.Errorf("%w: updating node: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Delete removes a node record.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting node: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive coalesces writes to the active flag: it only issues an UPDATE
// when the stored value actually differs, avoiding spurious NOTIFY fan-out
// and keeping leader-driven reconciliation from fighting admin edits.
func (s *PostgresStore) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE nodes SET active = $2, updated_at = now() WHERE id = $1 AND active IS DISTINCT FROM $2`,
		id, active,
	)
	if err != nil {
		return fmt.Errorf("%w: setting node active: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// SetModels updates a node's last-observed model catalog.
func (s *PostgresStore) SetModels(ctx context.Context, id int64, models []string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE nodes SET available_models = $2, updated_at = now() WHERE id = $1`,
		id, models,
	)
	if err != nil {
		return fmt.Errorf("%w: setting node models: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetConfig returns the singleton proxy configuration row.
func (s *PostgresStore) GetConfig(ctx context.Context) (ProxyConfig, error) {
	var c ProxyConfig
	err := s.pool.QueryRow(ctx, `SELECT strategy, weight, updated_at FROM proxy_config WHERE id = true`).
		Scan(&c.Strategy, &c.Weight, &c.UpdatedAt)
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("%w: getting proxy config: %v", ErrStoreUnavailable, err)
	}
	return c, nil
}

// UpdateConfig mutates the singleton proxy configuration row.
func (s *PostgresStore) UpdateConfig(ctx context.Context, strategy string, weight float64) (ProxyConfig, error) {
	var c ProxyConfig
	err := s.pool.QueryRow(ctx,
		`UPDATE proxy_config SET strategy = $1, weight = $2, updated_at = now()
		WHERE id = true RETURNING strategy, weight, updated_at`,
		strategy, weight,
	).Scan(&c.Strategy, &c.Weight, &c.UpdatedAt)
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("%w: updating proxy config: %v", ErrStoreUnavailable, err)
	}
	return c, nil
}

// Changes listens on the nodes-table NOTIFY channel using a dedicated
// connection. If LISTEN setup fails (e.g. a pooled backend that cannot hold
// a persistent connection) it falls back to pollLoop, which emits one
// synthetic change every pollInterval without querying the table.
func (s *PostgresStore) Changes(ctx context.Context, pollInterval time.Duration) (<-chan Change, error) {
	out := make(chan Change, 16)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.logger.Warn("registry: falling back to polling, could not acquire listen connection", "error", err)
		go s.pollLoop(ctx, out, pollInterval)
		return out, nil
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		s.logger.Warn("registry: falling back to polling, LISTEN failed", "error", err)
		go s.pollLoop(ctx, out, pollInterval)
		return out, nil
	}

	go func() {
		defer conn.Release()
		defer close(out)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("registry: listen connection error", "error", err)
				return
			}
			id, err := strconv.ParseInt(notification.Payload, 10, 64)
			if err != nil {
				continue
			}
			select {
			case out <- Change{NodeID: id, Kind: ChangeUpdated}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// pollLoop is the polling fallback: it emits one synthetic Change per tick
// so the leader re-reconciles from the registry even without notifications.
func (s *PostgresStore) pollLoop(ctx context.Context, out chan<- Change, interval time.Duration) {
	defer close(out)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case out <- Change{NodeID: 0, Kind: ChangeUpdated}:
			case <-ctx.Done():
				return
			}
		}
	}
}
