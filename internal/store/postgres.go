package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"

    "hookrelay/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    names := []string{}
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
    }
    sort.Strings(names)
    for _, n := range names {
        data, err := os.ReadFile(filepath.Join(dir, n))
        if err != nil { return err }
        if _, err := p.db.Exec(string(data)); err != nil { return fmt.Errorf("migrate %s: %w", n, err) }
    }
    return nil
}

const endpointCols = `id, tenant_id, url, events, active, consecutive_failures, secret_version,
    COALESCE(secret_hash,''), COALESCE(new_secret_hash,''), rotation_started_at, COALESCE(created_by,''), created_at, updated_at`

func scanEndpoint(row interface{ Scan(...any) error }) (model.Endpoint, error) {
    var ep model.Endpoint
    var events []byte
    var rotAt sql.NullTime
    err := row.Scan(&ep.ID, &ep.TenantID, &ep.URL, &events, &ep.Active, &ep.ConsecutiveFailures,
        &ep.SecretVersion, &ep.SecretHash, &ep.NewSecretHash, &rotAt, &ep.CreatedBy, &ep.CreatedAt, &ep.UpdatedAt)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return ep, ErrNotFound }
        return ep, err
    }
    _ = json.Unmarshal(events, &ep.Events)
    if rotAt.Valid { t := rotAt.Time; ep.RotationStartedAt = &t }
    return ep, nil
}

func (p *Postgres) CreateEndpoint(ctx context.Context, ep model.Endpoint) (model.Endpoint, error) {
    ev, _ := json.Marshal(ep.Events)
    row := p.db.QueryRowContext(ctx, `INSERT INTO endpoints (id, tenant_id, url, events, active, secret_version, secret_hash, created_by)
        VALUES ($1,$2,$3,$4,TRUE,$5,$6,$7) RETURNING `+endpointCols,
        ep.ID, ep.TenantID, ep.URL, ev, ep.SecretVersion, nullIfEmpty(ep.SecretHash), nullIfEmpty(ep.CreatedBy))
    return scanEndpoint(row)
}

func (p *Postgres) GetEndpoint(ctx context.Context, tenantID, id string) (model.Endpoint, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+endpointCols+` FROM endpoints WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    return scanEndpoint(row)
}

func (p *Postgres) EndpointByID(ctx context.Context, id string) (model.Endpoint, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+endpointCols+` FROM endpoints WHERE id=$1`, id)
    return scanEndpoint(row)
}

func (p *Postgres) ListEndpoints(ctx context.Context, tenantID, cursor string, limit int) ([]model.Endpoint, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT `+endpointCols+` FROM endpoints WHERE tenant_id=$1 AND id > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT `+endpointCols+` FROM endpoints WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Endpoint{}
    for rows.Next() {
        ep, err := scanEndpoint(rows)
        if err != nil { return nil, "", err }
        out = append(out, ep)
    }
    next := ""
    if len(out) == limit { next = out[len(out)-1].ID }
    return out, next, nil
}

// DeleteEndpoint removes the endpoint; delivery history cascades via FK.
func (p *Postgres) DeleteEndpoint(ctx context.Context, tenantID, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM endpoints WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) EndpointsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Endpoint, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+endpointCols+` FROM endpoints
        WHERE tenant_id=$1 AND active AND events @> $2::jsonb ORDER BY created_at`, tenantID, fmt.Sprintf("[%q]", eventType))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Endpoint{}
    for rows.Next() {
        ep, err := scanEndpoint(rows)
        if err != nil { return nil, err }
        out = append(out, ep)
    }
    return out, nil
}

func (p *Postgres) SetEndpointActive(ctx context.Context, tenantID, id string, active bool) error {
    // reactivation resets the failure counter in the same statement
    res, err := p.db.ExecContext(ctx, `UPDATE endpoints SET active=$3,
        consecutive_failures = CASE WHEN $3 THEN 0 ELSE consecutive_failures END,
        updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id, active)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) BumpEndpointFailures(ctx context.Context, id string) (int, error) {
    var n int
    err := p.db.QueryRowContext(ctx, `UPDATE endpoints SET consecutive_failures=consecutive_failures+1, updated_at=now()
        WHERE id=$1 RETURNING consecutive_failures`, id).Scan(&n)
    if errors.Is(err, sql.ErrNoRows) { return 0, ErrNotFound }
    return n, err
}

func (p *Postgres) ResetEndpointFailures(ctx context.Context, id string) error {
    _, err := p.db.ExecContext(ctx, `UPDATE endpoints SET consecutive_failures=0, updated_at=now() WHERE id=$1`, id)
    return err
}

func (p *Postgres) OpenEndpointCircuit(ctx context.Context, id string) error {
    _, err := p.db.ExecContext(ctx, `UPDATE endpoints SET active=FALSE, updated_at=now() WHERE id=$1`, id)
    return err
}

func (p *Postgres) StartEndpointRotation(ctx context.Context, tenantID, id, newHash string, at time.Time) (model.Endpoint, error) {
    row := p.db.QueryRowContext(ctx, `UPDATE endpoints SET new_secret_hash=$3, rotation_started_at=$4, updated_at=now()
        WHERE tenant_id=$1 AND id=$2 AND rotation_started_at IS NULL RETURNING `+endpointCols, tenantID, id, newHash, at)
    ep, err := scanEndpoint(row)
    if errors.Is(err, ErrNotFound) {
        // distinguish missing endpoint from rotation already running
        if _, gerr := p.GetEndpoint(ctx, tenantID, id); gerr == nil { return model.Endpoint{}, ErrRotationInProgress }
        return model.Endpoint{}, ErrNotFound
    }
    return ep, err
}

func (p *Postgres) CompleteEndpointRotation(ctx context.Context, id string) (model.Endpoint, error) {
    row := p.db.QueryRowContext(ctx, `UPDATE endpoints SET secret_version=secret_version+1, secret_hash=new_secret_hash,
        new_secret_hash=NULL, rotation_started_at=NULL, updated_at=now()
        WHERE id=$1 AND rotation_started_at IS NOT NULL RETURNING `+endpointCols, id)
    ep, err := scanEndpoint(row)
    if errors.Is(err, ErrNotFound) { return p.EndpointByID(ctx, id) }
    return ep, err
}

// Deliveries

const deliveryCols = `id, endpoint_id, tenant_id, event_type, payload, dedup_key, status,
    COALESCE(response_code,0), COALESCE(response_body,''), attempts, max_attempts, next_retry_at, delivered_at,
    COALESCE(latency_ms,0), created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (Delivery, error) {
    var d Delivery
    var nextAt, delAt sql.NullTime
    err := row.Scan(&d.ID, &d.EndpointID, &d.TenantID, &d.EventType, &d.Payload, &d.DedupKey, &d.Status,
        &d.ResponseCode, &d.ResponseBody, &d.Attempts, &d.MaxAttempts, &nextAt, &delAt, &d.LatencyMs, &d.CreatedAt, &d.UpdatedAt)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return d, ErrNotFound }
        return d, err
    }
    if nextAt.Valid { t := nextAt.Time; d.NextRetryAt = &t }
    if delAt.Valid { t := delAt.Time; d.DeliveredAt = &t }
    return d, nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, d Delivery) error {
    var nextAt any
    if d.NextRetryAt != nil { nextAt = *d.NextRetryAt }
    var delAt any
    if d.DeliveredAt != nil { delAt = *d.DeliveredAt }
    _, err := p.db.ExecContext(ctx, `INSERT INTO deliveries
        (id, endpoint_id, tenant_id, event_type, payload, dedup_key, status, response_code, response_body, attempts, max_attempts, next_retry_at, delivered_at, latency_ms)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
        d.ID, d.EndpointID, d.TenantID, d.EventType, d.Payload, d.DedupKey, d.Status,
        zeroToNull(d.ResponseCode), nullIfEmpty(d.ResponseBody), d.Attempts, d.MaxAttempts, nextAt, delAt, zeroToNull(d.LatencyMs))
    return err
}

func (p *Postgres) GetDelivery(ctx context.Context, tenantID, id string) (Delivery, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    return scanDelivery(row)
}

// ClaimDueDeliveries flips due pending rows (and abandoned in_flight rows) to
// in_flight in one statement so concurrent sweeps never double-process.
func (p *Postgres) ClaimDueDeliveries(ctx context.Context, now, staleBefore time.Time, limit int) ([]Delivery, error) {
    if limit <= 0 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `UPDATE deliveries SET status='in_flight', updated_at=now()
        WHERE id IN (
            SELECT id FROM deliveries
            WHERE (status='pending' AND next_retry_at <= $1)
               OR (status='in_flight' AND updated_at <= $2)
            ORDER BY next_retry_at ASC NULLS LAST
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        ) RETURNING `+deliveryCols, now, staleBefore, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []Delivery{}
    for rows.Next() {
        d, err := scanDelivery(rows)
        if err != nil { return nil, err }
        out = append(out, d)
    }
    return out, nil
}

func (p *Postgres) MarkDelivered(ctx context.Context, id string, code int, body string, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='delivered', attempts=attempts+1,
        response_code=$2, response_body=$3, latency_ms=$4, next_retry_at=NULL, delivered_at=now(), updated_at=now()
        WHERE id=$1 AND status NOT IN ('delivered','dead_letter')`, id, zeroToNull(code), nullIfEmpty(body), latencyMs)
    return err
}

func (p *Postgres) RescheduleDelivery(ctx context.Context, id string, nextAt time.Time, code int, body string, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='pending', attempts=attempts+1,
        response_code=$3, response_body=$4, latency_ms=$5, next_retry_at=$2, updated_at=now()
        WHERE id=$1 AND status NOT IN ('delivered','dead_letter')`, id, nextAt, zeroToNull(code), nullIfEmpty(body), latencyMs)
    return err
}

func (p *Postgres) DeadLetterDelivery(ctx context.Context, id string, attempted bool, code int, body string, latencyMs int) error {
    if attempted {
        _, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='dead_letter', attempts=attempts+1,
            response_code=$2, response_body=$3, latency_ms=$4, next_retry_at=NULL, updated_at=now()
            WHERE id=$1 AND status NOT IN ('delivered','dead_letter')`, id, zeroToNull(code), nullIfEmpty(body), latencyMs)
        return err
    }
    _, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='dead_letter', next_retry_at=NULL, updated_at=now()
        WHERE id=$1 AND status NOT IN ('delivered','dead_letter')`, id)
    return err
}

func (p *Postgres) RequeueDelivery(ctx context.Context, tenantID, id string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE deliveries SET status='pending', attempts=0, next_retry_at=now(), updated_at=now()
        WHERE tenant_id=$1 AND id=$2 AND status='dead_letter'`, tenantID, id)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) ListDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id, endpoint_id, event_type, status, attempts, dedup_key, COALESCE(response_code,0), next_retry_at, delivered_at, COALESCE(latency_ms,0) FROM deliveries WHERE tenant_id=$1`
    args := []any{tenantID}
    if status != "" {
        args = append(args, status)
        q += fmt.Sprintf(" AND status=$%d", len(args))
    }
    if cursor != "" {
        args = append(args, cursor)
        q += fmt.Sprintf(" AND id > $%d", len(args))
    }
    args = append(args, limit)
    q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    last := ""
    for rows.Next() {
        var id, epID, typ, st, dk string
        var attempts, code, latency int
        var nextAt, delAt sql.NullTime
        if err := rows.Scan(&id, &epID, &typ, &st, &attempts, &dk, &code, &nextAt, &delAt, &latency); err != nil { return nil, "", err }
        row := map[string]any{"id": id, "endpointId": epID, "eventType": typ, "status": st, "attempts": attempts, "dedupKey": dk}
        if code != 0 { row["responseCode"] = code }
        if nextAt.Valid { row["nextRetryAt"] = nextAt.Time }
        if delAt.Valid { row["deliveredAt"] = delAt.Time }
        if latency > 0 { row["latencyMs"] = latency }
        out = append(out, row)
        last = id
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) DeliveryStats(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
    if len(buckets) == 0 { buckets = []int{100, 500, 1000} }
    sel := `SELECT event_type, status, COUNT(*) AS cnt, COALESCE(AVG(latency_ms),0)::int AS avg_latency`
    for i, edge := range buckets {
        lower := 0
        if i > 0 { lower = buckets[i-1] }
        sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) >= %d AND COALESCE(latency_ms,0) < %d THEN 1 ELSE 0 END) AS b%d", lower, edge, i)
    }
    sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) >= %d THEN 1 ELSE 0 END) AS b%d", buckets[len(buckets)-1], len(buckets))
    q := sel + ` FROM deliveries WHERE tenant_id=$1 AND updated_at >= $2`
    args := []any{tenantID, since}
    if eventType != "" { args = append(args, eventType); q += fmt.Sprintf(" AND event_type=$%d", len(args)) }
    if status != "" { args = append(args, status); q += fmt.Sprintf(" AND status=$%d", len(args)) }
    if codeMin > 0 { args = append(args, codeMin); q += fmt.Sprintf(" AND response_code >= $%d", len(args)) }
    if codeMax > 0 { args = append(args, codeMax); q += fmt.Sprintf(" AND response_code <= $%d", len(args)) }
    q += ` GROUP BY event_type, status ORDER BY event_type, status`
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []map[string]any{}
    for rows.Next() {
        vals := make([]any, 4+len(buckets)+1)
        var typ, st string
        var cnt, avg int
        vals[0], vals[1], vals[2], vals[3] = &typ, &st, &cnt, &avg
        bvals := make([]int, len(buckets)+1)
        for i := range bvals { vals[4+i] = &bvals[i] }
        if err := rows.Scan(vals...); err != nil { return nil, err }
        row := map[string]any{"eventType": typ, "status": st, "cnt": cnt, "avgLatencyMs": avg}
        for i, v := range bvals { row[bucketKey(i)] = v }
        out = append(out, row)
    }
    return out, nil
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

func zeroToNull(n int) any { if n == 0 { return nil }; return n }
