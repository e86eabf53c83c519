package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rl1809/flash-sale-settlement/internal/core/domain"
	"github.com/rl1809/flash-sale-settlement/internal/port"
)

// ErrOptimisticLock means a product row changed underneath a locked write.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect selects placeholder style, upsert syntax and error codes.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// rebind rewrites ? placeholders to $n for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (d Dialect) upsertProduct() string {
	if d == DialectPostgres {
		return `
		INSERT INTO products (id, name, price, available, reserved, sold, version, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, 0, 0, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, updated_at = EXCLUDED.updated_at`
	}
	return `
		INSERT INTO products (id, name, price, available, reserved, sold, version, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, 0, 0, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price), updated_at = VALUES(updated_at)`
}

// querier is the part of *sql.DB and *sql.Tx the row helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements port.Store on MySQL or PostgreSQL. Row locks are
// SELECT ... FOR UPDATE, taken one row at a time in ascending id order.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema/" + string(s.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqlTx{rows: rows{q: tx, d: s.dialect}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if s.dialect.isDuplicate(err) {
			return fmt.Errorf("commit: %w", port.ErrDuplicateKey)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) reads() rows { return rows{q: s.db, d: s.dialect} }

func (s *SQLStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.reads().product(ctx, id, "")
}

func (s *SQLStore) SaveProduct(ctx context.Context, p domain.Product) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertProduct()),
		p.ID, p.Name, p.Price, now, now)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (s *SQLStore) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return s.reads().reservation(ctx, `WHERE id = ?`, "", id)
}

func (s *SQLStore) FindReservationByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	return s.reads().reservation(ctx, `WHERE idempotency_key = ?`, "", key)
}

func (s *SQLStore) ListReservations(ctx context.Context, filter domain.ReservationFilter) ([]domain.Reservation, error) {
	where, args := listWhere(filter.UserID, string(filter.Status))
	query := `SELECT id FROM reservations` + where + ` ORDER BY created_at DESC, id` + limitClause(filter.Limit)
	ids, err := s.reads().ids(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	out := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetReservation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *SQLStore) ListLapsedReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `SELECT id FROM reservations WHERE status = ? AND expires_at <= ? ORDER BY expires_at` + limitClause(limit)
	ids, err := s.reads().ids(ctx, query, domain.ReservationStatusActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list lapsed reservations: %w", err)
	}
	return ids, nil
}

func (s *SQLStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.reads().order(ctx, `WHERE id = ?`, "", id)
}

func (s *SQLStore) FindOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error) {
	return s.reads().order(ctx, `WHERE idempotency_key = ?`, "", key)
}

func (s *SQLStore) FindOrderByReservation(ctx context.Context, reservationID string) (*domain.Order, error) {
	return s.reads().order(ctx, `WHERE reservation_id = ?`, "", reservationID)
}

func (s *SQLStore) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	where, args := listWhere(filter.UserID, string(filter.Status))
	query := `SELECT id FROM orders` + where + ` ORDER BY created_at DESC, id` + limitClause(filter.Limit)
	ids, err := s.reads().ids(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

func (s *SQLStore) ListLapsedOrders(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `SELECT id FROM orders WHERE status = ? AND payment_expires_at <= ? ORDER BY payment_expires_at` + limitClause(limit)
	ids, err := s.reads().ids(ctx, query, domain.OrderStatusPendingPayment, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list lapsed orders: %w", err)
	}
	return ids, nil
}

type sqlTx struct {
	rows
}

const forUpdate = " FOR UPDATE"

func (t *sqlTx) LockProducts(ctx context.Context, ids []string) (map[string]*domain.Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]*domain.Product, len(sorted))
	for _, id := range sorted {
		p, err := t.product(ctx, id, forUpdate)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

func (t *sqlTx) UpdateProductStock(ctx context.Context, p *domain.Product) error {
	now := time.Now().UTC()
	result, err := t.q.ExecContext(ctx, t.d.rebind(`
		UPDATE products
		SET available = ?, reserved = ?, sold = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`),
		p.Available, p.Reserved, p.Sold, now, p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update product %s: %w", p.ID, err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrOptimisticLock
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (t *sqlTx) LockReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	return t.reservation(ctx, `WHERE id = ?`, forUpdate, id)
}

func (t *sqlTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	_, err := t.q.ExecContext(ctx, t.d.rebind(`
		INSERT INTO reservations (id, user_id, status, expires_at, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.UserID, r.Status, r.ExpiresAt.UTC(), nullString(r.IdempotencyKey),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return t.insertErr("reservation", err)
	}
	for _, it := range r.Items {
		_, err := t.q.ExecContext(ctx, t.d.rebind(`
			INSERT INTO reservation_items (reservation_id, product_id, quantity, price_snapshot)
			VALUES (?, ?, ?, ?)`),
			r.ID, it.ProductID, it.Quantity, it.PriceSnapshot,
		)
		if err != nil {
			return t.insertErr("reservation item", err)
		}
	}
	return nil
}

func (t *sqlTx) UpdateReservationStatus(ctx context.Context, r *domain.Reservation) error {
	result, err := t.q.ExecContext(ctx, t.d.rebind(`
		UPDATE reservations SET status = ?, updated_at = ? WHERE id = ?`),
		r.Status, r.UpdatedAt.UTC(), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *sqlTx) LockOrder(ctx context.Context, id string) (*domain.Order, error) {
	return t.order(ctx, `WHERE id = ?`, forUpdate, id)
}

// LockPaymentID relies on the unique payment_id index: InnoDB locks the index
// range even when no row matches. Postgres only locks an existing row, so a
// concurrent first use still falls back to the unique constraint at commit.
func (t *sqlTx) LockPaymentID(ctx context.Context, paymentID string) (*domain.Order, error) {
	return t.order(ctx, `WHERE payment_id = ?`, forUpdate, paymentID)
}

func (t *sqlTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := t.q.ExecContext(ctx, t.d.rebind(`
		INSERT INTO orders (id, user_id, reservation_id, status, total_amount, payment_id,
			payment_expires_at, paid_at, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.UserID, o.ReservationID, o.Status, o.TotalAmount, nullString(o.PaymentID),
		o.PaymentExpiresAt.UTC(), nullTime(o.PaidAt), nullString(o.IdempotencyKey),
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return t.insertErr("order", err)
	}
	for _, it := range o.Items {
		_, err := t.q.ExecContext(ctx, t.d.rebind(`
			INSERT INTO order_items (order_id, product_id, quantity, price_snapshot)
			VALUES (?, ?, ?, ?)`),
			o.ID, it.ProductID, it.Quantity, it.PriceSnapshot,
		)
		if err != nil {
			return t.insertErr("order item", err)
		}
	}
	return nil
}

func (t *sqlTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	result, err := t.q.ExecContext(ctx, t.d.rebind(`
		UPDATE orders SET status = ?, payment_id = ?, paid_at = ?, updated_at = ? WHERE id = ?`),
		o.Status, nullString(o.PaymentID), nullTime(o.PaidAt), o.UpdatedAt.UTC(), o.ID,
	)
	if err != nil {
		if t.d.isDuplicate(err) {
			return fmt.Errorf("update order: %w", port.ErrDuplicateKey)
		}
		return fmt.Errorf("update order: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *sqlTx) insertErr(what string, err error) error {
	if t.d.isDuplicate(err) {
		return fmt.Errorf("insert %s: %w", what, port.ErrDuplicateKey)
	}
	return fmt.Errorf("insert %s: %w", what, err)
}

// rows holds the scan helpers shared by plain reads and locking reads.
type rows struct {
	q querier
	d Dialect
}

func (r rows) product(ctx context.Context, id, suffix string) (*domain.Product, error) {
	var p domain.Product
	err := r.q.QueryRowContext(ctx, r.d.rebind(`
		SELECT id, name, price, available, reserved, sold, version, created_at, updated_at
		FROM products WHERE id = ?`+suffix), id,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Available, &p.Reserved, &p.Sold, &p.Version, &p.CreatedAt, &p.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (r rows) reservation(ctx context.Context, where, suffix string, arg any) (*domain.Reservation, error) {
	var (
		res domain.Reservation
		key sql.NullString
	)
	err := r.q.QueryRowContext(ctx, r.d.rebind(`
		SELECT id, user_id, status, expires_at, idempotency_key, created_at, updated_at
		FROM reservations `+where+suffix), arg,
	).Scan(&res.ID, &res.UserID, &res.Status, &res.ExpiresAt, &key, &res.CreatedAt, &res.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	res.IdempotencyKey = key.String

	items, err := r.q.QueryContext(ctx, r.d.rebind(`
		SELECT product_id, quantity, price_snapshot
		FROM reservation_items WHERE reservation_id = ? ORDER BY product_id`), res.ID)
	if err != nil {
		return nil, fmt.Errorf("query reservation items: %w", err)
	}
	defer items.Close()
	for items.Next() {
		it := domain.ReservationItem{ReservationID: res.ID}
		if err := items.Scan(&it.ProductID, &it.Quantity, &it.PriceSnapshot); err != nil {
			return nil, fmt.Errorf("scan reservation item: %w", err)
		}
		res.Items = append(res.Items, it)
	}
	return &res, items.Err()
}

func (r rows) order(ctx context.Context, where, suffix string, arg any) (*domain.Order, error) {
	var (
		o         domain.Order
		paymentID sql.NullString
		key       sql.NullString
		paidAt    sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, r.d.rebind(`
		SELECT id, user_id, reservation_id, status, total_amount, payment_id,
			payment_expires_at, paid_at, idempotency_key, created_at, updated_at
		FROM orders `+where+suffix), arg,
	).Scan(&o.ID, &o.UserID, &o.ReservationID, &o.Status, &o.TotalAmount, &paymentID,
		&o.PaymentExpiresAt, &paidAt, &key, &o.CreatedAt, &o.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	o.PaymentID = paymentID.String
	o.IdempotencyKey = key.String
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}

	items, err := r.q.QueryContext(ctx, r.d.rebind(`
		SELECT product_id, quantity, price_snapshot
		FROM order_items WHERE order_id = ? ORDER BY product_id`), o.ID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer items.Close()
	for items.Next() {
		it := domain.OrderItem{OrderID: o.ID}
		if err := items.Scan(&it.ProductID, &it.Quantity, &it.PriceSnapshot); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	return &o, items.Err()
}

func (r rows) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	result, err := r.q.QueryContext(ctx, r.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var out []string
	for result.Next() {
		var id string
		if err := result.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, result.Err()
}

func listWhere(userID, status string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
