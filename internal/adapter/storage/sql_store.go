package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/rl1809/warehouse-allocation/internal/core/domain"
	"github.com/rl1809/warehouse-allocation/internal/core/uow"
	"github.com/rl1809/warehouse-allocation/internal/port"
)

const (
	etaLayout           = "2006-01-02"
	mysqlDuplicateEntry = 1062
)

type productRow struct {
	SKU           string `db:"sku"`
	VersionNumber int    `db:"version_number"`
}

type batchRow struct {
	Reference         string         `db:"reference"`
	SKU               string         `db:"sku"`
	PurchasedQuantity int            `db:"purchased_quantity"`
	ETA               sql.NullString `db:"eta"`
	Seq               int            `db:"seq"`
}

type allocationRow struct {
	BatchRef string `db:"batchref"`
	OrderID  string `db:"orderid"`
	SKU      string `db:"sku"`
	Qty      int    `db:"qty"`
}

// SQLStore persists products and the allocations view with plain SQL that
// runs on both MySQL and SQLite.
//
// Units of work read each product in its own short transaction and only
// open a write transaction in Commit, where the version check happens.
type SQLStore struct {
	db         *sqlx.DB
	lockSuffix string
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	s := &SQLStore{db: db}
	if db.DriverName() == "mysql" {
		s.lockSuffix = " FOR UPDATE"
	}
	return s
}

// NewUnitOfWork satisfies port.UnitOfWorkFactory.
func (s *SQLStore) NewUnitOfWork() port.UnitOfWork {
	return &SQLUnitOfWork{store: s}
}

func (s *SQLStore) load(ctx context.Context, sku string) (*domain.Product, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var pr productRow
	err = tx.GetContext(ctx, &pr, `SELECT sku, version_number FROM products WHERE sku = ?`, sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}

	var batchRows []batchRow
	err = tx.SelectContext(ctx, &batchRows, `
		SELECT reference, sku, purchased_quantity, eta, seq
		FROM batches WHERE sku = ? ORDER BY seq, reference`, sku)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}

	var allocRows []allocationRow
	err = tx.SelectContext(ctx, &allocRows, `
		SELECT batchref, orderid, sku, qty FROM allocations WHERE sku = ?`, sku)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}

	batches := make([]*domain.Batch, 0, len(batchRows))
	byRef := make(map[string]*domain.Batch, len(batchRows))
	for _, row := range batchRows {
		eta, err := parseETA(row.ETA)
		if err != nil {
			return nil, fmt.Errorf("batch %s: %w", row.Reference, err)
		}
		b := domain.NewBatch(row.Reference, row.SKU, row.PurchasedQuantity, eta)
		batches = append(batches, b)
		byRef[b.Reference] = b
	}
	for _, row := range allocRows {
		if b, ok := byRef[row.BatchRef]; ok {
			b.RestoreAllocations(domain.OrderLine{OrderID: row.OrderID, SKU: row.SKU, Qty: row.Qty})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit read: %w", err)
	}
	return domain.NewProduct(pr.SKU, batches, pr.VersionNumber), nil
}

func (s *SQLStore) skuForBatch(ctx context.Context, ref string) (string, error) {
	var sku string
	err := s.db.GetContext(ctx, &sku, `SELECT sku FROM batches WHERE reference = ?`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query batch %s: %w", ref, err)
	}
	return sku, nil
}

func (s *SQLStore) list(ctx context.Context) ([]*domain.Product, error) {
	var skus []string
	if err := s.db.SelectContext(ctx, &skus, `SELECT sku FROM products ORDER BY sku`); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]*domain.Product, 0, len(skus))
	for _, sku := range skus {
		p, err := s.load(ctx, sku)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

type SQLUnitOfWork struct {
	store   *SQLStore
	scope   uow.Scope
	session *sqlSession
	views   *sqlViews
}

func (u *SQLUnitOfWork) Begin(ctx context.Context) error {
	session := &sqlSession{
		store:    u.store,
		loaded:   make(map[string]*domain.Product),
		original: make(map[string]*domain.Product),
		added:    make(map[string]bool),
	}
	if err := u.scope.Open(session); err != nil {
		return err
	}
	u.session = session
	u.views = &sqlViews{store: u.store, scope: &u.scope}
	return nil
}

func (u *SQLUnitOfWork) Products() port.ProductRepository {
	return u.scope.Products()
}

func (u *SQLUnitOfWork) Allocations() port.AllocationsView {
	return u.views
}

func (u *SQLUnitOfWork) Commit(ctx context.Context) error {
	if err := u.scope.RequireActive(); err != nil {
		return err
	}

	tx, err := u.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := u.session.flush(ctx, tx); err != nil {
		u.scope.MarkRolledBack()
		return err
	}
	for _, op := range u.views.staged {
		if err := op.exec(ctx, tx); err != nil {
			u.scope.MarkRolledBack()
			return fmt.Errorf("write allocations view: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		u.scope.MarkRolledBack()
		return fmt.Errorf("commit: %w", err)
	}

	u.scope.MarkCommitted()
	return nil
}

func (u *SQLUnitOfWork) Rollback(ctx context.Context) error {
	if u.scope.MarkRolledBack() {
		u.views.staged = nil
	}
	return nil
}

func (u *SQLUnitOfWork) CollectNewMessages() []domain.Message {
	return u.scope.Collect()
}

// sqlSession is the identity map of one unit of work. original keeps the
// state each product had when it was read, so Commit writes only the rows
// that changed.
type sqlSession struct {
	store    *SQLStore
	loaded   map[string]*domain.Product
	original map[string]*domain.Product
	added    map[string]bool
}

func (r *sqlSession) Get(ctx context.Context, sku string) (*domain.Product, error) {
	if p, ok := r.loaded[sku]; ok {
		return p, nil
	}
	p, err := r.store.load(ctx, sku)
	if err != nil || p == nil {
		return nil, err
	}
	r.loaded[sku] = p
	r.original[sku] = p.Clone()
	return p, nil
}

func (r *sqlSession) GetByBatchRef(ctx context.Context, ref string) (*domain.Product, error) {
	for _, p := range r.loaded {
		if _, err := p.GetBatch(ref); err == nil {
			return p, nil
		}
	}
	sku, err := r.store.skuForBatch(ctx, ref)
	if err != nil || sku == "" {
		return nil, err
	}
	return r.Get(ctx, sku)
}

func (r *sqlSession) Add(ctx context.Context, product *domain.Product) error {
	if _, ok := r.loaded[product.SKU]; ok {
		return fmt.Errorf("product %s already in unit of work", product.SKU)
	}
	r.loaded[product.SKU] = product
	r.added[product.SKU] = true
	return nil
}

// List returns every product sorted by sku. Products already in the unit
// of work are returned as the same instances Get gives; the rest are
// read-only copies that Commit does not write.
func (r *sqlSession) List(ctx context.Context) ([]*domain.Product, error) {
	stored, err := r.store.list(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Product, 0, len(stored)+len(r.added))
	seen := make(map[string]bool, len(stored))
	for _, p := range stored {
		seen[p.SKU] = true
		if own, ok := r.loaded[p.SKU]; ok {
			p = own
		}
		out = append(out, p)
	}
	for sku := range r.added {
		if !seen[sku] {
			out = append(out, r.loaded[sku])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (r *sqlSession) flush(ctx context.Context, tx *sqlx.Tx) error {
	// fixed order so concurrent commits lock rows the same way
	skus := make([]string, 0, len(r.loaded))
	for sku := range r.loaded {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	for _, sku := range skus {
		p := r.loaded[sku]
		if r.added[sku] {
			if err := r.insertProduct(ctx, tx, p); err != nil {
				return err
			}
		} else if err := r.checkVersion(ctx, tx, p); err != nil {
			return err
		}
		if err := writeBatches(ctx, tx, p, r.original[sku]); err != nil {
			return err
		}
	}
	return nil
}

func (r *sqlSession) insertProduct(ctx context.Context, tx *sqlx.Tx, p *domain.Product) error {
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM products WHERE sku = ?`, p.SKU); err != nil {
		return fmt.Errorf("check product %s: %w", p.SKU, err)
	}
	if n > 0 {
		return fmt.Errorf("product %s already exists: %w", p.SKU, port.ErrOptimisticLock)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO products (sku, version_number) VALUES (?, ?)`, p.SKU, p.VersionNumber)
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("product %s inserted concurrently: %w", p.SKU, port.ErrOptimisticLock)
	}
	if err != nil {
		return fmt.Errorf("insert product %s: %w", p.SKU, err)
	}
	return nil
}

func (r *sqlSession) checkVersion(ctx context.Context, tx *sqlx.Tx, p *domain.Product) error {
	loadedVersion := r.original[p.SKU].VersionNumber

	var stored int
	err := tx.GetContext(ctx, &stored,
		`SELECT version_number FROM products WHERE sku = ?`+r.store.lockSuffix, p.SKU)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("product %s is gone: %w", p.SKU, port.ErrOptimisticLock)
	}
	if err != nil {
		return fmt.Errorf("query product version: %w", err)
	}
	if stored != loadedVersion {
		return fmt.Errorf("product %s version %d, stored %d: %w", p.SKU, loadedVersion, stored, port.ErrOptimisticLock)
	}
	if !changed(p, r.original[p.SKU]) {
		return nil
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE products SET version_number = ?
		WHERE sku = ? AND version_number = ?`,
		nextVersion(p, loadedVersion), p.SKU, loadedVersion,
	)
	if err != nil {
		return fmt.Errorf("update product version: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("product %s: %w", p.SKU, port.ErrOptimisticLock)
	}
	return nil
}

// writeBatches stores the difference between p and its state at load time.
// orig is nil for a product added in this unit of work.
func writeBatches(ctx context.Context, tx *sqlx.Tx, p, orig *domain.Product) error {
	prev := make(map[string]*domain.Batch)
	if orig != nil {
		for _, b := range orig.Batches() {
			prev[b.Reference] = b
		}
	}

	for i, b := range p.Batches() {
		old, ok := prev[b.Reference]
		switch {
		case !ok:
			_, err := tx.ExecContext(ctx, `
				INSERT INTO batches (reference, sku, purchased_quantity, eta, seq)
				VALUES (?, ?, ?, ?, ?)`,
				b.Reference, b.SKU, b.PurchasedQuantity, formatETA(b.ETA), i,
			)
			if err != nil {
				return fmt.Errorf("insert batch %s: %w", b.Reference, err)
			}
		case old.PurchasedQuantity != b.PurchasedQuantity || formatETA(old.ETA) != formatETA(b.ETA):
			_, err := tx.ExecContext(ctx, `
				UPDATE batches SET purchased_quantity = ?, eta = ? WHERE reference = ?`,
				b.PurchasedQuantity, formatETA(b.ETA), b.Reference,
			)
			if err != nil {
				return fmt.Errorf("update batch %s: %w", b.Reference, err)
			}
		}
		if err := writeAllocations(ctx, tx, b, old); err != nil {
			return err
		}
	}
	return nil
}

func writeAllocations(ctx context.Context, tx *sqlx.Tx, b, old *domain.Batch) error {
	before := make(map[domain.OrderLine]bool)
	if old != nil {
		for _, line := range old.Allocations() {
			before[line] = true
		}
	}
	after := make(map[domain.OrderLine]bool)
	for _, line := range b.Allocations() {
		after[line] = true
	}

	if old != nil {
		for _, line := range old.Allocations() {
			if after[line] {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				DELETE FROM allocations
				WHERE batchref = ? AND orderid = ? AND sku = ? AND qty = ?`,
				b.Reference, line.OrderID, line.SKU, line.Qty,
			)
			if err != nil {
				return fmt.Errorf("delete allocation %s/%s: %w", b.Reference, line.OrderID, err)
			}
		}
	}
	for _, line := range b.Allocations() {
		if before[line] {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO allocations (batchref, orderid, sku, qty) VALUES (?, ?, ?, ?)`,
			b.Reference, line.OrderID, line.SKU, line.Qty,
		)
		if err != nil {
			return fmt.Errorf("insert allocation %s/%s: %w", b.Reference, line.OrderID, err)
		}
	}
	return nil
}

func formatETA(eta *time.Time) sql.NullString {
	if eta == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: eta.UTC().Format(etaLayout), Valid: true}
}

func parseETA(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(etaLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse eta %q: %w", s.String, err)
	}
	return &t, nil
}

func (op viewOp) exec(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM allocations_view WHERE orderid = ? AND sku = ?`,
		op.key.orderID, op.key.sku)
	if err != nil || op.remove {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO allocations_view (orderid, sku, batchref) VALUES (?, ?, ?)`,
		op.key.orderID, op.key.sku, op.batchRef)
	return err
}

// sqlViews stages read-model writes until the unit of work commits.
type sqlViews struct {
	store  *SQLStore
	scope  *uow.Scope
	staged []viewOp
}

func (v *sqlViews) Add(ctx context.Context, orderID, sku, batchRef string) error {
	if err := v.scope.RequireActive(); err != nil {
		return err
	}
	v.staged = append(v.staged, viewOp{key: viewKey{orderID, sku}, batchRef: batchRef})
	return nil
}

func (v *sqlViews) Remove(ctx context.Context, orderID, sku string) error {
	if err := v.scope.RequireActive(); err != nil {
		return err
	}
	v.staged = append(v.staged, viewOp{key: viewKey{orderID, sku}, remove: true})
	return nil
}

func (v *sqlViews) ForOrder(ctx context.Context, orderID string) ([]port.AllocationRow, error) {
	if err := v.scope.RequireActive(); err != nil {
		return nil, err
	}

	var committed []port.AllocationRow
	err := v.store.db.SelectContext(ctx, &committed,
		`SELECT sku, batchref FROM allocations_view WHERE orderid = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query allocations view: %w", err)
	}

	views := make(map[viewKey]string, len(committed))
	for _, row := range committed {
		views[viewKey{orderID, row.SKU}] = row.BatchRef
	}
	for _, op := range v.staged {
		op.apply(views)
	}

	var rows []port.AllocationRow
	for k, ref := range views {
		if k.orderID == orderID {
			rows = append(rows, port.AllocationRow{SKU: k.sku, BatchRef: ref})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SKU < rows[j].SKU })
	return rows, nil
}
