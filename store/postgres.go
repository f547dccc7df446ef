package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/flashbots/sealbid/auction"
	"github.com/flashbots/sealbid/crypto"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// OpenPostgres opens and pings a connection pool.
func OpenPostgres(ctx context.Context, config *PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// PostgresStore implements Store with PostgreSQL persistence.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open pool and runs migrations.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS auctions (
		id TEXT PRIMARY KEY,
		address VARCHAR(64) NOT NULL UNIQUE,
		seller_id VARCHAR(64) NOT NULL,
		nonce BIGINT NOT NULL,
		product_type VARCHAR(16) NOT NULL,
		category VARCHAR(32) NOT NULL,
		reserve_commitment BYTEA NOT NULL,
		status VARCHAR(16) NOT NULL,
		starts_at TIMESTAMP WITH TIME ZONE NOT NULL,
		ends_at TIMESTAMP WITH TIME ZONE NOT NULL,
		reveal_deadline TIMESTAMP WITH TIME ZONE NOT NULL,
		bid_count INTEGER NOT NULL DEFAULT 0,
		revealed_count INTEGER NOT NULL DEFAULT 0,
		payment_mint VARCHAR(64) NOT NULL,
		min_bid_increment NUMERIC(20,0) NOT NULL DEFAULT 0,
		bid_collateral NUMERIC(20,0) NOT NULL DEFAULT 0,
		metadata_pointer VARCHAR(128) NOT NULL DEFAULT '',
		winner VARCHAR(64) NOT NULL DEFAULT '',
		winning_amount NUMERIC(20,0) NOT NULL DEFAULT 0,
		second_price NUMERIC(20,0) NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_auctions_seller_status ON auctions(seller_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_auctions_status_ends ON auctions(status, ends_at);

	CREATE TABLE IF NOT EXISTS bids (
		id TEXT PRIMARY KEY,
		auction_id TEXT NOT NULL REFERENCES auctions(id),
		auction_address VARCHAR(64) NOT NULL,
		bidder_id VARCHAR(64) NOT NULL,
		address VARCHAR(64) NOT NULL UNIQUE,
		commitment_hash BYTEA NOT NULL,
		proof_hash BYTEA NOT NULL,
		collateral NUMERIC(20,0) NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		seq BIGINT NOT NULL DEFAULT 0,
		submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		collateral_returned BOOLEAN NOT NULL DEFAULT FALSE,
		revealed_amount NUMERIC(20,0),
		salt BYTEA
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uniq_bids_open_bidder ON bids(auction_id, bidder_id) WHERE status <> 'revealed';
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_bids_commitment ON bids(auction_id, commitment_hash);

	CREATE TABLE IF NOT EXISTS fulfillments (
		auction_id TEXT PRIMARY KEY REFERENCES auctions(id),
		buyer_id VARCHAR(64) NOT NULL,
		seller_id VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		amount NUMERIC(20,0) NOT NULL,
		platform_fee NUMERIC(20,0) NOT NULL,
		security_level VARCHAR(16) NOT NULL,
		release_after TIMESTAMP WITH TIME ZONE NOT NULL,
		needs_confirm BOOLEAN NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS event_backlog (
		id TEXT PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		business_key VARCHAR(256) NOT NULL,
		signature VARCHAR(128) NOT NULL,
		slot BIGINT NOT NULL,
		payload BYTEA NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (event_type, business_key, signature)
	);

	CREATE INDEX IF NOT EXISTS idx_backlog_status ON event_backlog(status, created_at);
	`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// WithTx runs fn in a database transaction, rolling back on error.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(&pgTx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func numeric(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func toUint64(d decimal.Decimal) (uint64, error) {
	if d.Sign() < 0 || !d.IsInteger() {
		return 0, fmt.Errorf("numeric %s is not an unsigned integer", d)
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("numeric %s overflows uint64", d)
	}
	return bi.Uint64(), nil
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

const auctionColumns = `id, address, seller_id, nonce, product_type, category, reserve_commitment, status,
	starts_at, ends_at, reveal_deadline, bid_count, revealed_count, payment_mint, min_bid_increment,
	bid_collateral, metadata_pointer, winner, winning_amount, second_price, created_at, updated_at`

func scanAuction(row scanner) (*auction.Auction, error) {
	var (
		a                           auction.Auction
		address, mint               string
		commitment                  []byte
		productType, status         string
		minInc, collateral, win, sp decimal.Decimal
	)
	err := row.Scan(&a.ID, &address, &a.SellerID, &a.Nonce, &productType, &a.Category, &commitment, &status,
		&a.StartsAt, &a.EndsAt, &a.RevealDeadline, &a.BidCount, &a.RevealedCount, &mint, &minInc,
		&collateral, &a.MetadataPointer, &a.Winner, &win, &sp, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if a.Address, err = crypto.NewPublicKeyFromString(address); err != nil {
		return nil, fmt.Errorf("auction %s address: %w", a.ID, err)
	}
	if a.PaymentMint, err = crypto.NewPublicKeyFromString(mint); err != nil {
		return nil, fmt.Errorf("auction %s mint: %w", a.ID, err)
	}
	copy(a.ReservePriceCommitment[:], commitment)
	a.ProductType = auction.ProductType(productType)
	a.Status = auction.Status(status)
	if a.MinBidIncrement, err = toUint64(minInc); err != nil {
		return nil, err
	}
	if a.BidCollateral, err = toUint64(collateral); err != nil {
		return nil, err
	}
	if a.WinningAmount, err = toUint64(win); err != nil {
		return nil, err
	}
	if a.SecondPrice, err = toUint64(sp); err != nil {
		return nil, err
	}
	a.StartsAt, a.EndsAt, a.RevealDeadline = a.StartsAt.UTC(), a.EndsAt.UTC(), a.RevealDeadline.UTC()
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return &a, nil
}

func (t *pgTx) queryAuction(where string, args ...any) (*auction.Auction, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+auctionColumns+` FROM auctions WHERE `+where+` FOR UPDATE`, args...)
	return scanAuction(row)
}

func (t *pgTx) InsertAuction(a *auction.Auction) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO auctions (`+auctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		a.ID, a.Address.String(), a.SellerID, a.Nonce, string(a.ProductType), a.Category, a.ReservePriceCommitment[:],
		string(a.Status), a.StartsAt, a.EndsAt, a.RevealDeadline, a.BidCount, a.RevealedCount, a.PaymentMint.String(),
		numeric(a.MinBidIncrement), numeric(a.BidCollateral), a.MetadataPointer, a.Winner,
		numeric(a.WinningAmount), numeric(a.SecondPrice), a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) GetAuction(id string) (*auction.Auction, error) {
	return t.queryAuction(`id = $1`, id)
}

func (t *pgTx) GetAuctionByAddress(addr crypto.PublicKey) (*auction.Auction, error) {
	return t.queryAuction(`address = $1`, addr.String())
}

func (t *pgTx) LatestPendingAuction(sellerID string) (*auction.Auction, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE seller_id = $1 AND status = $2
		ORDER BY created_at DESC, nonce DESC LIMIT 1 FOR UPDATE`, sellerID, string(auction.StatusPending))
	return scanAuction(row)
}

func (t *pgTx) UpdateAuction(a *auction.Auction, expected auction.Status) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE auctions SET
		address = $3, nonce = $4, product_type = $5, category = $6, reserve_commitment = $7, status = $8,
		starts_at = $9, ends_at = $10, reveal_deadline = $11, bid_count = $12, revealed_count = $13,
		payment_mint = $14, min_bid_increment = $15, bid_collateral = $16, metadata_pointer = $17,
		winner = $18, winning_amount = $19, second_price = $20, updated_at = $21
		WHERE id = $1 AND status = $2`,
		a.ID, string(expected), a.Address.String(), a.Nonce, string(a.ProductType), a.Category,
		a.ReservePriceCommitment[:], string(a.Status), a.StartsAt, a.EndsAt, a.RevealDeadline,
		a.BidCount, a.RevealedCount, a.PaymentMint.String(), numeric(a.MinBidIncrement),
		numeric(a.BidCollateral), a.MetadataPointer, a.Winner, numeric(a.WinningAmount),
		numeric(a.SecondPrice), a.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return t.expectRow(res, `SELECT 1 FROM auctions WHERE id = $1`, a.ID)
}

// expectRow turns a zero-row conditional update into ErrStale, or
// ErrNotFound when the row does not exist at all.
func (t *pgTx) expectRow(res sql.Result, probe string, arg any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := t.tx.QueryRowContext(t.ctx, probe, arg).Scan(&one); err != nil {
		return mapErr(err)
	}
	return ErrStale
}

func (t *pgTx) ListExpiredActive(now time.Time) ([]*auction.Auction, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+auctionColumns+` FROM auctions
		WHERE status = $1 AND ends_at <= $2 ORDER BY ends_at FOR UPDATE`, string(auction.StatusActive), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const bidColumns = `id, auction_id, auction_address, bidder_id, address, commitment_hash, proof_hash,
	collateral, status, seq, submitted_at, collateral_returned, revealed_amount, salt`

func scanBid(row scanner) (*auction.Bid, error) {
	var (
		b                            auction.Bid
		auctionAddr, address, status string
		commitment, proofHash, salt  []byte
		collateral                   decimal.Decimal
		revealed                     decimal.NullDecimal
	)
	err := row.Scan(&b.ID, &b.AuctionID, &auctionAddr, &b.BidderID, &address, &commitment, &proofHash,
		&collateral, &status, &b.Seq, &b.SubmittedAt, &b.CollateralReturned, &revealed, &salt)
	if err != nil {
		return nil, mapErr(err)
	}
	if b.AuctionAddress, err = crypto.NewPublicKeyFromString(auctionAddr); err != nil {
		return nil, fmt.Errorf("bid %s auction address: %w", b.ID, err)
	}
	if b.Address, err = crypto.NewPublicKeyFromString(address); err != nil {
		return nil, fmt.Errorf("bid %s address: %w", b.ID, err)
	}
	copy(b.CommitmentHash[:], commitment)
	copy(b.ProofHash[:], proofHash)
	if b.Collateral, err = toUint64(collateral); err != nil {
		return nil, err
	}
	b.Status = auction.BidStatus(status)
	b.SubmittedAt = b.SubmittedAt.UTC()

	if revealed.Valid {
		amount, err := toUint64(revealed.Decimal)
		if err != nil {
			return nil, err
		}
		var s [auction.SaltSize]byte
		if len(salt) != auction.SaltSize {
			return nil, fmt.Errorf("bid %s: stored salt has %d bytes", b.ID, len(salt))
		}
		copy(s[:], salt)
		opened, err := b.WithReveal(amount, s)
		if err != nil {
			return nil, fmt.Errorf("bid %s: stored reveal: %w", b.ID, err)
		}
		return &opened, nil
	}
	return &b, nil
}

func revealColumns(b *auction.Bid) (decimal.NullDecimal, []byte) {
	r, ok := b.Revealed()
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NullDecimal{Decimal: numeric(r.Amount), Valid: true}, r.Salt[:]
}

func (t *pgTx) InsertBid(b *auction.Bid) error {
	amount, salt := revealColumns(b)
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO bids (`+bidColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		b.ID, b.AuctionID, b.AuctionAddress.String(), b.BidderID, b.Address.String(), b.CommitmentHash[:],
		b.ProofHash[:], numeric(b.Collateral), string(b.Status), b.Seq, b.SubmittedAt, b.CollateralReturned,
		amount, salt)
	return mapErr(err)
}

func (t *pgTx) queryBid(where string, args ...any) (*auction.Bid, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+bidColumns+` FROM bids WHERE `+where+` FOR UPDATE`, args...)
	return scanBid(row)
}

func (t *pgTx) GetBid(id string) (*auction.Bid, error) {
	return t.queryBid(`id = $1`, id)
}

func (t *pgTx) GetBidByAddress(addr crypto.PublicKey) (*auction.Bid, error) {
	return t.queryBid(`address = $1`, addr.String())
}

func (t *pgTx) GetBidByCommitment(auctionID string, commitment crypto.Hash) (*auction.Bid, error) {
	return t.queryBid(`auction_id = $1 AND commitment_hash = $2`, auctionID, commitment[:])
}

func (t *pgTx) GetOpenBid(auctionID, bidderID string) (*auction.Bid, error) {
	return t.queryBid(`auction_id = $1 AND bidder_id = $2 AND status <> $3`, auctionID, bidderID, string(auction.BidRevealed))
}

func (t *pgTx) UpdateBid(b *auction.Bid) error {
	amount, salt := revealColumns(b)
	res, err := t.tx.ExecContext(t.ctx, `UPDATE bids SET
		address = $2, status = $3, seq = $4, collateral = $5, collateral_returned = $6,
		revealed_amount = $7, salt = $8
		WHERE id = $1`,
		b.ID, b.Address.String(), string(b.Status), b.Seq, numeric(b.Collateral), b.CollateralReturned, amount, salt)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeletePendingBid(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM bids WHERE id = $1 AND status = $2`, id, string(auction.BidPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListBids(auctionID string) ([]auction.Bid, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+bidColumns+` FROM bids WHERE auction_id = $1 ORDER BY seq, id`, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auction.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

const fulfillmentColumns = `auction_id, buyer_id, seller_id, status, amount, platform_fee, security_level,
	release_after, needs_confirm, created_at, updated_at`

func (t *pgTx) InsertFulfillment(f *auction.Fulfillment) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO fulfillments (`+fulfillmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (auction_id) DO NOTHING`,
		f.AuctionID, f.BuyerID, f.SellerID, string(f.Status), numeric(f.Amount), numeric(f.PlatformFee),
		string(f.SecurityLevel), f.ReleaseAfter, f.NeedsConfirm, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *pgTx) GetFulfillment(auctionID string) (*auction.Fulfillment, error) {
	var (
		f             auction.Fulfillment
		status, level string
		amount, fee   decimal.Decimal
	)
	err := t.tx.QueryRowContext(t.ctx, `SELECT `+fulfillmentColumns+` FROM fulfillments WHERE auction_id = $1 FOR UPDATE`, auctionID).
		Scan(&f.AuctionID, &f.BuyerID, &f.SellerID, &status, &amount, &fee, &level,
			&f.ReleaseAfter, &f.NeedsConfirm, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	f.Status = auction.FulfillmentStatus(status)
	f.SecurityLevel = auction.SecurityLevel(level)
	if f.Amount, err = toUint64(amount); err != nil {
		return nil, err
	}
	if f.PlatformFee, err = toUint64(fee); err != nil {
		return nil, err
	}
	f.ReleaseAfter, f.CreatedAt, f.UpdatedAt = f.ReleaseAfter.UTC(), f.CreatedAt.UTC(), f.UpdatedAt.UTC()
	return &f, nil
}

func (t *pgTx) UpdateFulfillment(f *auction.Fulfillment, expected auction.FulfillmentStatus) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE fulfillments SET status = $3, updated_at = $4
		WHERE auction_id = $1 AND status = $2`,
		f.AuctionID, string(expected), string(f.Status), f.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return t.expectRow(res, `SELECT 1 FROM fulfillments WHERE auction_id = $1`, f.AuctionID)
}

const backlogColumns = `id, event_type, business_key, signature, slot, payload, attempts, last_error, status, created_at, updated_at`

func (t *pgTx) InsertBacklog(e *BacklogEntry) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO event_backlog (`+backlogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.EventType, e.BusinessKey, e.Signature, int64(e.Slot), e.Payload, e.Attempts, e.LastError,
		string(e.Status), e.CreatedAt, e.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) ListBacklog(status BacklogStatus, limit int) ([]BacklogEntry, error) {
	query := `SELECT ` + backlogColumns + ` FROM event_backlog WHERE status = $1 ORDER BY created_at, slot, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := t.tx.QueryContext(t.ctx, query+` FOR UPDATE SKIP LOCKED`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BacklogEntry
	for rows.Next() {
		var (
			e      BacklogEntry
			slot   int64
			status string
		)
		if err := rows.Scan(&e.ID, &e.EventType, &e.BusinessKey, &e.Signature, &slot, &e.Payload,
			&e.Attempts, &e.LastError, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Slot = uint64(slot)
		e.Status = BacklogStatus(status)
		e.CreatedAt, e.UpdatedAt = e.CreatedAt.UTC(), e.UpdatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateBacklog(e *BacklogEntry) error {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE event_backlog SET attempts = $2, last_error = $3, status = $4, updated_at = $5
		WHERE id = $1`, e.ID, e.Attempts, truncate(e.LastError, 1024), string(e.Status), e.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteBacklog(id string) error {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM event_backlog WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CountBacklog(status BacklogStatus) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM event_backlog WHERE status = $1`, string(status)).Scan(&n)
	return n, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
