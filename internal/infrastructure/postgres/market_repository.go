package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketd/marketd/internal/domain/market"
)

// ListingRepository implements market.ListingRepository.
type ListingRepository struct {
	pool *pgxpool.Pool
}

func NewListingRepository(pool *pgxpool.Pool) *ListingRepository {
	return &ListingRepository{pool: pool}
}

func (r *ListingRepository) Upsert(ctx context.Context, item *market.ListingItem) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO listing_items
		(id, hash, market_hash, seller, title, description, price, msgid, posted_at, received_at, expired_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (hash) DO UPDATE
		SET posted_at=EXCLUDED.posted_at, received_at=EXCLUDED.received_at,
		    expired_at=EXCLUDED.expired_at, updated_at=EXCLUDED.updated_at
	`, item.ID, item.Hash, item.MarketHash, item.Seller, item.Title, item.Description, item.Price,
		item.MsgID, item.PostedAt, item.ReceivedAt, item.ExpiredAt, item.CreatedAt, item.UpdatedAt)
	return err
}

func (r *ListingRepository) GetByHash(ctx context.Context, hash string) (*market.ListingItem, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, hash, market_hash, seller, title, description, price, msgid, posted_at, received_at, expired_at, created_at, updated_at
		FROM listing_items WHERE hash=$1
	`, hash)
	var item market.ListingItem
	err := row.Scan(&item.ID, &item.Hash, &item.MarketHash, &item.Seller, &item.Title,
		&item.Description, &item.Price, &item.MsgID, &item.PostedAt, &item.ReceivedAt,
		&item.ExpiredAt, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *ListingRepository) CountByMarketHash(ctx context.Context, marketHash string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listing_items WHERE market_hash=$1`, marketHash).Scan(&count)
	return count, err
}

func (r *ListingRepository) Delete(ctx context.Context, hash string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM listing_items WHERE hash=$1`, hash)
	return err
}

// MarketRepository implements market.MarketRepository.
type MarketRepository struct {
	pool *pgxpool.Pool
}

func NewMarketRepository(pool *pgxpool.Pool) *MarketRepository {
	return &MarketRepository{pool: pool}
}

func (r *MarketRepository) Upsert(ctx context.Context, m *market.Market) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO markets (id, hash, name, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (hash) DO UPDATE SET name=EXCLUDED.name
	`, m.ID, m.Hash, m.Name, m.CreatedAt)
	return err
}

func (r *MarketRepository) GetByHash(ctx context.Context, hash string) (*market.Market, error) {
	row := r.pool.QueryRow(ctx, `SELECT id, hash, name, created_at FROM markets WHERE hash=$1`, hash)
	var m market.Market
	err := row.Scan(&m.ID, &m.Hash, &m.Name, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MarketRepository) Delete(ctx context.Context, hash string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM markets WHERE hash=$1`, hash)
	return err
}

// BidRepository implements market.BidRepository.
type BidRepository struct {
	pool *pgxpool.Pool
}

func NewBidRepository(pool *pgxpool.Pool) *BidRepository {
	return &BidRepository{pool: pool}
}

const bidColumns = `id, hash, item_hash, market_hash, bidder, amount, status, msgid, posted_at, received_at, created_at, updated_at`

func (r *BidRepository) Upsert(ctx context.Context, b *market.Bid) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bids (`+bidColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (hash) DO UPDATE
		SET posted_at=EXCLUDED.posted_at, received_at=EXCLUDED.received_at, updated_at=EXCLUDED.updated_at
	`, b.ID, b.Hash, b.ItemHash, b.MarketHash, b.Bidder, b.Amount, b.Status, b.MsgID,
		b.PostedAt, b.ReceivedAt, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r *BidRepository) GetByHash(ctx context.Context, hash string) (*market.Bid, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE hash=$1`, hash)
	var b market.Bid
	err := row.Scan(&b.ID, &b.Hash, &b.ItemHash, &b.MarketHash, &b.Bidder, &b.Amount, &b.Status,
		&b.MsgID, &b.PostedAt, &b.ReceivedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BidRepository) Update(ctx context.Context, b *market.Bid) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE bids SET status=$1, updated_at=$2 WHERE hash=$3
	`, b.Status, b.UpdatedAt, b.Hash)
	return err
}

func (r *BidRepository) CountByItemHash(ctx context.Context, itemHash string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bids WHERE item_hash=$1`, itemHash).Scan(&count)
	return count, err
}

func (r *BidRepository) UpsertEscrow(ctx context.Context, e *market.Escrow) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO escrows (id, bid_hash, status, memo, msgid, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (bid_hash) DO UPDATE SET updated_at=EXCLUDED.updated_at
	`, e.ID, e.BidHash, e.Status, e.Memo, e.MsgID, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *BidRepository) GetEscrowByBidHash(ctx context.Context, bidHash string) (*market.Escrow, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, bid_hash, status, memo, msgid, created_at, updated_at
		FROM escrows WHERE bid_hash=$1
	`, bidHash)
	var e market.Escrow
	err := row.Scan(&e.ID, &e.BidHash, &e.Status, &e.Memo, &e.MsgID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *BidRepository) UpdateEscrow(ctx context.Context, e *market.Escrow) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrows SET status=$1, memo=$2, updated_at=$3 WHERE bid_hash=$4
	`, e.Status, e.Memo, e.UpdatedAt, e.BidHash)
	return err
}

// CommentRepository implements market.CommentRepository.
type CommentRepository struct {
	pool *pgxpool.Pool
}

func NewCommentRepository(pool *pgxpool.Pool) *CommentRepository {
	return &CommentRepository{pool: pool}
}

func (r *CommentRepository) Upsert(ctx context.Context, c *market.Comment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO comments (id, hash, sender, target, parent_hash, message, msgid, posted_at, received_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (hash) DO UPDATE
		SET posted_at=EXCLUDED.posted_at, received_at=EXCLUDED.received_at
	`, c.ID, c.Hash, c.Sender, c.Target, c.ParentHash, c.Message, c.MsgID, c.PostedAt, c.ReceivedAt, c.CreatedAt)
	return err
}

func (r *CommentRepository) GetByHash(ctx context.Context, hash string) (*market.Comment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, hash, sender, target, parent_hash, message, msgid, posted_at, received_at, created_at
		FROM comments WHERE hash=$1
	`, hash)
	var c market.Comment
	err := row.Scan(&c.ID, &c.Hash, &c.Sender, &c.Target, &c.ParentHash, &c.Message, &c.MsgID,
		&c.PostedAt, &c.ReceivedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
