package market

import "context"

// ListingRepository persists listing items keyed by content hash. Get
// methods return (nil, nil) when no row exists.
type ListingRepository interface {
	Upsert(ctx context.Context, item *ListingItem) error
	GetByHash(ctx context.Context, hash string) (*ListingItem, error)
	CountByMarketHash(ctx context.Context, marketHash string) (int64, error)
	Delete(ctx context.Context, hash string) error
}

// MarketRepository persists markets this node joined.
type MarketRepository interface {
	Upsert(ctx context.Context, m *Market) error
	GetByHash(ctx context.Context, hash string) (*Market, error)
	Delete(ctx context.Context, hash string) error
}

// BidRepository persists bids and their escrows.
type BidRepository interface {
	Upsert(ctx context.Context, b *Bid) error
	GetByHash(ctx context.Context, hash string) (*Bid, error)
	Update(ctx context.Context, b *Bid) error
	CountByItemHash(ctx context.Context, itemHash string) (int64, error)

	UpsertEscrow(ctx context.Context, e *Escrow) error
	GetEscrowByBidHash(ctx context.Context, bidHash string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, e *Escrow) error
}

// CommentRepository persists comments keyed by content hash.
type CommentRepository interface {
	Upsert(ctx context.Context, c *Comment) error
	GetByHash(ctx context.Context, hash string) (*Comment, error)
}
