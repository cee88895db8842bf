package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketd/marketd/internal/domain/governance"
)

// GovernanceRepository implements governance.Repository.
type GovernanceRepository struct {
	pool *pgxpool.Pool
}

func NewGovernanceRepository(pool *pgxpool.Pool) *GovernanceRepository {
	return &GovernanceRepository{pool: pool}
}

const proposalColumns = `id, hash, submitter, category, title, description, target, msgid, time_start, posted_at, received_at, expired_at, created_at, updated_at`

// UpsertProposal creates the proposal and its options inside one
// transaction on first sight; a later upsert for the same hash only
// backfills timing fields. Options are immutable after creation.
func (r *GovernanceRepository) UpsertProposal(ctx context.Context, p *governance.Proposal) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (hash) DO UPDATE
		SET time_start=EXCLUDED.time_start, posted_at=EXCLUDED.posted_at,
		    received_at=EXCLUDED.received_at, expired_at=EXCLUDED.expired_at,
		    updated_at=EXCLUDED.updated_at
	`, p.ID, p.Hash, p.Submitter, p.Category, p.Title, p.Description, p.Target, p.MsgID,
		p.TimeStart, p.PostedAt, p.ReceivedAt, nullableTime(p.ExpiredAt), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}

	// xmax = 0 only for freshly inserted rows; options are written once.
	var inserted bool
	if err := tx.QueryRow(ctx,
		`SELECT (xmax = 0) FROM proposals WHERE hash=$1`, p.Hash,
	).Scan(&inserted); err != nil {
		return err
	}

	if inserted {
		for _, opt := range p.Options {
			if _, err := tx.Exec(ctx, `
				INSERT INTO proposal_options (id, proposal_id, option_id, description, hash)
				VALUES ($1,$2,$3,$4,$5)
			`, opt.ID, p.ID, opt.OptionID, opt.Description, opt.Hash); err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

func (r *GovernanceRepository) GetProposalByHash(ctx context.Context, hash string) (*governance.Proposal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE hash=$1`, hash)
	return r.scanProposal(ctx, row)
}

func (r *GovernanceRepository) GetProposalByID(ctx context.Context, id uuid.UUID) (*governance.Proposal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, id)
	return r.scanProposal(ctx, row)
}

func (r *GovernanceRepository) ListOpenProposals(ctx context.Context, now time.Time) ([]*governance.Proposal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		WHERE expired_at IS NULL OR expired_at > $1
		ORDER BY created_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectProposals(ctx, rows)
}

func (r *GovernanceRepository) ListProposals(ctx context.Context, limit, offset int) ([]*governance.Proposal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+proposalColumns+` FROM proposals
		ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectProposals(ctx, rows)
}

func (r *GovernanceRepository) collectProposals(ctx context.Context, rows pgx.Rows) ([]*governance.Proposal, error) {
	var out []*governance.Proposal
	for rows.Next() {
		p, err := scanProposalRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if err := r.loadOptions(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *GovernanceRepository) scanProposal(ctx context.Context, row pgx.Row) (*governance.Proposal, error) {
	p, err := scanProposalRow(row)
	if err != nil || p == nil {
		return nil, err
	}
	if err := r.loadOptions(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func scanProposalRow(row pgx.Row) (*governance.Proposal, error) {
	var p governance.Proposal
	var expiredAt *time.Time
	err := row.Scan(&p.ID, &p.Hash, &p.Submitter, &p.Category, &p.Title, &p.Description,
		&p.Target, &p.MsgID, &p.TimeStart, &p.PostedAt, &p.ReceivedAt, &expiredAt,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiredAt != nil {
		p.ExpiredAt = *expiredAt
	}
	return &p, nil
}

func (r *GovernanceRepository) loadOptions(ctx context.Context, p *governance.Proposal) error {
	rows, err := r.pool.Query(ctx, `
		SELECT id, proposal_id, option_id, description, hash
		FROM proposal_options WHERE proposal_id=$1 ORDER BY option_id ASC
	`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var opt governance.ProposalOption
		if err := rows.Scan(&opt.ID, &opt.ProposalID, &opt.OptionID, &opt.Description, &opt.Hash); err != nil {
			return err
		}
		p.Options = append(p.Options, opt)
	}
	return rows.Err()
}

func (r *GovernanceRepository) CreateResult(ctx context.Context, result *governance.ProposalResult) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO proposal_results (id, proposal_id, calculated_at)
		VALUES ($1,$2,$3)
	`, result.ID, result.ProposalID, result.CalculatedAt); err != nil {
		return err
	}
	for _, opt := range result.Options {
		if _, err := tx.Exec(ctx, `
			INSERT INTO proposal_option_results (result_id, option_id, weight)
			VALUES ($1,$2,$3)
		`, result.ID, opt.OptionID, opt.Weight); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *GovernanceRepository) GetLatestResult(ctx context.Context, proposalID uuid.UUID) (*governance.ProposalResult, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, proposal_id, calculated_at FROM proposal_results
		WHERE proposal_id=$1 ORDER BY calculated_at DESC LIMIT 1
	`, proposalID)
	var result governance.ProposalResult
	err := row.Scan(&result.ID, &result.ProposalID, &result.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT option_id, weight FROM proposal_option_results
		WHERE result_id=$1 ORDER BY option_id ASC
	`, result.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var opt governance.OptionResult
		if err := rows.Scan(&opt.OptionID, &opt.Weight); err != nil {
			return nil, err
		}
		result.Options = append(result.Options, opt)
	}
	return &result, rows.Err()
}

func (r *GovernanceRepository) UpsertVote(ctx context.Context, v *governance.Vote) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO votes
		(id, proposal_id, option_id, voter, weight, signature, msgid, posted_at, received_at, expired_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (proposal_id, voter) DO UPDATE
		SET option_id=EXCLUDED.option_id, weight=EXCLUDED.weight,
		    signature=EXCLUDED.signature, msgid=EXCLUDED.msgid,
		    posted_at=EXCLUDED.posted_at, received_at=EXCLUDED.received_at,
		    updated_at=EXCLUDED.updated_at
	`, v.ID, v.ProposalID, v.OptionID, v.Voter, v.Weight, v.Signature, v.MsgID,
		v.PostedAt, v.ReceivedAt, nullableTime(v.ExpiredAt), v.CreatedAt, v.UpdatedAt)
	return err
}

func (r *GovernanceRepository) GetVote(ctx context.Context, proposalID uuid.UUID, voter string) (*governance.Vote, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, proposal_id, option_id, voter, weight, signature, msgid, posted_at, received_at, expired_at, created_at, updated_at
		FROM votes WHERE proposal_id=$1 AND voter=$2
	`, proposalID, voter)
	return scanVote(row)
}

func (r *GovernanceRepository) ListVotes(ctx context.Context, proposalID uuid.UUID) ([]*governance.Vote, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, proposal_id, option_id, voter, weight, signature, msgid, posted_at, received_at, expired_at, created_at, updated_at
		FROM votes WHERE proposal_id=$1
	`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*governance.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVote(row pgx.Row) (*governance.Vote, error) {
	var v governance.Vote
	var expiredAt *time.Time
	err := row.Scan(&v.ID, &v.ProposalID, &v.OptionID, &v.Voter, &v.Weight, &v.Signature,
		&v.MsgID, &v.PostedAt, &v.ReceivedAt, &expiredAt, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiredAt != nil {
		v.ExpiredAt = *expiredAt
	}
	return &v, nil
}

func (r *GovernanceRepository) CreateFlaggedItem(ctx context.Context, f *governance.FlaggedItem) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO flagged_items (id, proposal_id, listing_item_hash, market_hash, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (proposal_id) DO NOTHING
	`, f.ID, f.ProposalID, f.ListingItemHash, f.MarketHash, f.Reason, f.CreatedAt)
	return err
}

func (r *GovernanceRepository) GetFlaggedItem(ctx context.Context, proposalID uuid.UUID) (*governance.FlaggedItem, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, proposal_id, listing_item_hash, market_hash, reason, created_at
		FROM flagged_items WHERE proposal_id=$1
	`, proposalID)
	var f governance.FlaggedItem
	err := row.Scan(&f.ID, &f.ProposalID, &f.ListingItemHash, &f.MarketHash, &f.Reason, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *GovernanceRepository) UpsertBlacklist(ctx context.Context, b *governance.Blacklist) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO blacklists (id, type, target, profile_id, created_from_vote, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (type, target, profile_id) DO NOTHING
	`, b.ID, b.Type, b.Target, b.ProfileID, b.CreatedFromVote, b.CreatedAt)
	return err
}

func (r *GovernanceRepository) DeleteBlacklist(ctx context.Context, t governance.BlacklistType, target, profileID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM blacklists WHERE type=$1 AND target=$2 AND profile_id=$3
	`, t, target, profileID)
	return err
}

func (r *GovernanceRepository) GetBlacklist(ctx context.Context, t governance.BlacklistType, target, profileID string) (*governance.Blacklist, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, type, target, profile_id, created_from_vote, created_at
		FROM blacklists WHERE type=$1 AND target=$2 AND profile_id=$3
	`, t, target, profileID)
	var b governance.Blacklist
	err := row.Scan(&b.ID, &b.Type, &b.Target, &b.ProfileID, &b.CreatedFromVote, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
