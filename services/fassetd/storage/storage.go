package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"fassetd/native/agents"
	"fassetd/native/collateralpool"
	"fassetd/native/pricefeed"
)

// Storage wraps the fassetd persistence layer. It satisfies the state
// interfaces of the agent ledger, pool accounting and price feed engines.
type Storage struct {
	db *sql.DB
}

// dbtx abstracts the write surface shared by *sql.DB and *sql.Tx so the same
// statement helpers serve both direct writes and overlay flushes.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("fassetd storage path must be configured")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- agent ledger state ---

// GetAgent loads the agent record for the vault, or nil when unregistered.
func (s *Storage) GetAgent(vault [20]byte) (*agents.Agent, error) {
	row := s.db.QueryRowContext(context.Background(), `
        SELECT status, minted_amg, reserved_amg, redeeming_amg, pool_redeeming_amg, dust_amg,
               minting_vault_cr_bips, minting_pool_cr_bips,
               underlying_uba, vault_collateral_wei,
               withdrawal_amount_wei, withdrawal_allowed_at, destroy_allowed_at, created_at
        FROM agents WHERE vault = ?
    `, addrKey(vault))
	agent := &agents.Agent{Vault: vault}
	var (
		status                            int64
		minted, reserved, redeeming       int64
		poolRedeeming, dust               int64
		underlying, collateral            string
		withdrawalAmount                  sql.NullString
		withdrawalAllowed, destroyAllowed sql.NullInt64
	)
	err := row.Scan(&status, &minted, &reserved, &redeeming, &poolRedeeming, &dust,
		&agent.MintingVaultCollateralRatioBIPS, &agent.MintingPoolCollateralRatioBIPS,
		&underlying, &collateral,
		&withdrawalAmount, &withdrawalAllowed, &destroyAllowed, &agent.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	agent.Status = agents.Status(status)
	agent.MintedAMG = uint64(minted)
	agent.ReservedAMG = uint64(reserved)
	agent.RedeemingAMG = uint64(redeeming)
	agent.PoolRedeemingAMG = uint64(poolRedeeming)
	agent.DustAMG = uint64(dust)
	if agent.UnderlyingBalanceUBA, err = decodeBig(underlying); err != nil {
		return nil, fmt.Errorf("agent underlying balance: %w", err)
	}
	if agent.VaultCollateralWei, err = decodeBig(collateral); err != nil {
		return nil, fmt.Errorf("agent collateral: %w", err)
	}
	if withdrawalAllowed.Valid {
		amount := big.NewInt(0)
		if withdrawalAmount.Valid {
			if amount, err = decodeBig(withdrawalAmount.String); err != nil {
				return nil, fmt.Errorf("agent withdrawal amount: %w", err)
			}
		}
		agent.Withdrawal = &agents.Announcement{AmountWei: amount, AllowedAt: withdrawalAllowed.Int64}
	}
	if destroyAllowed.Valid {
		agent.Destroy = &agents.Announcement{AllowedAt: destroyAllowed.Int64}
	}
	return agent, nil
}

// PutAgent upserts the agent record.
func (s *Storage) PutAgent(agent *agents.Agent) error {
	return putAgent(context.Background(), s.db, agent)
}

func putAgent(ctx context.Context, tx dbtx, agent *agents.Agent) error {
	var (
		withdrawalAmount  sql.NullString
		withdrawalAllowed sql.NullInt64
		destroyAllowed    sql.NullInt64
	)
	if agent.Withdrawal != nil {
		withdrawalAmount = sql.NullString{String: encodeBig(agent.Withdrawal.AmountWei), Valid: true}
		withdrawalAllowed = sql.NullInt64{Int64: agent.Withdrawal.AllowedAt, Valid: true}
	}
	if agent.Destroy != nil {
		destroyAllowed = sql.NullInt64{Int64: agent.Destroy.AllowedAt, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO agents(vault, status, minted_amg, reserved_amg, redeeming_amg, pool_redeeming_amg, dust_amg,
                           minting_vault_cr_bips, minting_pool_cr_bips,
                           underlying_uba, vault_collateral_wei,
                           withdrawal_amount_wei, withdrawal_allowed_at, destroy_allowed_at, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(vault) DO UPDATE SET
            status = excluded.status,
            minted_amg = excluded.minted_amg,
            reserved_amg = excluded.reserved_amg,
            redeeming_amg = excluded.redeeming_amg,
            pool_redeeming_amg = excluded.pool_redeeming_amg,
            dust_amg = excluded.dust_amg,
            minting_vault_cr_bips = excluded.minting_vault_cr_bips,
            minting_pool_cr_bips = excluded.minting_pool_cr_bips,
            underlying_uba = excluded.underlying_uba,
            vault_collateral_wei = excluded.vault_collateral_wei,
            withdrawal_amount_wei = excluded.withdrawal_amount_wei,
            withdrawal_allowed_at = excluded.withdrawal_allowed_at,
            destroy_allowed_at = excluded.destroy_allowed_at
    `, addrKey(agent.Vault), int64(agent.Status),
		int64(agent.MintedAMG), int64(agent.ReservedAMG), int64(agent.RedeemingAMG),
		int64(agent.PoolRedeemingAMG), int64(agent.DustAMG),
		agent.MintingVaultCollateralRatioBIPS, agent.MintingPoolCollateralRatioBIPS,
		encodeBig(agent.UnderlyingBalanceUBA), encodeBig(agent.VaultCollateralWei),
		withdrawalAmount, withdrawalAllowed, destroyAllowed, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// GetReservation loads a collateral reservation, or nil when absent.
func (s *Storage) GetReservation(id uint64) (*agents.CollateralReservation, error) {
	row := s.db.QueryRowContext(context.Background(), `
        SELECT vault, amount_amg, fee_uba, created_at FROM reservations WHERE id = ?
    `, int64(id))
	var (
		vault     string
		amountAMG int64
		fee       sql.NullString
		createdAt int64
	)
	if err := row.Scan(&vault, &amountAMG, &fee, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	res := &agents.CollateralReservation{ID: id, AmountAMG: uint64(amountAMG), CreatedAt: createdAt}
	var err error
	if res.Vault, err = decodeAddr(vault); err != nil {
		return nil, fmt.Errorf("reservation vault: %w", err)
	}
	if fee.Valid {
		if res.FeeUBA, err = decodeBig(fee.String); err != nil {
			return nil, fmt.Errorf("reservation fee: %w", err)
		}
	}
	return res, nil
}

// PutReservation upserts a collateral reservation.
func (s *Storage) PutReservation(res *agents.CollateralReservation) error {
	return putReservation(context.Background(), s.db, res)
}

func putReservation(ctx context.Context, tx dbtx, res *agents.CollateralReservation) error {
	var fee sql.NullString
	if res.FeeUBA != nil {
		fee = sql.NullString{String: encodeBig(res.FeeUBA), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO reservations(id, vault, amount_amg, fee_uba, created_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            vault = excluded.vault,
            amount_amg = excluded.amount_amg,
            fee_uba = excluded.fee_uba
    `, int64(res.ID), addrKey(res.Vault), int64(res.AmountAMG), fee, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert reservation: %w", err)
	}
	return nil
}

// DeleteReservation removes a settled reservation.
func (s *Storage) DeleteReservation(id uint64) error {
	return deleteReservation(context.Background(), s.db, id)
}

func deleteReservation(ctx context.Context, tx dbtx, id uint64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

// GetRedemption loads a redemption request, or nil when absent.
func (s *Storage) GetRedemption(id uint64) (*agents.RedemptionRequest, error) {
	row := s.db.QueryRowContext(context.Background(), `
        SELECT vault, amount_amg, pool_self_close, created_at FROM redemptions WHERE id = ?
    `, int64(id))
	var (
		vault     string
		amountAMG int64
		poolFlag  int64
		createdAt int64
	)
	if err := row.Scan(&vault, &amountAMG, &poolFlag, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query redemption: %w", err)
	}
	req := &agents.RedemptionRequest{
		ID:            id,
		AmountAMG:     uint64(amountAMG),
		PoolSelfClose: poolFlag != 0,
		CreatedAt:     createdAt,
	}
	var err error
	if req.Vault, err = decodeAddr(vault); err != nil {
		return nil, fmt.Errorf("redemption vault: %w", err)
	}
	return req, nil
}

// PutRedemption upserts a redemption request.
func (s *Storage) PutRedemption(req *agents.RedemptionRequest) error {
	return putRedemption(context.Background(), s.db, req)
}

func putRedemption(ctx context.Context, tx dbtx, req *agents.RedemptionRequest) error {
	poolFlag := 0
	if req.PoolSelfClose {
		poolFlag = 1
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO redemptions(id, vault, amount_amg, pool_self_close, created_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            vault = excluded.vault,
            amount_amg = excluded.amount_amg,
            pool_self_close = excluded.pool_self_close
    `, int64(req.ID), addrKey(req.Vault), int64(req.AmountAMG), poolFlag, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert redemption: %w", err)
	}
	return nil
}

// DeleteRedemption removes a settled redemption request.
func (s *Storage) DeleteRedemption(id uint64) error {
	return deleteRedemption(context.Background(), s.db, id)
}

func deleteRedemption(ctx context.Context, tx dbtx, id uint64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM redemptions WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete redemption: %w", err)
	}
	return nil
}

// NextReferenceID advances the shared payment reference counter by skip and
// returns the new value.
func (s *Storage) NextReferenceID(skip uint64) (uint64, error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reference tx: %w", err)
	}
	defer tx.Rollback()
	var value int64
	err = tx.QueryRowContext(ctx, `SELECT value FROM reference_counter WHERE id = 1`).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("query reference counter: %w", err)
	}
	next := uint64(value) + skip
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO reference_counter(id, value) VALUES(1, ?)
        ON CONFLICT(id) DO UPDATE SET value = excluded.value
    `, int64(next)); err != nil {
		return 0, fmt.Errorf("advance reference counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reference counter: %w", err)
	}
	return next, nil
}

// --- collateral pool state ---

// GetPool loads the pool record for the agent, or nil when absent.
func (s *Storage) GetPool(agent [20]byte) (*collateralpool.Pool, error) {
	row := s.db.QueryRowContext(context.Background(), `
        SELECT token_supply, nat_balance_wei, virtual_fees_uba, fee_balance_uba, agent_responsibility_wei
        FROM pool_state WHERE agent = ?
    `, addrKey(agent))
	var supply, nat, virtual, fees, responsibility string
	if err := row.Scan(&supply, &nat, &virtual, &fees, &responsibility); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query pool: %w", err)
	}
	pool := &collateralpool.Pool{Agent: agent}
	var err error
	if pool.TokenSupply, err = decodeBig(supply); err != nil {
		return nil, fmt.Errorf("pool supply: %w", err)
	}
	if pool.NatBalanceWei, err = decodeBig(nat); err != nil {
		return nil, fmt.Errorf("pool nat balance: %w", err)
	}
	if pool.VirtualFeesUBA, err = decodeBig(virtual); err != nil {
		return nil, fmt.Errorf("pool virtual fees: %w", err)
	}
	if pool.FeeBalanceUBA, err = decodeBig(fees); err != nil {
		return nil, fmt.Errorf("pool fee balance: %w", err)
	}
	if pool.AgentResponsibilityWei, err = decodeBig(responsibility); err != nil {
		return nil, fmt.Errorf("pool responsibility: %w", err)
	}
	return pool, nil
}

// PutPool upserts the pool record.
func (s *Storage) PutPool(pool *collateralpool.Pool) error {
	return putPool(context.Background(), s.db, pool)
}

func putPool(ctx context.Context, tx dbtx, pool *collateralpool.Pool) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO pool_state(agent, token_supply, nat_balance_wei, virtual_fees_uba, fee_balance_uba, agent_responsibility_wei)
        VALUES(?, ?, ?, ?, ?, ?)
        ON CONFLICT(agent) DO UPDATE SET
            token_supply = excluded.token_supply,
            nat_balance_wei = excluded.nat_balance_wei,
            virtual_fees_uba = excluded.virtual_fees_uba,
            fee_balance_uba = excluded.fee_balance_uba,
            agent_responsibility_wei = excluded.agent_responsibility_wei
    `, addrKey(pool.Agent), encodeBig(pool.TokenSupply), encodeBig(pool.NatBalanceWei),
		encodeBig(pool.VirtualFeesUBA), encodeBig(pool.FeeBalanceUBA), encodeBig(pool.AgentResponsibilityWei))
	if err != nil {
		return fmt.Errorf("upsert pool: %w", err)
	}
	return nil
}

type lockedBatchRecord struct {
	Amount   string `json:"amount"`
	UnlockAt int64  `json:"unlock_at"`
}

// GetAccount loads a pool holder's account, or nil when absent.
func (s *Storage) GetAccount(agent, holder [20]byte) (*collateralpool.Account, error) {
	row := s.db.QueryRowContext(context.Background(), `
        SELECT tokens, fee_debt_uba, locked FROM pool_holders WHERE agent = ? AND holder = ?
    `, addrKey(agent), addrKey(holder))
	var tokens, debt, locked string
	if err := row.Scan(&tokens, &debt, &locked); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query pool holder: %w", err)
	}
	acct := &collateralpool.Account{Agent: agent, Holder: holder}
	var err error
	if acct.Tokens, err = decodeBig(tokens); err != nil {
		return nil, fmt.Errorf("holder tokens: %w", err)
	}
	if acct.FeeDebtUBA, err = decodeBig(debt); err != nil {
		return nil, fmt.Errorf("holder fee debt: %w", err)
	}
	if locked != "" {
		var records []lockedBatchRecord
		if err := json.Unmarshal([]byte(locked), &records); err != nil {
			return nil, fmt.Errorf("holder locked batches: %w", err)
		}
		acct.Locked = make([]collateralpool.TokenBatch, 0, len(records))
		for _, rec := range records {
			amount, err := decodeBig(rec.Amount)
			if err != nil {
				return nil, fmt.Errorf("holder locked amount: %w", err)
			}
			acct.Locked = append(acct.Locked, collateralpool.TokenBatch{Amount: amount, UnlockAt: rec.UnlockAt})
		}
	}
	return acct, nil
}

// PutAccount upserts a pool holder's account.
func (s *Storage) PutAccount(acct *collateralpool.Account) error {
	return putAccount(context.Background(), s.db, acct)
}

func putAccount(ctx context.Context, tx dbtx, acct *collateralpool.Account) error {
	locked := ""
	if len(acct.Locked) > 0 {
		records := make([]lockedBatchRecord, 0, len(acct.Locked))
		for _, batch := range acct.Locked {
			records = append(records, lockedBatchRecord{Amount: encodeBig(batch.Amount), UnlockAt: batch.UnlockAt})
		}
		encoded, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("encode locked batches: %w", err)
		}
		locked = string(encoded)
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO pool_holders(agent, holder, tokens, fee_debt_uba, locked)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(agent, holder) DO UPDATE SET
            tokens = excluded.tokens,
            fee_debt_uba = excluded.fee_debt_uba,
            locked = excluded.locked
    `, addrKey(acct.Agent), addrKey(acct.Holder), encodeBig(acct.Tokens), encodeBig(acct.FeeDebtUBA), locked)
	if err != nil {
		return fmt.Errorf("upsert pool holder: %w", err)
	}
	return nil
}

// DeleteAccount removes an emptied pool holder account.
func (s *Storage) DeleteAccount(agent, holder [20]byte) error {
	return deleteAccount(context.Background(), s.db, agent, holder)
}

func deleteAccount(ctx context.Context, tx dbtx, agent, holder [20]byte) error {
	if _, err := tx.ExecContext(ctx, `
        DELETE FROM pool_holders WHERE agent = ? AND holder = ?
    `, addrKey(agent), addrKey(holder)); err != nil {
		return fmt.Errorf("delete pool holder: %w", err)
	}
	return nil
}

// --- price feed state ---

// GetFeed loads a feed with its submission buffer, or nil when unknown.
func (s *Storage) GetFeed(feedID string) (*pricefeed.Feed, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx, `
        SELECT canonical_round, canonical_value, canonical_decimals,
               trusted_round, trusted_value, trusted_decimals, trusted_submits,
               submission_round
        FROM price_feeds WHERE id = ?
    `, feedID)
	feed := &pricefeed.Feed{ID: feedID, LastSubmittedRound: make(map[string]uint32)}
	var canonicalDecimals, trustedDecimals, trustedSubmits int64
	err := row.Scan(&feed.Canonical.VotingRoundID, &feed.Canonical.Value, &canonicalDecimals,
		&feed.Trusted.VotingRoundID, &feed.Trusted.Value, &trustedDecimals, &trustedSubmits,
		&feed.SubmissionRound)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query feed: %w", err)
	}
	feed.Canonical.Decimals = int8(canonicalDecimals)
	feed.Trusted.Decimals = int8(trustedDecimals)
	feed.Trusted.NumberOfSubmits = uint8(trustedSubmits)

	rows, err := s.db.QueryContext(ctx, `
        SELECT provider, round, value FROM price_submissions WHERE feed_id = ?
    `, feedID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			provider string
			round    uint32
			value    uint32
		)
		if err := rows.Scan(&provider, &round, &value); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		feed.LastSubmittedRound[provider] = round
		if round == feed.SubmissionRound {
			feed.Submissions = append(feed.Submissions, pricefeed.Submission{Provider: provider, Value: value})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return feed, nil
}

// PutFeed upserts a feed and rewrites its submission buffer.
func (s *Storage) PutFeed(feed *pricefeed.Feed) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin feed tx: %w", err)
	}
	defer tx.Rollback()
	if err := putFeed(ctx, tx, feed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feed: %w", err)
	}
	return nil
}

func putFeed(ctx context.Context, tx dbtx, feed *pricefeed.Feed) error {
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO price_feeds(id, canonical_round, canonical_value, canonical_decimals,
                                trusted_round, trusted_value, trusted_decimals, trusted_submits,
                                submission_round)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            canonical_round = excluded.canonical_round,
            canonical_value = excluded.canonical_value,
            canonical_decimals = excluded.canonical_decimals,
            trusted_round = excluded.trusted_round,
            trusted_value = excluded.trusted_value,
            trusted_decimals = excluded.trusted_decimals,
            trusted_submits = excluded.trusted_submits,
            submission_round = excluded.submission_round
    `, feed.ID, feed.Canonical.VotingRoundID, feed.Canonical.Value, int64(feed.Canonical.Decimals),
		feed.Trusted.VotingRoundID, feed.Trusted.Value, int64(feed.Trusted.Decimals), int64(feed.Trusted.NumberOfSubmits),
		feed.SubmissionRound); err != nil {
		return fmt.Errorf("upsert feed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM price_submissions WHERE feed_id = ?`, feed.ID); err != nil {
		return fmt.Errorf("clear submissions: %w", err)
	}
	buffered := make(map[string]uint32, len(feed.Submissions))
	for _, sub := range feed.Submissions {
		buffered[sub.Provider] = sub.Value
	}
	for provider, round := range feed.LastSubmittedRound {
		value := uint32(0)
		if round == feed.SubmissionRound {
			value = buffered[provider]
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO price_submissions(feed_id, provider, round, value) VALUES(?, ?, ?, ?)
        `, feed.ID, provider, round, value); err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
	}
	return nil
}

// --- settings snapshot ---

// SaveSettingsSnapshot records the normalised protocol settings the service
// booted with, for operational inspection.
func (s *Storage) SaveSettingsSnapshot(ctx context.Context, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO settings(id, payload, updated_at) VALUES(1, ?, ?)
        ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
    `, string(encoded), time.Now().UTC()); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// ListAgents returns all registered vault addresses.
func (s *Storage) ListAgents(ctx context.Context) ([][20]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vault FROM agents ORDER BY vault`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	vaults := make([][20]byte, 0)
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scan vault: %w", err)
		}
		vault, err := decodeAddr(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode vault: %w", err)
		}
		vaults = append(vaults, vault)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return vaults, nil
}

func addrKey(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func decodeAddr(encoded string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return addr, err
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("address length %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func encodeBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeBig(encoded string) (*big.Int, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", trimmed)
	}
	return value, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    vault TEXT PRIMARY KEY,
    status INTEGER NOT NULL,
    minted_amg INTEGER NOT NULL,
    reserved_amg INTEGER NOT NULL,
    redeeming_amg INTEGER NOT NULL,
    pool_redeeming_amg INTEGER NOT NULL,
    dust_amg INTEGER NOT NULL,
    minting_vault_cr_bips INTEGER NOT NULL,
    minting_pool_cr_bips INTEGER NOT NULL,
    underlying_uba TEXT NOT NULL,
    vault_collateral_wei TEXT NOT NULL,
    withdrawal_amount_wei TEXT,
    withdrawal_allowed_at INTEGER,
    destroy_allowed_at INTEGER,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reservations (
    id INTEGER PRIMARY KEY,
    vault TEXT NOT NULL,
    amount_amg INTEGER NOT NULL,
    fee_uba TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_vault ON reservations(vault);

CREATE TABLE IF NOT EXISTS redemptions (
    id INTEGER PRIMARY KEY,
    vault TEXT NOT NULL,
    amount_amg INTEGER NOT NULL,
    pool_self_close INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_redemptions_vault ON redemptions(vault);

CREATE TABLE IF NOT EXISTS reference_counter (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_state (
    agent TEXT PRIMARY KEY,
    token_supply TEXT NOT NULL,
    nat_balance_wei TEXT NOT NULL,
    virtual_fees_uba TEXT NOT NULL,
    fee_balance_uba TEXT NOT NULL,
    agent_responsibility_wei TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_holders (
    agent TEXT NOT NULL,
    holder TEXT NOT NULL,
    tokens TEXT NOT NULL,
    fee_debt_uba TEXT NOT NULL,
    locked TEXT NOT NULL,
    PRIMARY KEY (agent, holder)
);

CREATE TABLE IF NOT EXISTS price_feeds (
    id TEXT PRIMARY KEY,
    canonical_round INTEGER NOT NULL,
    canonical_value INTEGER NOT NULL,
    canonical_decimals INTEGER NOT NULL,
    trusted_round INTEGER NOT NULL,
    trusted_value INTEGER NOT NULL,
    trusted_decimals INTEGER NOT NULL,
    trusted_submits INTEGER NOT NULL,
    submission_round INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS price_submissions (
    feed_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    round INTEGER NOT NULL,
    value INTEGER NOT NULL,
    PRIMARY KEY (feed_id, provider)
);

CREATE TABLE IF NOT EXISTS settings (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
