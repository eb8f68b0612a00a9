package storage

import (
	"context"
	"fmt"
	"sync"

	"fassetd/native/agents"
	"fassetd/native/collateralpool"
	"fassetd/native/pricefeed"
)

// Overlay buffers engine writes in memory and flushes them to the base store
// in one transaction per service call. Reads see pending writes first and
// fall through to sqlite. A failed call discards its staged entries, so the
// engines' all-or-nothing property extends to durable state: partial writes
// from an operation that errored never reach the database.
//
// Flush and discard are scoped to one vault or one feed set; the service
// layer's per-vault and per-feed locks serialize staging with flushing.
type Overlay struct {
	base *Storage

	mu              sync.Mutex
	agents          map[[20]byte]*agents.Agent
	reservations    map[uint64]*agents.CollateralReservation
	delReservations map[uint64][20]byte
	redemptions     map[uint64]*agents.RedemptionRequest
	delRedemptions  map[uint64][20]byte
	pools           map[[20]byte]*collateralpool.Pool
	accounts        map[accountKey]*collateralpool.Account
	delAccounts     map[accountKey]struct{}
	feeds           map[string]*pricefeed.Feed
}

type accountKey struct {
	agent  [20]byte
	holder [20]byte
}

// NewOverlay wraps the base store with a staging layer.
func NewOverlay(base *Storage) *Overlay {
	return &Overlay{
		base:            base,
		agents:          make(map[[20]byte]*agents.Agent),
		reservations:    make(map[uint64]*agents.CollateralReservation),
		delReservations: make(map[uint64][20]byte),
		redemptions:     make(map[uint64]*agents.RedemptionRequest),
		delRedemptions:  make(map[uint64][20]byte),
		pools:           make(map[[20]byte]*collateralpool.Pool),
		accounts:        make(map[accountKey]*collateralpool.Account),
		delAccounts:     make(map[accountKey]struct{}),
		feeds:           make(map[string]*pricefeed.Feed),
	}
}

// --- agent ledger state ---

func (o *Overlay) GetAgent(vault [20]byte) (*agents.Agent, error) {
	o.mu.Lock()
	if agent, ok := o.agents[vault]; ok {
		o.mu.Unlock()
		return agent.Clone(), nil
	}
	o.mu.Unlock()
	return o.base.GetAgent(vault)
}

func (o *Overlay) PutAgent(agent *agents.Agent) error {
	o.mu.Lock()
	o.agents[agent.Vault] = agent.Clone()
	o.mu.Unlock()
	return nil
}

func (o *Overlay) GetReservation(id uint64) (*agents.CollateralReservation, error) {
	o.mu.Lock()
	if _, deleted := o.delReservations[id]; deleted {
		o.mu.Unlock()
		return nil, nil
	}
	if res, ok := o.reservations[id]; ok {
		o.mu.Unlock()
		return res.Clone(), nil
	}
	o.mu.Unlock()
	return o.base.GetReservation(id)
}

func (o *Overlay) PutReservation(res *agents.CollateralReservation) error {
	o.mu.Lock()
	delete(o.delReservations, res.ID)
	o.reservations[res.ID] = res.Clone()
	o.mu.Unlock()
	return nil
}

// DeleteReservation tombstones the reservation. The owning vault is resolved
// up front so the flush can attribute the delete to its agent's transaction.
func (o *Overlay) DeleteReservation(id uint64) error {
	o.mu.Lock()
	if res, ok := o.reservations[id]; ok {
		delete(o.reservations, id)
		o.delReservations[id] = res.Vault
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	res, err := o.base.GetReservation(id)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	o.mu.Lock()
	o.delReservations[id] = res.Vault
	o.mu.Unlock()
	return nil
}

func (o *Overlay) GetRedemption(id uint64) (*agents.RedemptionRequest, error) {
	o.mu.Lock()
	if _, deleted := o.delRedemptions[id]; deleted {
		o.mu.Unlock()
		return nil, nil
	}
	if req, ok := o.redemptions[id]; ok {
		o.mu.Unlock()
		return req.Clone(), nil
	}
	o.mu.Unlock()
	return o.base.GetRedemption(id)
}

func (o *Overlay) PutRedemption(req *agents.RedemptionRequest) error {
	o.mu.Lock()
	delete(o.delRedemptions, req.ID)
	o.redemptions[req.ID] = req.Clone()
	o.mu.Unlock()
	return nil
}

func (o *Overlay) DeleteRedemption(id uint64) error {
	o.mu.Lock()
	if req, ok := o.redemptions[id]; ok {
		delete(o.redemptions, id)
		o.delRedemptions[id] = req.Vault
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	req, err := o.base.GetRedemption(id)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	o.mu.Lock()
	o.delRedemptions[id] = req.Vault
	o.mu.Unlock()
	return nil
}

// NextReferenceID passes through to the base store. Ids allocated by calls
// that later fail are skipped, which keeps references unique.
func (o *Overlay) NextReferenceID(skip uint64) (uint64, error) {
	return o.base.NextReferenceID(skip)
}

// --- collateral pool state ---

func (o *Overlay) GetPool(agent [20]byte) (*collateralpool.Pool, error) {
	o.mu.Lock()
	if pool, ok := o.pools[agent]; ok {
		o.mu.Unlock()
		return pool.Clone(), nil
	}
	o.mu.Unlock()
	return o.base.GetPool(agent)
}

func (o *Overlay) PutPool(pool *collateralpool.Pool) error {
	o.mu.Lock()
	o.pools[pool.Agent] = pool.Clone()
	o.mu.Unlock()
	return nil
}

func (o *Overlay) GetAccount(agent, holder [20]byte) (*collateralpool.Account, error) {
	key := accountKey{agent, holder}
	o.mu.Lock()
	if _, deleted := o.delAccounts[key]; deleted {
		o.mu.Unlock()
		return nil, nil
	}
	if acct, ok := o.accounts[key]; ok {
		o.mu.Unlock()
		return acct.Clone(), nil
	}
	o.mu.Unlock()
	return o.base.GetAccount(agent, holder)
}

func (o *Overlay) PutAccount(acct *collateralpool.Account) error {
	key := accountKey{acct.Agent, acct.Holder}
	o.mu.Lock()
	delete(o.delAccounts, key)
	o.accounts[key] = acct.Clone()
	o.mu.Unlock()
	return nil
}

func (o *Overlay) DeleteAccount(agent, holder [20]byte) error {
	key := accountKey{agent, holder}
	o.mu.Lock()
	delete(o.accounts, key)
	o.delAccounts[key] = struct{}{}
	o.mu.Unlock()
	return nil
}

// --- price feed state ---

func (o *Overlay) GetFeed(feedID string) (*pricefeed.Feed, error) {
	o.mu.Lock()
	if feed, ok := o.feeds[feedID]; ok {
		o.mu.Unlock()
		return feed.Clone(), nil
	}
	o.mu.Unlock()
	return o.base.GetFeed(feedID)
}

func (o *Overlay) PutFeed(feed *pricefeed.Feed) error {
	o.mu.Lock()
	o.feeds[feed.ID] = feed.Clone()
	o.mu.Unlock()
	return nil
}

// agentBatch holds one vault's staged writes, detached from the overlay.
type agentBatch struct {
	agent           *agents.Agent
	pool            *collateralpool.Pool
	accounts        []*collateralpool.Account
	delAccounts     []accountKey
	reservations    []*agents.CollateralReservation
	delReservations []uint64
	redemptions     []*agents.RedemptionRequest
	delRedemptions  []uint64
}

// takeAgent removes and returns everything staged for the vault.
func (o *Overlay) takeAgent(vault [20]byte) agentBatch {
	var batch agentBatch
	o.mu.Lock()
	defer o.mu.Unlock()
	if agent, ok := o.agents[vault]; ok {
		batch.agent = agent
		delete(o.agents, vault)
	}
	if pool, ok := o.pools[vault]; ok {
		batch.pool = pool
		delete(o.pools, vault)
	}
	for key, acct := range o.accounts {
		if key.agent == vault {
			batch.accounts = append(batch.accounts, acct)
			delete(o.accounts, key)
		}
	}
	for key := range o.delAccounts {
		if key.agent == vault {
			batch.delAccounts = append(batch.delAccounts, key)
			delete(o.delAccounts, key)
		}
	}
	for id, res := range o.reservations {
		if res.Vault == vault {
			batch.reservations = append(batch.reservations, res)
			delete(o.reservations, id)
		}
	}
	for id, owner := range o.delReservations {
		if owner == vault {
			batch.delReservations = append(batch.delReservations, id)
			delete(o.delReservations, id)
		}
	}
	for id, req := range o.redemptions {
		if req.Vault == vault {
			batch.redemptions = append(batch.redemptions, req)
			delete(o.redemptions, id)
		}
	}
	for id, owner := range o.delRedemptions {
		if owner == vault {
			batch.delRedemptions = append(batch.delRedemptions, id)
			delete(o.delRedemptions, id)
		}
	}
	return batch
}

// FlushAgent commits everything staged for the vault in one transaction.
func (o *Overlay) FlushAgent(ctx context.Context, vault [20]byte) error {
	batch := o.takeAgent(vault)
	if batch.empty() {
		return nil
	}
	tx, err := o.base.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin agent flush: %w", err)
	}
	defer tx.Rollback()
	if batch.agent != nil {
		if err := putAgent(ctx, tx, batch.agent); err != nil {
			return err
		}
	}
	if batch.pool != nil {
		if err := putPool(ctx, tx, batch.pool); err != nil {
			return err
		}
	}
	for _, acct := range batch.accounts {
		if err := putAccount(ctx, tx, acct); err != nil {
			return err
		}
	}
	for _, key := range batch.delAccounts {
		if err := deleteAccount(ctx, tx, key.agent, key.holder); err != nil {
			return err
		}
	}
	for _, res := range batch.reservations {
		if err := putReservation(ctx, tx, res); err != nil {
			return err
		}
	}
	for _, id := range batch.delReservations {
		if err := deleteReservation(ctx, tx, id); err != nil {
			return err
		}
	}
	for _, req := range batch.redemptions {
		if err := putRedemption(ctx, tx, req); err != nil {
			return err
		}
	}
	for _, id := range batch.delRedemptions {
		if err := deleteRedemption(ctx, tx, id); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit agent flush: %w", err)
	}
	return nil
}

// DiscardAgent drops everything staged for the vault.
func (o *Overlay) DiscardAgent(vault [20]byte) {
	o.takeAgent(vault)
}

func (b agentBatch) empty() bool {
	return b.agent == nil && b.pool == nil &&
		len(b.accounts) == 0 && len(b.delAccounts) == 0 &&
		len(b.reservations) == 0 && len(b.delReservations) == 0 &&
		len(b.redemptions) == 0 && len(b.delRedemptions) == 0
}

func (o *Overlay) takeFeeds(feedIDs []string) []*pricefeed.Feed {
	o.mu.Lock()
	defer o.mu.Unlock()
	staged := make([]*pricefeed.Feed, 0, len(feedIDs))
	for _, id := range feedIDs {
		if feed, ok := o.feeds[id]; ok {
			staged = append(staged, feed)
			delete(o.feeds, id)
		}
	}
	return staged
}

// FlushFeeds commits the staged state of the named feeds in one transaction.
func (o *Overlay) FlushFeeds(ctx context.Context, feedIDs ...string) error {
	staged := o.takeFeeds(feedIDs)
	if len(staged) == 0 {
		return nil
	}
	tx, err := o.base.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin feed flush: %w", err)
	}
	defer tx.Rollback()
	for _, feed := range staged {
		if err := putFeed(ctx, tx, feed); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit feed flush: %w", err)
	}
	return nil
}

// DiscardFeeds drops the staged state of the named feeds.
func (o *Overlay) DiscardFeeds(feedIDs ...string) {
	o.takeFeeds(feedIDs)
}
