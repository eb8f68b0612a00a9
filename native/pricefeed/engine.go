package pricefeed

import (
	"encoding/binary"
	"errors"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"fassetd/native/fasset"
)

var (
	errNilState             = errors.New("pricefeed engine: state not configured")
	ErrUnauthorized         = errors.New("pricefeed engine: sender is not a trusted provider")
	ErrStaleSubmission      = errors.New("pricefeed engine: submission window for round not open")
	ErrDuplicateSubmission  = errors.New("pricefeed engine: provider already submitted for round")
	ErrSubmissionWindowOpen = errors.New("pricefeed engine: submission window still open")
	ErrAlreadyPublished     = errors.New("pricefeed engine: voting round already published")
	ErrVotingRoundMismatch  = errors.New("pricefeed engine: batch entries span voting rounds")
	ErrProofInvalid         = errors.New("pricefeed engine: merkle proof rejected")
	ErrEmptyBatch           = errors.New("pricefeed engine: publish batch empty")
	ErrUnknownFeed          = errors.New("pricefeed engine: feed not found")
	ErrDecimalsOutOfRange   = errors.New("pricefeed engine: feed decimals out of range")
)

// Renormalization scales negative decimals into the value as a uint64; a
// uint32 value shifted by 9 digits stays below 2^64, so -9 is the lowest
// decimals that cannot overflow a reading.
const (
	minFeedDecimals = int8(-9)
	maxFeedDecimals = int8(18)
)

type engineState interface {
	GetFeed(feedID string) (*Feed, error)
	PutFeed(feed *Feed) error
}

// ProofVerifier checks a publish entry's inclusion proof against the shared
// per-round merkle root. The verifier is an external collaborator; the engine
// only interprets its boolean verdict.
type ProofVerifier interface {
	Verify(votingRoundID uint32, leaf [32]byte, proof [][32]byte) bool
}

// Engine maintains canonical and trusted prices per feed across voting
// rounds. Trusted submissions for round R are accepted during the first half
// of round R+1 and finalized by round R+1's canonical publish.
type Engine struct {
	state     engineState
	verifier  ProofVerifier
	settings  fasset.Settings
	providers map[string]struct{}

	// Voting round cadence.
	firstRoundStartTs int64
	roundSeconds      uint64

	nowFn func() int64
}

// NewEngine constructs a price feed engine with the given voting round
// cadence. Settings supply the spread bound used during finalization.
func NewEngine(settings fasset.Settings, firstRoundStartTs int64, roundSeconds uint64) *Engine {
	if roundSeconds == 0 {
		roundSeconds = 90
	}
	return &Engine{
		settings:          settings.Normalise(),
		providers:         make(map[string]struct{}),
		firstRoundStartTs: firstRoundStartTs,
		roundSeconds:      roundSeconds,
		nowFn:             func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetVerifier configures the proof oracle consulted during publishes.
func (e *Engine) SetVerifier(v ProofVerifier) { e.verifier = v }

// UpdateSettings replaces the protocol settings. The caller serializes this
// with in-flight operations.
func (e *Engine) UpdateSettings(s fasset.Settings) { e.settings = s.Normalise() }

// SetNowFunc overrides the time source. Primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetTrustedProviders replaces the trusted provider set. Provider identities
// are normalised to lowercase.
func (e *Engine) SetTrustedProviders(providers []string) {
	set := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		trimmed := strings.ToLower(strings.TrimSpace(p))
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	e.providers = set
}

// IsTrustedProvider reports whether the identity is in the trusted set.
func (e *Engine) IsTrustedProvider(provider string) bool {
	_, ok := e.providers[strings.ToLower(strings.TrimSpace(provider))]
	return ok
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// currentRound returns the voting round id covering ts.
func (e *Engine) currentRound(ts int64) uint32 {
	if ts <= e.firstRoundStartTs {
		return 0
	}
	return uint32(uint64(ts-e.firstRoundStartTs) / e.roundSeconds)
}

// openSubmissionRound returns the round whose trusted submission window is
// open at ts. Submissions for round R are accepted during the first half of
// round R+1, so the window is open only during a round's first half and
// always refers to the previous round.
func (e *Engine) openSubmissionRound(ts int64) (uint32, bool) {
	current := e.currentRound(ts)
	if current == 0 {
		return 0, false
	}
	offset := uint64(ts-e.firstRoundStartTs) % e.roundSeconds
	if offset >= e.roundSeconds/2 {
		return 0, false
	}
	return current - 1, true
}

// roundEndTs returns the unix timestamp at which the round closes.
func (e *Engine) roundEndTs(round uint32) int64 {
	return e.firstRoundStartTs + int64(uint64(round+1)*e.roundSeconds)
}

// SubmitTrustedPrice records one provider's price for the feed and round.
// Each provider may submit at most once per round per feed, and only while
// the round's submission window is open.
func (e *Engine) SubmitTrustedPrice(provider, feedID string, votingRoundID uint32, value uint32) error {
	if e.state == nil {
		return errNilState
	}
	canonical := strings.ToLower(strings.TrimSpace(provider))
	if _, ok := e.providers[canonical]; !ok {
		return ErrUnauthorized
	}
	open, ok := e.openSubmissionRound(e.now())
	if !ok || votingRoundID != open {
		return ErrStaleSubmission
	}
	feed, err := e.loadFeed(feedID)
	if err != nil {
		return err
	}
	staged := feed.Clone()
	if staged.SubmissionRound != votingRoundID {
		// Stale buffer from a round that was never finalized; drop it.
		staged.SubmissionRound = votingRoundID
		staged.Submissions = nil
	}
	if last, ok := staged.LastSubmittedRound[canonical]; ok && last >= votingRoundID {
		return ErrDuplicateSubmission
	}
	staged.LastSubmittedRound[canonical] = votingRoundID
	staged.Submissions = append(staged.Submissions, Submission{Provider: canonical, Value: value})
	return e.state.PutFeed(staged)
}

// PublishPrices applies a batch of canonical prices for a single voting
// round, finalizing the previous round's trusted submissions for each feed in
// the batch. Any failure leaves every feed untouched.
func (e *Engine) PublishPrices(entries []PublishEntry) error {
	if e.state == nil {
		return errNilState
	}
	if len(entries) == 0 {
		return ErrEmptyBatch
	}
	round := entries[0].VotingRoundID
	for _, entry := range entries {
		if entry.VotingRoundID != round {
			return ErrVotingRoundMismatch
		}
		if entry.Decimals < minFeedDecimals || entry.Decimals > maxFeedDecimals {
			return ErrDecimalsOutOfRange
		}
	}
	now := e.now()
	if open, ok := e.openSubmissionRound(now); ok && round > 0 && open == round-1 {
		return ErrSubmissionWindowOpen
	}
	if e.verifier == nil {
		return ErrProofInvalid
	}
	staged := make([]*Feed, 0, len(entries))
	for _, entry := range entries {
		if !e.verifier.Verify(round, PublishLeafHash(entry), entry.Proof) {
			return ErrProofInvalid
		}
		feed, err := e.loadFeed(entry.FeedID)
		if err != nil {
			return err
		}
		next := feed.Clone()
		if next.Canonical.VotingRoundID >= round && !(next.Canonical.VotingRoundID == 0 && next.Canonical.Value == 0) {
			return ErrAlreadyPublished
		}
		next.Canonical = CanonicalPrice{VotingRoundID: round, Value: entry.Value, Decimals: entry.Decimals}
		e.finalizeTrusted(next, round)
		staged = append(staged, next)
	}
	for _, feed := range staged {
		if err := e.state.PutFeed(feed); err != nil {
			return err
		}
	}
	return nil
}

// finalizeTrusted folds the submission buffer for round-1 into the trusted
// price. A median failing the spread bound leaves the previous trusted price
// in place (stale) and only zeroes the submit counter.
func (e *Engine) finalizeTrusted(feed *Feed, publishRound uint32) {
	if publishRound == 0 || feed.SubmissionRound != publishRound-1 || len(feed.Submissions) == 0 {
		return
	}
	values := make([]uint32, len(feed.Submissions))
	for i, sub := range feed.Submissions {
		values[i] = sub.Value
	}
	median, spread := medianAndSpread(values)
	count := len(values)
	feed.Submissions = nil
	if acceptSpread(median, spread, e.settings.MaxSpreadBIPS) {
		feed.Trusted = TrustedPrice{
			VotingRoundID:   publishRound - 1,
			Value:           median,
			Decimals:        feed.Trusted.Decimals,
			NumberOfSubmits: clampSubmits(count),
		}
		if feed.Trusted.Decimals == 0 {
			feed.Trusted.Decimals = feed.Canonical.Decimals
		}
	} else {
		feed.Trusted.NumberOfSubmits = 0
	}
}

func clampSubmits(n int) uint8 {
	if n > 255 {
		return 255
	}
	return uint8(n)
}

// medianAndSpread sorts the submitted values by insertion sort (the provider
// set is capped, so quadratic behaviour is bounded) and returns the median
// together with the spread between the two middle-neighbouring values.
func medianAndSpread(values []uint32) (median uint32, spread uint32) {
	for i := 1; i < len(values); i++ {
		v := values[i]
		j := i - 1
		for j >= 0 && values[j] > v {
			values[j+1] = values[j]
			j--
		}
		values[j+1] = v
	}
	n := len(values)
	mid := n / 2
	if n%2 == 1 {
		median = values[mid]
		if n >= 3 {
			spread = (values[mid+1] - values[mid-1]) / 2
		}
		return median, spread
	}
	lo, hi := values[mid-1], values[mid]
	median = uint32((uint64(lo) + uint64(hi)) / 2)
	return median, hi - lo
}

func acceptSpread(median, spread uint32, maxSpreadBIPS uint32) bool {
	if spread == 0 {
		return true
	}
	bound := uint64(maxSpreadBIPS) * uint64(median) / fasset.MaxBIPS
	return uint64(spread) <= bound
}

// ReadPrice returns the canonical price with decimals renormalized to be
// non-negative.
func (e *Engine) ReadPrice(feedID string) (PriceReading, error) {
	feed, err := e.requireFeed(feedID)
	if err != nil {
		return PriceReading{}, err
	}
	return e.renormalize(feed.Canonical.VotingRoundID, feed.Canonical.Value, feed.Canonical.Decimals, 0), nil
}

// ReadTrustedPrice returns the trusted median with decimals renormalized.
func (e *Engine) ReadTrustedPrice(feedID string) (PriceReading, error) {
	feed, err := e.requireFeed(feedID)
	if err != nil {
		return PriceReading{}, err
	}
	return e.renormalize(feed.Trusted.VotingRoundID, feed.Trusted.Value, feed.Trusted.Decimals, feed.Trusted.NumberOfSubmits), nil
}

// TrustedPriceFresh reports whether the trusted median is younger than the
// configured maximum age at the engine's current time.
func (e *Engine) TrustedPriceFresh(feedID string) (bool, error) {
	feed, err := e.requireFeed(feedID)
	if err != nil {
		return false, err
	}
	if feed.Trusted.NumberOfSubmits == 0 {
		return false, nil
	}
	age := e.now() - e.roundEndTs(feed.Trusted.VotingRoundID)
	return age >= 0 && uint64(age) <= e.settings.MaxTrustedPriceAgeSeconds, nil
}

func (e *Engine) renormalize(round uint32, value uint32, decimals int8, submits uint8) PriceReading {
	reading := PriceReading{
		VotingRoundID:   round,
		Value:           uint64(value),
		Timestamp:       e.roundEndTs(round),
		NumberOfSubmits: submits,
	}
	if decimals < 0 {
		scale := uint64(1)
		for i := int8(0); i < -decimals; i++ {
			scale *= 10
		}
		reading.Value *= scale
		reading.Decimals = 0
	} else {
		reading.Decimals = uint8(decimals)
	}
	return reading
}

func (e *Engine) loadFeed(feedID string) (*Feed, error) {
	feed, err := e.state.GetFeed(feedID)
	if err != nil {
		return nil, err
	}
	if feed == nil {
		feed = &Feed{ID: feedID, LastSubmittedRound: make(map[string]uint32)}
	}
	if feed.LastSubmittedRound == nil {
		feed.LastSubmittedRound = make(map[string]uint32)
	}
	return feed, nil
}

func (e *Engine) requireFeed(feedID string) (*Feed, error) {
	if e.state == nil {
		return nil, errNilState
	}
	feed, err := e.state.GetFeed(feedID)
	if err != nil {
		return nil, err
	}
	if feed == nil {
		return nil, ErrUnknownFeed
	}
	return feed, nil
}

// PublishLeafHash computes the merkle leaf for a publish entry. The layout
// matches what the proof producer signs: feed id bytes followed by the round,
// value and decimals in big-endian order.
func PublishLeafHash(entry PublishEntry) [32]byte {
	buf := make([]byte, 0, len(entry.FeedID)+9)
	buf = append(buf, []byte(entry.FeedID)...)
	var fixed [9]byte
	binary.BigEndian.PutUint32(fixed[0:4], entry.VotingRoundID)
	binary.BigEndian.PutUint32(fixed[4:8], entry.Value)
	fixed[8] = byte(entry.Decimals)
	buf = append(buf, fixed[:]...)
	var leaf [32]byte
	copy(leaf[:], ethcrypto.Keccak256(buf))
	return leaf
}
