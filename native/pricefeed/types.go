package pricefeed

// CanonicalPrice is the primary published price for a feed. Publishes are
// monotonic in VotingRoundID.
type CanonicalPrice struct {
	VotingRoundID uint32
	Value         uint32
	Decimals      int8
}

// TrustedPrice is the median of trusted provider submissions. It lags the
// canonical price by one voting round: submissions for round R are collected
// while round R+1's window is open and finalized by round R+1's publish.
type TrustedPrice struct {
	VotingRoundID   uint32
	Value           uint32
	Decimals        int8
	NumberOfSubmits uint8
}

// Submission is a single trusted provider price for the open round.
type Submission struct {
	Provider string
	Value    uint32
}

// Feed is the full aggregation state for one feed id.
type Feed struct {
	ID        string
	Canonical CanonicalPrice
	Trusted   TrustedPrice
	// SubmissionRound tags which voting round Submissions belong to.
	SubmissionRound uint32
	Submissions     []Submission
	// LastSubmittedRound tracks, per provider, the last round that provider
	// submitted for, preventing duplicate submissions within a round.
	LastSubmittedRound map[string]uint32
}

// Clone returns a deep copy so engines can stage mutations without exposing
// partial state on failure.
func (f *Feed) Clone() *Feed {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Submissions = append([]Submission(nil), f.Submissions...)
	clone.LastSubmittedRound = make(map[string]uint32, len(f.LastSubmittedRound))
	for provider, round := range f.LastSubmittedRound {
		clone.LastSubmittedRound[provider] = round
	}
	return &clone
}

// PublishEntry is one feed's payload within a canonical publish batch. The
// proof is opaque to the engine and checked through the injected verifier.
type PublishEntry struct {
	FeedID        string
	VotingRoundID uint32
	Value         uint32
	Decimals      int8
	Proof         [][32]byte
}

// PriceReading is the renormalized view returned to consumers: a negative
// stored decimals exponent is folded into the value so Decimals is never
// negative.
type PriceReading struct {
	VotingRoundID uint32
	Value         uint64
	Decimals      uint8
	Timestamp     int64
	NumberOfSubmits uint8
}
