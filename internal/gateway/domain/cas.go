package domain

import "time"

// Precedence is the totally-ordered dominance tuple used to decide whether
// an incoming status update may overwrite the persisted order (§4.6). It
// compares (status_rank, broker_updated_at, source_priority) lexically.
type Precedence struct {
	StatusRank      int
	BrokerUpdatedAt time.Time
	Source          SourcePriority
}

// PrecedenceOf builds the dominance tuple for an order's current state.
func PrecedenceOf(o Order) Precedence {
	return Precedence{
		StatusRank:      o.StatusRank,
		BrokerUpdatedAt: o.BrokerUpdatedAt,
		Source:          o.SourcePriority,
	}
}

// Dominates reports whether p should replace existing under the CAS merge
// rule. Equal status_rank and equal broker_updated_at fall through to
// source_priority, where webhook > reconciliation > manual. A true tie on
// all three fields does not dominate — the existing record is kept.
func (p Precedence) Dominates(existing Precedence) bool {
	if p.StatusRank != existing.StatusRank {
		return p.StatusRank > existing.StatusRank
	}
	if !p.BrokerUpdatedAt.Equal(existing.BrokerUpdatedAt) {
		return p.BrokerUpdatedAt.After(existing.BrokerUpdatedAt)
	}
	return sourceRank[p.Source] > sourceRank[existing.Source]
}
