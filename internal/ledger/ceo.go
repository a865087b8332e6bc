package ledger

import (
	"maps"
	"slices"
	"sort"

	"github.com/shopspring/decimal"
)

// ownershipPct returns held / issued × 100, or false for an unknown company.
func (l *Ledger) ownershipPct(e *entry, companyID string) (decimal.Decimal, bool) {
	total, ok := l.companies.TotalShares(companyID)
	if !ok || total <= 0 {
		return decimal.Zero, false
	}
	held := decimal.NewFromInt(e.shares(companyID))
	return held.Mul(hundred).Div(decimal.NewFromInt(total)), true
}

// evaluateLocked re-checks one participant against one company after a
// purchase or sale. Conflicts (company already controlled, or participant
// already CEO elsewhere) leave everything unchanged. A CEO who loses the
// seat is immediately considered for any empty seat they qualify for.
func (l *Ledger) evaluateLocked(e *entry, companyID string) {
	pct, ok := l.ownershipPct(e, companyID)
	if !ok {
		return
	}

	current := l.ceos[companyID]
	if current == e.id {
		if pct.LessThan(CEOThresholdPct) {
			l.clearCEO(companyID)
			l.electLocked(companyID)
			l.reseatLocked(e)
		}
		return
	}
	if current == "" && pct.GreaterThanOrEqual(CEOThresholdPct) {
		l.assignCEO(e, companyID)
	}
}

// EvaluateCEO re-checks a whole company: it drops a CEO who fell below the
// threshold and, if the seat is empty, elects the largest qualifying holder.
// The auction calls it once after all IPO allocations.
func (l *Ledger) EvaluateCEO(companyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.ceos[companyID]; ok {
		if e := l.entries[cur]; e != nil {
			if pct, ok := l.ownershipPct(e, companyID); ok && pct.LessThan(CEOThresholdPct) {
				l.clearCEO(companyID)
			}
		}
	}
	l.electLocked(companyID)
}

// electLocked fills an empty seat with the largest holder at or above the
// threshold. Ties go to the earlier-registered participant.
func (l *Ledger) electLocked(companyID string) {
	if _, taken := l.ceos[companyID]; taken {
		return
	}

	type candidate struct {
		e    *entry
		held int64
		rank int
	}
	var cands []candidate
	for i, id := range l.order {
		e := l.entries[id]
		pct, ok := l.ownershipPct(e, companyID)
		if !ok || pct.LessThan(CEOThresholdPct) {
			continue
		}
		cands = append(cands, candidate{e: e, held: e.shares(companyID), rank: i})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].held != cands[j].held {
			return cands[i].held > cands[j].held
		}
		return cands[i].rank < cands[j].rank
	})
	for _, c := range cands {
		if l.assignCEO(c.e, companyID) {
			return
		}
	}
}

// reseatLocked re-runs the election for every empty seat of a company e
// holds, once e no longer blocks itself by controlling another company.
func (l *Ledger) reseatLocked(e *entry) {
	if l.multiCEO || len(e.ceoOf) > 0 {
		return
	}
	for _, cid := range slices.Sorted(maps.Keys(e.positions)) {
		if _, taken := l.ceos[cid]; !taken {
			l.electLocked(cid)
		}
	}
}

func (l *Ledger) assignCEO(e *entry, companyID string) bool {
	if !l.multiCEO && len(e.ceoOf) > 0 {
		return false
	}
	l.ceos[companyID] = e.id
	e.ceoOf[companyID] = struct{}{}
	l.companies.SetCEO(companyID, e.id)
	l.log.Info("ceo assigned", "company", companyID, "participant", e.id)
	return true
}

func (l *Ledger) clearCEO(companyID string) {
	id, ok := l.ceos[companyID]
	if !ok {
		return
	}
	delete(l.ceos, companyID)
	if e := l.entries[id]; e != nil {
		delete(e.ceoOf, companyID)
	}
	l.companies.SetCEO(companyID, "")
	l.log.Info("ceo removed", "company", companyID, "participant", id)
}

// AllCEOs returns companyID → participantID for every controlled company.
func (l *Ledger) AllCEOs() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.ceos))
	for cid, pid := range l.ceos {
		out[cid] = pid
	}
	return out
}

// CEOOf returns the controlling participant of a company, if any.
func (l *Ledger) CEOOf(companyID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.ceos[companyID]
	return id, ok
}
