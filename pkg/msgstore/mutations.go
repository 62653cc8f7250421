package msgstore

import (
	"fmt"
	"time"

	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/notify"
	"github.com/lrhodin/chatsync/pkg/syncerr"
)

// mutate runs fn on the live record under key and emits a change event when
// fn reports a change.
func (s *Store) mutate(key string, fn func(rec *message.Message) bool) bool {
	s.mu.Lock()
	rec, ok := s.byKey[key]
	changed := ok && fn(rec)
	s.mu.Unlock()
	if changed {
		s.emit(notify.MessageChanged{Key: key})
	}
	return changed
}

// Edit replaces the content of a message. A zero updatedAt means now.
// Returns false when the message isn't in the log.
func (s *Store) Edit(key, content string, updatedAt time.Time) bool {
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	return s.mutate(key, func(rec *message.Message) bool {
		rec.Content = content
		rec.UpdatedAt = updatedAt
		return true
	})
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	rec := s.removeLocked(key)
	s.mu.Unlock()
	if rec == nil {
		return false
	}
	s.emit(notify.MessageChanged{Key: key, Deleted: true})
	return true
}

// SetAttachments installs an authoritative attachment list.
func (s *Store) SetAttachments(key string, atts []message.Attachment) bool {
	atts = message.CloneAttachments(atts)
	return s.mutate(key, func(rec *message.Message) bool {
		rec.Attachments = atts
		return true
	})
}

// Attachments returns a copy of the current attachment list.
func (s *Store) Attachments(key string) ([]message.Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	return message.CloneAttachments(rec.Attachments), true
}

// SetReactions installs an authoritative reaction set.
func (s *Store) SetReactions(key string, reactions message.ReactionSet) bool {
	reactions = reactions.Clone()
	return s.mutate(key, func(rec *message.Message) bool {
		rec.Reactions = reactions
		return true
	})
}

// UpdateReactions replaces the reaction set with fn's result in one step.
func (s *Store) UpdateReactions(key string, fn func(message.ReactionSet) message.ReactionSet) error {
	if !s.mutate(key, func(rec *message.Message) bool {
		rec.Reactions = fn(rec.Reactions.Clone())
		return true
	}) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// UpdateAttachmentReactions is UpdateReactions scoped to one attachment.
func (s *Store) UpdateAttachmentReactions(key string, index int, fn func(message.ReactionSet) message.ReactionSet) error {
	var err error
	s.mutate(key, func(rec *message.Message) bool {
		if index < 0 || index >= len(rec.Attachments) {
			err = fmt.Errorf("%w: %d of %d on %s", ErrAttachmentIndex, index, len(rec.Attachments), key)
			return false
		}
		rec.Attachments[index].Reactions = fn(rec.Attachments[index].Reactions.Clone())
		return true
	})
	if err != nil {
		return err
	}
	if !s.Has(key) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// UpdateStatus computes a new status from the current one. fn returns the
// next status and whether to apply it. Returns the resulting status and
// whether fn's status was applied; a missing record is never applied.
func (s *Store) UpdateStatus(key string, fn func(cur message.Status) (message.Status, bool)) (message.Status, bool) {
	var result message.Status
	applied := s.mutate(key, func(rec *message.Message) bool {
		next, ok := fn(rec.Status)
		if ok {
			rec.Status = next
		}
		result = rec.Status
		return ok
	})
	return result, applied
}

// AddSeenBy records users who have seen a message.
func (s *Store) AddSeenBy(key string, users ...string) bool {
	return s.mutate(key, func(rec *message.Message) bool {
		if rec.SeenBy == nil {
			rec.SeenBy = make(message.UserSet, len(users))
		}
		added := false
		for _, u := range users {
			if !rec.SeenBy.Has(u) {
				rec.SeenBy[u] = struct{}{}
				added = true
			}
		}
		return added
	})
}

// MarkFailed rolls a local send that never got confirmed back to failed.
// Only provisional records in the sending state can fail.
func (s *Store) MarkFailed(provisionalID string) bool {
	return s.mutate(provisionalID, func(rec *message.Message) bool {
		if !rec.IsProvisional() || !rec.Status.Advances(message.StatusFailed) {
			return false
		}
		rec.Status = message.StatusFailed
		return true
	})
}

// Retry re-arms a failed local send under the same provisional id so a late
// confirmation still correlates.
func (s *Store) Retry(provisionalID string) bool {
	return s.mutate(provisionalID, func(rec *message.Message) bool {
		if !rec.IsProvisional() || rec.Status != message.StatusFailed {
			return false
		}
		rec.Status = message.StatusSending
		rec.UpdatedAt = s.now()
		return true
	})
}

// PendingOlderThan lists provisional ids still sending after age. The store
// never fails them on its own; callers decide.
func (s *Store) PendingOlderThan(age time.Duration) []string {
	cutoff := s.now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, rec := range s.records {
		if rec.IsProvisional() && rec.Status == message.StatusSending && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec.ProvisionalID)
		}
	}
	return out
}

// PrependOlder merges a page of older history, skipping ids already present,
// and returns how many records were added.
func (s *Store) PrependOlder(page []*message.Message) int {
	var events []notify.MessageChanged
	s.mu.Lock()
	for _, msg := range page {
		if msg == nil || msg.ID == "" {
			continue
		}
		if _, ok := s.byKey[msg.ID]; ok {
			continue
		}
		rec := msg.Clone()
		if rec.ConversationRef == "" {
			rec.ConversationRef = s.conversation
		}
		if rec.Status == message.StatusUnknown {
			rec.Status = message.StatusSent
		}
		s.records = append(s.records, rec)
		s.byKey[rec.ID] = rec
		events = append(events, notify.MessageChanged{Key: rec.ID})
	}
	if len(events) > 0 {
		s.resortLocked()
	}
	s.mu.Unlock()
	s.emit(events...)
	return len(events)
}

// MergeStats summarizes a MergeRefresh.
type MergeStats struct {
	Inserted   int
	Updated    int
	Reconciled int
	// KeptProvisional counts local sends absent from the fetched window.
	KeptProvisional int
}

// MergeRefresh folds a freshly fetched window into the log. Fetched records
// win over existing ones, except that status never moves backwards. Local
// provisional records that the window doesn't confirm are kept.
func (s *Store) MergeRefresh(fetched []*message.Message) MergeStats {
	var stats MergeStats
	var events []notify.MessageChanged
	s.mu.Lock()
	for _, msg := range fetched {
		if msg == nil || msg.ID == "" {
			continue
		}
		incoming := msg.Clone()
		if incoming.ConversationRef == "" {
			incoming.ConversationRef = s.conversation
		}
		if existing, ok := s.byKey[incoming.ID]; ok {
			if incoming.ProvisionalID != "" {
				if prov, ok := s.byKey[incoming.ProvisionalID]; ok && prov.IsProvisional() {
					s.removeLocked(prov.ProvisionalID)
					events = append(events, notify.MessageChanged{Key: prov.ProvisionalID, Deleted: true})
					s.log.Warn().
						Err(syncerr.Conflict("mergeRefresh", fmt.Errorf("server id %s already present", incoming.ID))).
						Str("provisional_id", prov.ProvisionalID).
						Msg("Dropped provisional duplicate during refresh")
				}
			}
			status := incoming.Status
			if status == message.StatusUnknown {
				status = existing.Status
			}
			incoming.Status = message.Max(existing.Status, status)
			s.removeLocked(incoming.ID)
			s.insertLocked(incoming)
			stats.Updated++
			events = append(events, notify.MessageChanged{Key: incoming.ID})
			continue
		}
		outcome, evs := s.applyIncomingLocked(incoming, "mergeRefresh")
		switch outcome {
		case OutcomeInserted:
			stats.Inserted++
		case OutcomeReconciled:
			stats.Reconciled++
		}
		events = append(events, evs...)
	}
	for _, rec := range s.records {
		if rec.IsProvisional() {
			stats.KeptProvisional++
		}
	}
	s.mu.Unlock()
	s.emit(events...)
	s.log.Debug().
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Int("reconciled", stats.Reconciled).
		Int("kept_provisional", stats.KeptProvisional).
		Msg("Merged refreshed window")
	return stats
}
