package pulse

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// ContactAction is a user action on a relationship.
type ContactAction string

const (
	ActionAdd     ContactAction = "add"
	ActionAccept  ContactAction = "accept"
	ActionReject  ContactAction = "reject"
	ActionDelete  ContactAction = "delete"
	ActionBlock   ContactAction = "block"
	ActionUnblock ContactAction = "unblock"
)

const (
	maxNicknameLen = 100
	maxNotesLen    = 500
)

// Transition computes the effect of action on a row in status cur. The
// actor must already be known to be a party. tombstone reports that the row
// leaves the active set.
//
//	pending  --accept (recipient)-->  accepted
//	pending  --reject (recipient)-->  tombstone
//	pending  --delete (requester)-->  tombstone
//	accepted --delete (either)----->  tombstone
//	accepted --block (either)------>  blocked
//	blocked  --unblock (either)---->  accepted
func Transition(cur ContactStatus, action ContactAction, actorIsRecipient bool) (next ContactStatus, tombstone bool, err error) {
	switch {
	case cur == ContactPending && action == ActionAccept && actorIsRecipient:
		return ContactAccepted, false, nil
	case cur == ContactPending && action == ActionReject && actorIsRecipient:
		return cur, true, nil
	case cur == ContactPending && action == ActionDelete && !actorIsRecipient:
		return cur, true, nil
	case cur == ContactAccepted && action == ActionDelete:
		return cur, true, nil
	case cur == ContactAccepted && action == ActionBlock:
		return ContactBlocked, false, nil
	case cur == ContactBlocked && action == ActionUnblock:
		return ContactAccepted, false, nil
	}
	return cur, false, fmt.Errorf("%w: cannot %s a %s contact", ErrIllegalTransition, action, cur)
}

// AffectedStatuses returns the sub-collections a successful action on a row
// in status from can move it into or out of. Stores refetch exactly these.
func AffectedStatuses(action ContactAction, from ContactStatus) []ContactStatus {
	switch action {
	case ActionAdd, ActionReject:
		return []ContactStatus{ContactPending}
	case ActionAccept:
		return []ContactStatus{ContactPending, ContactAccepted}
	case ActionBlock:
		return []ContactStatus{ContactAccepted, ContactBlocked}
	case ActionUnblock:
		return []ContactStatus{ContactBlocked, ContactAccepted}
	case ActionDelete:
		if from != "" {
			return []ContactStatus{from}
		}
		return []ContactStatus{ContactPending, ContactAccepted}
	}
	return ContactStatuses
}

// ============================================================================
// Ledger
// ============================================================================

type pairKey struct{ lo, hi string }

func pairOf(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

// Ledger is the authoritative relationship table: at most one row per
// unordered pair of users, tombstoned instead of deleted, and restored with
// the same id when the pair is added again.
type Ledger struct {
	mu    sync.Mutex
	rows  map[string]*Contact
	pairs map[pairKey]string
	newID func() string
	now   func() time.Time
}

type LedgerOption func(*Ledger)

// WithLedgerClock overrides time.Now.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithLedgerIDs overrides the row id generator.
func WithLedgerIDs(fn func() string) LedgerOption {
	return func(l *Ledger) { l.newID = fn }
}

func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		rows:  make(map[string]*Contact),
		pairs: make(map[pairKey]string),
		newID: NewID,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func validateProfile(nickname, notes string) error {
	if utf8.RuneCountInString(nickname) > maxNicknameLen {
		return fmt.Errorf("%w: nickname must be at most %d characters", ErrInvalidInput, maxNicknameLen)
	}
	if utf8.RuneCountInString(notes) > maxNotesLen {
		return fmt.Errorf("%w: notes must be at most %d characters", ErrInvalidInput, maxNotesLen)
	}
	return nil
}

// Add records a request from requester to recipient. A tombstoned row for
// the pair is restored: same id and created-at, status pending, requester
// set to the caller, flags and block marker cleared. restored reports that
// case.
func (l *Ledger) Add(requester, recipient, nickname, notes string) (c Contact, restored bool, err error) {
	if requester == "" || recipient == "" {
		return Contact{}, false, fmt.Errorf("%w: both user ids are required", ErrInvalidInput)
	}
	if requester == recipient {
		return Contact{}, false, ErrSelfRelationship
	}
	if err := validateProfile(nickname, notes); err != nil {
		return Contact{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	if id, ok := l.pairs[pairOf(requester, recipient)]; ok {
		row := l.rows[id]
		if !row.Tombstoned() {
			return Contact{}, false, duplicateError(row.Status)
		}
		row.RequesterID = requester
		row.RecipientID = recipient
		row.Status = ContactPending
		row.IsFavorite = false
		row.IsMuted = false
		row.Nickname = nickname
		row.Notes = notes
		row.BlockedAt = nil
		row.DeletedAt = nil
		row.UpdatedAt = now
		return *row, true, nil
	}

	row := &Contact{
		ID:          l.newID(),
		RequesterID: requester,
		RecipientID: recipient,
		Status:      ContactPending,
		Nickname:    nickname,
		Notes:       notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.rows[row.ID] = row
	l.pairs[pairOf(requester, recipient)] = row.ID
	return *row, false, nil
}

func duplicateError(status ContactStatus) error {
	switch status {
	case ContactAccepted:
		return fmt.Errorf("%w: users are already contacts", ErrDuplicateRelationship)
	case ContactBlocked:
		return fmt.Errorf("%w: contact is blocked", ErrDuplicateRelationship)
	default:
		return fmt.Errorf("%w: contact request already pending", ErrDuplicateRelationship)
	}
}

func (l *Ledger) Accept(id, actor string) (Contact, error)  { return l.apply(id, actor, ActionAccept) }
func (l *Ledger) Reject(id, actor string) (Contact, error)  { return l.apply(id, actor, ActionReject) }
func (l *Ledger) Delete(id, actor string) (Contact, error)  { return l.apply(id, actor, ActionDelete) }
func (l *Ledger) Block(id, actor string) (Contact, error)   { return l.apply(id, actor, ActionBlock) }
func (l *Ledger) Unblock(id, actor string) (Contact, error) { return l.apply(id, actor, ActionUnblock) }

// activeRow must be called with l.mu held.
func (l *Ledger) activeRow(id, actor string) (*Contact, error) {
	row, ok := l.rows[id]
	if !ok || row.Tombstoned() {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	if actor != row.RequesterID && actor != row.RecipientID {
		return nil, ErrNotParticipant
	}
	return row, nil
}

func (l *Ledger) apply(id, actor string, action ContactAction) (Contact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row, err := l.activeRow(id, actor)
	if err != nil {
		return Contact{}, err
	}
	next, tombstone, err := Transition(row.Status, action, actor == row.RecipientID)
	if err != nil {
		return Contact{}, err
	}

	now := l.now()
	row.UpdatedAt = now
	if tombstone {
		row.DeletedAt = &now
		return *row, nil
	}
	row.Status = next
	switch action {
	case ActionBlock:
		row.BlockedAt = &now
	case ActionUnblock:
		row.BlockedAt = nil
	}
	return *row, nil
}

// Update edits the profile fields of an active row.
func (l *Ledger) Update(id, actor string, in ContactUpdate) (Contact, error) {
	nickname, notes := "", ""
	if in.Nickname != nil {
		nickname = *in.Nickname
	}
	if in.Notes != nil {
		notes = *in.Notes
	}
	if err := validateProfile(nickname, notes); err != nil {
		return Contact{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	row, err := l.activeRow(id, actor)
	if err != nil {
		return Contact{}, err
	}
	if in.Nickname != nil {
		row.Nickname = *in.Nickname
	}
	if in.Notes != nil {
		row.Notes = *in.Notes
	}
	row.UpdatedAt = l.now()
	return *row, nil
}

// SetFlags sets favorite and/or muted on an active row; nil leaves a flag.
func (l *Ledger) SetFlags(id, actor string, favorite, muted *bool) (Contact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, err := l.activeRow(id, actor)
	if err != nil {
		return Contact{}, err
	}
	if favorite != nil {
		row.IsFavorite = *favorite
	}
	if muted != nil {
		row.IsMuted = *muted
	}
	row.UpdatedAt = l.now()
	return *row, nil
}

// Get returns a row by id, tombstoned or not.
func (l *Ledger) Get(id string) (Contact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[id]
	if !ok {
		return Contact{}, false
	}
	return *row, true
}

// Between returns the row for the unordered pair, tombstoned or not.
func (l *Ledger) Between(a, b string) (Contact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.pairs[pairOf(a, b)]
	if !ok {
		return Contact{}, false
	}
	return *l.rows[id], true
}

// List returns the active rows userID is party to in status, oldest first.
// An empty status lists every active row.
func (l *Ledger) List(userID string, status ContactStatus) []Contact {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Contact
	for _, row := range l.rows {
		if row.Tombstoned() {
			continue
		}
		if row.RequesterID != userID && row.RecipientID != userID {
			continue
		}
		if status != "" && row.Status != status {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
