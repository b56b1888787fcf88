package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// GroupStore holds the group list plus, per group, its loaded member set
// and settings. A group's memberCount equals the size of its member set
// whenever that set has been loaded.
type GroupStore struct {
	storeBase
	api *GroupsClient

	mu         sync.RWMutex
	groups     []Group
	pagination *Pagination
	members    map[string][]GroupMember
	settings   map[string]GroupSettings
	selected   string
}

func NewGroupStore(client *Client, opts ...StoreOption) *GroupStore {
	s := &GroupStore{
		api:      client.Groups,
		members:  make(map[string][]GroupMember),
		settings: make(map[string]GroupSettings),
	}
	s.init("groups", opts)
	return s
}

func (s *GroupStore) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Group(nil), s.groups...)
}

func (s *GroupStore) Group(id string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.groups, id); i >= 0 {
		return s.groups[i], true
	}
	return Group{}, false
}

func (s *GroupStore) Pagination() *Pagination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pagination == nil {
		return nil
	}
	p := *s.pagination
	return &p
}

// Members returns the loaded member set of a group. ok is false when it has
// never been loaded.
func (s *GroupStore) Members(groupID string) (members []GroupMember, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[groupID]
	return append([]GroupMember(nil), m...), ok
}

func (s *GroupStore) Settings(groupID string) (GroupSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[groupID]
	return st, ok
}

func (s *GroupStore) SetSelected(id string) {
	s.mu.Lock()
	s.selected = id
	s.mu.Unlock()
	s.notify()
}

func (s *GroupStore) Selected() (Group, bool) {
	s.mu.RLock()
	id := s.selected
	s.mu.RUnlock()
	if id == "" {
		return Group{}, false
	}
	return s.Group(id)
}

// ============================================================================
// Loads
// ============================================================================

// LoadGroups fetches one page. Page 1 (or 0) replaces the list; later pages
// are merged after it.
func (s *GroupStore) LoadGroups(ctx context.Context, q GroupQuery) error {
	s.beginLoad()
	groups, page, err := s.api.List(ctx, q)
	if err == nil {
		s.mu.Lock()
		if q.Page <= 1 {
			s.groups = mergePage(nil, groups, false)
		} else {
			s.groups = mergePage(s.groups, groups, false)
		}
		s.pagination = page
		s.mu.Unlock()
	}
	return s.endLoad("load groups", err)
}

func (s *GroupStore) GetGroup(ctx context.Context, id string) (Group, error) {
	g, err := s.api.Get(ctx, id)
	if err != nil {
		return Group{}, s.fail("get group", err)
	}
	s.putGroup(g)
	return g, nil
}

// LoadMembers replaces a group's member set and re-derives its count.
func (s *GroupStore) LoadMembers(ctx context.Context, groupID string) error {
	s.beginLoad()
	members, err := s.api.Members(ctx, groupID)
	if err == nil {
		s.mu.Lock()
		s.members[groupID] = mergePage(nil, members, false)
		s.recountLocked(groupID)
		s.mu.Unlock()
	}
	return s.endLoad("load members", err)
}

func (s *GroupStore) LoadSettings(ctx context.Context, groupID string) error {
	s.beginLoad()
	st, err := s.api.Settings(ctx, groupID)
	if err == nil {
		s.mu.Lock()
		s.settings[groupID] = st
		s.mu.Unlock()
	}
	return s.endLoad("load settings", err)
}

// ============================================================================
// Mutations
// ============================================================================

func (s *GroupStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Group, error) {
	return guardValue(&s.storeBase, "create:"+in.Name, func() (Group, error) {
		g, err := s.api.Create(ctx, in)
		if err != nil {
			return Group{}, s.fail("create group", err)
		}
		s.mu.Lock()
		s.groups, _ = upsertFront(s.groups, g)
		s.mu.Unlock()
		s.notify()
		return g, nil
	})
}

func (s *GroupStore) UpdateGroup(ctx context.Context, id string, in GroupUpdate) (Group, error) {
	return guardValue(&s.storeBase, "update:"+id, func() (Group, error) {
		g, err := s.api.Update(ctx, id, in)
		if err != nil {
			return Group{}, s.fail("update group", err)
		}
		s.putGroup(g)
		return g, nil
	})
}

func (s *GroupStore) DeleteGroup(ctx context.Context, id string) error {
	return s.guard("delete:"+id, func() error {
		if err := s.api.Delete(ctx, id); err != nil {
			return s.fail("delete group", err)
		}
		s.dropGroup(id)
		return nil
	})
}

func (s *GroupStore) LeaveGroup(ctx context.Context, id string) error {
	return s.guard("leave:"+id, func() error {
		if err := s.api.Leave(ctx, id); err != nil {
			return s.fail("leave group", err)
		}
		s.dropGroup(id)
		return nil
	})
}

// SetMuted mutes or unmutes a group optimistically.
func (s *GroupStore) SetMuted(ctx context.Context, id string, muted bool) error {
	return s.guard("mute:"+id, func() error {
		var prev bool
		found := s.editGroup(id, func(g *Group) { prev = g.IsMuted; g.IsMuted = muted })
		if !found {
			return s.fail("mute group", fmt.Errorf("group %s: %w", id, ErrNotFound))
		}
		if err := s.api.SetMuted(ctx, id, muted); err != nil {
			s.editGroup(id, func(g *Group) { g.IsMuted = prev })
			return s.fail("mute group", err)
		}
		return nil
	})
}

// AddMembers asks the server to add users, then reloads the member set so
// roles and join times come from the server.
func (s *GroupStore) AddMembers(ctx context.Context, groupID string, userIDs []string) error {
	return s.guard(fmt.Sprintf("add-members:%s:%v", groupID, userIDs), func() error {
		if err := s.api.AddMembers(ctx, groupID, userIDs); err != nil {
			return s.fail("add members", err)
		}
		return s.LoadMembers(ctx, groupID)
	})
}

// RemoveMember drops the member locally first and restores it on failure.
func (s *GroupStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	return s.guard("remove-member:"+groupID+":"+userID, func() error {
		s.mu.Lock()
		var prev *GroupMember
		if i := indexOf(s.members[groupID], userID); i >= 0 {
			m := s.members[groupID][i]
			prev = &m
		}
		prevCount := s.memberCountLocked(groupID)
		if _, loaded := s.members[groupID]; loaded {
			s.removeMemberLocked(groupID, userID, nil)
		} else if prevCount > 0 {
			s.groups, _ = update(s.groups, groupID, func(g *Group) { g.MemberCount = prevCount - 1 })
		}
		s.mu.Unlock()
		s.notify()

		if err := s.api.RemoveMember(ctx, groupID, userID); err != nil {
			s.mu.Lock()
			if prev != nil {
				s.members[groupID], _ = upsert(s.members[groupID], *prev)
			}
			s.groups, _ = update(s.groups, groupID, func(g *Group) { g.MemberCount = prevCount })
			s.mu.Unlock()
			s.notify()
			return s.fail("remove member", err)
		}
		return nil
	})
}

// UpdateMemberRole changes a role optimistically.
func (s *GroupStore) UpdateMemberRole(ctx context.Context, groupID, userID string, role MemberRole) error {
	return s.guard("role:"+groupID+":"+userID, func() error {
		s.mu.Lock()
		var prev MemberRole
		var found bool
		if members, ok := s.members[groupID]; ok {
			s.members[groupID], found = update(members, userID, func(m *GroupMember) { prev = m.Role; m.Role = role })
		}
		s.mu.Unlock()
		s.notify()

		if err := s.api.UpdateMemberRole(ctx, groupID, userID, role); err != nil {
			if found {
				s.mu.Lock()
				s.members[groupID], _ = update(s.members[groupID], userID, func(m *GroupMember) { m.Role = prev })
				s.mu.Unlock()
				s.notify()
			}
			return s.fail("update role", err)
		}
		return nil
	})
}

func (s *GroupStore) UpdateSettings(ctx context.Context, groupID string, in GroupSettings) error {
	return s.guard("settings:"+groupID, func() error {
		st, err := s.api.UpdateSettings(ctx, groupID, in)
		if err != nil {
			return s.fail("update settings", err)
		}
		s.mu.Lock()
		s.settings[groupID] = st
		s.mu.Unlock()
		s.notify()
		return nil
	})
}

// ============================================================================
// Local edits
// ============================================================================

// putGroup upserts g, keeping the count derived from a loaded member set.
func (s *GroupStore) putGroup(g Group) {
	s.mu.Lock()
	s.groups, _ = upsert(s.groups, g)
	s.recountLocked(g.ID)
	s.mu.Unlock()
	s.notify()
}

func (s *GroupStore) editGroup(id string, fn func(*Group)) bool {
	s.mu.Lock()
	var ok bool
	s.groups, ok = update(s.groups, id, fn)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

func (s *GroupStore) dropGroup(id string) {
	s.mu.Lock()
	s.groups, _ = removeByID(s.groups, id)
	delete(s.members, id)
	delete(s.settings, id)
	if s.selected == id {
		s.selected = ""
	}
	s.mu.Unlock()
	s.notify()
}

func (s *GroupStore) memberCountLocked(groupID string) int {
	if i := indexOf(s.groups, groupID); i >= 0 {
		return s.groups[i].MemberCount
	}
	return 0
}

// recountLocked sets memberCount from the member set, if one is loaded.
func (s *GroupStore) recountLocked(groupID string) {
	members, ok := s.members[groupID]
	if !ok {
		return
	}
	n := len(members)
	s.groups, _ = update(s.groups, groupID, func(g *Group) { g.MemberCount = n })
}

// addMemberLocked merges m. Without a loaded member set the server's count,
// when present, is adopted; otherwise the count is left alone so that a
// repeated delivery cannot inflate it.
func (s *GroupStore) addMemberLocked(groupID string, m GroupMember, serverCount *int) {
	if _, ok := s.members[groupID]; ok {
		s.members[groupID], _ = upsert(s.members[groupID], m)
		s.recountLocked(groupID)
		return
	}
	if serverCount != nil {
		n := *serverCount
		s.groups, _ = update(s.groups, groupID, func(g *Group) { g.MemberCount = n })
	}
}

func (s *GroupStore) removeMemberLocked(groupID, userID string, serverCount *int) {
	if _, ok := s.members[groupID]; ok {
		s.members[groupID], _ = removeByID(s.members[groupID], userID)
		s.recountLocked(groupID)
		return
	}
	if serverCount != nil {
		n := *serverCount
		s.groups, _ = update(s.groups, groupID, func(g *Group) { g.MemberCount = n })
	}
}

// ============================================================================
// Push reconciliation
// ============================================================================

func (s *GroupStore) Bind(d *Dispatcher) (unbind func()) {
	subs := []*Subscription{
		Subscribe(d, func(e GroupMemberAddedEvent) {
			m := e.Member
			if m.GroupID == "" {
				m.GroupID = e.GroupID
			}
			s.mu.Lock()
			s.addMemberLocked(e.GroupID, m, e.MemberCount)
			s.mu.Unlock()
			s.notify()
		}),
		Subscribe(d, func(e GroupMemberRemovedEvent) {
			if e.UserID != "" && e.UserID == s.self() {
				s.dropGroup(e.GroupID)
				return
			}
			s.mu.Lock()
			s.removeMemberLocked(e.GroupID, e.UserID, e.MemberCount)
			s.mu.Unlock()
			s.notify()
		}),
		Subscribe(d, func(e GroupMemberRoleUpdatedEvent) {
			s.mu.Lock()
			if members, ok := s.members[e.GroupID]; ok {
				s.members[e.GroupID], _ = update(members, e.UserID, func(m *GroupMember) { m.Role = e.Role })
			}
			s.mu.Unlock()
			s.notify()
		}),
		Subscribe(d, func(e GroupUpdatedEvent) { s.putGroup(e.Group) }),
		Subscribe(d, func(e GroupDeletedEvent) { s.dropGroup(e.GroupID) }),
		Subscribe(d, func(e GroupLeftEvent) {
			if e.UserID == "" || e.UserID == s.self() {
				s.dropGroup(e.GroupID)
				return
			}
			s.mu.Lock()
			s.removeMemberLocked(e.GroupID, e.UserID, nil)
			s.mu.Unlock()
			s.notify()
		}),
	}
	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

// ============================================================================
// Snapshot
// ============================================================================

type groupSnapshot struct {
	Groups   []Group                  `json:"groups"`
	Members  map[string][]GroupMember `json:"members"`
	Settings map[string]GroupSettings `json:"settings"`
}

func (s *GroupStore) snapshotKey() string { return "groups" }

func (s *GroupStore) marshalSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(groupSnapshot{Groups: s.groups, Members: s.members, Settings: s.settings})
}

func (s *GroupStore) restoreSnapshot(data []byte) error {
	var snap groupSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.groups = snap.Groups
	s.members = make(map[string][]GroupMember)
	for k, v := range snap.Members {
		s.members[k] = v
	}
	s.settings = make(map[string]GroupSettings)
	for k, v := range snap.Settings {
		s.settings[k] = v
	}
	s.mu.Unlock()
	s.notify()
	return nil
}
