package sandbox

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

type groupState struct {
	group    pulse.Group
	members  map[string]pulse.GroupMember
	settings pulse.GroupSettings
}

func (g *groupState) memberIDs() []string {
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// view returns the group as seen by viewer. Must be called with s.mu held.
func (g *groupState) view(viewer string) pulse.Group {
	out := g.group
	out.MemberCount = len(g.members)
	out.IsMuted = g.members[viewer].IsMuted
	return out
}

func (g *groupState) memberList() []pulse.GroupMember {
	out := make([]pulse.GroupMember, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// groupFor looks up a group the caller belongs to. Must be called with s.mu held.
func (s *Server) groupFor(id, me string) (*groupState, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, pulse.ErrNotFound)
	}
	if _, member := g.members[me]; !member {
		return nil, fmt.Errorf("%w: not a member of group %s", pulse.ErrNotParticipant, id)
	}
	return g, nil
}

func canManage(g *groupState, userID string) bool {
	r := g.members[userID].Role
	return r == pulse.RoleAdmin || r == pulse.RoleModerator
}

// newMember must be called with s.mu held.
func (s *Server) newMember(groupID, userID string, role pulse.MemberRole) pulse.GroupMember {
	m := pulse.GroupMember{ID: pulse.NewID(), GroupID: groupID, UserID: userID, Role: role, JoinedAt: s.now()}
	if u, ok := s.users[userID]; ok {
		m.User = &u
	}
	return m
}

func (s *Server) pushGroup(to []string, ev pulse.Event) {
	for _, id := range to {
		s.PushEvent(id, ev)
	}
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request, me string) {
	search := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("search")))
	groupType := pulse.GroupType(r.URL.Query().Get("groupType"))

	s.mu.Lock()
	var out []pulse.Group
	for _, g := range s.groups {
		if _, member := g.members[me]; !member {
			continue
		}
		if groupType != "" && g.group.GroupType != groupType {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(g.group.Name), search) {
			continue
		}
		out = append(out, g.view(me))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	page, p := paginate(r, out, 20)
	writeData(w, http.StatusOK, page, p)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request, me string) {
	var in pulse.CreateGroupInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		writeError(w, fmt.Errorf("%w: group name is required", pulse.ErrInvalidInput))
		return
	}
	if in.GroupType == "" {
		in.GroupType = pulse.GroupPrivate
	}

	now := s.now()
	s.mu.Lock()
	g := &groupState{
		group: pulse.Group{
			ID:          pulse.NewID(),
			Name:        in.Name,
			Description: in.Description,
			GroupType:   in.GroupType,
			CreatedBy:   me,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		members: make(map[string]pulse.GroupMember),
		settings: pulse.GroupSettings{
			EnableReadReceipts:     true,
			EnableTypingIndicators: true,
			MaxMembers:             256,
		},
	}
	g.members[me] = s.newMember(g.group.ID, me, pulse.RoleAdmin)
	for _, id := range in.MemberIDs {
		if _, known := s.users[id]; known && id != me {
			g.members[id] = s.newMember(g.group.ID, id, pulse.RoleMember)
		}
	}
	s.groups[g.group.ID] = g
	view := g.view(me)
	added := g.memberList()
	s.mu.Unlock()

	for _, m := range added {
		if m.UserID != me {
			s.PushEvent(m.UserID, pulse.GroupMemberAddedEvent{GroupID: view.ID, Member: m, MemberCount: &view.MemberCount})
		}
	}
	writeData(w, http.StatusCreated, view, nil)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request, me string) {
	s.mu.Lock()
	g, err := s.groupFor(r.PathValue("id"), me)
	var view pulse.Group
	if err == nil {
		view = g.view(me)
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, view, nil)
}

func (s *Server) updateGroup(w http.ResponseWriter, r *http.Request, me string) {
	var in pulse.GroupUpdate
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	s.mu.Lock()
	g, err := s.groupFor(r.PathValue("id"), me)
	if err == nil && g.settings.OnlyAdminsCanEditInfo && !canManage(g, me) {
		err = fmt.Errorf("%w: only admins can edit this group", errForbidden)
	}
	if err != nil {
		s.mu.Unlock()
		writeError(w, err)
		return
	}
	if in.Name != nil {
		g.group.Name = *in.Name
	}
	if in.Description != nil {
		g.group.Description = *in.Description
	}
	if in.GroupType != nil {
		g.group.GroupType = *in.GroupType
	}
	if in.Avatar != nil {
		g.group.Avatar = *in.Avatar
	}
	g.group.UpdatedAt = s.now()
	view := g.view(me)
	audience := g.memberIDs()
	s.mu.Unlock()

	for _, id := range audience {
		s.mu.Lock()
		ev := pulse.GroupUpdatedEvent{Group: g.view(id)}
		s.mu.Unlock()
		s.PushEvent(id, ev)
	}
	writeData(w, http.StatusOK, view, nil)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request, me string) {
	id := r.PathValue("id")
	s.mu.Lock()
	g, err := s.groupFor(id, me)
	if err == nil && g.members[me].Role != pulse.RoleAdmin {
		err = fmt.Errorf("%w: only admins can delete a group", errForbidden)
	}
	if err != nil {
		s.mu.Unlock()
		writeError(w, err)
		return
	}
	audience := g.memberIDs()
	delete(s.groups, id)
	s.mu.Unlock()

	s.pushGroup(audience, pulse.GroupDeletedEvent{GroupID: id})
	writeOK(w, "group deleted")
}

func (s *Server) leaveGroup(w http.ResponseWriter, r *http.Request, me string) {
	id := r.PathValue("id")
	s.mu.Lock()
	g, err := s.groupFor(id, me)
	if err != nil {
		s.mu.Unlock()
		writeError(w, err)
		return
	}
	audience := g.memberIDs()
	delete(g.members, me)
	s.mu.Unlock()

	s.pushGroup(audience, pulse.GroupLeftEvent{GroupID: id, UserID: me})
	writeOK(w, "left group")
}

func (s *Server) muteGroup(muted bool) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, me string) {
		s.mu.Lock()
		g, err := s.groupFor(r.PathValue("id"), me)
		if err == nil {
			m := g.members[me]
			m.IsMuted = muted
			g.members[me] = m
		}
		s.mu.Unlock()
		if err != nil {
			writeError(w, err)
			return
		}
		writeOK(w, "ok")
	}
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request, me string) {
	s.mu.Lock()
	g, err := s.groupFor(r.PathValue("id"), me)
	var members []pulse.GroupMember
	if err == nil {
		members = g.memberList()
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, members, nil)
}

func (s *Server) addMembers(w http.ResponseWriter, r *http.Request, me string) {
	var in struct {
		UserIDs []string `json:"userIds"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")

	s.mu.Lock()
	g, err := s.groupFor(id, me)
	if err == nil && g.settings.OnlyAdminsCanAddMembers && !canManage(g, me) {
		err = fmt.Errorf("%w: only admins can add members", errForbidden)
	}
	if err == nil && g.settings.MaxMembers > 0 && len(g.members)+len(in.UserIDs) > g.settings.MaxMembers {
		err = fmt.Errorf("%w: group is full", pulse.ErrInvalidInput)
	}
	if err != nil {
		s.mu.Unlock()
		writeError(w, err)
		return
	}
	var added []pulse.GroupMember
	for _, uid := range in.UserIDs {
		if _, known := s.users[uid]; !known {
			continue
		}
		if _, already := g.members[uid]; already {
			continue
		}
		m := s.newMember(id, uid, pulse.RoleMember)
		g.members[uid] = m
		added = append(added, m)
	}
	count := len(g.members)
	audience := g.memberIDs()
	s.mu.Unlock()

	for _, m := range added {
		s.pushGroup(audience, pulse.GroupMemberAddedEvent{GroupID: id, Member: m, MemberCount: &count})
	}
	writeOK(w, fmt.Sprintf("%d members added", len(added)))
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request, me string) {
	id, target := r.PathValue("id"), r.PathValue("userId")
	s.mu.Lock()
	g, err := s.groupFor(id, me)
	if err == nil && target != me && !canManage(g, me) {
		err = fmt.Errorf("%w: only admins can remove members", errForbidden)
	}
	if err == nil {
		if _, ok := g.members[target]; !ok {
			err = fmt.Errorf("member %s: %w", target, pulse.ErrNotFound)
		}
	}
	if err != nil {
		s.mu.Unlock()
		writeError(w, err)
		return
	}
	audience := g.memberIDs()
	delete(g.members, target)
	count := len(g.members)
	s.mu.Unlock()

	s.pushGroup(audience, pulse.GroupMemberRemovedEvent{GroupID: id, UserID: target, MemberCount: &count})
	writeOK(w, "member removed")
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request, me string) {
	var in struct {
		Role pulse.MemberRole `json:"role"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	switch in.Role {
	case pulse.RoleAdmin, pulse.RoleModerator, pulse.RoleMember:
	default:
		writeError(w, fmt.Errorf("%w: unknown role %q", pulse.ErrInvalidInput, in.Role))
		return
	}

	id, target := r.PathValue("id"), r.PathValue("userId")
	s.mu.Lock()
	g, err := s.groupFor(id, me)
	if err == nil && g.members[me].Role != pulse.RoleAdmin {
		err = fmt.Errorf("%w: only admins can change roles", errForbidden)
	}
	var m pulse.GroupMember
	if err == nil {
		var ok bool
		if m, ok = g.members[target]; !ok {
			err = fmt.Errorf("member %s: %w", target, pulse.ErrNotFound)
		}
	}
	if err != nil {
		s.mu.Unlock()
		writeError(w, err)
		return
	}
	m.Role = in.Role
	g.members[target] = m
	audience := g.memberIDs()
	s.mu.Unlock()

	s.pushGroup(audience, pulse.GroupMemberRoleUpdatedEvent{GroupID: id, UserID: target, Role: in.Role})
	writeOK(w, "role updated")
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request, me string) {
	s.mu.Lock()
	g, err := s.groupFor(r.PathValue("id"), me)
	var settings pulse.GroupSettings
	if err == nil {
		settings = g.settings
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, settings, nil)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request, me string) {
	var in pulse.GroupSettings
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	s.mu.Lock()
	g, err := s.groupFor(r.PathValue("id"), me)
	if err == nil && g.members[me].Role != pulse.RoleAdmin {
		err = fmt.Errorf("%w: only admins can change settings", errForbidden)
	}
	if err == nil {
		g.settings = in
	}
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, in, nil)
}
