package pulse

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
)

func newGroupStoreFake(t *testing.T, routes func(*http.ServeMux)) *GroupStore {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/groups", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "2":
			writeEnvelope(w, http.StatusOK, []Group{{ID: "g2", MemberCount: 9}, {ID: "g3"}}, &Pagination{CurrentPage: 2, TotalPages: 2})
		default:
			writeEnvelope(w, http.StatusOK, []Group{{ID: "g1", MemberCount: 3}, {ID: "g2", MemberCount: 2}}, &Pagination{CurrentPage: 1, TotalPages: 2, HasNext: true})
		}
	})
	if routes != nil {
		routes(mux)
	}
	s := NewGroupStore(newTestClient(t, mux), WithStoreLogger(quietLogger()), WithCurrentUser(func() string { return "me" }))
	if err := s.LoadGroups(context.Background(), GroupQuery{Page: 1}); err != nil {
		t.Fatal(err)
	}
	return s
}

func memberCount(t *testing.T, s *GroupStore, id string) int {
	t.Helper()
	g, ok := s.Group(id)
	if !ok {
		t.Fatalf("group %s not loaded", id)
	}
	return g.MemberCount
}

func TestGroupStorePaging(t *testing.T) {
	s := newGroupStoreFake(t, nil)
	p := s.Pagination()
	if p == nil || !p.HasNext {
		t.Fatalf("Pagination = %+v", p)
	}
	p.HasNext = false
	if !s.Pagination().HasNext {
		t.Error("Pagination exposes the store's copy")
	}
	if err := s.LoadGroups(context.Background(), GroupQuery{Page: 2}); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Groups()); got != "g1,g2,g3" {
		t.Errorf("groups = %s", got)
	}
	if memberCount(t, s, "g2") != 9 {
		t.Error("later page must refresh known groups")
	}
	if err := s.LoadGroups(context.Background(), GroupQuery{Page: 1}); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.Groups()); got != "g1,g2" {
		t.Errorf("page 1 must replace the list, got %s", got)
	}
}

func TestGroupStoreMemberEvents(t *testing.T) {
	s := newGroupStoreFake(t, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /api/groups/{id}/members", func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, []GroupMember{
				{GroupID: "g1", UserID: "me", Role: RoleAdmin},
				{GroupID: "g1", UserID: "u2", Role: RoleMember},
			}, nil)
		})
	})
	d := NewDispatcher(WithDispatcherLogger(quietLogger()))
	s.Bind(d)

	t.Run("no member set: server count or nothing", func(t *testing.T) {
		d.emit(GroupMemberAddedEvent{GroupID: "g2", Member: GroupMember{UserID: "u5"}})
		d.emit(GroupMemberAddedEvent{GroupID: "g2", Member: GroupMember{UserID: "u5"}})
		if memberCount(t, s, "g2") != 2 {
			t.Errorf("count without server value changed to %d", memberCount(t, s, "g2"))
		}
		n := 3
		d.emit(GroupMemberAddedEvent{GroupID: "g2", Member: GroupMember{UserID: "u5"}, MemberCount: &n})
		if memberCount(t, s, "g2") != 3 {
			t.Errorf("count = %d, want server value 3", memberCount(t, s, "g2"))
		}
	})

	t.Run("member set loaded: count derived and idempotent", func(t *testing.T) {
		if err := s.LoadMembers(context.Background(), "g1"); err != nil {
			t.Fatal(err)
		}
		if memberCount(t, s, "g1") != 2 {
			t.Fatalf("count = %d after load", memberCount(t, s, "g1"))
		}
		wrong := 40
		for range 3 {
			d.emit(GroupMemberAddedEvent{GroupID: "g1", Member: GroupMember{UserID: "u3"}, MemberCount: &wrong})
		}
		if memberCount(t, s, "g1") != 3 {
			t.Errorf("count = %d, want 3", memberCount(t, s, "g1"))
		}
		members, _ := s.Members("g1")
		if members[2].GroupID != "g1" {
			t.Error("member group id not filled in")
		}

		d.emit(GroupMemberRoleUpdatedEvent{GroupID: "g1", UserID: "u3", Role: RoleModerator})
		members, _ = s.Members("g1")
		if members[2].Role != RoleModerator {
			t.Errorf("role = %s", members[2].Role)
		}

		d.emit(GroupMemberRemovedEvent{GroupID: "g1", UserID: "u3"})
		d.emit(GroupMemberRemovedEvent{GroupID: "g1", UserID: "u3"})
		if memberCount(t, s, "g1") != 2 {
			t.Errorf("count = %d after removal", memberCount(t, s, "g1"))
		}
		d.emit(GroupLeftEvent{GroupID: "g1", UserID: "u2"})
		if memberCount(t, s, "g1") != 1 {
			t.Errorf("count = %d after leave", memberCount(t, s, "g1"))
		}
	})

	t.Run("self removal drops the group", func(t *testing.T) {
		s.SetSelected("g1")
		d.emit(GroupMemberRemovedEvent{GroupID: "g1", UserID: "me"})
		if _, ok := s.Group("g1"); ok {
			t.Error("group still present")
		}
		if _, ok := s.Members("g1"); ok {
			t.Error("member set still present")
		}
		if _, ok := s.Selected(); ok {
			t.Error("selection not cleared")
		}
		d.emit(GroupDeletedEvent{GroupID: "g2"})
		if _, ok := s.Group("g2"); ok {
			t.Error("deleted group still present")
		}
	})

	t.Run("updated event", func(t *testing.T) {
		d.emit(GroupUpdatedEvent{Group: Group{ID: "g9", Name: "new"}})
		if g, ok := s.Group("g9"); !ok || g.Name != "new" {
			t.Errorf("Group(g9) = %+v, %v", g, ok)
		}
	})
}

func TestGroupStoreOptimistic(t *testing.T) {
	var roleCalls atomic.Int32
	s := newGroupStoreFake(t, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /api/groups/{id}/members", func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, []GroupMember{
				{GroupID: "g1", UserID: "me", Role: RoleAdmin},
				{GroupID: "g1", UserID: "u2", Role: RoleMember},
				{GroupID: "g1", UserID: "u3", Role: RoleMember},
			}, nil)
		})
		mux.HandleFunc("POST /api/groups/{id}/mute", func(w http.ResponseWriter, r *http.Request) {
			writeFailure(w, http.StatusInternalServerError, "ERR", "mute failed")
		})
		mux.HandleFunc("DELETE /api/groups/{id}/members/{user}", func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("user") == "u3" {
				writeFailure(w, http.StatusForbidden, "FORBIDDEN", "not allowed")
				return
			}
			writeEnvelope(w, http.StatusOK, nil, nil)
		})
		mux.HandleFunc("PUT /api/groups/{id}/members/{user}/role", func(w http.ResponseWriter, r *http.Request) {
			roleCalls.Add(1)
			writeFailure(w, http.StatusForbidden, "FORBIDDEN", "admins only")
		})
	})
	ctx := context.Background()
	if err := s.LoadMembers(ctx, "g1"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetMuted(ctx, "g1", true); ErrorKindOf(err) != KindServer {
		t.Errorf("SetMuted err = %v", err)
	}
	if g, _ := s.Group("g1"); g.IsMuted {
		t.Error("mute not rolled back")
	}
	if err := s.SetMuted(ctx, "nope", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown group: err = %v", err)
	}

	if err := s.RemoveMember(ctx, "g1", "u2"); err != nil {
		t.Fatal(err)
	}
	if memberCount(t, s, "g1") != 2 {
		t.Errorf("count = %d after remove", memberCount(t, s, "g1"))
	}
	if err := s.RemoveMember(ctx, "g1", "u3"); ErrorKindOf(err) != KindValidation {
		t.Fatalf("err = %v", err)
	}
	members, _ := s.Members("g1")
	if len(members) != 2 || memberCount(t, s, "g1") != 2 {
		t.Errorf("failed removal not restored: %d members, count %d", len(members), memberCount(t, s, "g1"))
	}

	if err := s.UpdateMemberRole(ctx, "g1", "u3", RoleAdmin); err == nil {
		t.Fatal("expected error")
	}
	members, _ = s.Members("g1")
	if members[indexOf(members, "u3")].Role != RoleMember {
		t.Error("role not rolled back")
	}
	if roleCalls.Load() != 1 {
		t.Errorf("role calls = %d", roleCalls.Load())
	}
}

func TestGroupStoreCreateAndLeave(t *testing.T) {
	s := newGroupStoreFake(t, func(mux *http.ServeMux) {
		mux.HandleFunc("POST /api/groups", func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusCreated, Group{ID: "g7", Name: "new", MemberCount: 1}, nil)
		})
		mux.HandleFunc("POST /api/groups/{id}/leave", func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, nil, nil)
		})
		mux.HandleFunc("PUT /api/groups/{id}/settings", func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, GroupSettings{OnlyAdminsCanPost: true, MaxMembers: 50}, nil)
		})
	})
	ctx := context.Background()

	g, err := s.CreateGroup(ctx, CreateGroupInput{Name: "new"})
	if err != nil {
		t.Fatal(err)
	}
	if g.ID != "g7" || s.Groups()[0].ID != "g7" {
		t.Errorf("created group not first: %s", ids(s.Groups()))
	}
	if err := s.UpdateSettings(ctx, "g7", GroupSettings{OnlyAdminsCanPost: true}); err != nil {
		t.Fatal(err)
	}
	if st, ok := s.Settings("g7"); !ok || st.MaxMembers != 50 {
		t.Errorf("settings = %+v", st)
	}
	if err := s.LeaveGroup(ctx, "g7"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Group("g7"); ok {
		t.Error("left group still present")
	}
	if _, ok := s.Settings("g7"); ok {
		t.Error("settings of left group still present")
	}
}
