package sandbox

import (
	"fmt"
	"net/http"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

// view returns c as seen by viewer: User is the other party.
func (s *Server) view(c pulse.Contact, viewer string) pulse.Contact {
	if u, ok := s.user(c.Counterpart(viewer)); ok {
		c.User = &u
	}
	return c
}

// pushContact sends ev built from c to both parties, each with their own view.
func (s *Server) pushContact(c pulse.Contact, build func(pulse.Contact) pulse.Event) {
	for _, party := range []string{c.RequesterID, c.RecipientID} {
		s.PushEvent(party, build(s.view(c, party)))
	}
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request, me string) {
	status := pulse.ContactStatus(r.URL.Query().Get("status"))
	rows := s.ledger.List(me, status)
	for i := range rows {
		rows[i] = s.view(rows[i], me)
	}
	writeData(w, http.StatusOK, nonNil(rows), nil)
}

func (s *Server) addContact(w http.ResponseWriter, r *http.Request, me string) {
	var in pulse.AddContactInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	if _, ok := s.user(in.UserID); !ok && in.UserID != me {
		writeError(w, fmt.Errorf("user %s: %w", in.UserID, pulse.ErrNotFound))
		return
	}
	c, restored, err := s.ledger.Add(me, in.UserID, in.Nickname, in.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Debug("sandbox: contact request", "id", c.ID, "from", me, "to", in.UserID, "restored", restored)

	s.pushContact(c, func(c pulse.Contact) pulse.Event { return pulse.ContactRequestEvent{Contact: c} })
	if u, ok := s.user(me); ok {
		s.Notify(in.UserID, pulse.Notification{
			Type:     "contact_request",
			Title:    "New contact request",
			Content:  u.Username + " wants to add you as a contact",
			Category: "social",
			Priority: "normal",
		})
	}

	status := http.StatusCreated
	if restored {
		status = http.StatusOK
	}
	writeData(w, status, s.view(c, me), nil)
}

func (s *Server) contactTransition(action pulse.ContactAction) authedHandler {
	apply := map[pulse.ContactAction]func(id, actor string) (pulse.Contact, error){
		pulse.ActionAccept:  s.ledger.Accept,
		pulse.ActionReject:  s.ledger.Reject,
		pulse.ActionDelete:  s.ledger.Delete,
		pulse.ActionBlock:   s.ledger.Block,
		pulse.ActionUnblock: s.ledger.Unblock,
	}[action]

	return func(w http.ResponseWriter, r *http.Request, me string) {
		c, err := apply(r.PathValue("id"), me)
		if err != nil {
			writeError(w, err)
			return
		}
		switch {
		case c.Tombstoned():
			for _, party := range []string{c.RequesterID, c.RecipientID} {
				s.PushEvent(party, pulse.ContactRemovedEvent{ContactID: c.ID})
			}
		case action == pulse.ActionAccept:
			s.pushContact(c, func(c pulse.Contact) pulse.Event { return pulse.ContactAcceptedEvent{Contact: c} })
		default:
			s.pushContact(c, func(c pulse.Contact) pulse.Event { return pulse.ContactUpdatedEvent{Contact: c} })
		}
		writeData(w, http.StatusOK, s.view(c, me), nil)
	}
}

func (s *Server) updateContact(w http.ResponseWriter, r *http.Request, me string) {
	var in pulse.ContactUpdate
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	c, err := s.ledger.Update(r.PathValue("id"), me, in)
	if err != nil {
		writeError(w, err)
		return
	}
	s.pushContact(c, func(c pulse.Contact) pulse.Event { return pulse.ContactUpdatedEvent{Contact: c} })
	writeData(w, http.StatusOK, s.view(c, me), nil)
}

// contactFlag sets favorite or muted to on.
func (s *Server) contactFlag(favorite, muted, on bool) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, me string) {
		var fav, mute *bool
		if favorite {
			fav = &on
		}
		if muted {
			mute = &on
		}
		c, err := s.ledger.SetFlags(r.PathValue("id"), me, fav, mute)
		if err != nil {
			writeError(w, err)
			return
		}
		s.pushContact(c, func(c pulse.Contact) pulse.Event { return pulse.ContactUpdatedEvent{Contact: c} })
		writeData(w, http.StatusOK, s.view(c, me), nil)
	}
}
