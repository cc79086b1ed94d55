package session

import (
	"context"
	"sync"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/proberr"
)

// Reservation marks the session as held by one long-running operation,
// such as a programming job. Only code running under a context returned
// by Bind may drive the target until Release.
type Reservation struct {
	s    *Session
	op   string
	once sync.Once
}

type reservationKey struct{}

// Reserve takes the session for op. It fails with SessionBusy when another
// operation already holds it.
func (s *Session) Reserve(op string) (*Reservation, error) {
	if !s.Valid() {
		return nil, proberr.New(proberr.SessionClosed, op, "session is closed")
	}
	r := &Reservation{s: s, op: op}
	if !s.holder.CompareAndSwap(nil, r) {
		holder := "another operation"
		if cur := s.holder.Load(); cur != nil {
			holder = cur.op
		}
		return nil, proberr.Newf(proberr.SessionBusy, op, "session is reserved by %s", holder)
	}
	s.log.Debug().Str("op", op).Msg("session reserved")
	return r, nil
}

// Bind returns a context that carries the reservation.
func (r *Reservation) Bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, reservationKey{}, r)
}

// Release frees the session. Calling it more than once is a no-op.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.s.holder.CompareAndSwap(r, nil)
		r.s.log.Debug().Str("op", r.op).Msg("session released")
	})
}

// Busy reports whether a reservation is held.
func (s *Session) Busy() bool { return s.holder.Load() != nil }

// Admit checks that op may drive the target: the session must be open and
// either unreserved or reserved by the reservation bound to ctx.
func (s *Session) Admit(ctx context.Context, op string) error {
	if !s.Valid() {
		return proberr.New(proberr.SessionClosed, op, "session is closed")
	}
	cur := s.holder.Load()
	if cur == nil {
		return nil
	}
	if r, _ := ctx.Value(reservationKey{}).(*Reservation); r == cur {
		return nil
	}
	return proberr.Newf(proberr.SessionBusy, op, "session is reserved by %s", cur.op)
}
