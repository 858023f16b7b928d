package dbrb

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// registrationRecord tracks one discovered process's lifetime: when its
// registration lapses and, separately, whether the local chain state has
// currently banned it.
type registrationRecord struct {
	expiresAt time.Time
	bannedFor time.Duration
	bannedAt  time.Time
}

func (r registrationRecord) isBanned(now time.Time) bool {
	return !r.bannedAt.IsZero() && now.Before(r.bannedAt.Add(r.bannedFor))
}

// StaticViewFetcher is a ViewFetcher backed by a bootstrap process set from
// configuration plus a dynamically discovered registration table. It is a
// registry a host application updates as it observes AddDbrbProcess /
// RemoveDbrbProcess transactions land on the chain; this package only
// reads it.
type StaticViewFetcher struct {
	mu            sync.RWMutex
	bootstrap     View
	registrations map[ProcessId]registrationRecord
}

// NewStaticViewFetcher seeds the fetcher with the configured bootstrap
// process set. Every bootstrap process is implicitly always a member,
// regardless of registration state.
func NewStaticViewFetcher(bootstrapProcesses []ProcessId) *StaticViewFetcher {
	return &StaticViewFetcher{
		bootstrap:     NewView(bootstrapProcesses...),
		registrations: make(map[ProcessId]registrationRecord),
	}
}

// Register records or refreshes id's registration, due to lapse at
// expiresAt absent a further renewal. expiresAt must lie strictly in the
// future: a process re-registering with an expiration time that has
// already passed (or a zero time) could never be satisfied, and the host
// application must treat it as fatal rather than silently accept a
// registration that lapses on arrival.
func (f *StaticViewFetcher) Register(id ProcessId, expiresAt time.Time) error {
	if !expiresAt.After(time.Now()) {
		return &FatalError{Reason: fmt.Sprintf("process %s re-registered with an impossible expiration time %s", id.String(), expiresAt)}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.registrations[id]
	rec.expiresAt = expiresAt
	f.registrations[id] = rec
	return nil
}

// Unregister drops id from the dynamic registration table; id remains a
// member only if it is also in the bootstrap set.
func (f *StaticViewFetcher) Unregister(id ProcessId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registrations, id)
}

// Ban marks id as banned for period, starting now. A banned process is
// excluded from GetView even if its registration has not lapsed.
func (f *StaticViewFetcher) Ban(id ProcessId, now time.Time, period time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.registrations[id]
	rec.bannedAt = now
	rec.bannedFor = period
	f.registrations[id] = rec
	viewFetcherLogger().Warnw("process banned", "process", id.String(), "period", period)
}

// GetView returns the bootstrap set merged with every registered process
// whose registration has not lapsed and is not currently banned, as of ts.
func (f *StaticViewFetcher) GetView(ts time.Time) View {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data := make(map[ProcessId]MembershipChange, len(f.bootstrap.Data)+len(f.registrations))
	for id, change := range f.bootstrap.Data {
		data[id] = change
	}
	for id, rec := range f.registrations {
		if rec.isBanned(ts) {
			continue
		}
		if !rec.expiresAt.IsZero() && ts.After(rec.expiresAt) {
			continue
		}
		data[id] = Join
	}
	return View{Data: data}
}

// BootstrapView returns the static bootstrap membership alone.
func (f *StaticViewFetcher) BootstrapView() View {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bootstrap
}

// GetExpirationTime returns id's registration lapse time, if tracked.
func (f *StaticViewFetcher) GetExpirationTime(id ProcessId) (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.registrations[id]
	if !ok || rec.expiresAt.IsZero() {
		return time.Time{}, false
	}
	return rec.expiresAt, true
}

// GetBanPeriod returns id's remaining ban duration, if currently banned.
func (f *StaticViewFetcher) GetBanPeriod(id ProcessId) (time.Duration, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.registrations[id]
	if !ok || !rec.isBanned(time.Now()) {
		return 0, false
	}
	remaining := rec.bannedAt.Add(rec.bannedFor).Sub(time.Now())
	return remaining, true
}

// RegistrationManager drives this process's own re-registration: it
// submits a fresh AddDbrbProcess transaction once the configured grace
// period before expiry is reached, or immediately if this process turns
// out to be absent from both the fetched view and the bootstrap set.
type RegistrationManager struct {
	self        ProcessId
	fetcher     ViewFetcher
	sender      TransactionSender
	gracePeriod time.Duration
}

// NewRegistrationManager builds a manager for self's own registration.
func NewRegistrationManager(self ProcessId, fetcher ViewFetcher, sender TransactionSender, gracePeriod time.Duration) *RegistrationManager {
	return &RegistrationManager{self: self, fetcher: fetcher, sender: sender, gracePeriod: gracePeriod}
}

// Check decides whether re-registration is due as of now, and submits it
// if so. Nothing in this package schedules it.
func (r *RegistrationManager) Check(ctx context.Context, now time.Time) {
	view := r.fetcher.GetView(now)
	if !view.IsMember(r.self) && !r.fetcher.BootstrapView().IsMember(r.self) {
		reconfigLogger().Warnw("process absent from fetched and bootstrap views, re-registering", "process", r.self.String())
		r.register(ctx)
		return
	}

	expiresAt, ok := r.fetcher.GetExpirationTime(r.self)
	if !ok {
		return
	}
	if now.Before(expiresAt.Add(-r.gracePeriod)) {
		return
	}
	reconfigLogger().Infow("registration nearing expiry, renewing", "process", r.self.String(), "expiresAt", expiresAt)
	r.register(ctx)
}

func (r *RegistrationManager) register(ctx context.Context) {
	if err := r.sender.SendAddDbrbProcessTransaction(ctx); err != nil {
		logDrop(dropf("registration", "submit AddDbrbProcess transaction failed", err))
	}
}
