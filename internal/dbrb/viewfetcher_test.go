package dbrb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticViewFetcherRegisterThenGetView(t *testing.T) {
	bootstrap := pid(1)
	f := NewStaticViewFetcher([]ProcessId{bootstrap})

	joiner := pid(2)
	now := time.Now()
	require.NoError(t, f.Register(joiner, now.Add(time.Hour)))

	view := f.GetView(now)
	assert.True(t, view.IsMember(bootstrap))
	assert.True(t, view.IsMember(joiner))
}

func TestStaticViewFetcherRegisterRejectsPastExpiration(t *testing.T) {
	f := NewStaticViewFetcher(nil)
	err := f.Register(pid(2), time.Now().Add(-time.Hour))
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*FatalError))
}

func TestStaticViewFetcherRegisterRejectsZeroExpiration(t *testing.T) {
	f := NewStaticViewFetcher(nil)
	err := f.Register(pid(2), time.Time{})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(*FatalError))
}

func TestStaticViewFetcherGetViewExcludesLapsedRegistration(t *testing.T) {
	f := NewStaticViewFetcher(nil)
	joiner := pid(2)
	now := time.Now()
	require.NoError(t, f.Register(joiner, now.Add(time.Minute)))

	view := f.GetView(now.Add(time.Hour))
	assert.False(t, view.IsMember(joiner))
}

func TestStaticViewFetcherGetViewExcludesBannedProcess(t *testing.T) {
	f := NewStaticViewFetcher(nil)
	joiner := pid(2)
	now := time.Now()
	require.NoError(t, f.Register(joiner, now.Add(time.Hour)))
	f.Ban(joiner, now, 10*time.Minute)

	view := f.GetView(now)
	assert.False(t, view.IsMember(joiner))

	view = f.GetView(now.Add(time.Hour))
	assert.True(t, view.IsMember(joiner))
}

func TestRegistrationManagerChecksRenewsNearingExpiry(t *testing.T) {
	self := pid(1)
	fetcher := NewStaticViewFetcher([]ProcessId{self})
	now := time.Now()
	require.NoError(t, fetcher.Register(self, now.Add(time.Minute)))

	sender := &fakeTransactionSender{}
	mgr := NewRegistrationManager(self, fetcher, sender, 5*time.Minute)

	mgr.Check(context.Background(), now)
	assert.Equal(t, 1, sender.addCalls)
}

type fakeTransactionSender struct {
	addCalls int
}

func (s *fakeTransactionSender) SendAddDbrbProcessTransaction(ctx context.Context) error {
	s.addCalls++
	return nil
}

func (s *fakeTransactionSender) SendInstallMessageTransaction(ctx context.Context, install *InstallMessage) error {
	return nil
}

func (s *fakeTransactionSender) SendRemoveDbrbProcessByNetworkTransaction(ctx context.Context, id ProcessId, timestamp time.Time, votes Certificate) error {
	return nil
}
