package neighbor

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnresolvedEntryIsFreedAfterRetries(t *testing.T) {
	cfg := DefaultConfig()
	env := newTestEnv(t, cfg)
	addr := netip.MustParseAddr("fe80::1")
	pkt := &Packet{Data: []byte{0x60}, Source: netip.MustParseAddr("fe80::aa")}

	res := env.cache.Resolve(addr, testIfindex, pkt)
	require.Equal(t, Queued, res.Kind)
	require.Equal(t, []solicitation{{
		Interface: "en0",
		Source:    pkt.Source,
		Target:    addr,
		Unicast:   false,
	}}, env.xmit.solicitations)

	env.tick(cfg.MaxMulticastSolicit+1, cfg.RetransTimer)

	require.Nil(t, env.entry(addr))
	require.Equal(t, cfg.MaxMulticastSolicit, env.xmit.count(false))
	require.Equal(t, []*Packet{pkt}, env.xmit.unreachable)
	require.Empty(t, env.xmit.outputs)
}

func TestIncompleteRetryBound(t *testing.T) {
	cfg := DefaultConfig()
	env := newTestEnv(t, cfg)
	addr := netip.MustParseAddr("fe80::1")

	env.cache.Update(func(tx *Tx) error {
		e, _, err := tx.FindOrCreate(addr, testIfindex, true)
		require.NoError(t, err)
		e.State = Incomplete
		tx.schedule(e, 0)
		return nil
	})

	// Expiries 1..max resend, expiry max+1 frees the entry.
	for i := 1; i <= cfg.MaxMulticastSolicit; i++ {
		env.cache.RunTimers()
		e := env.entry(addr)
		require.NotNil(t, e, "expiry %d", i)
		require.Equal(t, i, e.Asked)
		require.LessOrEqual(t, e.Asked, cfg.MaxMulticastSolicit)
		env.clock.Advance(cfg.RetransTimer)
	}
	env.cache.RunTimers()
	require.Nil(t, env.entry(addr))
	require.Equal(t, cfg.MaxMulticastSolicit, env.xmit.count(false))
	// Nothing was pending, so nobody is told.
	require.Empty(t, env.xmit.unreachable)
}

func TestStaleEntryProbesAfterDelay(t *testing.T) {
	cfg := DefaultConfig()
	env := newTestEnv(t, cfg)
	addr := netip.MustParseAddr("fe80::1")
	env.learn(t, addr, testMAC)

	res := env.cache.Resolve(addr, testIfindex, &Packet{})
	require.Equal(t, Resolved, res.Kind)
	require.Equal(t, testMAC, res.LinkAddr)

	e := env.entry(addr)
	require.Equal(t, Delay, e.State)
	require.Zero(t, e.Asked)
	require.Equal(t, env.clock.Now().Add(cfg.DelayFirstProbeTime), e.ExpireAt)

	env.tick(1, cfg.DelayFirstProbeTime)
	require.Equal(t, Probe, e.State)
	require.Equal(t, 1, e.Asked)
	require.Equal(t, 1, env.xmit.count(true))

	// Still resolvable while probing.
	require.Equal(t, Resolved, env.cache.Resolve(addr, testIfindex, nil).Kind)

	env.tick(cfg.MaxUnicastSolicit-1, cfg.RetransTimer)
	require.Equal(t, cfg.MaxUnicastSolicit, e.Asked)
	require.NotNil(t, env.entry(addr))

	env.tick(1, cfg.RetransTimer)
	require.Nil(t, env.entry(addr))
	require.Equal(t, cfg.MaxUnicastSolicit, env.xmit.count(true))
	for _, s := range env.xmit.solicitations {
		require.Equal(t, addr, s.Target)
		// Nothing is held for a resolved entry, so there is no source hint.
		require.False(t, s.Source.IsValid())
	}
}

func TestExpireTransitions(t *testing.T) {
	cfg := DefaultConfig()
	addr := netip.MustParseAddr("fe80::1")

	cases := []struct {
		name      string
		state     State
		asked     int
		permanent bool
		// deleted is set when the expiry must free the entry.
		deleted   bool
		next      State
		nextAsked int
		unicast   int
		multicast int
		// after is the expected delay until the next expiry, zero when no
		// timer must be armed.
		after time.Duration
	}{
		{name: "incomplete resend", state: Incomplete, asked: 1, next: Incomplete, nextAsked: 2, multicast: 1, after: cfg.RetransTimer},
		{name: "incomplete exhausted", state: Incomplete, asked: cfg.MaxMulticastSolicit, deleted: true},
		{name: "reachable to stale", state: Reachable, next: Stale, after: cfg.GCInterval},
		{name: "reachable permanent", state: Reachable, permanent: true, next: Reachable},
		{name: "stale gc", state: Stale, deleted: true},
		{name: "stale permanent", state: Stale, permanent: true, next: Stale},
		{name: "nostate gc", state: NoState, deleted: true},
		{name: "delay to probe", state: Delay, next: Probe, nextAsked: 1, unicast: 1, after: cfg.RetransTimer},
		{name: "probe resend", state: Probe, asked: 1, next: Probe, nextAsked: 2, unicast: 1, after: cfg.RetransTimer},
		{name: "probe exhausted", state: Probe, asked: cfg.MaxUnicastSolicit, deleted: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := newTestEnv(t, cfg)

			var e *Entry
			env.cache.Update(func(tx *Tx) error {
				var err error
				e, _, err = tx.FindOrCreate(addr, testIfindex, true)
				require.NoError(t, err)
				e.State = c.state
				e.Asked = c.asked
				e.LinkAddr = testMAC
				e.Permanent = c.permanent
				tx.schedule(e, 0)
				return nil
			})

			env.cache.RunTimers()

			got := env.entry(addr)
			if c.deleted {
				require.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			require.Equal(t, c.next, got.State)
			require.Equal(t, c.nextAsked, got.Asked)
			require.Equal(t, c.unicast, env.xmit.count(true))
			require.Equal(t, c.multicast, env.xmit.count(false))

			_, armed := env.cache.NextDeadline()
			if c.after == 0 {
				require.False(t, armed)
				return
			}
			require.True(t, armed)
			require.Equal(t, env.clock.Now().Add(c.after), got.ExpireAt)
		})
	}
}

func TestReachabilityHintCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNUDHint = 3
	env := newTestEnv(t, cfg)
	addr := netip.MustParseAddr("fe80::1")
	env.learn(t, addr, testMAC)

	for i := 1; i <= cfg.MaxNUDHint; i++ {
		require.True(t, env.cache.ReachabilityHint(addr, testIfindex), "hint %d", i)
		e := env.entry(addr)
		require.Equal(t, Reachable, e.State)
		require.Equal(t, env.clock.Now().Add(env.reachable(t)), e.ExpireAt)

		// Let the entry go stale again so that the next hint has
		// something to reset.
		env.cache.Update(func(tx *Tx) error {
			e.State = Stale
			return nil
		})
	}

	require.False(t, env.cache.ReachabilityHint(addr, testIfindex))
	require.Equal(t, Stale, env.entry(addr).State)
}

func TestReachabilityHintIgnoredWhileResolving(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	addr := netip.MustParseAddr("fe80::1")

	require.Equal(t, Queued, env.cache.Resolve(addr, testIfindex, &Packet{}).Kind)
	require.False(t, env.cache.ReachabilityHint(addr, testIfindex))
	require.Equal(t, Incomplete, env.entry(addr).State)

	// A hint for an entry that was already freed is a no-op.
	require.False(t, env.cache.ReachabilityHint(netip.MustParseAddr("fe80::2"), testIfindex))
}

func TestSolicitedAdvertResetsHintCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNUDHint = 1
	env := newTestEnv(t, cfg)
	addr := netip.MustParseAddr("fe80::1")
	env.learn(t, addr, testMAC)

	require.True(t, env.cache.ReachabilityHint(addr, testIfindex))
	require.False(t, env.cache.ReachabilityHint(addr, testIfindex))

	_, err := env.cache.HandleAdvert(Advert{
		Target:    addr,
		Interface: testIfindex,
		LinkAddr:  testMAC,
		Solicited: true,
	})
	require.NoError(t, err)
	require.True(t, env.cache.ReachabilityHint(addr, testIfindex))
}

func TestRecomputeReachableStaysInRange(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	base := DefaultConfig().BaseReachableTime
	for range 50 {
		env.cache.RecomputeReachable()
		r := env.reachable(t)
		require.GreaterOrEqual(t, r, base/2)
		require.Less(t, r, base*3/2)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.cache.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cache did not stop")
	}
}

func TestScheduleWakesDriverAfterQueueEmptied(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	a := netip.MustParseAddr("fe80::a")
	b := netip.MustParseAddr("fe80::b")

	require.Equal(t, Queued, env.cache.Resolve(a, testIfindex, nil).Kind)
	require.NoError(t, env.cache.DeleteEntry(a, testIfindex))
	select {
	case <-env.cache.wake:
	default:
	}

	// The driver finds nothing to wait for and goes idle.
	_, ok := env.cache.NextDeadline()
	require.False(t, ok)

	// Any later deadline must wake it, even one after the deleted entry's.
	env.clock.Advance(5 * time.Second)
	require.Equal(t, Queued, env.cache.Resolve(b, testIfindex, nil).Kind)
	require.Len(t, env.cache.wake, 1)
}

func TestRunRetriesAfterQueueEmptied(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetransTimer = 20 * time.Millisecond
	env := newTestEnv(t, cfg, WithClock(time.Now))
	a := netip.MustParseAddr("fe80::a")
	b := netip.MustParseAddr("fe80::b")

	require.Equal(t, Queued, env.cache.Resolve(a, testIfindex, nil).Kind)
	require.NoError(t, env.cache.DeleteEntry(a, testIfindex))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- env.cache.Run(ctx)
	}()

	// Let the old deadline pass while the queue is empty.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, Queued, env.cache.Resolve(b, testIfindex, nil).Kind)

	require.Eventually(t, func() bool {
		_, err := env.cache.GetEntryInfo(b, testIfindex)
		return errors.Is(err, ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond, "unresolved entry was never freed")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
