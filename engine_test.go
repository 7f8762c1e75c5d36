package msgsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/msgsync/config"
	"github.com/opd-ai/msgsync/crypto"
	"github.com/opd-ai/msgsync/interfaces"
	"github.com/opd-ai/msgsync/messaging"
	"github.com/opd-ai/msgsync/storage"
	simnet "github.com/opd-ai/msgsync/testing"
)

const testInbox = "inbox-a"

const waitTimeout = 2 * time.Second

// testConfig is fast enough for tests and has no jitter, so backoff
// delays are deterministic.
func testConfig() *config.Config {
	return &config.Config{
		BackoffInitial:    20 * time.Millisecond,
		BackoffMax:        500 * time.Millisecond,
		BackoffMultiplier: 3,
		BackoffJitter:     0,
		StopTimeout:       2 * time.Second,
		JoinCatchUpWindow: 24 * time.Hour,
	}
}

type engineFixture struct {
	engine  *Engine
	net     *simnet.SimulatedNetwork
	writer  *storage.Memory
	ids     *simnet.SimulatedIdentityStore
	session *interfaces.Session
}

func newEngineFixture(t *testing.T, cfg *config.Config) *engineFixture {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ids := simnet.NewSimulatedIdentityStore()
	ids.Add(&interfaces.Identity{InboxID: testInbox, ClientID: "client-a", Keys: keys})

	writer := storage.NewMemory()
	net := simnet.NewSimulatedNetwork()

	if cfg == nil {
		cfg = testConfig()
	}
	engine, err := New(Options{Writer: writer, Identities: ids, Config: cfg})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return &engineFixture{
		engine:  engine,
		net:     net,
		writer:  writer,
		ids:     ids,
		session: &interfaces.Session{InboxID: testInbox, Client: net},
	}
}

func waitPhase(t *testing.T, e *Engine, want syncPhase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.currentPhase() == want
	}, waitTimeout, 5*time.Millisecond, "engine never reached phase %s", want)
}

func TestNewValidatesOptions(t *testing.T) {
	ids := simnet.NewSimulatedIdentityStore()
	writer := storage.NewMemory()

	_, err := New(Options{Identities: ids, Config: testConfig()})
	assert.Error(t, err)

	_, err = New(Options{Writer: writer, Config: testConfig()})
	assert.Error(t, err)

	bad := testConfig()
	bad.BackoffInitial = 0
	_, err = New(Options{Writer: writer, Identities: ids, Config: bad})
	assert.Error(t, err)
}

func TestEngineStartBecomesReady(t *testing.T) {
	f := newEngineFixture(t, nil)

	assert.False(t, f.engine.IsReady())
	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)

	assert.True(t, f.engine.IsReady())
	assert.Equal(t, 1, f.net.ResyncCalls())

	_, err := f.net.WaitConversationStream(waitTimeout)
	require.NoError(t, err)
	_, err = f.net.WaitMessageStream(waitTimeout)
	require.NoError(t, err)
}

func TestEngineStartNilSessionIgnored(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.Start(nil)
	f.engine.Start(&interfaces.Session{InboxID: testInbox})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, phaseIdle, f.engine.currentPhase())
	assert.Equal(t, 0, f.net.ResyncCalls())
}

func TestEngineDuplicateStartIgnored(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)

	f.engine.Start(&interfaces.Session{InboxID: testInbox, Client: f.net})
	time.Sleep(50 * time.Millisecond)

	assert.True(t, f.engine.IsReady())
	assert.Equal(t, 1, f.net.ResyncCalls())
	assert.Len(t, f.net.SubscribeTimes(), 1)
}

func TestEngineRestartWithDifferentIdentity(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)

	f.engine.Start(&interfaces.Session{InboxID: "inbox-b", Client: f.net})
	require.Eventually(t, func() bool {
		return f.net.ResyncCalls() == 2
	}, waitTimeout, 5*time.Millisecond)
	waitPhase(t, f.engine, phaseReady)
}

func TestEnginePauseAndResume(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)
	require.Eventually(t, func() bool {
		return len(f.net.SubscribeTimes()) == 1
	}, waitTimeout, 5*time.Millisecond)

	f.engine.Pause()
	waitPhase(t, f.engine, phasePaused)
	assert.False(t, f.engine.IsReady())

	f.engine.Resume()
	waitPhase(t, f.engine, phaseReady)

	// Resuming resubscribes the streams but does not resync.
	require.Eventually(t, func() bool {
		return len(f.net.SubscribeTimes()) == 2
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, f.net.ResyncCalls())
}

func TestEnginePauseWhileStarting(t *testing.T) {
	f := newEngineFixture(t, nil)
	barrier := make(chan struct{})
	f.net.ResyncBarrier = barrier

	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseStarting)

	// The pause arrives before the startup sync finishes; it is honored
	// once the sync completes.
	f.engine.Pause()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, phaseStarting, f.engine.currentPhase())

	close(barrier)
	waitPhase(t, f.engine, phasePaused)

	f.engine.Resume()
	waitPhase(t, f.engine, phaseReady)
}

func TestEngineResumeCancelsPendingPause(t *testing.T) {
	f := newEngineFixture(t, nil)
	barrier := make(chan struct{})
	f.net.ResyncBarrier = barrier

	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseStarting)

	f.engine.Pause()
	f.engine.Resume()

	close(barrier)
	waitPhase(t, f.engine, phaseReady)
}

func TestEngineStopSettlesIdle(t *testing.T) {
	f := newEngineFixture(t, nil)

	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)

	f.engine.Stop()
	assert.Equal(t, phaseIdle, f.engine.currentPhase())
	assert.False(t, f.engine.IsReady())
}

func TestEngineStopWhileStarting(t *testing.T) {
	f := newEngineFixture(t, nil)
	barrier := make(chan struct{})
	f.net.ResyncBarrier = barrier

	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseStarting)

	// Stop must not wait for the blocked sync; cancellation unblocks it.
	f.engine.Stop()
	assert.Equal(t, phaseIdle, f.engine.currentPhase())

	// The superseded sync's completion never resurrects the session.
	close(barrier)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, phaseIdle, f.engine.currentPhase())
}

func TestEngineStopRightAfterStart(t *testing.T) {
	f := newEngineFixture(t, nil)

	// Stop fired immediately after Start must wait out the queued start
	// rather than observing the stale pre-start phase; when it returns
	// the session is fully torn down.
	for i := 0; i < 50; i++ {
		f.engine.Start(f.session)
		f.engine.Stop()
		require.Equal(t, phaseIdle, f.engine.currentPhase())
	}

	// No stream task survived any of the stops.
	attempts := len(f.net.SubscribeTimes())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, attempts, len(f.net.SubscribeTimes()))
}

func TestEngineStopWhenIdle(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Stop()
	assert.Equal(t, phaseIdle, f.engine.currentPhase())
}

func TestEngineCloseTwice(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)

	f.engine.Close()
	f.engine.Close()
	assert.Equal(t, phaseIdle, f.engine.currentPhase())
}

func TestEngineResyncFailureStillReady(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.net.ResyncErr = errors.New("network unreachable")

	// The streams are independently live, so a failed catch-up sync is
	// logged but does not keep the engine from steady state.
	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)
}

func TestEngineStreamEventsReachWriter(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)

	conv := messaging.Conversation{
		ID:             "g1",
		Kind:           messaging.KindGroup,
		Name:           "book club",
		CreatorInboxID: testInbox,
	}
	f.net.AddConversation(conv)

	convStream, err := f.net.WaitConversationStream(waitTimeout)
	require.NoError(t, err)
	convStream.Push(messaging.ConversationEvent{Conversation: conv})
	require.Eventually(t, func() bool {
		return f.writer.Conversation("g1") != nil
	}, waitTimeout, 5*time.Millisecond)

	msgStream, err := f.net.WaitMessageStream(waitTimeout)
	require.NoError(t, err)
	msgStream.Push(messaging.MessageEvent{Message: messaging.Message{
		ID:             "m1",
		ConversationID: "g1",
		SenderInboxID:  "inbox-b",
		Kind:           messaging.ContentText,
		Text:           "hello",
		SentAt:         time.Now(),
	}})
	require.Eventually(t, func() bool {
		return f.writer.MessageCount("g1") == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.True(t, f.writer.Unread("g1"))
}

func TestEngineActiveConversationSuppressesUnread(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.SetActiveConversation("g1")
	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)

	conv := messaging.Conversation{
		ID:             "g1",
		Kind:           messaging.KindGroup,
		CreatorInboxID: testInbox,
	}
	f.net.AddConversation(conv)

	msgStream, err := f.net.WaitMessageStream(waitTimeout)
	require.NoError(t, err)
	msgStream.Push(messaging.MessageEvent{Message: messaging.Message{
		ID:             "m1",
		ConversationID: "g1",
		SenderInboxID:  "inbox-b",
		Kind:           messaging.ContentText,
		Text:           "hello",
		SentAt:         time.Now(),
	}})

	require.Eventually(t, func() bool {
		return f.writer.MessageCount("g1") == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.False(t, f.writer.Unread("g1"))
}

func TestEngineConcurrentLifecycleCommands(t *testing.T) {
	// A short stop timeout keeps contended Stop calls from serializing
	// the whole test; giving up the wait is part of Stop's contract.
	cfg := testConfig()
	cfg.StopTimeout = 100 * time.Millisecond
	f := newEngineFixture(t, cfg)

	// Hammer the lifecycle from many goroutines; the single-consumer
	// action loop must serialize everything without panics or torn state.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				f.engine.Start(f.session)
				f.engine.Pause()
				f.engine.Resume()
				f.engine.Stop()
			}
		}()
	}
	wg.Wait()

	// The engine remains usable afterwards.
	f.engine.Start(f.session)
	waitPhase(t, f.engine, phaseReady)
	f.engine.Stop()
	waitPhase(t, f.engine, phaseIdle)
}

func TestEngineResubscribeBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffInitial = 50 * time.Millisecond
	f := newEngineFixture(t, cfg)

	f.net.SubscribeConversationsErr = errors.New("transport down")
	f.engine.Start(f.session)

	// Three failed attempts: delays grow exponentially between them.
	require.Eventually(t, func() bool {
		return len(f.net.SubscribeTimes()) >= 3
	}, waitTimeout, 5*time.Millisecond)
	times := f.net.SubscribeTimes()
	first := times[1].Sub(times[0])
	second := times[2].Sub(times[1])
	assert.Greater(t, second, first)

	// Recovery: the next attempt succeeds and an event is delivered,
	// which resets the backoff.
	f.net.SetSubscribeConversationsErr(nil)
	convStream, err := f.net.WaitConversationStream(waitTimeout)
	require.NoError(t, err)

	conv := messaging.Conversation{ID: "g1", Kind: messaging.KindGroup, CreatorInboxID: testInbox}
	f.net.AddConversation(conv)
	convStream.Push(messaging.ConversationEvent{Conversation: conv})
	require.Eventually(t, func() bool {
		return f.writer.Conversation("g1") != nil
	}, waitTimeout, 5*time.Millisecond)

	// After the reset a stream failure retries near the initial delay,
	// not where the previous failure streak left off.
	attemptsBefore := len(f.net.SubscribeTimes())
	failedAt := time.Now()
	convStream.Fail(errors.New("stream torn down"))

	require.Eventually(t, func() bool {
		return len(f.net.SubscribeTimes()) > attemptsBefore
	}, waitTimeout, 5*time.Millisecond)
	times = f.net.SubscribeTimes()
	retryDelay := times[len(times)-1].Sub(failedAt)
	assert.Less(t, retryDelay, 150*time.Millisecond)
}
