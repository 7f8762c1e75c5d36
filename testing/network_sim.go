package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/msgsync/interfaces"
	"github.com/opd-ai/msgsync/messaging"
)

// SentMessage records one SendMessage call for verification.
type SentMessage struct {
	ConversationID string
	Text           string
	Kind           messaging.ContentKind
}

// SimulatedConversationStream is a channel-backed conversation stream a
// test drives directly.
type SimulatedConversationStream struct {
	events chan messaging.ConversationEvent
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

// Push delivers one event to the stream consumer.
func (s *SimulatedConversationStream) Push(ev messaging.ConversationEvent) {
	s.events <- ev
}

// Fail terminates the stream with the given error.
func (s *SimulatedConversationStream) Fail(err error) {
	s.errs <- err
}

// Next implements interfaces.ConversationStream.
func (s *SimulatedConversationStream) Next(ctx context.Context) (messaging.ConversationEvent, error) {
	select {
	case <-ctx.Done():
		return messaging.ConversationEvent{}, ctx.Err()
	case <-s.closed:
		return messaging.ConversationEvent{}, interfaces.ErrStreamClosed
	case ev := <-s.events:
		return ev, nil
	case err := <-s.errs:
		return messaging.ConversationEvent{}, err
	}
}

// Close implements interfaces.ConversationStream.
func (s *SimulatedConversationStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// SimulatedMessageStream is a channel-backed message stream.
type SimulatedMessageStream struct {
	events chan messaging.MessageEvent
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

// Push delivers one event to the stream consumer.
func (s *SimulatedMessageStream) Push(ev messaging.MessageEvent) {
	s.events <- ev
}

// Fail terminates the stream with the given error.
func (s *SimulatedMessageStream) Fail(err error) {
	s.errs <- err
}

// Next implements interfaces.MessageStream.
func (s *SimulatedMessageStream) Next(ctx context.Context) (messaging.MessageEvent, error) {
	select {
	case <-ctx.Done():
		return messaging.MessageEvent{}, ctx.Err()
	case <-s.closed:
		return messaging.MessageEvent{}, interfaces.ErrStreamClosed
	case ev := <-s.events:
		return ev, nil
	case err := <-s.errs:
		return messaging.MessageEvent{}, err
	}
}

// Close implements interfaces.MessageStream.
func (s *SimulatedMessageStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

var _ interfaces.NetworkClient = (*SimulatedNetwork)(nil)

// SimulatedNetwork implements the network client contract in-memory.
// Safe for concurrent use.
type SimulatedNetwork struct {
	mu sync.Mutex

	conversations  map[string]messaging.Conversation
	members        map[string][]string
	consent        map[string]messaging.ConsentState
	recent         map[string][]messaging.Message
	lastOutgoing   map[string]messaging.Message
	inviteTags     map[string]string
	openMembership map[string]bool
	pushTopics     []string
	sent           []SentMessage

	convStreams    []*SimulatedConversationStream
	msgStreams     []*SimulatedMessageStream
	convSubscribed chan *SimulatedConversationStream
	msgSubscribed  chan *SimulatedMessageStream
	subscribeTimes []time.Time
	resyncCalls    int

	// Error injection. Set before handing the network to the engine, or
	// through the locked setters.
	SubscribeConversationsErr error
	SubscribeMessagesErr      error
	ResyncErr                 error
	FindErr                   error
	AddMemberErr              error

	// ResyncBarrier, when set, makes FullResync block until the barrier
	// channel is closed or the caller's context is cancelled. Lets tests
	// hold the engine in its startup phase.
	ResyncBarrier chan struct{}
}

// NewSimulatedNetwork creates an empty simulated network.
func NewSimulatedNetwork() *SimulatedNetwork {
	return &SimulatedNetwork{
		conversations:  make(map[string]messaging.Conversation),
		members:        make(map[string][]string),
		consent:        make(map[string]messaging.ConsentState),
		recent:         make(map[string][]messaging.Message),
		lastOutgoing:   make(map[string]messaging.Message),
		inviteTags:     make(map[string]string),
		openMembership: make(map[string]bool),
		convSubscribed: make(chan *SimulatedConversationStream, 16),
		msgSubscribed:  make(chan *SimulatedMessageStream, 16),
	}
}

// AddConversation seeds a conversation and optional members.
func (n *SimulatedNetwork) AddConversation(conv messaging.Conversation, memberInboxIDs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conversations[conv.ID] = conv
	n.members[conv.ID] = append(n.members[conv.ID], memberInboxIDs...)
}

// SetRecentMessages seeds the message backlog of a conversation.
func (n *SimulatedNetwork) SetRecentMessages(conversationID string, msgs []messaging.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recent[conversationID] = msgs
}

// SetLastOutgoing seeds the most recent outgoing message of a
// conversation.
func (n *SimulatedNetwork) SetLastOutgoing(conversationID string, msg messaging.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastOutgoing[conversationID] = msg
}

// SubscribeConversations implements interfaces.NetworkClient.
func (n *SimulatedNetwork) SubscribeConversations(_ context.Context) (interfaces.ConversationStream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribeTimes = append(n.subscribeTimes, time.Now())
	if n.SubscribeConversationsErr != nil {
		return nil, n.SubscribeConversationsErr
	}

	s := &SimulatedConversationStream{
		events: make(chan messaging.ConversationEvent, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	n.convStreams = append(n.convStreams, s)
	select {
	case n.convSubscribed <- s:
	default:
	}
	return s, nil
}

// SubscribeMessages implements interfaces.NetworkClient.
func (n *SimulatedNetwork) SubscribeMessages(_ context.Context, _ []messaging.ContentKind, _ []messaging.ConsentState) (interfaces.MessageStream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.SubscribeMessagesErr != nil {
		return nil, n.SubscribeMessagesErr
	}

	s := &SimulatedMessageStream{
		events: make(chan messaging.MessageEvent, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	n.msgStreams = append(n.msgStreams, s)
	select {
	case n.msgSubscribed <- s:
	default:
	}
	return s, nil
}

// WaitConversationStream blocks until the next conversation
// subscription is made, or the timeout elapses.
func (n *SimulatedNetwork) WaitConversationStream(timeout time.Duration) (*SimulatedConversationStream, error) {
	select {
	case s := <-n.convSubscribed:
		return s, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for conversation subscription")
	}
}

// WaitMessageStream blocks until the next message subscription is made,
// or the timeout elapses.
func (n *SimulatedNetwork) WaitMessageStream(timeout time.Duration) (*SimulatedMessageStream, error) {
	select {
	case s := <-n.msgSubscribed:
		return s, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for message subscription")
	}
}

// SetSubscribeConversationsErr swaps the conversation subscription
// error under the lock, safe while the engine is running.
func (n *SimulatedNetwork) SetSubscribeConversationsErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.SubscribeConversationsErr = err
}

// SetSubscribeMessagesErr swaps the message subscription error under
// the lock, safe while the engine is running.
func (n *SimulatedNetwork) SetSubscribeMessagesErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.SubscribeMessagesErr = err
}

// SubscribeTimes returns the timestamp of every conversation
// subscription attempt, successful or not, in order.
func (n *SimulatedNetwork) SubscribeTimes() []time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]time.Time, len(n.subscribeTimes))
	copy(out, n.subscribeTimes)
	return out
}

// FullResync implements interfaces.NetworkClient.
func (n *SimulatedNetwork) FullResync(ctx context.Context, _ []messaging.ConsentState) error {
	n.mu.Lock()
	n.resyncCalls++
	barrier := n.ResyncBarrier
	err := n.ResyncErr
	n.mu.Unlock()

	if barrier != nil {
		select {
		case <-barrier:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// ResyncCalls reports how many times FullResync was invoked.
func (n *SimulatedNetwork) ResyncCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.resyncCalls
}

// FindConversation implements interfaces.NetworkClient.
func (n *SimulatedNetwork) FindConversation(_ context.Context, id string) (*messaging.Conversation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FindErr != nil {
		return nil, n.FindErr
	}
	if conv, ok := n.conversations[id]; ok {
		return &conv, nil
	}
	return nil, nil
}

// ConversationMembers implements interfaces.NetworkClient.
func (n *SimulatedNetwork) ConversationMembers(_ context.Context, conversationID string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.members[conversationID]...), nil
}

// ListConversations implements interfaces.NetworkClient.
func (n *SimulatedNetwork) ListConversations(_ context.Context, kind messaging.ConversationKind, consent []messaging.ConsentState) ([]messaging.Conversation, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []messaging.Conversation
	for _, conv := range n.conversations {
		if conv.Kind != kind {
			continue
		}
		state := n.consent[conv.ID]
		for _, want := range consent {
			if state == want {
				out = append(out, conv)
				break
			}
		}
	}
	return out, nil
}

// RecentMessages implements interfaces.NetworkClient.
func (n *SimulatedNetwork) RecentMessages(_ context.Context, conversationID string, limit int) ([]messaging.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.recent[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]messaging.Message(nil), msgs...), nil
}

// LastOutgoingMessage implements interfaces.NetworkClient.
func (n *SimulatedNetwork) LastOutgoingMessage(_ context.Context, conversationID string) (*messaging.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if msg, ok := n.lastOutgoing[conversationID]; ok {
		return &msg, nil
	}
	return nil, nil
}

// AddMember implements interfaces.NetworkClient.
func (n *SimulatedNetwork) AddMember(_ context.Context, conversationID, inboxID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.AddMemberErr != nil {
		return n.AddMemberErr
	}
	if _, ok := n.conversations[conversationID]; !ok {
		return fmt.Errorf("unknown conversation %q", conversationID)
	}
	for _, member := range n.members[conversationID] {
		if member == inboxID {
			return nil
		}
	}
	n.members[conversationID] = append(n.members[conversationID], inboxID)
	return nil
}

// SetInviteTag implements interfaces.NetworkClient.
func (n *SimulatedNetwork) SetInviteTag(_ context.Context, conversationID, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inviteTags[conversationID] = tag
	if conv, ok := n.conversations[conversationID]; ok {
		conv.InviteTag = tag
		n.conversations[conversationID] = conv
	}
	return nil
}

// InviteTag reports the tag recorded for a conversation.
func (n *SimulatedNetwork) InviteTag(conversationID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inviteTags[conversationID]
}

// SetOpenMembership implements interfaces.NetworkClient.
func (n *SimulatedNetwork) SetOpenMembership(_ context.Context, conversationID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.openMembership[conversationID] = true
	return nil
}

// OpenMembership reports whether open membership was set.
func (n *SimulatedNetwork) OpenMembership(conversationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.openMembership[conversationID]
}

// ConsentState implements interfaces.NetworkClient.
func (n *SimulatedNetwork) ConsentState(_ context.Context, conversationID string) (messaging.ConsentState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.consent[conversationID], nil
}

// UpdateConsentState implements interfaces.NetworkClient.
func (n *SimulatedNetwork) UpdateConsentState(_ context.Context, conversationID string, state messaging.ConsentState) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.consent[conversationID] = state
	return nil
}

// NetworkConsent reports the network-side consent state for a
// conversation.
func (n *SimulatedNetwork) NetworkConsent(conversationID string) messaging.ConsentState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.consent[conversationID]
}

// Members reports the current members of a conversation.
func (n *SimulatedNetwork) Members(conversationID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.members[conversationID]...)
}

// SendMessage implements interfaces.NetworkClient.
func (n *SimulatedNetwork) SendMessage(_ context.Context, conversationID, text string, kind messaging.ContentKind) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, SentMessage{ConversationID: conversationID, Text: text, Kind: kind})
	return nil
}

// SentMessages returns every SendMessage call in order.
func (n *SimulatedNetwork) SentMessages() []SentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]SentMessage(nil), n.sent...)
}

// SubscribePushTopic implements interfaces.NetworkClient.
func (n *SimulatedNetwork) SubscribePushTopic(_ context.Context, topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushTopics = append(n.pushTopics, topic)
	return nil
}

// PushTopics returns every subscribed push topic in order.
func (n *SimulatedNetwork) PushTopics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.pushTopics...)
}

var _ interfaces.IdentityStore = (*SimulatedIdentityStore)(nil)

// SimulatedIdentityStore is a map-backed identity store.
type SimulatedIdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*interfaces.Identity
}

// NewSimulatedIdentityStore creates an empty identity store.
func NewSimulatedIdentityStore() *SimulatedIdentityStore {
	return &SimulatedIdentityStore{identities: make(map[string]*interfaces.Identity)}
}

// Add registers an identity.
func (s *SimulatedIdentityStore) Add(identity *interfaces.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.InboxID] = identity
}

// Identity implements interfaces.IdentityStore.
func (s *SimulatedIdentityStore) Identity(inboxID string) (*interfaces.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[inboxID]
	if !ok {
		return nil, fmt.Errorf("unknown identity %q", inboxID)
	}
	return identity, nil
}
