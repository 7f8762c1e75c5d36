// Package testing provides simulation-based collaborators for
// deterministic testing of the msgsync engine.
//
// SimulatedNetwork mirrors the production network client contract but
// operates entirely in-memory: conversations, membership, consent, and
// sent messages are plain maps, and the two event streams are channels
// a test feeds directly. This allows engine and processor tests to
// verify sync and join behavior without network operations.
//
// Usage:
//
//	net := testing.NewSimulatedNetwork()
//	net.AddConversation(messaging.Conversation{ID: "g1", ...})
//
//	session := &interfaces.Session{InboxID: "inbox-a", Client: net}
//	engine.Start(session)
//
//	stream, err := net.WaitConversationStream(time.Second)
//	stream.Push(messaging.ConversationEvent{...})
//	stream.Fail(errors.New("connection reset"))
package testing
