// Package interfaces defines the collaborator contracts the msgsync
// engine consumes: the decentralized network client, identity storage,
// and the local state writers.
//
// The engine never talks to the network or the on-disk store directly;
// everything flows through these abstractions, which keeps the sync and
// invite logic testable against in-memory fakes and lets the surrounding
// application supply its own persistence layer.
//
// # Streams
//
// [ConversationStream] and [MessageStream] model the network's long-
// lived subscriptions as cancellable iterators. A stream signals its end
// by returning an error from Next; [ErrStreamClosed] is the orderly
// terminal event, anything else is a transport failure. The engine's
// supervisors wrap resubscription with backoff around either outcome.
package interfaces
