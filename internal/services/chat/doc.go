// Package chatsvc accepts chat messages and starts a streamed AI reply.
//
// Send registers a stream before dispatching the producer task, so the
// response carries a stream id that clients can attach to immediately.
// Authenticated senders have their message persisted in a conversation;
// guests supply the full message list and nothing is stored.
//
// Example:
//
//	svc := chatsvc.New(chats, registry, executor, id.UUID{}, logger)
//	res, err := svc.Send(ctx, chatsvc.SendRequest{Principal: &user, Content: "hi"})
package chatsvc
