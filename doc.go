// Package redisipc implements request/response inter-process communication
// between independent application instances ("groups") on top of a shared
// Redis Stream with consumer-group semantics.
//
// A group publishes a request entry addressed to another group; a worker
// inside the destination group receives the entry, produces a fulfilled or
// rejected reply, and the original caller unblocks with that reply. Multiple
// instances per group, multiple groups per stream, and interleaved requests
// are all supported. Delivery is at-least-once; callers deduplicate replies
// through a local correlation ledger.
//
// The minimal round trip looks like this:
//
//	child := redisipc.New("jobs", "child")
//	child.OnRequest(func(ctx context.Context, e redisipc.Entry) error {
//		return child.FulfillRequest(ctx, e, "pong")
//	})
//	child.OnError(func(err error) { log.Println(err) })
//	if err := child.Connect(ctx, redisipc.Config{RedisAddr: "localhost:6379"}); err != nil {
//		log.Fatal(err)
//	}
//	defer child.Disconnect(ctx)
//
//	parent := redisipc.New("jobs", "parent")
//	parent.OnRequest(func(ctx context.Context, e redisipc.Entry) error { return nil })
//	parent.OnError(func(err error) { log.Println(err) })
//	_ = parent.Connect(ctx, redisipc.Config{RedisAddr: "localhost:6379"})
//	defer parent.Disconnect(ctx)
//
//	resp, err := parent.SendToGroup(ctx, "ping", "child")
//	if err == nil && resp.IsFulfilled() {
//		fmt.Println(resp.Value()) // "pong"
//	}
//
// For typed events on top of the raw content, see Router.
package redisipc
