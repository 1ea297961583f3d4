// Package bridge is the requesting side of the search protocol. A Client
// turns synchronous Search and SpellCheck calls into request messages on the
// provider's request queue and waits for the correlated reply on a private,
// server-named reply queue.
//
// Basic usage:
//
//	client, err := bridge.New(manager, bridge.WithReplyTimeout(5*time.Second))
//	if err != nil {
//	    return err
//	}
//	if err := client.Start(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	results, err := client.Search(ctx, engine.Query{Text: "course", MaxResults: 10})
//
// Status replies come back as the engine errors they stand for, so a Client
// can be used anywhere an engine.Searcher is expected.
package bridge
