// Package kv defines the small key-value contract used when Redis is not
// reachable, so cached event payloads survive in-process.
//
// Example usage:
//
//	store := memory.New(30 * time.Second)
//	defer store.Close()
//
//	err := store.Set(ctx, "optstream:latest:marketInfo", payload, 0)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	value, err := store.Get(ctx, "optstream:latest:marketInfo")
//	if errors.Is(err, kv.ErrNotFound) {
//		log.Println("nothing cached yet")
//	}
package kv
