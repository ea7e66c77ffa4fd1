// Package store is a small document store on bbolt that feeds DDP
// subscriptions.
//
// Each collection is one bucket of CBOR-encoded documents keyed by id.
// Writes are persisted first and then delivered to live cursors in commit
// order. When the write's context carries a write fence (see package
// fence), every delivery registers a fence write, so the method's updated
// message waits until all subscriptions have seen the change.
//
//	db, _ := store.Open("tasks.db", store.DefaultOptions())
//	tasks, _ := db.Collection("tasks")
//	srv.Publish("tasks", func(sub *service.Subscription, params []any) (any, error) {
//		return tasks.Find(store.Selector{"owner": sub.UserID()}), nil
//	})
package store
