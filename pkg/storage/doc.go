// Package storage opens the shared backing stores: a PostgreSQL pool over
// lib/pq and a go-redis client.
//
//	db, err := storage.OpenPostgres(ctx, cfg.Database)
//	rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
//
// Both constructors ping before returning, so a nil error means the store
// answered at startup.
package storage
