package cache

import "context"

// Cache es la interfaz compartida por las implementaciones en Redis y en memoria.
// Los valores se guardan serializados en JSON.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, val interface{}, ttlSecs int) error
	Delete(ctx context.Context, key string) error
}
