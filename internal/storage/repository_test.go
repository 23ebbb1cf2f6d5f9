package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	ctx := context.Background()

	assert.ErrorIs(t, store.Ping(ctx), ErrNotConfigured)
	_, err := store.FindActiveInstruments(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = store.LoadModelArtifact(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = store.DeletePricesBefore(ctx, time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, store.EnsureSchema(ctx), ErrNotConfigured)
	store.Close()
}
