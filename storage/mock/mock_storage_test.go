package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/giantswarm/oidc-engine/internal/storagetest"
	"github.com/giantswarm/oidc-engine/storage"
)

func TestMockEventStore_Contract(t *testing.T) {
	storagetest.RunEventStoreTests(t, NewMockEventStore())
}

func TestMockCache_Contract(t *testing.T) {
	storagetest.RunCacheTests(t, NewMockCache())
}

func TestMockEventStore_ErrorInjection(t *testing.T) {
	m := NewMockEventStore()
	boom := errors.New("connection reset")
	m.AppendFunc = func(context.Context, string, int64, []storage.Event) error { return boom }

	err := m.Append(context.Background(), "s", 0, []storage.Event{{Type: "x"}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, m.CallCount("Append"))

	m.ResetCallCounts()
	assert.Equal(t, 0, m.CallCount("Append"))
}
