package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wsbridge/pkg/failure"
	"github.com/sirosfoundation/go-wsbridge/pkg/gateway"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "", time.Hour), mr
}

func TestMemoryManager_FindMatchingPolicy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager("gw", nil, nil)

	exact := New(&SSL{}, "1")
	byURI := New(&HTTPBasic{}, "2")
	require.NoError(t, m.SetPolicy(ctx, AttachmentKey{URI: "urn:svc", SOAPAction: "op"}, exact))
	require.NoError(t, m.SetPolicy(ctx, AttachmentKey{URI: "urn:svc"}, byURI))

	assert.Same(t, exact, m.FindMatchingPolicy(ctx, AttachmentKey{URI: "urn:svc", SOAPAction: "op"}))
	assert.Same(t, byURI, m.FindMatchingPolicy(ctx, AttachmentKey{URI: "urn:svc", SOAPAction: "other"}))
	assert.Nil(t, m.FindMatchingPolicy(ctx, AttachmentKey{URI: "urn:unknown"}))
}

func TestMemoryManager_InvalidPolicyNotReturned(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager("gw", nil, nil)
	key := AttachmentKey{URI: "urn:svc"}

	p := New(&SSL{}, "1")
	require.NoError(t, m.SetPolicy(ctx, key, p))
	p.Invalidate()

	assert.Nil(t, m.FindMatchingPolicy(ctx, key))
	assert.Empty(t, m.Keys())

	fresh := New(&SSL{}, "2")
	require.NoError(t, m.SetPolicy(ctx, key, fresh))
	assert.Same(t, fresh, m.FindMatchingPolicy(ctx, key))
}

func TestMemoryManager_Lock(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager("gw", nil, nil)
	key := AttachmentKey{URI: "urn:svc"}

	m.Lock()
	err := m.SetPolicy(ctx, key, New(&SSL{}, "1"))
	assert.ErrorIs(t, err, failure.ErrPolicyLocked)
	assert.Nil(t, m.FindMatchingPolicy(ctx, key))

	m.Unlock()
	require.NoError(t, m.SetPolicy(ctx, key, New(&SSL{}, "1")))
	assert.NotNil(t, m.FindMatchingPolicy(ctx, key))

	m.FlushPolicy(ctx, key)
	assert.Nil(t, m.FindMatchingPolicy(ctx, key))
}

func TestMemoryManager_Concurrent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager("gw", nil, nil)
	key := AttachmentKey{URI: "urn:svc"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p := New(&SSL{}, "v")
				_ = m.SetPolicy(ctx, key, p)
				if found := m.FindMatchingPolicy(ctx, key); found != nil {
					found.Invalidate()
				}
			}
		}()
	}
	wg.Wait()
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	key := AttachmentKey{URI: "urn:svc", SOAPAction: "op"}

	doc, err := store.Get(ctx, "gw", key)
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, store.Put(ctx, "gw", key, []byte("policy: ssl\n")))
	doc, err = store.Get(ctx, "gw", key)
	require.NoError(t, err)
	assert.Equal(t, "policy: ssl\n", string(doc))

	other, err := store.Get(ctx, "other", key)
	require.NoError(t, err)
	assert.Nil(t, other, "documents are scoped per gateway")

	assert.Equal(t, time.Hour, mr.TTL(store.key("gw", key)))

	mr.FastForward(2 * time.Hour)
	doc, err = store.Get(ctx, "gw", key)
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, store.Put(ctx, "gw", key, []byte("policy: ssl\n")))
	require.NoError(t, store.Delete(ctx, "gw", key))
	doc, err = store.Get(ctx, "gw", key)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestMemoryManager_SharedThroughRedis(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	key := AttachmentKey{URI: "urn:svc"}

	first := NewMemoryManager("gw", store, nil)
	second := NewMemoryManager("gw", store, nil)

	p, err := Parse([]byte("version: \"4\"\npolicy: httpBasic\n"))
	require.NoError(t, err)
	require.NoError(t, first.SetPolicy(ctx, key, p))

	found := second.FindMatchingPolicy(ctx, key)
	require.NotNil(t, found)
	assert.Equal(t, "4", found.Version())
	assert.IsType(t, &HTTPBasic{}, found.Root())

	second.FlushPolicy(ctx, key)
	assert.False(t, mr.Exists(store.key("gw", key)))

	require.NoError(t, store.Put(ctx, "gw", key, []byte("not a policy")))
	assert.Nil(t, second.FindMatchingPolicy(ctx, key))
	assert.False(t, mr.Exists(store.key("gw", key)), "unreadable documents are discarded")
}

func TestMemoryManager_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	m := NewMemoryManager("gw", store, nil)
	key := AttachmentKey{URI: "urn:svc"}

	mr.Close()
	p, err := Parse([]byte("policy: ssl\n"))
	require.NoError(t, err)
	require.NoError(t, m.SetPolicy(ctx, key, p), "store failures do not fail the update")
	assert.Same(t, p, m.FindMatchingPolicy(ctx, key))
	assert.Nil(t, m.FindMatchingPolicy(ctx, AttachmentKey{URI: "urn:other"}))
}

func TestManagers_LoadDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	write("quotes.yaml", "key:\n  uri: urn:quotes\npolicy: ssl\n")
	write("orders.yml", "key:\n  uri: urn:orders\ngateway: partner\npolicy: httpDigest\n")
	write("README.txt", "ignored")

	set := NewManagers(nil, nil)
	n, err := set.LoadDir(ctx, dir, []string{"main", "partner"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	main := set.For(&gateway.Gateway{ID: "main"})
	partner := set.For(&gateway.Gateway{ID: "partner"})
	assert.Same(t, main, set.For(&gateway.Gateway{ID: "main"}))

	assert.NotNil(t, main.FindMatchingPolicy(ctx, AttachmentKey{URI: "urn:quotes"}))
	assert.NotNil(t, partner.FindMatchingPolicy(ctx, AttachmentKey{URI: "urn:quotes"}))
	assert.Nil(t, main.FindMatchingPolicy(ctx, AttachmentKey{URI: "urn:orders"}))
	assert.IsType(t, &HTTPDigest{}, partner.FindMatchingPolicy(ctx, AttachmentKey{URI: "urn:orders"}).Root())

	write("broken.yaml", "policy: ssl\n")
	_, err = set.LoadDir(ctx, dir, []string{"main"})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = set.LoadDir(ctx, filepath.Join(dir, "missing"), nil)
	assert.Error(t, err)
}
