package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServers(names ...string) []Server {
	servers := make([]Server, 0, len(names))
	for _, name := range names {
		servers = append(servers, Server{
			Name:    name,
			Host:    name + ".example.com",
			Port:    587,
			Enabled: true,
		})
	}
	return servers
}

func TestNewRegistry(t *testing.T) {
	t.Run("defaults weight and TLS mode", func(t *testing.T) {
		reg, err := New(testServers("a"))
		require.NoError(t, err)

		srv, ok := reg.Lookup("a")
		require.True(t, ok)
		assert.Equal(t, 1, srv.Weight)
		assert.Equal(t, TLSStartTLS, srv.TLSMode)
		assert.Equal(t, "a.example.com:587", srv.Address())
	})

	t.Run("duplicate names rejected", func(t *testing.T) {
		_, err := New(testServers("a", "a"))
		assert.ErrorIs(t, err, ErrDuplicateServer)
	})

	t.Run("missing host rejected", func(t *testing.T) {
		_, err := New([]Server{{Name: "x", Port: 25}})
		assert.Error(t, err)
	})

	t.Run("invalid port rejected", func(t *testing.T) {
		_, err := New([]Server{{Name: "x", Host: "h", Port: 0}})
		assert.Error(t, err)
	})

	t.Run("string hides credentials", func(t *testing.T) {
		srv := Server{Name: "a", Host: "h", Port: 25, Password: "hunter2"}
		assert.NotContains(t, srv.String(), "hunter2")
	})
}

func TestRoundRobinOrder(t *testing.T) {
	reg, err := New(testServers("A", "B", "C"))
	require.NoError(t, err)
	rr := NewRoundRobin(reg)

	var got []string
	for i := 0; i < 4; i++ {
		srv, err := rr.Next()
		require.NoError(t, err)
		got = append(got, srv.Name)
	}

	assert.Equal(t, []string{"A", "B", "C", "A"}, got)
}

func TestRoundRobinSkipsDisabled(t *testing.T) {
	servers := testServers("A", "B", "C")
	servers[1].Enabled = false
	reg, err := New(servers)
	require.NoError(t, err)
	rr := NewRoundRobin(reg)

	var got []string
	for i := 0; i < 4; i++ {
		srv, err := rr.Next()
		require.NoError(t, err)
		got = append(got, srv.Name)
	}

	assert.Equal(t, []string{"A", "C", "A", "C"}, got)
}

func TestRoundRobinNoServers(t *testing.T) {
	t.Run("empty registry", func(t *testing.T) {
		reg, err := New(nil)
		require.NoError(t, err)

		_, err = NewRoundRobin(reg).Next()
		assert.ErrorIs(t, err, ErrNoServersAvailable)
	})

	t.Run("all disabled", func(t *testing.T) {
		servers := testServers("A", "B")
		for i := range servers {
			servers[i].Enabled = false
		}
		reg, err := New(servers)
		require.NoError(t, err)

		_, err = NewRoundRobin(reg).Next()
		assert.ErrorIs(t, err, ErrNoServersAvailable)
	})
}

func TestRoundRobinConcurrentFullCycles(t *testing.T) {
	reg, err := New(testServers("A", "B", "C"))
	require.NoError(t, err)
	rr := NewRoundRobin(reg)

	const callers = 30
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv, err := rr.Next()
			if err != nil {
				return
			}
			mu.Lock()
			counts[srv.Name]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// 30 atomic turns over 3 servers never skip or repeat a slot
	assert.Equal(t, map[string]int{"A": 10, "B": 10, "C": 10}, counts)
}

func TestParseTLSMode(t *testing.T) {
	cases := map[string]TLSMode{
		"":         TLSStartTLS,
		"STARTTLS": TLSStartTLS,
		"none":     TLSNone,
		"ssl":      TLSImplicit,
		"implicit": TLSImplicit,
	}
	for in, want := range cases {
		got, err := ParseTLSMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTLSMode("bogus")
	assert.Error(t, err)

	var mode TLSMode
	require.NoError(t, mode.UnmarshalText([]byte("implicit")))
	assert.Equal(t, TLSImplicit, mode)
}
