package cas_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/mrsetup/internal/asyncmap"
	"github.com/forgeline/mrsetup/internal/cas"
	"github.com/forgeline/mrsetup/internal/hashfacade"
	"github.com/forgeline/mrsetup/internal/storage"
)

const testContent = "test"

// testContentGitHash is hash(GIT, "test") from test vector.
const testContentGitHash = "30d74d258442c7c65512eafab474568dd706c430"

func newMap(t *testing.T, serve cas.ServeEndpoint, dist cas.Distdir, client *http.Client) (*cas.Map, *asyncmap.TaskPool) {
	t.Helper()

	local, err := storage.NewCAS(t.TempDir())
	require.NoError(t, err)

	pool := asyncmap.NewTaskPool(4)
	t.Cleanup(pool.Close)

	return cas.New(pool, local, serve, dist, client, cas.RetryPolicy{MaxAttemptsPerURL: 2, On5xx: true}), pool
}

func TestMap_LocalHit_ShortCircuits(t *testing.T) {
	t.Parallel()

	local, err := storage.NewCAS(t.TempDir())
	require.NoError(t, err)

	err = local.PutVerified([]byte(testContent), hashfacade.GIT, testContentGitHash)
	require.NoError(t, err)

	pool := asyncmap.NewTaskPool(2)
	defer pool.Close()

	m := cas.New(pool, local, nil, nil, nil, cas.RetryPolicy{MaxAttemptsPerURL: 2, On5xx: true})

	var wg sync.WaitGroup

	wg.Add(1)

	var got cas.Value

	m.Submit(cas.Request{Key: cas.Key{ContentHash: testContentGitHash, Scheme: hashfacade.GIT}}, func(v cas.Value) {
		got = v

		wg.Done()
	}, func(msg string, fatal bool) {
		t.Errorf("unexpected error: %s", msg)
		wg.Done()
	})

	wg.Wait()
	assert.True(t, got.Present)
}

func TestMap_HTTPFetch_VerifiesAndStores(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testContent))
	}))
	defer srv.Close()

	m, _ := newMap(t, nil, nil, srv.Client())

	var wg sync.WaitGroup

	wg.Add(1)

	var got cas.Value

	m.Submit(cas.Request{
		Key:      cas.Key{ContentHash: testContentGitHash, Scheme: hashfacade.GIT},
		FetchURL: srv.URL,
	}, func(v cas.Value) {
		got = v

		wg.Done()
	}, func(msg string, fatal bool) {
		t.Errorf("unexpected error: %s", msg)
		wg.Done()
	})

	wg.Wait()
	assert.True(t, got.Present)
}

func TestMap_HTTPFetch_WrongContent_FailsVerification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not the expected content"))
	}))
	defer srv.Close()

	m, _ := newMap(t, nil, nil, srv.Client())

	var wg sync.WaitGroup

	wg.Add(1)

	var fatalMsg string

	m.Submit(cas.Request{
		Key:      cas.Key{ContentHash: testContentGitHash, Scheme: hashfacade.GIT},
		FetchURL: srv.URL,
	}, func(v cas.Value) {
		t.Error("expected failure, got success")
		wg.Done()
	}, func(msg string, fatal bool) {
		fatalMsg = msg

		wg.Done()
	})

	wg.Wait()
	assert.NotEmpty(t, fatalMsg)
}

func TestMap_NoSourceConfigured_Fails(t *testing.T) {
	t.Parallel()

	m, _ := newMap(t, nil, nil, nil)

	var wg sync.WaitGroup

	wg.Add(1)

	var fatal bool

	m.Submit(cas.Request{Key: cas.Key{ContentHash: testContentGitHash, Scheme: hashfacade.GIT}}, func(v cas.Value) {
		t.Error("expected failure, got success")
		wg.Done()
	}, func(msg string, f bool) {
		fatal = f

		wg.Done()
	})

	wg.Wait()
	assert.True(t, fatal)
}

type fakeDistdir struct {
	data map[string][]byte
}

func (f fakeDistdir) Lookup(distfile string) ([]byte, bool, error) {
	data, ok := f.data[distfile]

	return data, ok, nil
}

func TestMap_DistdirHit(t *testing.T) {
	t.Parallel()

	m, _ := newMap(t, nil, fakeDistdir{data: map[string][]byte{"foo.tar.gz": []byte(testContent)}}, nil)

	var wg sync.WaitGroup

	wg.Add(1)

	var got cas.Value

	m.Submit(cas.Request{
		Key:      cas.Key{ContentHash: testContentGitHash, Scheme: hashfacade.GIT},
		Distfile: "foo.tar.gz",
	}, func(v cas.Value) {
		got = v

		wg.Done()
	}, func(msg string, fatal bool) {
		t.Errorf("unexpected error: %s", msg)
		wg.Done()
	})

	wg.Wait()
	assert.True(t, got.Present)
}

func TestMap_HTTP429_RetriesSameURL(t *testing.T) {
	t.Parallel()

	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		_, _ = w.Write([]byte(testContent))
	}))
	defer srv.Close()

	local, err := storage.NewCAS(t.TempDir())
	require.NoError(t, err)

	pool := asyncmap.NewTaskPool(2)
	defer pool.Close()

	m := cas.New(pool, local, nil, nil, srv.Client(), cas.RetryPolicy{MaxAttemptsPerURL: 3, On5xx: true})

	var wg sync.WaitGroup

	wg.Add(1)

	var got cas.Value

	m.Submit(cas.Request{
		Key:      cas.Key{ContentHash: testContentGitHash, Scheme: hashfacade.GIT},
		FetchURL: srv.URL,
	}, func(v cas.Value) {
		got = v

		wg.Done()
	}, func(msg string, fatal bool) {
		t.Errorf("unexpected error: %s", msg)
		wg.Done()
	})

	wg.Wait()
	assert.True(t, got.Present)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2), "429 must be retried against the same URL")
}

func TestMap_HTTP5xx_NotRetriedWhenDisabled(t *testing.T) {
	t.Parallel()

	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	local, err := storage.NewCAS(t.TempDir())
	require.NoError(t, err)

	pool := asyncmap.NewTaskPool(2)
	defer pool.Close()

	m := cas.New(pool, local, nil, nil, srv.Client(), cas.RetryPolicy{MaxAttemptsPerURL: 3, On5xx: false})

	var wg sync.WaitGroup

	wg.Add(1)

	var fatal bool

	m.Submit(cas.Request{
		Key:      cas.Key{ContentHash: testContentGitHash, Scheme: hashfacade.GIT},
		FetchURL: srv.URL,
	}, func(cas.Value) {
		t.Error("expected failure, got success")
		wg.Done()
	}, func(msg string, f bool) {
		fatal = f

		wg.Done()
	})

	wg.Wait()
	assert.True(t, fatal)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "5xx with retry disabled must not be retried")
}
