package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gridsec-analytics/internal/apperr"
	"gridsec-analytics/internal/bucketing"
	"gridsec-analytics/internal/models"
)

type memStore struct {
	mu       sync.Mutex
	mappings map[string]models.PseudonymMapping
	fail     bool
}

func newMemStore() *memStore {
	return &memStore{mappings: make(map[string]models.PseudonymMapping)}
}

func (s *memStore) SaveMapping(_ context.Context, m models.PseudonymMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store unavailable")
	}
	s.mappings[m.Pseudonym] = m
	return nil
}

func (s *memStore) LoadMappings(_ context.Context) ([]models.PseudonymMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PseudonymMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	return out, nil
}

type flakySink struct {
	mu   sync.Mutex
	fail bool
	recs []models.AuditRecord
}

func (f *flakySink) Append(_ context.Context, rec models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("audit backend down")
	}
	f.recs = append(f.recs, rec)
	return nil
}

func newRegistry(t *testing.T, opts ...Option) *Registry {
	return NewRegistry(bucketing.NewBucketingManager(8), zaptest.NewLogger(t), opts...)
}

func TestCreateRejectsEmptyRealID(t *testing.T) {
	r := newRegistry(t)
	for _, id := range []string{"", "   "} {
		_, err := r.Create(context.Background(), id)
		assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	}
	assert.Zero(t, r.Stats().TotalPseudonyms)
}

func TestCreateAndRevertRoundTrip(t *testing.T) {
	r := newRegistry(t)
	m, err := r.Create(context.Background(), "customer-00042")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.Pseudonym, "psn_"))
	assert.Len(t, m.Pseudonym, len("psn_")+32)
	assert.Zero(t, m.AccessCount)

	res, err := r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Authorized: true, Reason: "fraud case 17"})
	require.NoError(t, err)
	assert.Equal(t, "customer-00042", res.RealID)
	assert.Equal(t, m.CreatedAt, res.CreatedAt)
}

func TestRevertReturnsRealIDVerbatim(t *testing.T) {
	r := newRegistry(t)
	for _, id := range []string{" alice", "bob\t", "carol\n", "  dave  "} {
		m, err := r.Create(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, m.RealID)

		res, err := r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Authorized: true})
		require.NoError(t, err)
		assert.Equal(t, id, res.RealID)
	}
}

func TestRevertUnauthorizedNeverMutates(t *testing.T) {
	r := newRegistry(t)
	m, err := r.Create(context.Background(), "customer-1")
	require.NoError(t, err)

	for _, reason := range []string{"", "court order"} {
		_, err = r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Reason: reason})
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	}
	// unauthorized is reported even for unknown pseudonyms
	_, err = r.Revert(context.Background(), RevertRequest{Pseudonym: "psn_missing"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	got, ok := r.Lookup(m.Pseudonym)
	require.True(t, ok)
	assert.Zero(t, got.AccessCount)
	assert.Empty(t, r.AuditTrail(m.Pseudonym))
}

func TestRevertUnknownPseudonym(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Revert(context.Background(), RevertRequest{Pseudonym: "psn_nope", Authorized: true})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSequentialRevertsCountAndAudit(t *testing.T) {
	r := newRegistry(t)
	m, err := r.Create(context.Background(), "customer-2")
	require.NoError(t, err)

	first, err := r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Authorized: true})
	require.NoError(t, err)
	second, err := r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Authorized: true, Reason: "<b>audit</b>"})
	require.NoError(t, err)

	assert.Equal(t, 1, first.AccessCount)
	assert.Equal(t, 2, second.AccessCount)
	assert.Equal(t, "Not specified", first.Audit.Reason)
	assert.Equal(t, "&lt;b&gt;audit&lt;/b&gt;", second.Audit.Reason)

	trail := r.AuditTrail(m.Pseudonym)
	require.Len(t, trail, 2)
	assert.Equal(t, 1, trail[0].AccessCount)
	assert.Equal(t, 2, trail[1].AccessCount)
	assert.NotEqual(t, trail[0].RecordID, trail[1].RecordID)

	stats := r.Stats()
	assert.Equal(t, 1, stats.TotalPseudonyms)
	assert.Equal(t, int64(2), stats.TotalReversions)
}

func TestRevertFailsWhenDurableAuditFails(t *testing.T) {
	sink := &flakySink{fail: true}
	r := newRegistry(t, WithDurableAudit(sink))
	m, err := r.Create(context.Background(), "customer-3")
	require.NoError(t, err)

	_, err = r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Authorized: true})
	require.Error(t, err)

	got, _ := r.Lookup(m.Pseudonym)
	assert.Zero(t, got.AccessCount)
	assert.Empty(t, r.AuditTrail(m.Pseudonym))

	sink.fail = false
	res, err := r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Authorized: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AccessCount)
	assert.Len(t, sink.recs, 1)
}

func TestObserverFailureDoesNotBlockReversal(t *testing.T) {
	observer := &flakySink{fail: true}
	r := newRegistry(t, WithAuditObservers(observer))
	m, err := r.Create(context.Background(), "customer-4")
	require.NoError(t, err)

	res, err := r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Authorized: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AccessCount)
}

func TestConcurrentRevertsSamePseudonym(t *testing.T) {
	sink := &flakySink{}
	r := newRegistry(t, WithDurableAudit(sink))
	m, err := r.Create(context.Background(), "customer-5")
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	counts := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Revert(context.Background(), RevertRequest{Pseudonym: m.Pseudonym, Authorized: true})
			if assert.NoError(t, err) {
				counts[i] = res.AccessCount
			}
		}()
	}
	wg.Wait()

	got, _ := r.Lookup(m.Pseudonym)
	assert.Equal(t, n, got.AccessCount)
	assert.Len(t, sink.recs, n)

	seen := make(map[int]bool)
	for _, c := range counts {
		assert.False(t, seen[c], "duplicate access count %d", c)
		seen[c] = true
	}
	for i, rec := range sink.recs {
		assert.Equal(t, i+1, rec.AccessCount)
	}
}

func TestCreateRedrawsOnCollision(t *testing.T) {
	tokens := []string{"psn_dup", "psn_dup", "psn_fresh"}
	i := 0
	r := newRegistry(t, withTokenSource(func() string {
		tok := tokens[i]
		i++
		return tok
	}))

	a, err := r.Create(context.Background(), "a")
	require.NoError(t, err)
	b, err := r.Create(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "psn_dup", a.Pseudonym)
	assert.Equal(t, "psn_fresh", b.Pseudonym)
}

func TestCreateRollsBackWhenStoreFails(t *testing.T) {
	store := newMemStore()
	store.fail = true
	r := newRegistry(t, WithStore(store))

	_, err := r.Create(context.Background(), "customer-6")
	require.Error(t, err)
	assert.Zero(t, r.Stats().TotalPseudonyms)
}

// gatedStore holds SaveMapping until the test releases it with a result.
type gatedStore struct {
	entered chan string
	release chan error
}

func (s *gatedStore) SaveMapping(_ context.Context, m models.PseudonymMapping) error {
	s.entered <- m.Pseudonym
	return <-s.release
}

func (s *gatedStore) LoadMappings(context.Context) ([]models.PseudonymMapping, error) {
	return nil, nil
}

func TestCreatePublishesOnlyAfterPersist(t *testing.T) {
	for name, saveErr := range map[string]error{"persisted": nil, "rolled back": errors.New("store unavailable")} {
		t.Run(name, func(t *testing.T) {
			store := &gatedStore{entered: make(chan string), release: make(chan error)}
			tokens := []string{"psn_one", "psn_one", "psn_two"}
			var mu sync.Mutex
			i := 0
			r := newRegistry(t, WithStore(store), withTokenSource(func() string {
				mu.Lock()
				defer mu.Unlock()
				tok := tokens[i]
				i++
				return tok
			}))

			type result struct {
				m   *models.PseudonymMapping
				err error
			}
			done := make(chan result, 1)
			go func() {
				m, err := r.Create(context.Background(), "customer-7")
				done <- result{m, err}
			}()

			token := <-store.entered
			assert.Equal(t, "psn_one", token)

			_, err := r.Revert(context.Background(), RevertRequest{Pseudonym: token, Authorized: true})
			assert.ErrorIs(t, err, apperr.ErrNotFound)
			_, ok := r.Lookup(token)
			assert.False(t, ok)

			// a reserved token is not handed out twice
			second := make(chan result, 1)
			go func() {
				m, err := r.Create(context.Background(), "customer-8")
				second <- result{m, err}
			}()
			assert.Equal(t, "psn_two", <-store.entered)
			store.release <- nil
			got := <-second
			require.NoError(t, got.err)
			assert.Equal(t, "psn_two", got.m.Pseudonym)

			store.release <- saveErr
			res := <-done
			_, ok = r.Lookup(token)
			if saveErr != nil {
				require.Error(t, res.err)
				assert.False(t, ok)
				assert.Equal(t, 1, r.Stats().TotalPseudonyms)
				return
			}
			require.NoError(t, res.err)
			assert.True(t, ok)
			assert.Equal(t, 2, r.Stats().TotalPseudonyms)
		})
	}
}

func TestRestoreFromStore(t *testing.T) {
	store := newMemStore()
	r := newRegistry(t, WithStore(store))

	var created []*models.PseudonymMapping
	for i := 0; i < 5; i++ {
		m, err := r.Create(context.Background(), fmt.Sprintf("customer-%d", i))
		require.NoError(t, err)
		created = append(created, m)
	}
	_, err := r.Revert(context.Background(), RevertRequest{Pseudonym: created[0].Pseudonym, Authorized: true})
	require.NoError(t, err)

	restored := newRegistry(t, WithStore(store))
	n, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(1), restored.Stats().TotalReversions)

	res, err := restored.Revert(context.Background(), RevertRequest{Pseudonym: created[0].Pseudonym, Authorized: true})
	require.NoError(t, err)
	assert.Equal(t, "customer-0", res.RealID)
	assert.Equal(t, 2, res.AccessCount)
}
