//go:build integration

package magic8ball

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/magic8ball/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}

func TestPostgresStore_ConcurrentCreatesStayDense(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	// Two stores over one database stand in for two server instances.
	a, b := NewPostgresStore(db), NewPostgresStore(db)

	var wg sync.WaitGroup
	for _, s := range []*PostgresStore{a, b} {
		wg.Add(1)
		go func(s *PostgresStore) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				for {
					st, err := s.State(ctx)
					if !assert.NoError(t, err) {
						return
					}
					q := &Question{ID: st.NextQuestionID, Asker: asker, BountyAmount: bigOne(), Content: "q"}
					ev, err := questionAskedEvent(q)
					if !assert.NoError(t, err) {
						return
					}
					err = s.Create(ctx, q, ev)
					if err == nil {
						break
					}
					if !assert.ErrorIs(t, err, ErrStaleState) {
						return
					}
				}
			}
		}(s)
	}
	wg.Wait()

	st, err := a.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), st.NextQuestionID)

	events, err := a.Events(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestPostgresStore_ServiceEndToEnd(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	f := newFixtureWithStore(t, NewPostgresStore(db))
	ctx := context.Background()
	f.approve(t, 100)
	f.ask(t, 100, "Who's there?", answerer, slowAnswerer)

	_, err := f.svc.Answer(ctx, 0, "To get to the other side", answerer)
	require.NoError(t, err)
	assert.Equal(t, int64(100), f.balance(t, answerer))

	require.NoError(t, f.svc.Pause(ctx, registryOwner))
	_, err = f.svc.AssignOracles(ctx, 0, nil, asker)
	assert.ErrorIs(t, err, ErrRegistryPaused)
}

func bigOne() *big.Int { return big.NewInt(1) }
