package exception_test

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/courier/exception"
	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/qa"
)

func TestRouteMovesMessageToExceptionDestination(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	s, err := store.Open(filepath.Join(t.TempDir(), "store.db"))
	requireT.NoError(err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	r := exception.NewStoreRouter(s, "")
	requireT.Equal(exception.DefaultDestination, r.Destination())

	m := message.New("orders", nil)
	m.Target = uuid.New()
	requireT.NoError(s.Put(ctx, m, nil))

	var result exception.Result
	requireT.NoError(store.InTx(ctx, s, func(tx store.Tx) error {
		var err error
		result, err = r.Route(ctx, m, exception.ReasonAdministrativeMove, nil, tx)
		return err
	}))
	requireT.Equal(exception.OK, result)

	msgs, err := s.List(ctx, exception.DefaultDestination, uuid.Nil)
	requireT.NoError(err)
	requireT.Len(msgs, 1)
	requireT.Equal(m.ID, msgs[0].ID)

	// Message on the exception destination is not routed again.
	result, err = r.Route(ctx, msgs[0], exception.ReasonAdministrativeMove, nil, nil)
	requireT.NoError(err)
	requireT.Equal(exception.Discard, result)

	// Message consumed concurrently is discarded.
	result, err = r.Route(ctx, message.New("orders", nil), exception.ReasonStreamCleared, nil, nil)
	requireT.NoError(err)
	requireT.Equal(exception.Discard, result)
}
