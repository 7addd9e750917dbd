package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/courier/message"
	"github.com/outofforest/courier/store"
	"github.com/outofforest/qa"
)

func TestInspectPrintsSummary(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	path := filepath.Join(t.TempDir(), "store.db")
	s, err := store.Open(path)
	requireT.NoError(err)
	for range 2 {
		requireT.NoError(s.Put(ctx, message.New("orders", nil), nil))
	}
	requireT.NoError(s.Close())

	out := &bytes.Buffer{}
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"inspect", "--store", path})
	requireT.NoError(cmd.ExecuteContext(ctx))

	requireT.Contains(out.String(), "DESTINATION")
	requireT.Regexp(`orders\s+local\s+2\s+0`, out.String())
}

func TestRunRequiresConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run"})
	require.Error(t, cmd.Execute())
}
