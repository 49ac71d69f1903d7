package pool

import (
	"context"
	"testing"

	"github.com/soldatov-s/dbpool/x/fakedb"
	"github.com/stretchr/testify/require"
)

const testURL = "fakedb://user@localhost/test"

func newTestCreator(t *testing.T, cfg *CreatorConfig) (*Creator, *fakedb.Driver) {
	t.Helper()

	name, drv := fakedb.Register()
	connector, err := drv.OpenConnector(testURL)
	require.Nil(t, err)

	if cfg == nil {
		cfg = &CreatorConfig{URL: testURL, AutoCommit: true}
	}

	creator, err := NewCreator(NewDriverOpener(name, connector), cfg)
	require.Nil(t, err)

	t.Cleanup(func() {
		_ = creator.Close()
	})

	return creator, drv
}

func newTestConnections(t *testing.T, sizes Sizes, validator Validator, autoCommit bool) (*connections, *fakedb.Driver) {
	t.Helper()

	creator, drv := newTestCreator(t, &CreatorConfig{URL: testURL, AutoCommit: autoCommit})
	p := newConnections(creator, validator, sizes, autoCommit)
	require.Nil(t, p.seed(context.Background(), sizes.Initial))

	t.Cleanup(func() {
		p.close(context.Background())
	})

	return p, drv
}

func newTestState(t *testing.T, opts *Options) (*State, *fakedb.Driver) {
	t.Helper()

	creator, drv := newTestCreator(t, &CreatorConfig{URL: testURL, AutoCommit: opts.AutoCommit})
	s, err := NewState(context.Background(), creator, opts)
	require.Nil(t, err)

	t.Cleanup(func() {
		s.Stop(context.Background())
	})

	return s, drv
}
