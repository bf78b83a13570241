package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-node/internal/config"
	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
	"github.com/bbernstein/lacylights-node/internal/services/testutil"
)

func TestParamsSurviveRestart(t *testing.T) {
	testDB, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	params, err := testDB.SettingRepo.LoadNodeParams(ctx)
	require.NoError(t, err)
	n, err := New(ctx, Options{
		Config: testConfig(),
		Params: params,
		Layout: testLayout(),
		Store:  testDB.SettingRepo,
		Clock:  scheduler.NewFakeClock(epoch),
		Log:    quietLogger(),
	})
	require.NoError(t, err)

	label := testutil.UniqueName("rig")
	require.NoError(t, n.UpdateDocument(ctx, config.DocRDMDevice, config.Properties{"label": label}))
	require.NoError(t, n.UpdateDocument(ctx, config.DocDMXSend, config.Properties{"mab_time": "20"}))
	n.Shutdown(ctx)

	params, err = testDB.SettingRepo.LoadNodeParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, label, params.Device.Label)
	assert.Equal(t, 20*time.Microsecond, params.Send.MabTime)

	restarted, err := New(ctx, Options{
		Config: testConfig(),
		Params: params,
		Layout: testLayout(),
		Store:  testDB.SettingRepo,
		Clock:  scheduler.NewFakeClock(epoch),
		Log:    quietLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, label, restarted.Responder().Config().Label)
	p, err := restarted.DMX().Port(0)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Microsecond, p.Timing().MAB)
}
