package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverlution/luma/config"
	"github.com/recoverlution/luma/internal/application/command"
	"github.com/recoverlution/luma/internal/application/query"
	"github.com/recoverlution/luma/internal/domain/notification"
)

func newRedis(t *testing.T) *goredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew_MemoryBackendRunsACycle(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, config.Development(), Options{})
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Redis)
	assert.Nil(t, app.Webhook)
	assert.Empty(t, app.Checks)

	p, err := app.Commands.Patients.Enroll(ctx, command.EnrollPatientCommand{Timezone: "UTC"})
	require.NoError(t, err)

	res, err := app.Commands.Checkins.Handle(ctx, command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: map[string]float64{"ER-DT-001": 0.8},
	})
	require.NoError(t, err)
	require.True(t, res.Emitted)

	active, err := app.Queries.ActiveDecision.Handle(ctx, query.GetActiveDecisionQuery{PatientID: p.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, res.Decision.ID, active.ID)
}

func TestNew_RedisWiresCounterFeedAndWebhook(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)

	var delivered atomic.Int32
	care := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n notification.Notification
		if json.NewDecoder(r.Body).Decode(&n) == nil {
			delivered.Add(1)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer care.Close()

	cfg := config.Development()
	cfg.Notifier.WebhookURL = care.URL

	app, err := New(ctx, cfg, Options{Redis: client})
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.DecisionCounter)
	require.NotNil(t, app.Webhook)
	require.Len(t, app.Checks, 1)
	assert.NoError(t, app.Checks[0].Check(ctx))

	p, err := app.Commands.Patients.Enroll(ctx, command.EnrollPatientCommand{Timezone: "UTC"})
	require.NoError(t, err)
	res, err := app.Commands.Checkins.Handle(ctx, command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: map[string]float64{"ER-DT-001": 0.8},
	})
	require.NoError(t, err)
	require.True(t, res.Emitted)
	actionKey := "action:" + string(res.Decision.Action)

	assert.Eventually(t, func() bool {
		counts, err := app.DecisionCounter.Today(ctx)
		return err == nil && counts["total"] == 1 && counts[actionKey] == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return delivered.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewWorker_RegistersJobs(t *testing.T) {
	ctx := context.Background()
	app, err := New(ctx, config.Development(), Options{})
	require.NoError(t, err)
	defer app.Close()

	w, err := app.NewWorker()
	require.NoError(t, err)

	infos := w.Scheduler.ListJobs()
	require.Len(t, infos, 2)
	assert.Equal(t, "baseline_watch", infos[0].Name)
	assert.Equal(t, "daily_sweep", infos[1].Name)

	_, err = app.Commands.Patients.Enroll(ctx, command.EnrollPatientCommand{Timezone: "UTC"})
	require.NoError(t, err)

	res, err := w.Scheduler.RunNow(ctx, "daily_sweep")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, w.DailySweep.LastStats())
	assert.Equal(t, 1, w.DailySweep.LastStats().Swept)
}

func TestNewWorker_RejectsBadCron(t *testing.T) {
	cfg := config.Development()
	cfg.Scheduler.DailySweepCron = "every day"

	app, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer app.Close()

	_, err = app.NewWorker()
	assert.Error(t, err)
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := config.Development()
	cfg.Database.Driver = "cassandra"

	_, err := New(context.Background(), cfg, Options{})
	assert.ErrorContains(t, err, "cassandra")
}

func TestNew_SQLiteBackend(t *testing.T) {
	cfg := config.Development()
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.SQLitePath = t.TempDir() + "/luma.db"

	app, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer app.Close()

	require.Len(t, app.Checks, 1)
	assert.Equal(t, "database", app.Checks[0].Name)
	assert.NoError(t, app.Checks[0].Check(context.Background()))
}

func TestNew_CatalogFileIsWatched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	write := func(version int) {
		yaml := fmt.Sprintf(`version: %d
generate:
  probes: true
  practices: true
pillars:
  - code: ER
    families:
      - code: DT
        name: Distress Tolerance
        blocks: [Naming the wave, Riding out peaks]
`, version)
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	}
	write(2)

	cfg := config.Development()
	cfg.Catalog = config.CatalogConfig{Path: path, Watch: true, Debounce: 20 * time.Millisecond}

	app, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.CatalogWatcher)
	assert.Equal(t, 2, app.Catalogs.Active().Version())
	assert.Equal(t, []int{1, 2}, app.Catalogs.Versions())

	write(3)
	assert.Eventually(t, func() bool {
		return app.Catalogs.Active().Version() == 3
	}, 2*time.Second, 10*time.Millisecond)

	// Blocks dropped from the active catalog are rejected at the boundary.
	p, err := app.Commands.Patients.Enroll(context.Background(), command.EnrollPatientCommand{})
	require.NoError(t, err)
	_, err = app.Commands.Checkins.Handle(context.Background(), command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: map[string]float64{"SR-RC-002": 0.5},
	})
	require.Error(t, err)
}
