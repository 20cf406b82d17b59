package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeci/forge/internal/build"
	"github.com/forgeci/forge/internal/worker"
)

func TestTryAssignNoPendingBuild(t *testing.T) {
	env := newTestEnv(t)
	w := env.register(t, "agent-1", "linux-amd64")

	b, err := env.svc.TryAssign(context.Background(), w.ID)
	require.NoError(t, err, "an empty queue is not an error")
	assert.Nil(t, b)
}

func TestTryAssignUnknownWorker(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "linux-amd64")

	_, err := env.svc.TryAssign(context.Background(), "no-such-worker")
	assert.ErrorIs(t, err, worker.ErrNotFound)
}

func TestTryAssignOfflineWorkerRefused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.submit(t, "linux-amd64")
	w := env.register(t, "agent-1", "linux-amd64")
	require.NoError(t, env.svc.Unregister(ctx, w.ID))

	_, err := env.svc.TryAssign(ctx, w.ID)
	assert.ErrorIs(t, err, ErrWorkerOffline)
	assert.Equal(t, 1, env.queue.Len(), "refused poll must not consume the queue")
}

func TestTryAssignSkipsIncompatiblePlatform(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bArm := env.submit(t, "darwin-arm64")
	bAmd := env.submit(t, "linux-amd64")
	w := env.register(t, "agent-1", "linux-amd64")

	got, err := env.svc.TryAssign(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, bAmd.ID, got.ID, "worker takes the newest build it can actually run")

	// The incompatible build stays queued for a capable worker.
	assert.Equal(t, 1, env.queue.Len())
	wArm := env.register(t, "agent-2", "darwin-arm64")
	got, err = env.svc.TryAssign(ctx, wArm.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, bArm.ID, got.ID)
}

// One build per worker: a poll from a worker that already holds an
// active build hands out nothing, no matter how much work is queued.
func TestTryAssignRefusesWorkerWithActiveBuild(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.submit(t, "linux-amd64")
	second := env.submit(t, "linux-amd64")
	w := env.register(t, "agent-1", "linux-amd64")

	got, err := env.svc.TryAssign(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)

	got, err = env.svc.TryAssign(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "a second build must not share the worker")

	active, err := env.builds.ListActiveByWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, 1, env.queue.Len(), "the refused poll leaves the queue intact")

	// Still refused mid-build; free again after completion.
	_, err = env.svc.ReportStarted(ctx, first.ID, w.ID)
	require.NoError(t, err)
	got, err = env.svc.TryAssign(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = env.svc.ReportCompletion(ctx, CompletionReport{
		BuildID: first.ID, WorkerID: w.ID, Success: true,
	})
	require.NoError(t, err)
	got, err = env.svc.TryAssign(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
}

// A run of incompatible builds at the head of the queue must not eat
// the claim window: a compatible build behind them stays reachable.
func TestTryAssignCompatibleBuildBehindIncompatibleRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < env.cfg.MaxClaimAttempts; i++ {
		env.submit(t, "darwin-arm64")
	}
	compatible := env.submit(t, "linux-amd64")
	w := env.register(t, "agent-1", "linux-amd64")

	got, err := env.svc.TryAssign(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "queued incompatible work must not starve a capable worker")
	assert.Equal(t, compatible.ID, got.ID)
	assert.Equal(t, env.cfg.MaxClaimAttempts, env.queue.Len(),
		"incompatible builds stay queued for a capable worker")
}

func TestTryAssignPurgesStaleQueueEntry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stale := env.submit(t, "linux-amd64")
	fresh := env.submit(t, "linux-amd64")
	w := env.register(t, "agent-1", "linux-amd64")

	// The first build is cancelled behind the queue's back.
	_, err := env.builds.TransitionIf(ctx, stale.ID, build.StatusPending, map[string]any{
		"status": build.StatusCancelled,
	})
	require.NoError(t, err)

	got, err := env.svc.TryAssign(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fresh.ID, got.ID)
	assert.Equal(t, 0, env.queue.Len(), "stale entry purged during the same poll")
}

func TestTryAssignSurvivesVanishedRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ghost := env.submit(t, "linux-amd64")
	real := env.submit(t, "linux-amd64")
	w := env.register(t, "agent-1", "linux-amd64")

	env.builds.Delete(ghost.ID)

	got, err := env.svc.TryAssign(ctx, w.ID)
	require.NoError(t, err, "a vanished row is fatal to nothing")
	require.NotNil(t, got)
	assert.Equal(t, real.ID, got.ID)
	assert.Equal(t, 0, env.queue.Len())
}

// Scenario: one build, two concurrent pollers, exactly one winner.
func TestConcurrentPollSingleBuild(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b := env.submit(t, "linux-amd64")
	w1 := env.register(t, "agent-1", "linux-amd64")
	w2 := env.register(t, "agent-2", "linux-amd64")

	results := make([]*build.Build, 2)
	var wg sync.WaitGroup
	for i, id := range []string{w1.ID, w2.ID} {
		wg.Add(1)
		go func(i int, workerID string) {
			defer wg.Done()
			got, err := env.svc.TryAssign(ctx, workerID)
			require.NoError(t, err)
			results[i] = got
		}(i, id)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r != nil {
			winners++
			assert.Equal(t, b.ID, r.ID)
		}
	}
	assert.Equal(t, 1, winners, "exactly one poller receives the build")
	assert.Equal(t, 0, env.queue.Len())
}

// Uniqueness under wider contention: every build ends with exactly one
// owner, no build is handed out twice, none is lost.
func TestConcurrentPollManyWorkers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const builds = 3
	const pollers = 6

	submitted := make(map[string]bool, builds)
	for i := 0; i < builds; i++ {
		submitted[env.submit(t, "linux-amd64").ID] = true
	}

	workerIDs := make([]string, pollers)
	for i := 0; i < pollers; i++ {
		workerIDs[i] = env.register(t, "agent", "linux-amd64").ID
	}

	var mu sync.Mutex
	owners := make(map[string]string) // build id -> worker id
	var wg sync.WaitGroup
	for _, id := range workerIDs {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			got, err := env.svc.TryAssign(ctx, workerID)
			require.NoError(t, err)
			if got == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			_, taken := owners[got.ID]
			assert.False(t, taken, "build %s assigned twice", got.ID)
			owners[got.ID] = workerID
		}(id)
	}
	wg.Wait()

	assert.Len(t, owners, builds, "every build assigned exactly once")
	for id := range owners {
		assert.True(t, submitted[id])
	}
	assert.Equal(t, 0, env.queue.Len())
}
