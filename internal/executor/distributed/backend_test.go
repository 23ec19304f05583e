package distributed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type recordingPlugin struct {
	mu        sync.Mutex
	setups    map[string]int
	teardowns map[string]int
	failIndex map[int]bool
}

func newRecordingPlugin() *recordingPlugin {
	return &recordingPlugin{
		setups:    make(map[string]int),
		teardowns: make(map[string]int),
		failIndex: make(map[int]bool),
	}
}

func (p *recordingPlugin) Setup(w executor.WorkerInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setups[w.ID]++
	if p.failIndex[w.Index] {
		return errors.New("plugin refused worker")
	}
	return nil
}

func (p *recordingPlugin) Teardown(w executor.WorkerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns[w.ID]++
}

func TestSessionRunsAllBindingKinds(t *testing.T) {
	b := New(1, 2, testLogger())
	b.RegisterFunction("nine", func(context.Context, ...string) (int, error) { return 9, nil })

	s, err := b.Start(context.Background(), executor.Options{})
	require.NoError(t, err)
	defer s.Close(context.Background())

	res := s.Execute(context.Background(), executor.Spec{Name: "meth", Binding: executor.Remote("nine")})
	assert.Equal(t, 9, res.ReturnCode)

	res = s.Execute(context.Background(), executor.Spec{Name: "func", Binding: executor.Func("f", func(context.Context, ...string) (int, error) {
		return 0, nil
	})})
	assert.Equal(t, 0, res.ReturnCode)

	res = s.Execute(context.Background(), executor.Spec{Name: "unknown", Binding: executor.Remote("missing")})
	assert.Equal(t, model.ExitLaunchFailure, res.ReturnCode)
}

func TestPluginRunsOncePerWorker(t *testing.T) {
	b := New(1, 1, testLogger())
	plugin := newRecordingPlugin()

	s, err := b.Start(context.Background(), executor.Options{Nodes: 2, ProcessesPerNode: 2, Plugin: plugin})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			s.Execute(context.Background(), executor.Spec{Binding: executor.Func("noop", func(context.Context, ...string) (int, error) {
				time.Sleep(time.Millisecond)
				return 0, nil
			})})
		})
	}
	wg.Wait()
	require.NoError(t, s.Close(context.Background()))

	workers := s.(*session).Workers()
	require.Len(t, workers, 4)
	plugin.mu.Lock()
	defer plugin.mu.Unlock()
	for _, w := range workers {
		assert.Equal(t, 1, plugin.setups[w.ID], "setup count for worker %d", w.Index)
		assert.Equal(t, 1, plugin.teardowns[w.ID], "teardown count for worker %d", w.Index)
	}
	assert.Equal(t, 0, workers[1].Node)
	assert.Equal(t, 1, workers[2].Node)
}

func TestFailedSetupWorkerTakesNoJobs(t *testing.T) {
	b := New(1, 2, testLogger())
	plugin := newRecordingPlugin()
	plugin.failIndex[0] = true

	s, err := b.Start(context.Background(), executor.Options{Plugin: plugin})
	require.NoError(t, err)

	res := s.Execute(context.Background(), executor.Spec{Binding: executor.Func("ok", func(context.Context, ...string) (int, error) {
		return 0, nil
	})})
	assert.Equal(t, 0, res.ReturnCode)

	err = s.Close(context.Background())
	assert.Error(t, err)

	plugin.mu.Lock()
	defer plugin.mu.Unlock()
	workers := s.(*session).Workers()
	assert.Equal(t, 0, plugin.teardowns[workers[0].ID])
	assert.Equal(t, 1, plugin.teardowns[workers[1].ID])
}

func TestNoSurvivingWorkerIsLaunchFailure(t *testing.T) {
	b := New(1, 1, testLogger())
	plugin := newRecordingPlugin()
	plugin.failIndex[0] = true

	s, err := b.Start(context.Background(), executor.Options{Plugin: plugin})
	require.NoError(t, err)
	defer s.Close(context.Background())

	res := s.Execute(context.Background(), executor.Spec{Binding: executor.Func("never", func(context.Context, ...string) (int, error) {
		return 0, nil
	})})
	assert.Equal(t, model.ExitLaunchFailure, res.ReturnCode)
}

func TestExecuteAfterCloseIsLaunchFailure(t *testing.T) {
	b := New(1, 1, testLogger())
	s, err := b.Start(context.Background(), executor.Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	res := s.Execute(context.Background(), executor.Spec{Binding: executor.Remote("anything")})
	assert.Equal(t, model.ExitLaunchFailure, res.ReturnCode)
}

func TestExecuteCancelledWhileQueued(t *testing.T) {
	b := New(1, 1, testLogger())
	s, err := b.Start(context.Background(), executor.Options{})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	go s.Execute(context.Background(), executor.Spec{Binding: executor.Func("hog", func(context.Context, ...string) (int, error) {
		close(started)
		<-release
		return 0, nil
	})})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := s.Execute(ctx, executor.Spec{Binding: executor.Remote("queued")})
	assert.Equal(t, model.ExitKilled, res.ReturnCode)

	close(release)
	require.NoError(t, s.Close(context.Background()))
}

func TestCapabilities(t *testing.T) {
	b := New(2, 3, testLogger())
	c := b.Capabilities()
	assert.Equal(t, BackendName, c.Name)
	assert.Equal(t, 6, c.MaxConcurrency)
	assert.True(t, c.Distributed)
	assert.Contains(t, c.Bindings, executor.KindDistributed)
}
