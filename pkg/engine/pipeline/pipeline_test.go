package pipeline_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/argus-labs/citadel/pkg/engine/pipeline"
	"github.com/argus-labs/citadel/pkg/testutils"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a system that appends its id to a shared log on every hook.
type recorder struct {
	pipeline.Base
	log *[]string
}

func newRecorder(id string, log *[]string) *recorder {
	return &recorder{Base: pipeline.NewBase(id), log: log}
}

func (r *recorder) Tick(time.Duration) error {
	*r.log = append(*r.log, "tick:"+r.ID())
	return nil
}

func (r *recorder) Start(context.Context) error {
	*r.log = append(*r.log, "start:"+r.ID())
	return nil
}

func (r *recorder) RenderTick(time.Duration) {
	*r.log = append(*r.log, "render:"+r.ID())
}

func (r *recorder) Destroy() {
	*r.log = append(*r.log, "destroy:"+r.ID())
}

func (r *recorder) Clear() {
	*r.log = append(*r.log, "clear:"+r.ID())
}

func TestPipeline_RunFollowsConfigOrder(t *testing.T) {
	t.Parallel()

	// Every registration order of the same systems runs in config order.
	testutils.Permutations([]string{"a", "b", "c"}, func(regOrder []string) {
		var log []string
		p := pipeline.New([]string{"a", "b", "c"})
		for _, id := range regOrder {
			require.NoError(t, p.Register(pipeline.NewSystem(id, func(time.Duration) error {
				log = append(log, id)
				return nil
			})))
		}

		require.NoError(t, p.Run(time.Millisecond))
		assert.Equal(t, []string{"a", "b", "c"}, log, "registered as %v", regOrder)
	})
}

func TestPipeline_UnmappedAppendedInRegistrationOrder(t *testing.T) {
	t.Parallel()

	var log []string
	p := pipeline.New([]string{"physics", "render"})
	for _, id := range []string{"zeta", "render", "alpha", "physics"} {
		require.NoError(t, p.Register(newRecorder(id, &log)))
	}

	assert.Equal(t, []string{"physics", "render", "zeta", "alpha"}, p.IDs())

	// Unregistering and re-registering marks the order dirty again.
	require.True(t, p.Unregister("zeta"))
	assert.False(t, p.Unregister("zeta"))
	require.NoError(t, p.Register(newRecorder("zeta", &log)))
	assert.Equal(t, []string{"physics", "render", "alpha", "zeta"}, p.IDs())
}

func TestPipeline_DuplicateRegister(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil)
	require.NoError(t, p.Register(pipeline.NewSystem("a", nil)))

	err := p.Register(pipeline.NewSystem("a", nil))
	require.Error(t, err)
	assert.True(t, eris.Is(err, pipeline.ErrDuplicateSystem))
	assert.Equal(t, 1, p.Len())
}

func TestPipeline_SetEnabled(t *testing.T) {
	t.Parallel()

	ticks := 0
	p := pipeline.New([]string{"counter"})
	require.NoError(t, p.Register(pipeline.NewSystem("counter", func(time.Duration) error {
		ticks++
		return nil
	})))

	p.SetEnabled("counter", false)
	for range 3 {
		require.NoError(t, p.Run(time.Millisecond))
	}
	assert.Zero(t, ticks, "disabled systems never tick")

	p.SetEnabled("counter", true)
	require.NoError(t, p.Run(time.Millisecond))
	assert.Equal(t, 1, ticks)

	// Unknown ids are a no-op.
	p.SetEnabled("missing", false)
	sys, ok := p.Get("counter")
	require.True(t, ok)
	assert.True(t, sys.Enabled())
}

func TestPipeline_RunStopsAtError(t *testing.T) {
	t.Parallel()

	var log []string
	p := pipeline.New([]string{"a", "boom", "c"})
	require.NoError(t, p.Register(newRecorder("a", &log)))
	require.NoError(t, p.Register(pipeline.NewSystem("boom", func(time.Duration) error {
		return eris.New("exploded")
	})))
	require.NoError(t, p.Register(newRecorder("c", &log)))

	err := p.Run(time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"tick:a"}, log)
}

func TestPipeline_RunRenderOnly(t *testing.T) {
	t.Parallel()

	var log []string
	p := pipeline.New([]string{"anim", "sim", "hud"})
	require.NoError(t, p.Register(newRecorder("hud", &log)))
	require.NoError(t, p.Register(pipeline.NewSystem("sim", func(time.Duration) error {
		log = append(log, "tick:sim")
		return nil
	})))
	require.NoError(t, p.Register(newRecorder("anim", &log)))
	p.SetEnabled("hud", false)

	p.RunRenderOnly(time.Millisecond)
	assert.Equal(t, []string{"render:anim"}, log)
}

func TestPipeline_StartAllOncePerActivation(t *testing.T) {
	t.Parallel()

	var log []string
	p := pipeline.New([]string{"a", "b"})
	require.NoError(t, p.Register(newRecorder("b", &log)))
	require.NoError(t, p.Register(newRecorder("a", &log)))
	assert.False(t, p.Active())

	ctx := context.Background()
	require.NoError(t, p.StartAll(ctx))
	require.NoError(t, p.StartAll(ctx))
	assert.Equal(t, []string{"start:a", "start:b"}, log)
	assert.True(t, p.Active())

	// A late system is started by the next StartAll only.
	log = nil
	require.NoError(t, p.Register(newRecorder("late", &log)))
	require.NoError(t, p.StartAll(ctx))
	assert.Equal(t, []string{"start:late"}, log)
}

func TestPipeline_StartError(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil)
	require.NoError(t, p.Register(&failingStarter{Base: pipeline.NewBase("bad"), fail: true}))

	err := p.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

type failingStarter struct {
	pipeline.Base
	attempts int
	fail     bool
}

func (*failingStarter) Tick(time.Duration) error { return nil }

func (s *failingStarter) Start(context.Context) error {
	s.attempts++
	if s.fail {
		return eris.New("no start")
	}
	return nil
}

func TestPipeline_FailedStartIsRetried(t *testing.T) {
	t.Parallel()

	var log []string
	p := pipeline.New([]string{"a", "flaky", "b"})
	flaky := &failingStarter{Base: pipeline.NewBase("flaky"), fail: true}
	require.NoError(t, p.Register(newRecorder("a", &log)))
	require.NoError(t, p.Register(flaky))
	require.NoError(t, p.Register(newRecorder("b", &log)))

	ctx := context.Background()
	require.Error(t, p.StartAll(ctx))
	assert.Equal(t, []string{"start:a"}, log)
	assert.Equal(t, []string{"flaky", "b"}, p.Unstarted())

	require.Error(t, p.StartAll(ctx))
	assert.Equal(t, 2, flaky.attempts)

	flaky.fail = false
	require.NoError(t, p.StartAll(ctx))
	assert.Equal(t, 3, flaky.attempts)
	assert.Equal(t, []string{"start:a", "start:b"}, log)
	assert.Empty(t, p.Unstarted())
}

func TestPipeline_AssertConfigSync(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		configOrder []string
		registered  []string
		wantErr     bool
		wantInMsg   []string
	}{
		{name: "in sync", configOrder: []string{"a", "b"}, registered: []string{"b", "a"}},
		{
			name:        "missing and unmapped",
			configOrder: []string{"a", "b", "c"},
			registered:  []string{"a", "x"},
			wantErr:     true,
			wantInMsg:   []string{"missing [b c]", "unmapped [x]"},
		},
		{
			name:        "only unmapped",
			configOrder: nil,
			registered:  []string{"x"},
			wantErr:     true,
			wantInMsg:   []string{"missing []", "unmapped [x]"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := pipeline.New(tc.configOrder)
			for _, id := range tc.registered {
				require.NoError(t, p.Register(pipeline.NewSystem(id, nil)))
			}

			err := p.AssertConfigSync()
			if !tc.wantErr {
				require.NoError(t, err)
				assert.NotPanics(t, p.MustAssertConfigSync)
				return
			}
			require.Error(t, err)
			assert.True(t, eris.Is(err, pipeline.ErrConfigDrift))
			for _, want := range tc.wantInMsg {
				assert.Contains(t, err.Error(), want)
			}
			assert.Panics(t, p.MustAssertConfigSync)
		})
	}
}

func TestPipeline_DestroyAll(t *testing.T) {
	t.Parallel()

	var log []string
	p := pipeline.New([]string{"a", "b"})
	require.NoError(t, p.Register(newRecorder("b", &log)))
	require.NoError(t, p.Register(newRecorder("a", &log)))
	require.NoError(t, p.StartAll(context.Background()))

	log = nil
	p.DestroyAll()
	assert.Equal(t, []string{"destroy:a", "clear:a", "destroy:b", "clear:b"}, log)
	assert.Zero(t, p.Len())
	assert.Empty(t, p.IDs())
	assert.False(t, p.Active())
	require.NoError(t, p.Run(time.Millisecond))
}

func TestLoadOrder(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		file    string
		content string
		want    []string
		wantErr string
		invalid bool // Error wraps ErrInvalidOrder
	}{
		{name: "yaml", file: "order.yaml", content: "systems:\n  - input\n  - physics\n", want: []string{"input", "physics"}},
		{name: "yml", file: "order.yml", content: "systems: [a]\n", want: []string{"a"}},
		{name: "json", file: "order.json", content: `{"systems":["a","b"]}`, want: []string{"a", "b"}},
		{name: "empty list", file: "order.yaml", content: "systems: []\n", want: []string{}},
		{name: "duplicate", file: "order.json", content: `{"systems":["a","a"]}`, wantErr: "duplicate", invalid: true},
		{name: "empty id", file: "order.yaml", content: "systems: ['']\n", wantErr: "empty id", invalid: true},
		{name: "unknown extension", file: "order.toml", content: "", wantErr: "extension", invalid: true},
		{name: "malformed", file: "order.json", content: "{", wantErr: "parse"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), tc.file)
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o600))

			got, err := pipeline.LoadOrder(path)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), tc.wantErr), "got %v", err)
				assert.Equal(t, tc.invalid, eris.Is(err, pipeline.ErrInvalidOrder))
				return
			}
			require.NoError(t, err)
			assert.ElementsMatch(t, tc.want, got)
		})
	}

	_, err := pipeline.LoadOrder(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
