package runtime_test

import (
	"fmt"
	"iter"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

func newTestContext(t *testing.T, cfg runtime.Config) *runtime.Context {
	t.Helper()
	ctx, err := runtime.NewContext(t.Context(), cfg.WithRunID("test-run"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

// recorder logs its lifecycle into a shared journal.
type recorder struct {
	runtime.Base
	name     string
	journal  *[]string
	initErr  error
	finErr   error
	children []runtime.Component
}

func newRecorder(name string, journal *[]string) *recorder {
	r := &recorder{name: name, journal: journal}
	r.SetURN(name)
	return r
}

func (r *recorder) Initialize(ctx *runtime.Context) error {
	*r.journal = append(*r.journal, "init "+r.name)
	for _, c := range r.children {
		if err := ctx.Initialize(c); err != nil {
			return err
		}
	}
	return r.initErr
}

func (r *recorder) Finalize(*runtime.Context) error {
	*r.journal = append(*r.journal, "finalize "+r.name)
	return r.finErr
}

// splitter yields two copies of its input tagged part=1 and part=2.
type splitter struct {
	runtime.Base
	journal *[]string
}

func (s *splitter) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		for part := 1; part <= 2; part++ {
			out := ctx.CopyMessage(m)
			out.Set("part", part)
			if s.journal != nil {
				n, _ := m.Get("n")
				*s.journal = append(*s.journal, fmt.Sprintf("split %v/%d", n, part))
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

// tap records every message it sees and yields it unchanged.
type tap struct {
	runtime.Base
	journal *[]string
}

func (p *tap) Process(_ *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		n, _ := m.Get("n")
		part, _ := m.Get("part")
		*p.journal = append(*p.journal, fmt.Sprintf("tap %v/%v", n, part))
		yield(m, nil)
	}
}

// failOn fails when the input's n equals the configured value.
type failOn struct {
	runtime.Base
	n int
}

func (f *failOn) Process(_ *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		if n, _ := m.Get("n"); n == f.n {
			yield(nil, fmt.Errorf("cannot handle n=%d", f.n))
			return
		}
		yield(m, nil)
	}
}

// counter yields count messages numbered from 1 and records whether its
// resource was released.
type counter struct {
	runtime.Base
	count    int
	produced int
	released bool
}

func (c *counter) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		defer func() { c.released = true }()
		for i := 1; i <= c.count; i++ {
			c.produced++
			out := ctx.CopyMessage(m)
			out.Set("i", i)
			if !yield(out, nil) {
				return
			}
		}
	}
}

var messageComparer = cmp.Comparer(func(a, b *message.Message) bool {
	return a.Equal(b)
})

// stage is a node that journals its lifecycle. With emit set it yields that
// many numbered copies of its input; with failAt set it fails on that
// number.
type stage struct {
	runtime.Base
	name    string
	journal *[]string
	emit    int
	failAt  int
}

func newStage(name string, journal *[]string) *stage {
	s := &stage{name: name, journal: journal}
	s.SetURN(name)
	return s
}

func (s *stage) Initialize(*runtime.Context) error {
	*s.journal = append(*s.journal, "init "+s.name)
	return nil
}

func (s *stage) Finalize(*runtime.Context) error {
	*s.journal = append(*s.journal, "finalize "+s.name)
	return nil
}

func (s *stage) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		if s.emit > 0 {
			for i := 1; i <= s.emit; i++ {
				out := ctx.CopyMessage(m)
				out.Set("i", i)
				if !yield(out, nil) {
					return
				}
			}
			return
		}
		i, _ := m.Get("i")
		if s.failAt > 0 && i == s.failAt {
			yield(nil, fmt.Errorf("%s cannot handle %v", s.name, i))
			return
		}
		*s.journal = append(*s.journal, fmt.Sprintf("%s %v", s.name, i))
		yield(m, nil)
	}
}
