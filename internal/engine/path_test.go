package engine

import (
	"bytes"
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/sbuf"
	"github.com/anstrom/bulkscan/internal/scanner"
)

// reverser decodes everything after each "R:" marker in the page by
// reversing it.
func reverser() scanner.Func {
	return func(p *scanner.Params) error {
		switch p.Phase {
		case scanner.PhaseStartup:
			p.Info.Name = "rev"
			p.Info.Flags = scanner.FlagRecurse
		case scanner.PhaseScan:
			buf := p.Buf
			for pos := 0; pos < buf.PageSize(); pos++ {
				hit := buf.Find([]byte("R:"), pos)
				if hit < 0 || hit >= buf.PageSize() {
					return nil
				}
				pos = hit
				sub, err := buf.SliceFrom(hit)
				if err != nil {
					return err
				}
				rest := bytes.Clone(sub.Data()[2:])
				slices.Reverse(rest)
				if err := p.Recurse(sub.DeriveDecoded("REV", rest)); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

// needle records every "cret" in the page.
func needle(p *scanner.Params) error {
	switch p.Phase {
	case scanner.PhaseStartup:
		p.Info.Name = "needle"
		p.Info.FeatureNames = []string{"hits"}
	case scanner.PhaseScan:
		r, err := p.Recorder("hits")
		if err != nil {
			return err
		}
		if hit := p.Buf.Find([]byte("cret"), 0); hit >= 0 && hit < p.Buf.PageSize() {
			return r.WriteBuf(p.Buf, hit, 4)
		}
	}
	return nil
}

func reversed(s string) string {
	b := []byte(s)
	slices.Reverse(b)
	return string(b)
}

// nestedImage hides "secret" two reversals deep, after three bytes of
// padding: "abcR:" + rev("zzR:" + rev("secret")).
func nestedImage() []byte {
	return []byte("abcR:" + reversed("zzR:"+reversed("secret")))
}

func TestResolvePathReplaysDecoders(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	require.NoError(t, env.set.Register(reverser()))
	require.NoError(t, env.set.Register(needle))
	require.NoError(t, env.set.Init(context.Background()))

	data := nestedImage()
	require.NoError(t, env.set.ProcessBuffer(context.Background(), sbuf.New(sbuf.NewPos0(4096), data, -1)))

	var deep []string
	for _, rec := range env.records(t, "hits") {
		pos0, err := sbuf.Parse(rec.Pos0)
		require.NoError(t, err)
		if pos0.Depth() == 2 {
			deep = append(deep, rec.Pos0)
		}
	}
	require.Equal(t, []string{"4099-REV-2-REV-2"}, deep)

	path, err := sbuf.Parse(deep[0])
	require.NoError(t, err)
	root := sbuf.New(sbuf.NewPos0(4099), data[3:], -1)
	buf, err := env.set.ResolvePath(context.Background(), root, path)
	require.NoError(t, err)
	assert.Equal(t, "4099-REV-2-REV-2", buf.Pos0().String())
	assert.Equal(t, "cret", string(buf.Data()))
}

func TestResolvePathWithoutDecoders(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	require.NoError(t, env.set.Init(context.Background()))

	root := sbuf.New(sbuf.NewPos0(100), []byte("plain bytes"), -1)
	buf, err := env.set.ResolvePath(context.Background(), root, sbuf.NewPos0(100))
	require.NoError(t, err)
	assert.Same(t, root, buf)
}

func TestResolvePathErrors(t *testing.T) {
	env := newTestEnv(t, DefaultOptions())
	require.NoError(t, env.set.Register(reverser()))

	data := nestedImage()
	root := sbuf.New(sbuf.NewPos0(4099), data[3:], -1)
	path, err := sbuf.Parse("4099-REV-2-REV-2")
	require.NoError(t, err)

	_, err = env.set.ResolvePath(context.Background(), root, path)
	assert.True(t, errors.IsCode(err, errors.CodePhase), "only valid while scanning")

	require.NoError(t, env.set.Init(context.Background()))

	tests := []struct {
		name string
		root *sbuf.Buffer
		path string
	}{
		{"root elsewhere", sbuf.New(sbuf.NewPos0(0), data, -1), "4099-REV-0"},
		{"unknown decoder", root, "4099-ZIP-0"},
		{"nothing decoded there", sbuf.New(sbuf.NewPos0(4100), data[4:], -1), "4100-REV-0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := sbuf.Parse(tt.path)
			require.NoError(t, err)
			_, err = env.set.ResolvePath(context.Background(), tt.root, path)
			assert.True(t, errors.IsCode(err, errors.CodeValidation), "got %v", err)
		})
	}

	path, err = sbuf.Parse("4099-REV-99")
	require.NoError(t, err)
	_, err = env.set.ResolvePath(context.Background(), root, path)
	assert.True(t, errors.IsCode(err, errors.CodeRange), "offset past the decoded bytes")
}
