package path

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.yogi.dev/core/yerrors"
)

func TestPathValidation(t *testing.T) {
	// Path("//") fails.
	var _, err = New("//")
	assert.True(t, yerrors.Is(err, yerrors.InvalidPath))

	// Path("/Test").to_string() == "/Test"
	var p, err2 = New("/Test")
	assert.NoError(t, err2)
	assert.Equal(t, "/Test", p.String())

	// Path("/Test") / "tmp" == Path("/Test/tmp")
	var joined, err3 = p.JoinString("tmp")
	assert.NoError(t, err3)
	var want, _ = New("/Test/tmp")
	assert.True(t, joined.Equal(want))

	// Path("/Test") / Path("/tmp") fails.
	var abs, _ = New("/tmp")
	var _, err4 = p.Join(abs)
	assert.True(t, yerrors.Is(err4, yerrors.InvalidPath))
}

func TestEmptySegmentEverywhere(t *testing.T) {
	for _, s := range []string{"//", "/a//b", "/a/", "a//b", "//a"} {
		var _, err = New(s)
		assert.Errorf(t, err, "expected error for %q", s)
	}
}

func TestClearYieldsEmpty(t *testing.T) {
	var p = MustNew("/a/b")
	p.Clear()
	assert.True(t, p.Empty())
}

func TestIsRoot(t *testing.T) {
	assert.True(t, Root.IsRoot())
	assert.Equal(t, "/", Root.String())

	var p = MustNew("/a")
	assert.False(t, p.IsRoot())
}

func TestResolve(t *testing.T) {
	var loc = MustNew("/Home")
	var rel = MustNew("Sensors/Temp")

	var resolved, err = Resolve(loc, rel)
	assert.NoError(t, err)
	assert.Equal(t, "/Home/Sensors/Temp", resolved.String())

	var abs = MustNew("/Already/Absolute")
	var resolved2, err2 = Resolve(loc, abs)
	assert.NoError(t, err2)
	assert.True(t, resolved2.Equal(abs))
}

func TestRelativeRootFails(t *testing.T) {
	var _, err = New("")
	assert.Error(t, err)
}
