package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	assert := assert.New(t)

	// well-known digest of the empty string
	assert.Equal("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil).String())
	assert.Equal(Sum(nil), Sum([]byte{}))

	a := Sum([]byte("some content"))
	b := Sum([]byte("some content"))
	c := Sum([]byte("some content!"))
	assert.Equal(a, b)
	assert.NotEqual(a, c)
	assert.False(a.IsZero())
	assert.True(Fingerprint{}.IsZero())
}

func TestParse(t *testing.T) {
	assert := assert.New(t)

	f := Sum([]byte("abc"))
	p, err := Parse(f.String())
	assert.NoError(err)
	assert.Equal(f, p)

	_, err = Parse("zz")
	assert.Error(err)
	_, err = Parse("abcd")
	assert.Error(err)
}
