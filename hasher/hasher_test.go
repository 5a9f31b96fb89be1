package hasher

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func Test_Sum(t *testing.T) {
	sum, n, err := Sum(strings.NewReader("hello"))
	assert.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, helloHash, sum)
	assert.Equal(t, helloHash, SumBytes([]byte("hello")))
}

func Test_Writer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	w.Write([]byte("hel"))
	w.Write([]byte("lo"))

	assert.Equal(t, "hello", buf.String())
	assert.Equal(t, helloHash, w.Sum())
	assert.Equal(t, int64(5), w.Written())
}

func Test_EqualAndValid(t *testing.T) {
	assert.True(t, Equal(helloHash, strings.ToUpper(helloHash)))
	assert.False(t, Equal(helloHash, SumBytes(nil)))
	assert.True(t, Valid(helloHash))
	assert.False(t, Valid("abc"))
	assert.False(t, Valid(strings.Repeat("z", 64)))
}
