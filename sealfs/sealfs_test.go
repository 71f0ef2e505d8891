package sealfs_test

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libos/sealfs"
	"libos/serr"
)

func TestRoundTripSizes(t *testing.T) {
	var key sealfs.Tkey
	for _, n := range []int{0, 1, sealfs.CHUNK_SZ - 1, sealfs.CHUNK_SZ, 3*sealfs.CHUNK_SZ + 17} {
		pt := make([]byte, n)
		rand.Read(pt)
		var buf bytes.Buffer
		require.Nil(t, sealfs.Seal(&buf, pt, key))
		out, err := sealfs.Unseal(&buf, key)
		require.Nil(t, err, "size %v", n)
		assert.True(t, bytes.Equal(pt, out), "size %v", n)
	}
}

func TestWrongKey(t *testing.T) {
	var key, other sealfs.Tkey
	other[0] = 1
	var buf bytes.Buffer
	require.Nil(t, sealfs.Seal(&buf, []byte("hello"), key))
	_, err := sealfs.Unseal(&buf, other)
	assert.True(t, serr.IsErrCode(err, serr.TErrIO))
}

func TestTruncated(t *testing.T) {
	var key sealfs.Tkey
	pt := make([]byte, 2*sealfs.CHUNK_SZ+5)
	var buf bytes.Buffer
	require.Nil(t, sealfs.Seal(&buf, pt, key))
	b := buf.Bytes()

	// Drop the final chunk: the last remaining chunk is not marked final.
	cut := len(b) - (sealfs.HDR_LEN + 5 + 16)
	_, err := sealfs.Unseal(bytes.NewReader(b[:cut]), key)
	assert.NotNil(t, err)

	// Flip the final flag of the first chunk.
	c := append([]byte{}, b...)
	c[len(sealfs.MAGIC)+sealfs.SALT_LEN+4] = 1
	_, err = sealfs.Unseal(bytes.NewReader(c), key)
	assert.NotNil(t, err)
}

func TestNotSealed(t *testing.T) {
	var key sealfs.Tkey
	_, err := sealfs.Unseal(bytes.NewReader([]byte("\x7fELF and more bytes here")), key)
	assert.NotNil(t, err)
}

func TestFiles(t *testing.T) {
	var key sealfs.Tkey
	key[3] = 9
	dir := t.TempDir()
	pn := filepath.Join(dir, "prog.sealed")
	pt := bytes.Repeat([]byte("libos"), 50000)
	require.Nil(t, sealfs.SealFile(pn, pt, key))

	out, err := sealfs.OpenAndReadAll(pn, key)
	require.Nil(t, err)
	assert.Equal(t, pt, out)

	src := sealfs.Source{Key: key, Buffers: 2, BufferSize: 4096}
	out, err = src.ReadImage(pn)
	require.Nil(t, err)
	assert.Equal(t, pt, out)

	_, err = src.ReadImage(filepath.Join(dir, "missing"))
	assert.True(t, serr.IsErrCode(err, serr.TErrIO))

	plain := filepath.Join(dir, "prog")
	require.Nil(t, os.WriteFile(plain, pt, 0644))
	out, err = sealfs.PlainSource{}.ReadImage(plain)
	require.Nil(t, err)
	assert.Equal(t, pt, out)
}
