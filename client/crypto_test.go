package main

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	ct, err := seal(key, "hello room")
	require.NoError(t, err)
	assert.NotContains(t, ct, "hello")

	plain, err := open(key, ct)
	require.NoError(t, err)
	assert.Equal(t, "hello room", plain)

	_, err = open(bytes.Repeat([]byte{8}, 32), ct)
	assert.Error(t, err)
	_, err = open(key, "AAAA")
	assert.Error(t, err)
}

func TestDecodeKey(t *testing.T) {
	key, err := decodeKey(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32)))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	_, err = decodeKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
	_, err = decodeKey("%%%")
	assert.Error(t, err)
}
