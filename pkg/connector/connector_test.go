package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMD5Sum(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", md5sum([]byte("hello")))
}

func TestPortOrDefault(t *testing.T) {
	assert.Equal(t, "22", portOrDefault(0))
	assert.Equal(t, "2222", portOrDefault(2222))
}
