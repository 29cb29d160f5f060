package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultFlags(t *testing.T) {
	cmd := NewCommand()
	f := cmd.PersistentFlags().Lookup("config")
	if assert.NotNil(t, f) {
		assert.Equal(t, "/etc/epaperd.yaml", f.DefValue)
	}
	assert.Equal(t, "/var/run/epaperd.sock", cmd.PersistentFlags().Lookup("daemon-socket").DefValue)
}
