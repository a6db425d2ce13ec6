package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetEnv_ReturnsSetValue(t *testing.T) {
	t.Setenv("RWKVSERVER_TEST_VAR", "explicit")
	require.Equal(t, "explicit", getEnv("RWKVSERVER_TEST_VAR", "fallback"))
}

func TestGetEnv_FallsBackWhenUnset(t *testing.T) {
	require.Equal(t, "fallback", getEnv("RWKVSERVER_TEST_VAR_UNSET", "fallback"))
}

func TestGetEnv_FallsBackWhenEmpty(t *testing.T) {
	t.Setenv("RWKVSERVER_TEST_VAR_EMPTY", "")
	require.Equal(t, "fallback", getEnv("RWKVSERVER_TEST_VAR_EMPTY", "fallback"))
}
