package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fakeNow() time.Time { return time.Unix(1700000000, 0) }

func TestNewDispatchesOnType(t *testing.T) {
	require.IsType(t, &faucetController{}, New(Descriptor{Type: TypeFaucet}))
	require.IsType(t, &bcfController{}, New(Descriptor{Type: TypeBCF}))
	require.Equal(t, noneController{}, New(Descriptor{Type: TypeNone}))
	require.Equal(t, noneController{}, New(Descriptor{Type: "garbage"}))
}

func TestIsNone(t *testing.T) {
	require.True(t, IsNone(NewNone()))
	require.False(t, IsNone(NewFaucet(Descriptor{})))
	require.False(t, IsNone(NewBCF(Descriptor{})))
}
