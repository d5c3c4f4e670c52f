package enclave

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sealedai/relay/tee/types"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	rt, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))

	plaintext := []byte(`{"key":"abc","nonce":"def"}`)
	sealed, err := rt.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := rt.Unseal(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	// Two seals of the same plaintext differ (fresh nonce each time).
	sealed2, err := rt.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, sealed, sealed2)
}

func TestUnsealRejectsTampering(t *testing.T) {
	rt, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))

	sealed, err := rt.Seal([]byte("secret"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = rt.Unseal(sealed)
	require.Error(t, err)

	_, err = rt.Unseal([]byte("short"))
	require.Error(t, err)
}

func TestNotReadyBeforeInitialize(t *testing.T) {
	rt, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)

	require.ErrorIs(t, rt.Health(context.Background()), types.ErrEnclaveNotReady)
	_, err = rt.Seal([]byte("x"))
	require.ErrorIs(t, err, types.ErrEnclaveNotReady)
	_, err = rt.GenerateRandom(16)
	require.ErrorIs(t, err, types.ErrEnclaveNotReady)
}

func TestNewRequiresEnclaveID(t *testing.T) {
	_, err := New(Config{Mode: ModeSimulation})
	require.Error(t, err)
}

func TestHardwareModeDerivesStableKey(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)

	seal := func(id string) []byte {
		rt, err := New(Config{Mode: ModeHardware, EnclaveID: id, MasterSecret: secret})
		require.NoError(t, err)
		require.NoError(t, rt.Initialize(context.Background()))
		sealed, err := rt.Seal([]byte("payload"))
		require.NoError(t, err)
		return sealed
	}

	// Same identity and master secret unseal each other's output.
	first, err := New(Config{Mode: ModeHardware, EnclaveID: "hw-1", MasterSecret: secret})
	require.NoError(t, err)
	require.NoError(t, first.Initialize(context.Background()))
	opened, err := first.Unseal(seal("hw-1"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), opened)

	// A different enclave identity derives a different key.
	_, err = first.Unseal(seal("hw-2"))
	require.Error(t, err)
}

func TestHardwareModeRequiresMasterSecret(t *testing.T) {
	rt, err := New(Config{Mode: ModeHardware, EnclaveID: "hw-1"})
	require.NoError(t, err)
	require.Error(t, rt.Initialize(context.Background()))
}

func TestSimulationSealingKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealing.key")

	rt1, err := New(Config{Mode: ModeSimulation, EnclaveID: "sim", SealingKeyPath: path})
	require.NoError(t, err)
	require.NoError(t, rt1.Initialize(context.Background()))
	sealed, err := rt1.Seal([]byte("durable"))
	require.NoError(t, err)

	// A fresh runtime loading the same key file can unseal.
	rt2, err := New(Config{Mode: ModeSimulation, EnclaveID: "sim", SealingKeyPath: path})
	require.NoError(t, err)
	require.NoError(t, rt2.Initialize(context.Background()))
	opened, err := rt2.Unseal(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), opened)
}

func TestShutdownZeroesKey(t *testing.T) {
	rt, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))
	require.NoError(t, rt.Shutdown(context.Background()))
	require.ErrorIs(t, rt.Health(context.Background()), types.ErrEnclaveNotReady)
}

func TestGenerateRandomAndMeasurement(t *testing.T) {
	rt, err := New(Config{Mode: ModeSimulation, EnclaveID: "test-enclave"})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))

	a, err := rt.GenerateRandom(32)
	require.NoError(t, err)
	b, err := rt.GenerateRandom(32)
	require.NoError(t, err)
	require.Len(t, a, 32)
	require.NotEqual(t, a, b)

	m1, err := rt.GetMeasurement()
	require.NoError(t, err)
	m2, err := rt.GetMeasurement()
	require.NoError(t, err)
	require.Equal(t, m1, m2)
}
