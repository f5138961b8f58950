package pki

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_Healthy(t *testing.T) {
	dir := t.TempDir()

	_, err := Issue(context.Background(), testConfig(dir))
	require.NoError(t, err)

	report, err := Check(dir, DefaultRotationThreshold)
	require.NoError(t, err)

	assert.True(t, report.Healthy())
	assert.Empty(t, report.Missing())
	assert.NoError(t, report.ChainError)
	assert.NoError(t, report.KeyError)

	require.Len(t, report.Files, 3)
	for _, f := range report.Files {
		assert.True(t, f.Exists, f.Name)
		assert.Positive(t, f.Size, f.Name)
	}
	assert.Equal(t, os.FileMode(0600), report.Files[2].Mode)

	require.NotNil(t, report.Authority)
	require.NotNil(t, report.Server)
	assert.False(t, report.Server.Expired)
	assert.False(t, report.Server.ShouldRotate)
	assert.InDelta(t, DefaultLeafDays, report.Server.DaysRemaining, 1)
	assert.InDelta(t, DefaultAuthorityDays, report.Authority.DaysRemaining, 1)
}

func TestCheck_Missing(t *testing.T) {
	dir := t.TempDir()

	report, err := Check(dir, DefaultRotationThreshold)
	require.NoError(t, err)

	assert.False(t, report.Healthy())
	assert.Equal(t, []string{AuthorityCertFile, ServerCertFile, ServerKeyFile}, report.Missing())
	assert.Nil(t, report.Authority)
}

func TestCheck_MissingDirectory(t *testing.T) {
	report, err := Check(filepath.Join(t.TempDir(), "nope"), DefaultRotationThreshold)
	require.NoError(t, err)
	assert.Len(t, report.Missing(), 3)
}

func TestCheck_ForeignChain(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	for _, dir := range []string{dirA, dirB} {
		_, err := Issue(context.Background(), testConfig(dir))
		require.NoError(t, err)
	}

	require.NoError(t, os.WriteFile(
		filepath.Join(dirA, AuthorityCertFile),
		readFile(t, filepath.Join(dirB, AuthorityCertFile)),
		0644,
	))

	report, err := Check(dirA, DefaultRotationThreshold)
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	assert.Error(t, report.ChainError)
	assert.NoError(t, report.KeyError)
}

func TestCheck_MismatchedKey(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	for _, dir := range []string{dirA, dirB} {
		_, err := Issue(context.Background(), testConfig(dir))
		require.NoError(t, err)
	}

	require.NoError(t, os.WriteFile(
		filepath.Join(dirA, ServerKeyFile),
		readFile(t, filepath.Join(dirB, ServerKeyFile)),
		0600,
	))

	report, err := Check(dirA, DefaultRotationThreshold)
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	assert.NoError(t, report.ChainError)
	assert.Error(t, report.KeyError)
}

func TestCheck_CorruptCertificate(t *testing.T) {
	dir := t.TempDir()

	_, err := Issue(context.Background(), testConfig(dir))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ServerCertFile), []byte("garbage"), 0644))

	report, err := Check(dir, DefaultRotationThreshold)
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	assert.ErrorContains(t, report.ChainError, ServerCertFile)
}

func TestCheck_RotationThreshold(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig(dir)
	cfg.Validity = &Validity{Authority: 3650, Leaf: 10}
	_, err := Issue(context.Background(), cfg)
	require.NoError(t, err)

	report, err := Check(dir, DefaultRotationThreshold)
	require.NoError(t, err)

	assert.True(t, report.Healthy())
	assert.True(t, report.Server.ShouldRotate)
	assert.False(t, report.Server.Expired)
	assert.False(t, report.Authority.ShouldRotate)
}

func TestValidateCertificate(t *testing.T) {
	material, err := Issue(context.Background(), testConfig(t.TempDir()))
	require.NoError(t, err)
	cert := material.ServerCertificate

	t.Run("expired", func(t *testing.T) {
		v := validateCertificate("server.crt", cert, cert.NotAfter.Add(48*time.Hour), DefaultRotationThreshold)
		assert.True(t, v.Expired)
		assert.True(t, v.ShouldRotate)
		assert.Equal(t, -2, v.DaysRemaining)
	})

	t.Run("inside rotation window", func(t *testing.T) {
		v := validateCertificate("server.crt", cert, cert.NotAfter.Add(-48*time.Hour), DefaultRotationThreshold)
		assert.False(t, v.Expired)
		assert.True(t, v.ShouldRotate)
		assert.Equal(t, 2, v.DaysRemaining)
	})

	t.Run("fresh", func(t *testing.T) {
		v := validateCertificate("server.crt", cert, cert.NotBefore, DefaultRotationThreshold)
		assert.False(t, v.Expired)
		assert.False(t, v.ShouldRotate)
	})
}
