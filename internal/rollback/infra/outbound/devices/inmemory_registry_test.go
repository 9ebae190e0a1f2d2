package devices

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/fleetguard/internal/rollback/domain"
)

func TestInMemoryRegistry_ListAndApply(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRegistry()
	r.Install("QC-002", domain.TargetRule, "RULE-VIB-001", "v3")
	r.Install("QC-001", domain.TargetRule, "RULE-VIB-001", "v3")
	r.Install("QC-003", domain.TargetRule, "RULE-VIB-001", "v2")

	got, err := r.ListDevices(ctx, domain.TargetRule, "RULE-VIB-001", "v3")
	require.NoError(t, err)
	assert.Equal(t, []string{"QC-001", "QC-002"}, got)

	require.NoError(t, r.ApplyVersion(ctx, "QC-001", domain.TargetRule, "RULE-VIB-001", "v2"))
	assert.Equal(t, "v2", r.Version("QC-001", domain.TargetRule, "RULE-VIB-001"))
	assert.Equal(t, []Application{{DeviceCode: "QC-001", Version: "v2"}}, r.Applied())

	err = r.ApplyVersion(ctx, "QC-404", domain.TargetRule, "RULE-VIB-001", "v2")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestInMemoryRegistry_FailOn(t *testing.T) {
	ctx := context.Background()
	r := NewInMemoryRegistry()
	r.Install("QC-002", domain.TargetFirmware, "FW-1", "1.4.0")

	offline := errors.New("device offline")
	r.FailOn("QC-002", offline)
	assert.ErrorIs(t, r.ApplyVersion(ctx, "QC-002", domain.TargetFirmware, "FW-1", "1.3.9"), offline)
	assert.Equal(t, "1.4.0", r.Version("QC-002", domain.TargetFirmware, "FW-1"))

	r.FailOn("QC-002", nil)
	require.NoError(t, r.ApplyVersion(ctx, "QC-002", domain.TargetFirmware, "FW-1", "1.3.9"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"code": "QC-001", "versions": {"rule/RULE-VIB-001": "v3"}},
		{"code": "QC-002", "versions": {"model/MDL-7": "2026.1"}}
	]`), 0o600))

	r, err := LoadFile(path)
	require.NoError(t, err)
	got, err := r.ListDevices(context.Background(), domain.TargetRule, "RULE-VIB-001", "v3")
	require.NoError(t, err)
	assert.Equal(t, []string{"QC-001"}, got)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
