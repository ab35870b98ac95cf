package vmdk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDescriptor = `# Disk DescriptorFile
version=1
encoding="UTF-8"
CID=fffffffe
parentCID=ffffffff
isNativeSnapshot="no"
createType="twoGbMaxExtentSparse"

# Extent description
RW 4192256 SPARSE "disk-s001.vmdk"
RW 4192256 SPARSE "disk-s002.vmdk"
RW 2101248 SPARSE "disk-s003.vmdk"
RW 4096 FLAT "disk-f001.vmdk" 0

# The Disk Data Base

ddb.adapterType = "lsilogic"
ddb.geometry.cylinders = "652"
ddb.geometry.heads = "255"
ddb.geometry.sectors = "63"
ddb.virtualHWVersion = "8"
`

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor(sampleDescriptor)
	require.NoError(t, err)

	assert.Equal(t, 1, d.Header.Version)
	assert.Equal(t, "UTF-8", d.Header.Encoding)
	assert.Equal(t, uint32(0xfffffffe), d.Header.CID)
	assert.Equal(t, uint32(0xffffffff), d.Header.ParentCID)
	assert.Equal(t, "twoGbMaxExtentSparse", d.Header.CreateType)
	require.NotNil(t, d.Header.IsNativeSnapshot)
	assert.False(t, *d.Header.IsNativeSnapshot)

	require.Len(t, d.Extents, 4)
	assert.Equal(t, AccessRW, d.Extents[0].AccessMode)
	assert.Equal(t, uint64(4192256), d.Extents[0].SectorCount)
	assert.Equal(t, ExtentSparse, d.Extents[0].Type)
	assert.Equal(t, "disk-s001.vmdk", d.Extents[0].FileName)
	assert.False(t, d.Extents[0].HasStartSector)

	assert.Equal(t, ExtentFlat, d.Extents[3].Type)
	assert.True(t, d.Extents[3].HasStartSector)
	assert.Equal(t, uint64(0), d.Extents[3].StartSector)

	assert.Equal(t, "lsilogic", d.DDB["ddb.adapterType"])
	assert.Equal(t, "8", d.DDB["ddb.virtualHWVersion"])
}

func TestParseExtentLineVariants(t *testing.T) {
	ed, err := parseExtentLine(`RW 4 ZERO`)
	require.NoError(t, err)
	assert.Equal(t, ExtentZero, ed.Type)
	assert.Empty(t, ed.FileName)
	assert.False(t, ed.HasStartSector)

	ed, err = parseExtentLine(`NOACCESS 1024 FLAT "x.vmdk" 2048`)
	require.NoError(t, err)
	assert.Equal(t, AccessNoAccess, ed.AccessMode)
	assert.Equal(t, uint64(2048), ed.StartSector)
	assert.True(t, ed.HasStartSector)

	_, err = parseExtentLine(`garbage line`)
	require.Error(t, err)
}

func TestMissingRequiredHeaderKeys(t *testing.T) {
	_, err := ParseDescriptor(`# Disk DescriptorFile
version=1
CID=fffffffe
`)
	require.Error(t, err, "parentCID is required")

	_, err = ParseDescriptor(`# Disk DescriptorFile
CID=fffffffe
parentCID=ffffffff
`)
	require.Error(t, err, "version is required")
}
