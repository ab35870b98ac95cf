// Package vmdk implements the VMware Virtual Disk engine: descriptor
// parsing (standalone or embedded in a sparse file), implicit extent
// offset assembly, and flat/zero/sparse extent reads with two-level
// grain directory resolution and optional Deflate-compressed grains.
package vmdk

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/forensicxlab/exhume-body-go/body"
)

const (
	descriptorSignature          = "# Disk DescriptorFile"
	extentSectionSignature       = "# Extent description"
	changeTrackingSectionSig     = "# Change Tracking File"
	diskDatabaseSectionSignature = "# The Disk Data Base"
)

// ExtentAccessMode is the access mode column of an extent description.
type ExtentAccessMode string

const (
	AccessNoAccess ExtentAccessMode = "NOACCESS"
	AccessRdOnly   ExtentAccessMode = "RDONLY"
	AccessRW       ExtentAccessMode = "RW"
)

// ExtentType is the type column of an extent description.
type ExtentType string

const (
	ExtentFlat       ExtentType = "FLAT"
	ExtentSparse     ExtentType = "SPARSE"
	ExtentZero       ExtentType = "ZERO"
	ExtentVmfs       ExtentType = "VMFS"
	ExtentVmfsSparse ExtentType = "VMFSSPARSE"
	ExtentVmfsRdm    ExtentType = "VMFSRDM"
	ExtentVmfsRaw    ExtentType = "VMFSRAW"
)

// ExtentDescriptor mirrors one line of the "# Extent description"
// section: access_mode sector_number type ["file"] [start_sector]
// [uuid] [device_id].
type ExtentDescriptor struct {
	AccessMode       ExtentAccessMode
	SectorCount      uint64
	Type             ExtentType
	FileName         string
	StartSector      uint64
	HasStartSector   bool
	PartitionUUID    string
	DeviceIdentifier string
}

// Header is the VMDK descriptor's header section.
type Header struct {
	Version            int
	Encoding           string
	CID                uint32
	ParentCID          uint32
	IsNativeSnapshot   *bool
	CreateType         string
	ParentFileNameHint string
}

// Descriptor is the fully parsed descriptor file (standalone text file,
// or embedded in a sparse extent's descriptor sectors).
type Descriptor struct {
	Header  Header
	Extents []*ExtentDescriptor
	DDB     map[string]string
}

var extentLineRegexp = regexp.MustCompile(
	`^(\w+)\s+(\d+)\s+(\w+)\s*"?([\w\-./ ]+)?"?\s*(\d+)?\s*([\w\-./ ]+)?\s*([\w\-./ ]+)?$`)

var keyValueRegexp = regexp.MustCompile(`^([\w.]+)\s*=\s*"?([^"]*)"?$`)

func descriptorSection(line string) string {
	switch strings.TrimSpace(line) {
	case descriptorSignature:
		return "header"
	case extentSectionSignature:
		return "extent"
	case diskDatabaseSectionSignature:
		return "ddb"
	case changeTrackingSectionSig:
		return "change_tracking"
	default:
		return ""
	}
}

func parseKeyValue(line string) (string, string, bool) {
	m := keyValueRegexp.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func parseExtentLine(line string) (*ExtentDescriptor, error) {
	m := extentLineRegexp.FindStringSubmatch(line)
	if m == nil {
		return nil, body.FormatErrorf("", "invalid extent descriptor line: %q", line)
	}
	sectorCount, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return nil, body.FormatErrorf("", "invalid sector count in extent line: %q", line)
	}
	ed := &ExtentDescriptor{
		AccessMode:  ExtentAccessMode(strings.ToUpper(m[1])),
		SectorCount: sectorCount,
		Type:        ExtentType(strings.ToUpper(m[3])),
		FileName:    m[4],
	}
	if m[5] != "" {
		if start, err := strconv.ParseUint(m[5], 10, 64); err == nil {
			ed.StartSector = start
			ed.HasStartSector = true
		}
	}
	ed.PartitionUUID = m[6]
	ed.DeviceIdentifier = m[7]
	return ed, nil
}

// ParseDescriptor parses the textual VMDK descriptor format:
// comment-delimited sections, key="value" pairs in the header and ddb
// sections, and extent lines in the extent section. Lines of the
// change-tracking section are skipped; the change-tracking path is not
// kept in the Descriptor.
func ParseDescriptor(text string) (*Descriptor, error) {
	headerKV := map[string]string{}
	ddbKV := map[string]string{}
	var extents []*ExtentDescriptor

	section := ""
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if s := descriptorSection(line); s != "" {
				section = s
			}
			continue
		}
		switch section {
		case "header":
			if k, v, ok := parseKeyValue(line); ok {
				headerKV[k] = v
			}
		case "extent":
			if ed, err := parseExtentLine(line); err == nil {
				extents = append(extents, ed)
			}
		case "ddb":
			if k, v, ok := parseKeyValue(line); ok {
				ddbKV[k] = v
			}
		}
	}

	hdr, err := headerFromKV(headerKV)
	if err != nil {
		return nil, err
	}
	return &Descriptor{Header: hdr, Extents: extents, DDB: ddbKV}, nil
}

func headerFromKV(kv map[string]string) (Header, error) {
	var h Header
	versionStr, ok := kv["version"]
	if !ok {
		return h, body.MissingErrorf("", "version not found in VMDK header")
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return h, body.FormatErrorf("", "invalid version in VMDK header: %q", versionStr)
	}
	h.Version = version
	h.Encoding = kv["encoding"]
	if h.Encoding == "" {
		h.Encoding = "UTF-8"
	}
	cidStr, ok := kv["CID"]
	if !ok {
		return h, body.MissingErrorf("", "CID not found in VMDK header")
	}
	cid, err := strconv.ParseUint(cidStr, 16, 32)
	if err != nil {
		return h, body.FormatErrorf("", "invalid CID in VMDK header: %q", cidStr)
	}
	h.CID = uint32(cid)

	parentCIDStr, ok := kv["parentCID"]
	if !ok {
		return h, body.MissingErrorf("", "parentCID not found in VMDK header")
	}
	parentCID, err := strconv.ParseUint(parentCIDStr, 16, 32)
	if err != nil {
		return h, body.FormatErrorf("", "invalid parentCID in VMDK header: %q", parentCIDStr)
	}
	h.ParentCID = uint32(parentCID)

	if v, ok := kv["isNativeSnapshot"]; ok {
		b := v == "yes"
		h.IsNativeSnapshot = &b
	}
	h.CreateType = kv["createType"]
	h.ParentFileNameHint = kv["parentFileNameHint"]
	return h, nil
}
