package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVerdict(t *testing.T) {
	cases := map[string]VerdictValue{
		"Benign":        VerdictBenign,
		"benign":        VerdictBenign,
		"MALICIOUS":     VerdictMalicious,
		"Not Scanned":   VerdictNotScanned,
		"scanning":      VerdictNotScanned,
		"non compliant": VerdictNonCompliant,
		"Non-Compliant": VerdictNonCompliant,
		"  benign  ":    VerdictBenign,
		"garbage":       VerdictUnknown,
		"":              VerdictUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseVerdict(in), "input %q", in)
	}
}

func TestTranslateScannerResponseZeroDuration(t *testing.T) {
	v := TranslateScannerResponse(&ScannerResponse{
		ScanGUID: "abc",
		Verdict:  "benign",
	})
	assert.Equal(t, int64(-1), v.ScanDurationMicroseconds)
	assert.Equal(t, VerdictBenign, v.Verdict)
	assert.Equal(t, "abc", v.ScanGUID)
}

func TestTranslateScannerResponseKeepsDuration(t *testing.T) {
	v := TranslateScannerResponse(&ScannerResponse{
		Verdict:                  "malicious",
		ScanDurationMicroseconds: 1234,
		FileInfo:                 VerdictFileInfo{FileType: "PE", FileSizeInBytes: 42},
	})
	assert.Equal(t, int64(1234), v.ScanDurationMicroseconds)
	assert.Equal(t, VerdictMalicious, v.Verdict)
	if assert.NotNil(t, v.FileInfo) {
		assert.Equal(t, "PE", v.FileInfo.FileType)
		assert.Equal(t, int64(42), v.FileInfo.FileSizeInBytes)
	}
}

func TestScanRequestTarget(t *testing.T) {
	r := ScanRequest{ConnectorURL: "http://fallback"}
	assert.Equal(t, "http://fallback", r.Target())

	r.Connector = &ConnectorDescriptor{URL: "http://primary", Name: "files"}
	assert.Equal(t, "http://primary", r.Target())
	assert.Equal(t, "files", r.ConnectorName())

	assert.Empty(t, ScanRequest{}.Target())
	assert.Empty(t, ScanRequest{}.ConnectorName())
}
