package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexcfi/internal/cfi"
	"dexcfi/internal/ehframe"
	"dexcfi/internal/output"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "dex_pc directive",
			args: []string{"--kind", "dex_pc", "--reg", "5", "--base", "3", "--offset=-1", "--os", "linux"},
			want: ".cfi_escape 0x16, 0x05, 0x09, 0x0c, 0x44, 0x45, 0x58, 0x31, 0x13, 0x92, 0x03, 0x7f\n",
		},
		{
			name: "expression hex",
			args: []string{"--kind", "expression_breg", "--reg", "6", "--offset", "16", "--os", "linux", "--hex"},
			want: "10 06 02 70 10\n",
		},
		{
			name: "def_cfa extended",
			args: []string{"--kind", "def_cfa_breg_deref", "--reg", "2", "--offset", "8", "--size", "200", "--os", "linux", "--hex"},
			want: "0f 07 92 02 08 06 23 c8 01\n",
		},
		{
			name: "darwin emits nothing",
			args: []string{"--kind", "dex_pc", "--reg", "5", "--base", "3", "--os", "darwin"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			require.NoError(t, cmdEncode(tt.args, &out))
			assert.Equal(t, tt.want, out.String())
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	var out bytes.Buffer
	err := cmdEncode([]string{"--kind", "dex_pc", "--offset", "200", "--os", "linux"}, &out)
	assert.ErrorIs(t, err, cfi.ErrOffsetRange)

	// Operands are still checked where nothing is emitted.
	err = cmdEncode([]string{"--kind", "dex_pc", "--reg", "300", "--os", "ios"}, &out)
	assert.ErrorIs(t, err, cfi.ErrRegisterRange)

	assert.Error(t, cmdEncode(nil, &out))
	assert.Empty(t, out.String())
}

var handlerCode = []byte{
	0xfd, 0x7b, 0xbf, 0xa9, // stp x29, x30, [sp, #-16]!
	0xd6, 0x0a, 0x00, 0x91, // add x22, x22, #2
	0xfd, 0x7b, 0xc1, 0xa8, // ldp x29, x30, [sp], #16
	0x00, 0x02, 0x1f, 0xd6, // br x16
}

const handlerSites = `
handler = "op_add_int"

[[site]]
pc = 8
kind = "expression_breg"
reg = 22
base = 31
offset = -8

[[site]]
pc = 0
kind = "def_cfa_breg_deref"
reg = 31
offset = 16

[[site]]
pc = 4
kind = "dex_pc"
reg = 5
base = 22

[[site]]
pc = 2
kind = "dex_pc"
note = "not an instruction boundary"
`

func writeInputs(t *testing.T) (dir, sitesPath, codePath string) {
	t.Helper()
	dir = t.TempDir()
	sitesPath = filepath.Join(dir, "sites.toml")
	codePath = filepath.Join(dir, "handler.bin")
	require.NoError(t, os.WriteFile(sitesPath, []byte(handlerSites), 0o644))
	require.NoError(t, os.WriteFile(codePath, handlerCode, 0o644))
	return dir, sitesPath, codePath
}

func TestEmitAndWalk(t *testing.T) {
	dir, sitesPath, codePath := writeInputs(t)
	out := filepath.Join(dir, "out")

	var stdout bytes.Buffer
	err := cmdEmit([]string{
		"--sites", sitesPath, "--code", codePath, "--base", "0x1000",
		"--out", out, "--os", "linux", "--graph",
	}, &stdout)
	require.NoError(t, err)
	assert.Equal(t, "op_add_int: 3 records, 27 bytes\n", stdout.String())

	var want []byte
	want = append(want, 0x0f, 0x06, 0x92, 0x1f, 0x10, 0x06, 0x23, 0x00)
	want = append(want, 0x41, 0x16, 0x05, 0x09, 0x0c, 0x44, 0x45, 0x58, 0x31, 0x13, 0x92, 0x16, 0x00)
	want = append(want, 0x41, 0x10, 0x16, 0x02, 0x8f, 0x78)
	got, err := os.ReadFile(filepath.Join(out, "cfi.bin"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, name := range []string{"eh_frame.bin", "sites.json", "listing.txt", "cfg.dot", "records.dot"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}

	listing, err := os.ReadFile(filepath.Join(out, "listing.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(listing), "<op_add_int>")
	assert.Contains(t, string(listing), ".cfi_escape 0x10, 0x16, 0x02, 0x8f, 0x78")
	assert.Contains(t, string(listing), "cfi: dex_pc")
	assert.Contains(t, string(listing), "cfi: expression_breg")

	var walked walkResult
	stdout.Reset()
	require.NoError(t, cmdWalk([]string{"--in", filepath.Join(out, "cfi.bin"), "--json", "--strict"}, &stdout))
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &walked))
	var ops []string
	for _, e := range walked.Insts {
		ops = append(ops, e.Op)
	}
	assert.Equal(t, []string{
		"DW_CFA_def_cfa_expression",
		"DW_CFA_advance_loc",
		"DW_CFA_val_expression",
		"DW_CFA_advance_loc",
		"DW_CFA_expression",
	}, ops)
	assert.Equal(t, uint64(8), walked.Insts[4].Loc)
	assert.Empty(t, walked.Diags)
}

func TestEmitStrict(t *testing.T) {
	dir, sitesPath, codePath := writeInputs(t)
	var stdout bytes.Buffer
	err := cmdEmit([]string{
		"--sites", sitesPath, "--code", codePath,
		"--out", filepath.Join(dir, "out"), "--os", "linux", "--strict",
	}, &stdout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction boundary")
}

func TestEmitDarwin(t *testing.T) {
	dir, sitesPath, codePath := writeInputs(t)
	out := filepath.Join(dir, "out")
	var stdout bytes.Buffer
	require.NoError(t, cmdEmit([]string{
		"--sites", sitesPath, "--code", codePath, "--out", out, "--os", "darwin",
	}, &stdout))
	assert.Equal(t, "op_add_int: 0 records, 0 bytes\n", stdout.String())

	got, err := os.ReadFile(filepath.Join(out, "cfi.bin"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEmitFrameSection(t *testing.T) {
	dir, sitesPath, codePath := writeInputs(t)
	out := filepath.Join(dir, "out")
	var stdout bytes.Buffer
	require.NoError(t, cmdEmit([]string{
		"--sites", sitesPath, "--code", codePath, "--out", out, "--os", "linux",
	}, &stdout))

	frame, err := os.ReadFile(filepath.Join(out, "eh_frame.bin"))
	require.NoError(t, err)
	cfiBin, err := os.ReadFile(filepath.Join(out, "cfi.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Contains(frame, cfiBin), "FDE carries the handler program")
	assert.Equal(t, []byte{0, 0, 0, 0}, frame[len(frame)-4:])
	assert.Zero(t, (len(frame)-4)%8)
}

func TestEmitFrameAddrRange(t *testing.T) {
	dir, sitesPath, codePath := writeInputs(t)
	out := filepath.Join(dir, "out")
	var stdout bytes.Buffer
	err := cmdEmit([]string{
		"--sites", sitesPath, "--code", codePath, "--base", "0x1000",
		"--frame-addr", "0x200000000", "--out", out, "--os", "linux",
	}, &stdout)
	assert.ErrorIs(t, err, ehframe.ErrPCRange)

	_, err = os.Stat(filepath.Join(out, "cfi.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist, "nothing written")
}

func TestEmitCodeAlign(t *testing.T) {
	dir := t.TempDir()
	sitesPath := filepath.Join(dir, "sites.toml")
	codePath := filepath.Join(dir, "nops.bin")
	require.NoError(t, os.WriteFile(sitesPath, []byte(`
code_align = 8

[[site]]
pc = 4
kind = "expression_breg"
reg = 6

[[site]]
pc = 8
kind = "expression_breg"
reg = 6
`), 0o644))
	nop := []byte{0x1f, 0x20, 0x03, 0xd5}
	require.NoError(t, os.WriteFile(codePath, bytes.Repeat(nop, 4), 0o644))
	out := filepath.Join(dir, "out")

	// The site at pc 4 is a boundary but not a multiple of 8: dropped.
	var stdout bytes.Buffer
	require.NoError(t, cmdEmit([]string{
		"--sites", sitesPath, "--code", codePath, "--out", out, "--os", "linux",
	}, &stdout))
	assert.Equal(t, "handler: 1 records, 6 bytes\n", stdout.String())

	got, err := os.ReadFile(filepath.Join(out, "cfi.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x41, 0x10, 0x06, 0x02, 0x70, 0x00}, got)

	raw, err := os.ReadFile(filepath.Join(out, "sites.json"))
	require.NoError(t, err)
	var report output.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, uint64(8), report.CodeAlign)

	err = cmdEmit([]string{
		"--sites", sitesPath, "--code", codePath, "--out", out, "--os", "linux", "--strict",
	}, &stdout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code_align")
}

func TestWalkBestEffort(t *testing.T) {
	in := filepath.Join(t.TempDir(), "bad.bin")
	// A val_expression whose block runs past the end.
	require.NoError(t, os.WriteFile(in, []byte{0x0a, 0x16, 0x05, 0x20, 0x0c}, 0o644))

	var stdout bytes.Buffer
	require.NoError(t, cmdWalk([]string{"--in", in, "--json"}, &stdout))
	var res walkResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.Len(t, res.Insts, 1)
	require.Len(t, res.Diags, 1)
	assert.Equal(t, 1, res.Diags[0].Offset)

	err := cmdWalk([]string{"--in", in, "--strict"}, &stdout)
	assert.ErrorIs(t, err, ehframe.ErrLength)
}
