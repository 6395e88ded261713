package bpftrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced/internal/script"
)

func TestParseMetadata(t *testing.T) {
	code := `// name: tcp_connects
// include: linux/sched.h, net/sock.h
// table-retain-lines: 20
// some free text

kprobe:tcp_connect { @connects = count(); }
// name: ignored_after_code
`
	md, err := ParseMetadata(code)
	require.NoError(t, err)
	assert.Equal(t, "tcp_connects", md.Name)
	assert.Equal(t, []string{"linux/sched.h", "net/sock.h"}, md.Include)
	assert.Equal(t, 20, md.TableRetainLines)
}

func TestParseMetadata_Invalid(t *testing.T) {
	_, err := ParseMetadata("// name: 9lives\nBEGIN {}")
	assert.Error(t, err)
	_, err = ParseMetadata("// table-retain-lines: -3\nBEGIN {}")
	assert.Error(t, err)
}

func TestDeclareVariables(t *testing.T) {
	code := `// name: demo
kprobe:vfs_read { @reads = count(); @bytes[comm] = sum(arg2); @start[tid] = nsecs; }
kretprobe:vfs_read /@start[tid]/ { @usecs = hist((nsecs - @start[tid]) / 1000); delete(@start[tid]); }
profile:hz:99 { @stacks[kstack] = count(); }
kprobe:do_exit { @last = comm; }
interval:s:1 { printf("tick\n"); }
`
	decls := DeclareVariables(code)
	byName := map[string]script.Declaration{}
	for _, d := range decls {
		byName[d.Name] = d
	}
	require.Len(t, byName, 7)

	assert.Equal(t, script.MetricControl, byName["reads"].Category)
	assert.True(t, byName["reads"].Single)
	assert.Equal(t, script.SemCounter, byName["reads"].Semantics)

	assert.False(t, byName["bytes"].Single)
	assert.Equal(t, script.SemCounter, byName["bytes"].Semantics)

	assert.Equal(t, script.MetricHistogram, byName["usecs"].Category)
	assert.Equal(t, script.MetricStacks, byName["stacks"].Category)
	assert.Equal(t, script.TypeString, byName["last"].DataType)
	assert.Equal(t, script.MetricOutput, byName[OutputVariable].Category)

	defs, err := script.Resolve(decls)
	require.NoError(t, err)
	assert.Len(t, defs, 7)
}

func TestDeclareVariables_NoOutputWithoutPrintf(t *testing.T) {
	decls := DeclareVariables("kprobe:vfs_read { @x = count(); } // printf(\"no\")")
	require.Len(t, decls, 1)
	assert.Equal(t, "x", decls[0].Name)
}

func TestDeclareVariables_AnonymousMap(t *testing.T) {
	decls := DeclareVariables("kprobe:do_nanosleep { @[comm] = count(); }")
	require.Len(t, decls, 1)
	assert.Equal(t, AnonymousVariable, decls[0].Name)
	assert.False(t, decls[0].Single)
	assert.Equal(t, script.SemCounter, decls[0].Semantics)

	decls = DeclareVariables("kretprobe:vfs_read { @ = hist(retval); }")
	require.Len(t, decls, 1)
	assert.Equal(t, AnonymousVariable, decls[0].Name)
	assert.True(t, decls[0].Single)
	assert.Equal(t, script.MetricHistogram, decls[0].Category)

	assert.Equal(t, AnonymousVariable, VarName("@"))
	assert.Equal(t, "reads", VarName("@reads"))

	// "@" and "@root" would land on the same variable
	_, err := script.Resolve(DeclareVariables("BEGIN { @ = 1; @root = 2; }"))
	assert.ErrorIs(t, err, script.ErrInvalidDeclaration)
}

func TestDeclareVariables_OutputNamedMap(t *testing.T) {
	decls := DeclareVariables("kprobe:vfs_read { @output = count(); }")
	require.Len(t, decls, 1)
	assert.Equal(t, OutputVariable, decls[0].Name)
	assert.Equal(t, script.MetricControl, decls[0].Category)
	_, err := script.Resolve(decls)
	require.NoError(t, err)

	_, err = script.Resolve(DeclareVariables(`kprobe:vfs_read { @output = count(); printf("hi\n"); }`))
	require.ErrorIs(t, err, script.ErrInvalidDeclaration)
	assert.Contains(t, err.Error(), "text output")
}

func TestParseRuntime(t *testing.T) {
	info, err := ParseRuntime("bpftrace v0.19.1\n")
	require.NoError(t, err)
	assert.Equal(t, "0.19.1", info.Version.String())
	require.NoError(t, info.Check())
	assert.True(t, info.AtLeast("0.16"))

	info, err = ParseRuntime("bpftrace v0.9.4-142-g7b4b6c8")
	require.NoError(t, err)
	assert.True(t, info.AtLeast("0.9.4"))

	old, err := ParseRuntime("bpftrace v0.8.0")
	require.NoError(t, err)
	assert.ErrorIs(t, old.Check(), script.ErrRuntimeIncompatible)

	_, err = ParseRuntime("command not found")
	assert.ErrorIs(t, err, script.ErrRuntimeIncompatible)
}

func TestRuntimeCheck_Kernel(t *testing.T) {
	info := DefaultRuntime()
	require.NoError(t, info.Check())
	info.Kernel = KernelInfo{Probed: true, Kprobes: false, Reason: "not supported"}
	assert.ErrorIs(t, info.Check(), script.ErrRuntimeIncompatible)
	assert.ErrorIs(t, RuntimeInfo{}.Check(), script.ErrRuntimeIncompatible)
}

func TestParseRecord(t *testing.T) {
	r, err := ParseRecord([]byte(`{"type": "attached_probes", "data": {"probes": 2}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeAttachedProbes, r.Type)

	_, err = ParseRecord([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseRecord([]byte(`{"data": 1}`))
	assert.Error(t, err)
	assert.Equal(t, "usecs", VarName("@usecs"))
}
