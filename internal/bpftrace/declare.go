package bpftrace

import (
	"regexp"
	"sort"
	"strings"

	"github.com/loykin/bpftraced/internal/script"
)

var (
	mapRef      = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)?(\s*\[)?`)
	mapAssign   = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)?\s*(\[([^\]]*)\])?\s*=\s*([A-Za-z_]+)?\s*(\()?`)
	outputCalls = regexp.MustCompile(`\b(printf|time|cat|join|system)\s*\(`)
	stackKeys   = regexp.MustCompile(`\b(kstack|ustack)\b`)
	textFuncs   = map[string]bool{"str": true, "comm": true, "func": true, "probe": true, "ksym": true, "usym": true, "kstack": true, "ustack": true, "username": true, "cgroup_path": true}
)

// DeclareVariables discovers the variables a script will print and how to decode them.
// Maps assigned hist()/lhist() are histograms, maps keyed by kstack/ustack are stacks,
// everything else is a control value. The unnamed map "@" is declared as "root".
// Scripts producing text output get an "output" variable; a map sharing a name with it
// (or two maps both called "root") yields duplicate declarations, which Resolve rejects.
func DeclareVariables(code string) []script.Declaration {
	code = stripComments(code)
	type info struct {
		keyed, hist, stacks, counter, stats, text bool
	}
	vars := map[string]*info{}
	get := func(name string) *info {
		if vars[name] == nil {
			vars[name] = &info{}
		}
		return vars[name]
	}
	for _, m := range mapRef.FindAllStringSubmatch(code, -1) {
		if m[1] == "" && m[2] == "" {
			continue
		}
		v := get(m[1])
		if m[2] != "" {
			v.keyed = true
		}
	}
	for _, m := range mapAssign.FindAllStringSubmatch(code, -1) {
		v := get(m[1])
		key, fn, call := m[3], m[4], m[5] != ""
		if stackKeys.MatchString(key) {
			v.stacks = true
		}
		switch {
		case call && (fn == "hist" || fn == "lhist"):
			v.hist = true
		case call && (fn == "count" || fn == "sum"):
			v.counter = true
		case call && fn == "stats":
			v.stats = true
		case textFuncs[fn]:
			v.text = true
		}
	}

	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)

	decls := make([]script.Declaration, 0, len(names)+1)
	for _, n := range names {
		v := vars[n]
		name := n
		if name == "" {
			name = AnonymousVariable
		}
		d := script.Declaration{
			Name:      name,
			Single:    !v.keyed,
			Semantics: script.SemInstant,
			DataType:  script.TypeU64,
			Category:  script.MetricControl,
		}
		if v.counter {
			d.Semantics = script.SemCounter
		}
		switch {
		case v.stacks:
			d.Category = script.MetricStacks
			d.Single = false
		case v.hist:
			d.Category = script.MetricHistogram
		case v.stats:
			d.Single = false
		case v.text:
			d.DataType = script.TypeString
			d.Semantics = script.SemDiscrete
		}
		decls = append(decls, d)
	}
	if outputCalls.MatchString(code) {
		decls = append(decls, OutputDeclaration())
	}
	return decls
}

// OutputDeclaration is the declaration of the variable receiving text output.
func OutputDeclaration() script.Declaration {
	return script.Declaration{
		Name:      OutputVariable,
		Single:    true,
		Semantics: script.SemInstant,
		DataType:  script.TypeString,
		Category:  script.MetricOutput,
	}
}

func stripComments(code string) string {
	var b strings.Builder
	for _, line := range strings.Split(code, "\n") {
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
