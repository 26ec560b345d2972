package device

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var _ Program = (*hostProgram)(nil)
var _ Kernel = (*hostKernel)(nil)

// ParamKind is the shape of one kernel parameter as far as argument binding
// is concerned.
type ParamKind int

const (
	ParamGlobalConst ParamKind = iota + 1 // read-only float buffer
	ParamGlobal                           // writable float buffer
	ParamInt
	ParamUint
	ParamFloat
)

func (k ParamKind) String() string {
	switch k {
	case ParamGlobalConst:
		return "__global const float*"
	case ParamGlobal:
		return "__global float*"
	case ParamInt:
		return "int"
	case ParamUint:
		return "uint"
	case ParamFloat:
		return "float"
	default:
		return "?"
	}
}

func (k ParamKind) isBuffer() bool {
	return k == ParamGlobalConst || k == ParamGlobal
}

// sourceName labels diagnostics the way OpenCL compilers label in-memory sources.
const sourceName = "<source>"

var kernelDecl = regexp.MustCompile(`(?:__kernel|\bkernel)\s+void\s+([A-Za-z_]\w*)\s*\(([^)]*)\)\s*(\{|;)?`)

type hostProgram struct {
	kernels map[string]*linkedKernel
}

type linkedKernel struct {
	name   string
	params []ParamKind
	impl   HostKernel
}

// compileHostProgram checks the source the way a front end would, then links
// every __kernel definition to its registered Go implementation. All problems
// are reported together in the build log.
func compileHostProgram(source string, registry *KernelRegistry) (*hostProgram, error) {
	var diags []string
	diag := func(line int, format string, args ...any) {
		diags = append(diags, fmt.Sprintf("%s:%d: error: %s", sourceName, line, fmt.Sprintf(format, args...)))
	}

	code, unterminated := stripComments(source)
	if unterminated > 0 {
		diag(unterminated, "unterminated /* comment")
	}
	checkBalance(code, diag)

	p := &hostProgram{kernels: make(map[string]*linkedKernel)}
	for _, m := range kernelDecl.FindAllStringSubmatchIndex(code, -1) {
		name := code[m[2]:m[3]]
		line := 1 + strings.Count(code[:m[0]], "\n")
		if m[6] < 0 || code[m[6]:m[7]] != "{" {
			// prototype only
			continue
		}
		if _, dup := p.kernels[name]; dup {
			diag(line, "redefinition of kernel '%s'", name)
			continue
		}

		params, err := parseParams(code[m[4]:m[5]])
		if err != nil {
			diag(line, "kernel '%s': %v", name, err)
			continue
		}
		impl, ok := registry.Get(name)
		if !ok {
			diag(line, "kernel '%s' has no host implementation", name)
			continue
		}
		if !sameParams(params, impl.Params) {
			diag(line, "kernel '%s' declared as (%s), host implementation expects (%s)",
				name, joinParams(params), joinParams(impl.Params))
			continue
		}
		p.kernels[name] = &linkedKernel{name: name, params: params, impl: impl}
	}

	if len(p.kernels) == 0 && len(diags) == 0 {
		diag(1, "no kernel functions defined")
	}
	if len(diags) > 0 {
		e := Errorf(KindBuild, "BuildProgram", "program builds for device", nil, "Kernel build failed with %d error(s)", len(diags))
		e.Log = strings.Join(diags, "\n") + "\n"
		return nil, e
	}
	return p, nil
}

// stripComments blanks out comments while keeping newlines so line numbers
// still match the source text. It returns the line of an unterminated block
// comment, or 0.
func stripComments(src string) (string, int) {
	var b strings.Builder
	b.Grow(len(src))
	line := 1
	for i := 0; i < len(src); i++ {
		switch {
		case strings.HasPrefix(src[i:], "//"):
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				b.WriteByte('\n')
				line++
			}
		case strings.HasPrefix(src[i:], "/*"):
			start := line
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return b.String(), start
			}
			body := src[i : i+2+end+2]
			n := strings.Count(body, "\n")
			b.WriteString(strings.Repeat("\n", n))
			b.WriteByte(' ')
			line += n
			i += len(body) - 1
		default:
			if src[i] == '\n' {
				line++
			}
			b.WriteByte(src[i])
		}
	}
	return b.String(), 0
}

func checkBalance(code string, diag func(int, string, ...any)) {
	type open struct {
		ch   byte
		line int
	}
	pairs := map[byte]byte{')': '(', '}': '{', ']': '['}
	var stack []open
	line := 1
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch c {
		case '\n':
			line++
		case '(', '{', '[':
			stack = append(stack, open{c, line})
		case ')', '}', ']':
			if len(stack) == 0 || stack[len(stack)-1].ch != pairs[c] {
				diag(line, "unexpected '%c'", c)
				return
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		diag(top.line, "unmatched '%c'", top.ch)
	}
}

func parseParams(list string) ([]ParamKind, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "void" {
		return nil, nil
	}
	var out []ParamKind
	for i, raw := range strings.Split(list, ",") {
		k, err := parseParam(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		out = append(out, k)
	}
	return out, nil
}

func parseParam(raw string) (ParamKind, error) {
	decl := strings.ReplaceAll(raw, "*", " * ")
	var (
		pointer, constant, global bool
		unsigned                  bool
		typ                       string
		idents                    int
	)
	for _, tok := range strings.Fields(decl) {
		switch tok {
		case "*":
			pointer = true
		case "const", "__constant", "constant":
			constant = true
			if tok != "const" {
				global = true
			}
		case "__global", "global":
			global = true
		case "restrict", "__restrict", "volatile", "__private", "private":
		case "unsigned":
			unsigned = true
		case "float", "int", "uint", "long", "double", "char", "short", "uchar", "ushort", "ulong", "size_t":
			typ = tok
		default:
			idents++
		}
	}
	if typ == "" {
		if !unsigned {
			return 0, fmt.Errorf("unknown type in %q", strings.TrimSpace(raw))
		}
		typ = "uint"
	} else if unsigned && typ == "int" {
		typ = "uint"
	}
	if idents > 1 {
		return 0, fmt.Errorf("cannot parse %q", strings.TrimSpace(raw))
	}

	if pointer {
		if !global {
			return 0, fmt.Errorf("pointer %q must be __global or __constant", strings.TrimSpace(raw))
		}
		if typ != "float" {
			return 0, fmt.Errorf("buffer element type %s is not supported", typ)
		}
		if constant {
			return ParamGlobalConst, nil
		}
		return ParamGlobal, nil
	}
	switch typ {
	case "int":
		return ParamInt, nil
	case "uint":
		return ParamUint, nil
	case "float":
		return ParamFloat, nil
	default:
		return 0, fmt.Errorf("scalar type %s is not supported", typ)
	}
}

func sameParams(a, b []ParamKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinParams(ps []ParamKind) string {
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = p.String()
	}
	return strings.Join(s, ", ")
}

func (p *hostProgram) Kernel(name string) (Kernel, error) {
	lk, ok := p.kernels[name]
	if !ok {
		return nil, Errorf(KindSymbolNotFound, "Kernel", fmt.Sprintf("kernel %q defined in program", name), nil,
			"Kernel %q not found in program", name)
	}
	return &hostKernel{linked: lk, args: make([]any, len(lk.params)), set: make([]bool, len(lk.params))}, nil
}

func (p *hostProgram) KernelNames() []string {
	names := make([]string, 0, len(p.kernels))
	for n := range p.kernels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *hostProgram) Release() error {
	return nil
}

type hostKernel struct {
	linked *linkedKernel
	args   []any
	set    []bool
}

func (k *hostKernel) Name() string { return k.linked.name }
func (k *hostKernel) NumArgs() int { return len(k.linked.params) }

func (k *hostKernel) SetArg(index int, value any) error {
	if index < 0 || index >= len(k.args) {
		return Errorf(KindRuntimeDispatch, "SetArg", "0 <= index < NumArgs", nil,
			"Argument index %d out of range for kernel %q with %d parameters", index, k.linked.name, len(k.args))
	}
	param := k.linked.params[index]
	mismatch := func() error {
		return Errorf(KindRuntimeDispatch, "SetArg", "argument type matches parameter type", nil,
			"Argument %d of kernel %q is %s, got %T", index, k.linked.name, param, value)
	}

	switch v := value.(type) {
	case *hostBuffer:
		if !param.isBuffer() {
			return mismatch()
		}
		if param == ParamGlobal && v.access == ReadOnly {
			return Errorf(KindRuntimeDispatch, "SetArg", "writable parameter bound to writable buffer", nil,
				"Argument %d of kernel %q is written by the kernel but the buffer is read-only", index, k.linked.name)
		}
	case int32:
		if param != ParamInt {
			return mismatch()
		}
	case uint32:
		if param != ParamUint {
			return mismatch()
		}
	case float32:
		if param != ParamFloat {
			return mismatch()
		}
	default:
		return mismatch()
	}
	k.args[index] = value
	k.set[index] = true
	return nil
}

// snapshot copies the bound arguments so later SetArg calls do not affect a
// launch that is already queued.
func (k *hostKernel) snapshot() ([]any, error) {
	for i, ok := range k.set {
		if !ok {
			return nil, Errorf(KindRuntimeDispatch, "EnqueueKernel", "all kernel arguments set", nil,
				"Argument %d of kernel %q is not set", i, k.linked.name)
		}
	}
	args := make([]any, len(k.args))
	copy(args, k.args)
	return args, nil
}

func (k *hostKernel) Release() error {
	return nil
}
