// Package nixexec implements eval.Session on top of the system `nix` CLI.
//
// Every inspection shells out to `nix eval --json` with an inspector
// function applied to the top-level value. Values are selectors (accessor
// chains from the root); forcing a value runs the inspector once and caches
// the classification, so a walk of depth d costs d evaluator invocations.
//
// The evaluator environment is pinned per the process-reclamation design:
// NIX_PATH is cleared so evaluation cannot grow undeclared dependencies,
// and GC_DONT_GC=1 disables the conservative collector, since memory is
// reclaimed by worker process teardown instead.
package nixexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/eval"
)

// Session drives the system nix CLI.
type Session struct {
	opts    eval.Options
	nixBin  string
	argsNix string // auto-call arguments as a nix attrset literal
}

var _ eval.Session = (*Session)(nil)

// Open locates the nix binary and prepares a session. No evaluation happens
// until the root value is forced.
func Open(ctx context.Context, opts eval.Options) (*Session, error) {
	nixBin, err := exec.LookPath("nix")
	if err != nil {
		return nil, &apperrors.FatalWorkerError{Msg: "cannot open store: nix not found in PATH"}
	}
	if opts.Expr == "" {
		return nil, apperrors.Usagef("no expression specified")
	}
	return &Session{
		opts:    opts,
		nixBin:  nixBin,
		argsNix: argsAttrset(opts.Args),
	}, nil
}

// argsAttrset renders auto-call arguments as a nix attrset literal.
func argsAttrset(args []eval.Arg) string {
	if len(args) == 0 {
		return "{ }"
	}
	var b strings.Builder
	b.WriteString("{ ")
	for _, a := range args {
		b.WriteString(quoteName(a.Name))
		b.WriteString(" = ")
		if a.Str {
			b.WriteString(quoteString(a.Value))
		} else {
			b.WriteString("(" + a.Value + ")")
		}
		b.WriteString("; ")
	}
	b.WriteString("}")
	return b.String()
}

type step struct {
	name  string
	index int
	isIdx bool
}

// value is a selector from the root plus the cached inspection result.
type value struct {
	steps []step
	info  *inspection
}

type inspection struct {
	Kind   string    `json:"kind"`
	Length int       `json:"length"`
	Names  []string  `json:"names"`
	Drvs   []drvInfo `json:"drvs"`
}

type drvInfo struct {
	DrvName   string                     `json:"name"`
	DrvSystem string                     `json:"system"`
	Path      string                     `json:"drvPath"`
	Outs      map[string]string          `json:"outputs"`
	MetaAttrs map[string]json.RawMessage `json:"meta"`
	metaNames []string
}

// Root implements eval.Session.
func (s *Session) Root(ctx context.Context) (eval.Value, error) {
	return &value{}, nil
}

// Force implements eval.Session. The first force of a selector runs the
// inspector; later forces are free.
func (s *Session) Force(ctx context.Context, v eval.Value) (eval.Value, error) {
	val := v.(*value)
	if val.info != nil {
		return val, nil
	}
	info, err := s.inspect(ctx, val.steps)
	if err != nil {
		return nil, err
	}
	val.info = info
	return val, nil
}

// Kind implements eval.Session.
func (s *Session) Kind(v eval.Value) eval.Kind {
	val := v.(*value)
	if val.info == nil {
		return eval.KindOther
	}
	switch val.info.Kind {
	case "attrs", "drvs":
		return eval.KindAttrs
	case "list":
		return eval.KindList
	case "null":
		return eval.KindNull
	case "string":
		return eval.KindString
	case "int", "float":
		return eval.KindNumber
	case "bool":
		return eval.KindBool
	case "lambda":
		return eval.KindFunction
	default:
		return eval.KindOther
	}
}

// AttrNames implements eval.Session.
func (s *Session) AttrNames(v eval.Value) ([]string, error) {
	val := v.(*value)
	if val.info == nil || val.info.Kind != "attrs" {
		return nil, apperrors.Typef("value at '%s' is not an attribute set", renderSteps(val.steps))
	}
	// `nix eval` emits attrNames already sorted.
	return append([]string(nil), val.info.Names...), nil
}

// Attr implements eval.Session. The parent must have been forced; presence
// is checked against the cached name list so a missing attribute costs no
// evaluator round trip.
func (s *Session) Attr(v eval.Value, name string) (eval.Value, bool, error) {
	val := v.(*value)
	if val.info == nil || val.info.Kind != "attrs" {
		return nil, false, apperrors.Typef("value at '%s' is not an attribute set", renderSteps(val.steps))
	}
	found := false
	for _, n := range val.info.Names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		return nil, false, nil
	}
	return &value{steps: appendStep(val.steps, step{name: name})}, true, nil
}

// ListLen implements eval.Session.
func (s *Session) ListLen(v eval.Value) (int, error) {
	val := v.(*value)
	if val.info == nil || val.info.Kind != "list" {
		return 0, apperrors.Typef("value at '%s' is not a list", renderSteps(val.steps))
	}
	return val.info.Length, nil
}

// ListElem implements eval.Session.
func (s *Session) ListElem(v eval.Value, i int) (eval.Value, error) {
	val := v.(*value)
	if val.info == nil || val.info.Kind != "list" {
		return nil, apperrors.Typef("value at '%s' is not a list", renderSteps(val.steps))
	}
	if i < 0 || i >= val.info.Length {
		return nil, apperrors.Evalf("list index %d out of range (length %d)", i, val.info.Length)
	}
	return &value{steps: appendStep(val.steps, step{index: i, isIdx: true})}, nil
}

// Derivations implements eval.Session.
func (s *Session) Derivations(ctx context.Context, v eval.Value) ([]eval.DrvInfo, error) {
	val := v.(*value)
	if val.info == nil || val.info.Kind != "drvs" {
		return nil, nil
	}
	out := make([]eval.DrvInfo, 0, len(val.info.Drvs))
	for i := range val.info.Drvs {
		d := &val.info.Drvs[i]
		if d.metaNames == nil {
			for name := range d.MetaAttrs {
				d.metaNames = append(d.metaNames, name)
			}
			sort.Strings(d.metaNames)
		}
		out = append(out, d)
	}
	return out, nil
}

// AddPermRoot implements eval.Session. The root is an indirect symlink;
// pointing --gc-roots-dir inside the store's gcroots tree makes it
// effective. Existing entries are left untouched.
func (s *Session) AddPermRoot(ctx context.Context, storePath, rootPath string) error {
	if _, err := os.Lstat(rootPath); err == nil {
		return nil
	}
	if err := os.Symlink(storePath, rootPath); err != nil {
		if os.IsExist(err) {
			// Another writer created the entry since the Lstat.
			return nil
		}
		return fmt.Errorf("create gc root: %w", err)
	}
	return nil
}

// Close implements eval.Session.
func (s *Session) Close() error { return nil }

// inspect runs the inspector over the value selected by steps.
func (s *Session) inspect(ctx context.Context, steps []step) (*inspection, error) {
	args := []string{"eval", "--json", "--apply", s.inspector(steps)}
	if s.opts.Flake {
		args = append(args, s.opts.Expr)
	} else {
		args = append(args, "--file", s.opts.Expr)
	}
	if s.opts.Impure {
		args = append(args, "--impure")
	}
	if s.opts.ShowTrace {
		args = append(args, "--show-trace")
	}
	// Avoid the build hook initiating downloads during evaluation.
	args = append(args, "--option", "builders", "")

	cmd := exec.CommandContext(ctx, s.nixBin, args...)
	cmd.Env = evalEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &apperrors.EvalError{Msg: fmt.Sprintf("error evaluating '%s'", renderSteps(steps)), Err: fmt.Errorf("%s", msg)}
	}

	var info inspection
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, &apperrors.EvalError{Msg: "unexpected evaluator output", Err: err}
	}
	return &info, nil
}

// evalEnv pins the evaluator environment: NIX_PATH cleared, conservative
// GC off, private cache dir.
func evalEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "NIX_PATH=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "GC_DONT_GC=1")
	if dir, err := os.MkdirTemp("", "evaljobs-cache-"); err == nil {
		out = append(out, "XDG_CACHE_HOME="+dir)
	}
	return out
}

// inspector builds the nix function applied to the top-level value. It
// auto-calls functions with the session arguments, navigates the selector,
// and classifies the result.
func (s *Session) inspector(steps []step) string {
	var nav strings.Builder
	nav.WriteString("(call root)")
	for _, st := range steps {
		cur := nav.String()
		nav.Reset()
		if st.isIdx {
			nav.WriteString("(call (builtins.elemAt " + cur + " " + strconv.Itoa(st.index) + "))")
		} else {
			nav.WriteString("(call (" + cur + "." + quoteName(st.name) + "))")
		}
	}

	return `root:
let
  autoArgs = ` + s.argsNix + `;
  call = v: if builtins.isFunction v
            then call (v (builtins.intersectAttrs (builtins.functionArgs v) autoArgs))
            else v;
  v = ` + nav.String() + `;
  isDrv = x: builtins.isAttrs x && (x.type or "") == "derivation";
  collect = x:
    if isDrv x then [ x ]
    else if builtins.isAttrs x && (x.recurseForDerivations or false)
    then builtins.concatMap collect (builtins.attrValues (removeAttrs x [ "recurseForDerivations" ]))
    else [ ];
  outPathOf = d: o:
    let r = builtins.tryEval (d.${o}.outPath or null);
    in if r.success && r.value != null then [ { name = o; value = r.value; } ] else [ ];
  metaOf = d:
    let names = builtins.attrNames (d.meta or { });
        entry = n:
          let r = builtins.tryEval (builtins.fromJSON (builtins.toJSON d.meta.${n}));
          in if r.success then [ { name = n; value = r.value; } ] else [ ];
    in builtins.listToAttrs (builtins.concatMap entry names);
  drvInfo = d: {
    name = d.name or "";
    system = d.system or "unknown";
    drvPath = d.drvPath;
    outputs = builtins.listToAttrs (builtins.concatMap (outPathOf d) (d.outputs or [ "out" ]));
    meta = metaOf d;
  };
in
  if isDrv v || (builtins.isAttrs v && (v.recurseForDerivations or false))
  then { kind = "drvs"; drvs = map drvInfo (collect v); }
  else if builtins.isList v then { kind = "list"; length = builtins.length v; }
  else if builtins.isAttrs v then { kind = "attrs"; names = builtins.attrNames v; }
  else if v == null then { kind = "null"; }
  else { kind = builtins.typeOf v; }`
}

func appendStep(steps []step, st step) []step {
	out := make([]step, len(steps), len(steps)+1)
	copy(out, steps)
	return append(out, st)
}

func renderSteps(steps []step) string {
	var b strings.Builder
	for i, st := range steps {
		if i > 0 {
			b.WriteByte('.')
		}
		if st.isIdx {
			b.WriteString(strconv.Itoa(st.index))
		} else {
			b.WriteString(st.name)
		}
	}
	return b.String()
}

// quoteName quotes an attribute name for use after a `.` selector.
func quoteName(name string) string {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' ||
			(i > 0 && (c >= '0' && c <= '9' || c == '-' || c == '\'')) {
			continue
		}
		return quoteString(name)
	}
	if name == "" {
		return `""`
	}
	return name
}

// quoteString renders a nix string literal.
func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\', '$':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func (d *drvInfo) Name() string   { return d.DrvName }
func (d *drvInfo) System() string { return d.DrvSystem }

func (d *drvInfo) DrvPath() (string, error) {
	if d.Path == "" {
		return "", apperrors.Evalf("derivation %q has no drv path", d.DrvName)
	}
	return d.Path, nil
}

func (d *drvInfo) Outputs() (map[string]string, error) {
	out := make(map[string]string, len(d.Outs))
	for name, p := range d.Outs {
		out[name] = p
	}
	return out, nil
}

func (d *drvInfo) MetaNames() []string { return append([]string(nil), d.metaNames...) }

func (d *drvInfo) Meta(name string) (json.RawMessage, bool) {
	raw, ok := d.MetaAttrs[name]
	return raw, ok
}
