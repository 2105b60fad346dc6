package job

import (
	"context"
	"path/filepath"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
	"github.com/nixhive/evaljobs/pkg/accessor"
	"github.com/nixhive/evaljobs/pkg/eval"
)

// Params carries the per-run switches that influence job construction and
// evaluation.
type Params struct {
	// Meta includes derivation metadata in extracted Drvs.
	Meta bool

	// GCRootsDir, when non-empty, receives one indirect GC root per
	// evaluated derivation.
	GCRootsDir string
}

// Job is what a path resolves to. The type is a closed sum over Drvs,
// Attrs, and List.
type Job interface {
	// Eval produces the job's results: the Drv leaves for a Drvs job, or a
	// single Children result for a collection node.
	Eval(ctx context.Context, sess eval.Session, p Params) ([]Result, error)

	sealed()
}

// Result is one evaluation result: either a *Drv leaf or a Children list.
type Result interface {
	resultSealed()
}

func (*Drv) resultSealed() {}

// Children enumerates the immediate children of a collection node.
type Children []accessor.Accessor

func (Children) resultSealed() {}

// Drvs is a bundle of one or more leaf derivations at a single path. More
// than one appears when the node is a recurseForDerivations set.
type Drvs struct {
	Drvs []*Drv
}

func (*Drvs) sealed() {}

// Eval registers GC roots when configured and returns the Drv leaves.
func (j *Drvs) Eval(ctx context.Context, sess eval.Session, p Params) ([]Result, error) {
	if p.GCRootsDir != "" {
		for _, d := range j.Drvs {
			root := filepath.Join(p.GCRootsDir, d.RootName())
			if err := sess.AddPermRoot(ctx, d.DrvPath, root); err != nil {
				return nil, err
			}
		}
	}

	out := make([]Result, 0, len(j.Drvs))
	for _, d := range j.Drvs {
		out = append(out, d)
	}
	return out, nil
}

// Attrs is an attribute-set node.
type Attrs struct {
	v eval.Value
}

func (*Attrs) sealed() {}

// Eval enumerates the attribute names in lexicographic order.
func (j *Attrs) Eval(ctx context.Context, sess eval.Session, p Params) ([]Result, error) {
	names, err := sess.AttrNames(j.v)
	if err != nil {
		return nil, err
	}
	children := make(Children, 0, len(names))
	for _, name := range names {
		children = append(children, accessor.Name(name))
	}
	return []Result{children}, nil
}

// List is a list node.
type List struct {
	v eval.Value
}

func (*List) sealed() {}

// Eval enumerates indices 0..n-1.
func (j *List) Eval(ctx context.Context, sess eval.Session, p Params) ([]Result, error) {
	n, err := sess.ListLen(j.v)
	if err != nil {
		return nil, err
	}
	children := make(Children, 0, n)
	for i := 0; i < n; i++ {
		children = append(children, accessor.Index(i))
	}
	return []Result{children}, nil
}

// Classify builds a Job from a forced value, trying Drvs, then Attrs, then
// List. A null value deliberately yields no job and no error: the worker
// responds with a bare done. Any other kind is a TypeError naming the kind.
func Classify(ctx context.Context, sess eval.Session, v eval.Value, p Params) (Job, error) {
	infos, err := sess.Derivations(ctx, v)
	if err != nil {
		return nil, err
	}
	if len(infos) > 0 {
		drvs := make([]*Drv, 0, len(infos))
		for _, info := range infos {
			d, err := FromDrvInfo(info, p.Meta)
			if err != nil {
				return nil, err
			}
			drvs = append(drvs, d)
		}
		return &Drvs{Drvs: drvs}, nil
	}

	switch kind := sess.Kind(v); kind {
	case eval.KindAttrs:
		return &Attrs{v: v}, nil
	case eval.KindList:
		return &List{v: v}, nil
	case eval.KindNull:
		return nil, nil
	default:
		return nil, apperrors.Typef("expecting a derivation, an attrset or a list, got: %s", kind)
	}
}

// Walk follows a path from the root value, forcing at each step, and
// classifies the destination. A missing attribute is an EvalError naming
// the attribute and the path; an out-of-range index is the session's
// EvalError, which names the index and the list length.
func Walk(ctx context.Context, sess eval.Session, path accessor.Path, root eval.Value, p Params) (Job, error) {
	v, err := sess.Force(ctx, root)
	if err != nil {
		return nil, err
	}

	for _, a := range path {
		var next eval.Value
		var walkErr error

		a.Handle(accessor.Handlers{
			Name: func(n accessor.Name) {
				child, ok, err := sess.Attr(v, string(n))
				if err != nil {
					walkErr = err
					return
				}
				if !ok {
					walkErr = apperrors.Evalf("attribute '%s' not found along path %s", string(n), path)
					return
				}
				next = child
			},
			Index: func(i accessor.Index) {
				child, err := sess.ListElem(v, int(i))
				if err != nil {
					walkErr = err
					return
				}
				next = child
			},
		})
		if walkErr != nil {
			return nil, walkErr
		}

		v, err = sess.Force(ctx, next)
		if err != nil {
			return nil, err
		}
	}

	return Classify(ctx, sess, v, p)
}
