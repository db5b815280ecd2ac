// Package checkpoint saves and restores the full parameter mapping of a
// model context to a single file.
//
// The file is a gob stream: a header listing every parameter (name,
// dimensions and trainable flag, in name order), followed by one serialized
// tensor per header entry. Values round-trip bit-for-bit, so a restored
// model computes exactly what the saved one did.
//
// Unlike a training-loop checkpoint handler, this package never keeps state
// between calls: Save and Restore operate on the context passed in and
// return.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the directory creation permission (before umask) used by Save.
var DirPermMode = os.FileMode(0770)

// ErrParameterMismatch is returned by Restore when the checkpoint's
// parameter names or shapes do not exactly match the context's variables.
var ErrParameterMismatch = errors.New("checkpoint parameters do not match the model's parameters")

// entry describes one parameter in the checkpoint header.
type entry struct {
	// Name is the variable's unique parameter name (scope + name).
	Name string

	// Dimensions of the parameter tensor.
	Dimensions []int

	// Trainable records whether the variable takes gradients, so a restored
	// model can resume training with the same set of frozen parameters.
	Trainable bool
}

// EpochPath returns the conventional location of a checkpoint:
// <root>/<mode>/<name>/<name>_epoch_<epoch>.bin.
func EpochPath(root, mode, name string, epoch int) string {
	return filepath.Join(root, mode, name, fmt.Sprintf("%s_epoch_%d.bin", name, epoch))
}

// variablesByName returns the context's variables sorted by parameter name,
// so the file layout does not depend on enumeration order.
func variablesByName(ctx *context.Context) []*context.Variable {
	vars := make([]*context.Variable, 0, ctx.NumVariables())
	ctx.EnumerateVariables(func(v *context.Variable) {
		vars = append(vars, v)
	})
	sort.Slice(vars, func(i, j int) bool {
		return vars[i].ParameterName() < vars[j].ParameterName()
	})
	return vars
}

// Save writes all of the context's variables to a checkpoint file at path.
//
// If the containing directory does not exist it is created (recursively) and
// the creation is logged. If a file already exists at path and overwrite is
// false, nothing is written and Save returns (false, nil): skipping is a
// policy outcome, not an error.
func Save(ctx *context.Context, path string, overwrite bool) (saved bool, err error) {
	dir := filepath.Dir(path)
	if _, statErr := os.Stat(dir); statErr != nil {
		if !os.IsNotExist(statErr) {
			return false, errors.Wrapf(statErr, "failed to os.Stat(%q)", dir)
		}
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			return false, errors.Wrapf(err, "trying to create dir %q", dir)
		}
		klog.Infof("created new folder at %q", dir)
	}
	if _, statErr := os.Stat(path); statErr == nil && !overwrite {
		klog.V(1).Infof("checkpoint %q already exists and overwrite is disabled, nothing written", path)
		return false, nil
	}

	vars := variablesByName(ctx)
	header := make([]entry, 0, len(vars))
	for _, v := range vars {
		header = append(header, entry{
			Name:       v.ParameterName(),
			Dimensions: v.Shape().Dimensions,
			Trainable:  v.Trainable,
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return false, errors.Wrapf(err, "failed to create checkpoint file %q", path)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(header); err != nil {
		_ = f.Close()
		return false, errors.Wrapf(err, "failed to write checkpoint header to %q", path)
	}
	for _, v := range vars {
		if err = v.Value().GobSerialize(enc); err != nil {
			_ = f.Close()
			return false, errors.Wrapf(err, "failed to write parameter %q to %q", v.ParameterName(), path)
		}
	}
	if err = f.Close(); err != nil {
		return false, errors.Wrapf(err, "failed to close checkpoint file %q", path)
	}
	klog.Infof("checkpoint saved to %q", path)
	return true, nil
}

// Restore hydrates the context's variables from the checkpoint at path.
//
// The checkpoint's parameter name set must match the context's exactly, and
// every shape must agree; otherwise Restore returns ErrParameterMismatch
// (wrapped with details) without modifying any variable. A missing file
// surfaces the underlying open error.
func Restore(ctx *context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "cannot open checkpoint %q", path)
	}
	defer func() { _ = f.Close() }()

	dec := gob.NewDecoder(f)
	var header []entry
	if err = dec.Decode(&header); err != nil {
		return errors.Wrapf(err, "failed to read checkpoint header from %q", path)
	}
	loaded := make(map[string]*tensors.Tensor, len(header))
	trainable := make(map[string]bool, len(header))
	for _, e := range header {
		var t *tensors.Tensor
		t, err = tensors.GobDeserialize(dec)
		if err != nil {
			return errors.Wrapf(err, "failed to read parameter %q from %q", e.Name, path)
		}
		loaded[e.Name] = t
		trainable[e.Name] = e.Trainable
	}

	// Verify the full mapping before touching any variable, so a mismatch
	// never leaves the model partially hydrated.
	vars := variablesByName(ctx)
	var missing, shapeErrs []string
	for _, v := range vars {
		t, found := loaded[v.ParameterName()]
		if !found {
			missing = append(missing, v.ParameterName())
			continue
		}
		if !t.Shape().Equal(v.Shape()) {
			shapeErrs = append(shapeErrs,
				fmt.Sprintf("%s: checkpoint has %s, model wants %s", v.ParameterName(), t.Shape(), v.Shape()))
		}
	}
	var extra []string
	if len(loaded) != len(vars)-len(missing) {
		known := make(map[string]bool, len(vars))
		for _, v := range vars {
			known[v.ParameterName()] = true
		}
		for name := range loaded {
			if !known[name] {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
	}
	if len(missing) > 0 || len(extra) > 0 || len(shapeErrs) > 0 {
		return errors.Wrapf(ErrParameterMismatch,
			"checkpoint %q: missing parameters %v, unexpected parameters %v, shape mismatches %v",
			path, missing, extra, shapeErrs)
	}

	for _, v := range vars {
		v.SetValue(loaded[v.ParameterName()])
		v.Trainable = trainable[v.ParameterName()]
	}
	return nil
}
