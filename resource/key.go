// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// Transformation names a transformation applied to a decoded
// artifact, such as a center crop or a rotation.  Transformations
// participate in cache keys by name only; the actual transform code
// lives with the Decoder.
type Transformation string

// Options carries decoder-specific settings that affect the decoded
// output and therefore participate in the cache key.  Values must be
// scalars with a deterministic fmt representation (strings, numbers,
// booleans).
type Options map[string]interface{}

// KeySpec collects everything that identifies a single decode
// request.  Two requests with equal specs (up to ordering of
// Transformations and Options) produce the same Key.
type KeySpec struct {
	// Model identifies the source data: a URL, a file path, or
	// any other stable identity string understood by a registered
	// fetcher.
	Model string

	// Signature is an optional caller-supplied version marker.
	// Bumping the signature invalidates every cached artifact for
	// the model.
	Signature string

	// Width and Height are the target dimensions in pixels.
	Width  int
	Height int

	// Transformations applied to the decoded artifact, in any
	// order; the key is order-independent over this set.
	Transformations []Transformation

	// ResultType names the kind of artifact requested, for
	// instance "bitmap" or "animation".
	ResultType string

	// Options are decoder settings that change the output.
	Options Options
}

// Key is an immutable, comparable fingerprint of a decode request.
// Keys are built once per request by NewKey and never mutated; they
// are used directly as map keys throughout the engine.
type Key struct {
	digest string
}

// NewKey canonicalizes a KeySpec into a Key.  Equality is
// deterministic and independent of the ordering of the spec's
// transformation set and options map.
func NewKey(spec KeySpec) Key {
	h := sha256.New()
	fmt.Fprintf(h, "model=%s;sig=%s;w=%d;h=%d;type=%s;",
		spec.Model, spec.Signature, spec.Width, spec.Height, spec.ResultType)

	transforms := make([]string, len(spec.Transformations))
	for i, t := range spec.Transformations {
		transforms[i] = string(t)
	}
	sort.Strings(transforms)
	for _, t := range transforms {
		fmt.Fprintf(h, "t=%s;", t)
	}

	optionKeys := make([]string, 0, len(spec.Options))
	for k := range spec.Options {
		optionKeys = append(optionKeys, k)
	}
	sort.Strings(optionKeys)
	for _, k := range optionKeys {
		fmt.Fprintf(h, "o=%s=%v;", k, spec.Options[k])
	}

	return Key{digest: hex.EncodeToString(h.Sum(nil))}
}

// IsZero reports whether this is the zero Key, which no NewKey call
// produces.
func (k Key) IsZero() bool {
	return k.digest == ""
}

// String returns an abbreviated form of the key digest suitable for
// logging.
func (k Key) String() string {
	if k.digest == "" {
		return "Key()"
	}
	return "Key(" + k.digest[:12] + ")"
}

// DataKey derives the disk-cache key for unmodified source data.
// Disk keys are content-specific, not request-specific: two requests
// for the same model at different sizes share one data entry.
func DataKey(model, signature string) string {
	h := sha256.New()
	io.WriteString(h, "data;")
	io.WriteString(h, model)
	io.WriteString(h, ";")
	io.WriteString(h, signature)
	return hex.EncodeToString(h.Sum(nil))
}
